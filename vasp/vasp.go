// Package vasp contains the VASP: it keeps the payments negotiated with its
// peers, applies the commands received from them, and delivers the commands
// produced in response.
package vasp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/raymondfx/reference-wallet/address"
	"github.com/raymondfx/reference-wallet/attest"
	"github.com/raymondfx/reference-wallet/business"
	"github.com/raymondfx/reference-wallet/channel"
	"github.com/raymondfx/reference-wallet/logger"
	"github.com/raymondfx/reference-wallet/msg"
	"github.com/raymondfx/reference-wallet/payment"
	"github.com/raymondfx/reference-wallet/state"
	"github.com/raymondfx/reference-wallet/store"
)

var (
	// ErrNotFound is wrapped by errors of lookups of unknown payments.
	ErrNotFound = store.ErrNotFound
	// ErrClosed is returned once the VASP is closed.
	ErrClosed = errors.New("vasp closed")
	// ErrNotStarted is returned when commands are handled before
	// StartServices.
	ErrNotStarted = errors.New("vasp services not started")
	// ErrExists is returned when initiating a payment already known.
	ErrExists = errors.New("payment already exists")
)

// Settler settles payments once both VASPs are ready for settlement.
type Settler interface {
	Settle(ctx context.Context, p payment.Object) error
}

type Config struct {
	Address  address.Address
	Business business.Context
	Info     business.VASPInfo

	// Store defaults to an in-memory store.
	Store     store.Store
	Transport channel.Transport
	// Retry bounds deliveries and local applications failing transiently.
	Retry channel.RetryPolicy
	// AbortOnRetryExhaustion aborts a payment whose command could not be
	// delivered after all retries. The payment otherwise stays as it is until
	// the peer delivers its last command again.
	AbortOnRetryExhaustion bool

	// Settler is called once per payment by the sending VASP. Optional.
	Settler Settler

	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Core is a VASP negotiating payments with its peers.
type Core struct {
	address           address.Address
	business          business.Context
	info              business.VASPInfo
	store             store.Store
	processor         *state.Processor
	channels          *channel.Manager
	retry             channel.RetryPolicy
	abortOnExhaustion bool
	settler           Settler
	metrics           *metrics
	log               *slog.Logger

	locks keyedMutex

	// tasks tracks the goroutines delivering commands.
	tasks sync.WaitGroup

	// mu is a lock for the mutable fields below.
	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	waiters map[string]*waiter
	resends map[string]int
}

// maxSignatureResends bounds how many times a payment is signed again after
// the peer rejected its recipient signature, before it is aborted.
const maxSignatureResends = 3

func New(c Config) (*Core, error) {
	if c.Business == nil || c.Info == nil || c.Transport == nil {
		return nil, errors.New("business context, vasp info and transport are required")
	}
	log := c.Logger
	if log == nil {
		log = logger.Discard()
	}
	log = log.With(logger.VASP(c.Address))

	m, err := newMetrics(c.Registerer)
	if err != nil {
		return nil, fmt.Errorf("registering vasp metrics: %w", err)
	}
	channels, err := channel.NewManager(channel.Config{
		Info:       c.Info,
		Transport:  c.Transport,
		Retry:      c.Retry,
		Registerer: c.Registerer,
		Logger:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("creating channel manager: %w", err)
	}

	core := &Core{
		address:           c.Address.Onchain(),
		business:          c.Business,
		info:              c.Info,
		store:             c.Store,
		retry:             c.Retry,
		abortOnExhaustion: c.AbortOnRetryExhaustion,
		settler:           c.Settler,
		channels:          channels,
		metrics:           m,
		log:               log,
		waiters:           map[string]*waiter{},
		resends:           map[string]int{},
	}
	core.processor = state.NewProcessor(state.Config{
		Address:  c.Address,
		Business: c.Business,
		Logger:   log,
	})
	if core.store == nil {
		core.store = store.NewMemory()
	}
	if core.retry == (channel.RetryPolicy{}) {
		core.retry = channel.DefaultRetryPolicy
	}
	return core, nil
}

func (c *Core) Address() address.Address {
	return c.address
}

func (c *Core) Info() business.VASPInfo {
	return c.info
}

// StartServices resumes the delivery of the last command of every payment
// found in the store. Commands are handled only once
// the services are started.
func (c *Core) StartServices(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return errors.New("vasp services already started")
	}
	refs, err := c.store.ReferenceIDs()
	if err != nil {
		return fmt.Errorf("listing payments: %w", err)
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.group, ctx = errgroup.WithContext(ctx)
	c.group.Go(func() error {
		for _, ref := range refs {
			if ctx.Err() != nil {
				return nil
			}
			c.resume(ref)
		}
		return nil
	})
	c.started = true
	c.log.Info("vasp services started", slog.Int("payments", len(refs)))
	return nil
}

// resume delivers again the last command sent for the payment. Finished
// payments are resumed too since the peer may not have received the command
// that finished them. A peer that did answers it as a replay.
func (c *Core) resume(ref string) {
	unlock := c.locks.Lock(ref)
	defer unlock()

	rec, err := c.store.Get(ref)
	if err != nil || rec.LastOutbound == 0 {
		return
	}
	peer, err := rec.Counterparty().ParsedAddress()
	if err != nil {
		c.log.Warn("resuming payment", logger.ReferenceID(ref), logger.Error(err))
		return
	}
	ch, err := c.channels.Channel(peer)
	if err != nil {
		return
	}
	cmd := msg.NewCommand(c.address.OnchainString(), rec.LastOutbound, rec.Payment)
	if out, ok := lastResponse(rec); ok {
		cmd = out
	}
	d, err := ch.Resume(cmd)
	if err != nil {
		c.log.Debug("not resuming payment", logger.ReferenceID(ref), logger.Error(err))
		return
	}
	c.log.Info("resuming payment", logger.ReferenceID(ref), logger.Sequence(cmd.Sequence))
	c.watch(peer, d)
}

// lastResponse returns the last command sent in response to the counterparty.
func lastResponse(rec state.Record) (msg.Command, bool) {
	for _, out := range rec.Responses {
		if out.Sequence == rec.LastOutbound {
			return out, true
		}
	}
	return msg.Command{}, false
}

// Close stops accepting commands, cancels the retries of deliveries and waits
// for the deliveries in flight. Payments are left as last applied. Closing more
// than once is a no-op.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, group := c.cancel, c.group
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var errs []error
	if group != nil {
		errs = append(errs, group.Wait())
	}
	errs = append(errs, c.channels.Close())
	c.tasks.Wait()
	errs = append(errs, c.store.Close())
	c.log.Info("vasp closed")
	return errors.Join(errs...)
}

// goTask runs f unless the VASP is closed.
func (c *Core) goTask(f func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		f()
	}()
	return true
}

// GetPaymentByRef returns the payment with the reference id as last applied.
func (c *Core) GetPaymentByRef(referenceID string) (payment.Object, error) {
	rec, err := c.store.Get(referenceID)
	if err != nil {
		return payment.Object{}, fmt.Errorf("getting payment %s: %w", referenceID, err)
	}
	return rec.Payment, nil
}

// ReferenceIDs returns the reference ids of all payments known.
func (c *Core) ReferenceIDs() ([]string, error) {
	return c.store.ReferenceIDs()
}

// Wait waits until the negotiation of the payment is over, both actors being
// ready for settlement or one having aborted, and returns the payment.
func (c *Core) Wait(ctx context.Context, referenceID string) (payment.Object, error) {
	for {
		w := c.addWaiter(referenceID)
		rec, err := c.store.Get(referenceID)
		switch {
		case err != nil && !errors.Is(err, store.ErrNotFound):
			c.removeWaiter(referenceID, w)
			return payment.Object{}, err
		case err == nil && rec.Done():
			c.removeWaiter(referenceID, w)
			return rec.Payment, nil
		}
		select {
		case <-w.done:
			c.removeWaiter(referenceID, w)
		case <-ctx.Done():
			c.removeWaiter(referenceID, w)
			return payment.Object{}, ctx.Err()
		}
	}
}

// waiter is closed when a payment is next committed. n counts the calls of
// Wait holding it.
type waiter struct {
	done chan struct{}
	n    int
}

func (c *Core) addWaiter(referenceID string) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.waiters[referenceID]
	if !ok {
		w = &waiter{done: make(chan struct{})}
		c.waiters[referenceID] = w
	}
	w.n++
	return w
}

// removeWaiter releases w, dropping it once no call of Wait holds it.
func (c *Core) removeWaiter(referenceID string, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w.n--
	if w.n == 0 && c.waiters[referenceID] == w {
		delete(c.waiters, referenceID)
	}
}

// notify wakes the waiters of the payment.
func (c *Core) notify(referenceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.waiters[referenceID]; ok {
		close(w.done)
		delete(c.waiters, referenceID)
	}
}

// Future is the result of initiating a payment.
type Future struct {
	done    chan struct{}
	applied bool
	err     error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(applied bool, err error) *Future {
	f.applied, f.err = applied, err
	close(f.done)
	return f
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result waits for the future and returns whether the payment was applied
// locally, stored and acknowledged by the peer.
func (f *Future) Result(ctx context.Context) (bool, error) {
	select {
	case <-f.done:
		return f.applied, f.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// NewCommand initiates the payment with the peer. The future resolves once the
// first command of the payment is applied locally and delivered, not when the
// negotiation is over.
func (c *Core) NewCommand(ctx context.Context, peer address.Address, p payment.Object) *Future {
	f := newFuture()
	if !c.goTask(func() {
		f.resolve(c.newCommand(ctx, peer, p))
	}) {
		return f.resolve(false, ErrClosed)
	}
	return f
}

func (c *Core) newCommand(ctx context.Context, peer address.Address, p payment.Object) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	role, ok := p.RoleOf(c.address)
	if !ok {
		return false, business.NotAuthorized("vasp %s is not an actor of payment %s", c.address.OnchainString(), p.ReferenceID)
	}
	if r, ok := p.RoleOf(peer); !ok || r != role.Other() {
		return false, fmt.Errorf("%w: peer %s is not the counterparty of payment %s", payment.ErrInvalid, peer.OnchainString(), p.ReferenceID)
	}
	if err := c.openChannel(ctx, peer); err != nil {
		return false, err
	}

	log := c.log.With(logger.ReferenceID(p.ReferenceID))
	d, err := func() (*channel.Delivery, error) {
		unlock := c.locks.Lock(p.ReferenceID)
		defer unlock()

		if _, err := c.store.Get(p.ReferenceID); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrExists, p.ReferenceID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		rec := state.NewRecord(p)
		var next state.Record
		var out *msg.Command
		_, err := c.retry.Do(ctx, business.IsTransient, func(ctx context.Context) (err error) {
			next, out, err = c.processor.Apply(ctx, rec, nil)
			return err
		})
		if err != nil && !(business.IsFatal(err) && out != nil) {
			return nil, fmt.Errorf("applying payment %s: %w", p.ReferenceID, err)
		}
		if perr := c.commit(ctx, next); perr != nil {
			return nil, perr
		}
		d := c.send(peer, *out)
		if err != nil {
			return nil, fmt.Errorf("applying payment %s: %w", p.ReferenceID, err)
		}
		return d, nil
	}()
	if err != nil {
		log.Warn("initiating payment", logger.Error(err))
		return false, err
	}
	if d == nil {
		return false, fmt.Errorf("delivering payment %s: %w", p.ReferenceID, ErrClosed)
	}
	log.Info("payment initiated", logger.Peer(peer))
	if err := d.Wait(ctx); err != nil {
		return false, fmt.Errorf("delivering payment %s: %w", p.ReferenceID, err)
	}
	return true, nil
}

func (c *Core) openChannel(ctx context.Context, peer address.Address) error {
	_, err := c.retry.Do(ctx, business.IsTransient, func(ctx context.Context) error {
		return c.business.OpenChannelTo(ctx, peer)
	})
	if err != nil {
		return fmt.Errorf("opening channel to %s: %w", peer.OnchainString(), err)
	}
	return nil
}

// HandleCommand applies a command received from the peer. The error
// returned is nil or a *msg.Error to return to the peer.
func (c *Core) HandleCommand(ctx context.Context, peer address.Address, cmd msg.Command) error {
	c.mu.Lock()
	started, closed := c.started, c.closed
	c.mu.Unlock()
	if closed {
		return msg.NewError(msg.CodeClosed, "vasp closed")
	}
	if !started {
		return msg.NewError(msg.CodeClosed, "vasp not started")
	}
	return c.handle(ctx, peer, cmd)
}

func (c *Core) handle(ctx context.Context, peer address.Address, cmd msg.Command) error {
	log := c.log.With(logger.ReferenceID(cmd.ReferenceID), logger.Sequence(cmd.Sequence))
	origin, err := address.Parse(cmd.Origin)
	if err != nil {
		c.metrics.commands.WithLabelValues(resultMalformed).Inc()
		return msg.NewError(msg.CodeMalformed, "origin: %v", err)
	}
	if !origin.SameVASP(peer) {
		c.metrics.commands.WithLabelValues(resultMalformed).Inc()
		return msg.NewError(msg.CodeMalformed, "command from %s sent by %s", origin.OnchainString(), peer.OnchainString())
	}
	peer = peer.Onchain()

	unlock := c.locks.Lock(cmd.ReferenceID)
	defer unlock()

	rec, err := c.store.Get(cmd.ReferenceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := c.business.OpenChannelTo(ctx, peer); err != nil {
			c.metrics.commands.WithLabelValues(resultRejected).Inc()
			return wireError(err)
		}
	case err != nil:
		log.Error("reading payment", logger.Error(err))
		return msg.NewError(msg.CodeValidationFailure, "reading payment %s", cmd.ReferenceID)
	}

	next, out, err := c.processor.Apply(ctx, rec, &cmd)
	if err != nil && !(business.IsFatal(err) && out != nil) {
		log.Debug("command rejected", logger.Error(err))
		c.metrics.commands.WithLabelValues(resultRejected).Inc()
		return wireError(err)
	}
	replay := cmd.Sequence <= rec.LastInbound && rec.Payment.ReferenceID != ""
	if !replay {
		if perr := c.commit(ctx, next); perr != nil {
			return msg.NewError(msg.CodeValidationFailure, "storing payment %s", cmd.ReferenceID)
		}
	}
	if out != nil {
		c.send(peer, *out)
	}
	if err != nil {
		c.metrics.commands.WithLabelValues(resultRejected).Inc()
		return wireError(err)
	}
	if replay {
		c.metrics.commands.WithLabelValues(resultReplayed).Inc()
	} else {
		c.metrics.commands.WithLabelValues(resultApplied).Inc()
		log.Debug("command applied", logger.Status(next.Status()))
	}
	return nil
}

// commit stores the record, notifies its waiters and triggers its settlement.
// It must be called holding the lock of the payment.
func (c *Core) commit(ctx context.Context, rec state.Record) error {
	settle := rec.Role == payment.RoleSender && rec.Ready() && !rec.Settled
	if settle {
		rec.Settled = true
	}
	if err := c.store.Put(rec); err != nil {
		c.log.Error("storing payment", logger.ReferenceID(rec.Payment.ReferenceID), logger.Error(err))
		return err
	}
	if settle {
		c.metrics.settlements.Inc()
		c.log.Info("settling payment", logger.ReferenceID(rec.Payment.ReferenceID))
		if c.settler != nil {
			if err := c.settler.Settle(ctx, rec.Payment); err != nil {
				c.log.Error("settling payment", logger.ReferenceID(rec.Payment.ReferenceID), logger.Error(err))
			}
		}
	}
	if rec.Done() {
		c.notify(rec.Payment.ReferenceID)
	}
	return nil
}

// send enqueues the command to the peer and handles its failure. It returns
// nil if the command was not enqueued.
func (c *Core) send(peer address.Address, cmd msg.Command) *channel.Delivery {
	log := c.log.With(logger.ReferenceID(cmd.ReferenceID), logger.Sequence(cmd.Sequence))
	ch, err := c.channels.Channel(peer)
	if err != nil {
		log.Warn("sending command", logger.Error(err))
		return nil
	}
	d, err := ch.Enqueue(cmd)
	if errors.Is(err, channel.ErrReplay) {
		log.Debug("command already sent")
		return nil
	}
	if err != nil {
		log.Warn("sending command", logger.Error(err))
		return nil
	}
	if !c.watch(peer, d) {
		return nil
	}
	return d
}

// watch handles the failure of the delivery once done.
func (c *Core) watch(peer address.Address, d *channel.Delivery) bool {
	return c.goTask(func() {
		<-d.Done()
		if err := d.Err(); err != nil {
			c.deliveryFailed(peer, d.Command, err)
		}
	})
}

// deliveryFailed handles a command that could not be delivered to the peer.
func (c *Core) deliveryFailed(peer address.Address, cmd msg.Command, err error) {
	log := c.log.With(logger.ReferenceID(cmd.ReferenceID), logger.Sequence(cmd.Sequence))
	switch {
	case msg.CodeOf(err) == msg.CodeInvalidSignature:
		log.Warn("peer rejected recipient signature", logger.Error(err))
		c.resendSignature(peer, cmd)
	case errors.Is(err, channel.ErrRetriesExhausted) && c.abortOnExhaustion:
		log.Warn("aborting payment, peer unreachable", logger.Error(err))
		c.abort(peer, cmd)
	case errors.Is(err, channel.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, channel.ErrGap):
	default:
		log.Warn("command not delivered", logger.Error(err))
	}
}

// resendSignature signs the payment again and sends the command rejected with
// a new signature.
func (c *Core) resendSignature(peer address.Address, cmd msg.Command) {
	ref := cmd.ReferenceID
	log := c.log.With(logger.ReferenceID(ref))
	ctx := context.Background()

	unlock := c.locks.Lock(ref)
	defer unlock()

	rec, err := c.store.Get(ref)
	if err != nil || rec.LastOutbound != cmd.Sequence || rec.Role != payment.RoleReceiver {
		return
	}
	c.mu.Lock()
	c.resends[ref]++
	exhausted := c.resends[ref] > maxSignatureResends
	c.mu.Unlock()

	rec.LastOutbound--
	if exhausted {
		c.abortRecord(ctx, peer, rec)
		return
	}
	delete(rec.Own().Metadata, payment.MetadataRecipientSignature)
	var next state.Record
	var out *msg.Command
	_, err = c.retry.Do(ctx, business.IsTransient, func(ctx context.Context) (err error) {
		next, out, err = c.processor.Apply(ctx, rec, nil)
		return err
	})
	if err != nil && !(business.IsFatal(err) && out != nil) {
		log.Error("signing payment again", logger.Error(err))
		return
	}
	if c.commit(ctx, next) == nil {
		c.send(peer, *out)
	}
}

// abort aborts the payment whose command could not be delivered.
func (c *Core) abort(peer address.Address, cmd msg.Command) {
	unlock := c.locks.Lock(cmd.ReferenceID)
	defer unlock()

	rec, err := c.store.Get(cmd.ReferenceID)
	if err != nil || rec.LastOutbound != cmd.Sequence || rec.Done() {
		return
	}
	// The abort replaces the command not delivered.
	rec.LastOutbound--
	c.abortRecord(context.Background(), peer, rec)
}

func (c *Core) abortRecord(ctx context.Context, peer address.Address, rec state.Record) {
	next, out, err := c.processor.Abort(rec)
	if err != nil {
		return
	}
	if c.commit(ctx, next) == nil {
		c.send(peer, *out)
	}
}

// wireError returns the protocol error to answer a command rejected with err.
func wireError(err error) error {
	var (
		mErr *msg.Error
		oErr *state.OrderingError
	)
	switch {
	case errors.As(err, &mErr):
		return mErr
	case errors.As(err, &oErr):
		return msg.Resync(oErr.Expected)
	case errors.Is(err, state.ErrMalformed), errors.Is(err, payment.ErrInvalid):
		return msg.NewError(msg.CodeMalformed, "%v", err)
	case errors.Is(err, state.ErrAborted):
		return msg.NewError(msg.CodeAborted, "%v", err)
	case attest.IsVerificationError(err):
		return msg.NewError(msg.CodeInvalidSignature, "%v", err)
	case business.IsFatal(err):
		return msg.NewError(msg.CodeNotAuthorized, "%v", err)
	default:
		return msg.NewError(msg.CodeValidationFailure, "%v", err)
	}
}
