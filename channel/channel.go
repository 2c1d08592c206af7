// Package channel delivers the commands of a VASP to its peers.
//
// A Manager holds one Channel per peer. A Channel keeps, for every payment, a
// queue of commands delivered one at a time in sequence order, so that a peer
// never has two commands of the same payment in flight. Deliveries failing
// with a retryable error are attempted again according to a RetryPolicy.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/raymondfx/reference-wallet/address"
	"github.com/raymondfx/reference-wallet/business"
	"github.com/raymondfx/reference-wallet/logger"
	"github.com/raymondfx/reference-wallet/msg"
)

var (
	// ErrReplay is returned when enqueuing a command with a sequence already
	// sent.
	ErrReplay = errors.New("command already sent")
	// ErrGap is returned when enqueuing a command that does not follow the
	// last one sent.
	ErrGap = errors.New("command sequence gap")
	// ErrClosed is returned once the manager is closed.
	ErrClosed = errors.New("channel closed")
)

// Transport delivers a command to the VASP at the base URL. A rejection by
// the VASP is returned as a *msg.Error, any other error is a failure to reach
// the VASP.
type Transport interface {
	Deliver(ctx context.Context, baseURL string, cmd msg.Command) error
}

// Retryable reports whether a delivery that failed with err may be attempted
// again.
func Retryable(err error) bool {
	var e *msg.Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return !errors.Is(err, context.Canceled)
}

type Config struct {
	Info      business.VASPInfo
	Transport Transport
	Retry     RetryPolicy

	// Registerer registers the channel metrics when not nil.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Manager holds the channels of a VASP to its peers.
type Manager struct {
	info      business.VASPInfo
	transport Transport
	retry     RetryPolicy
	metrics   *metrics
	log       *slog.Logger

	// ctx is cancelled on Close, stopping retries.
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu       sync.Mutex
	closed   bool
	channels map[[address.OnchainLen]byte]*Channel
}

func NewManager(c Config) (*Manager, error) {
	m, err := newMetrics(c.Registerer)
	if err != nil {
		return nil, fmt.Errorf("registering channel metrics: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		info:      c.Info,
		transport: c.Transport,
		retry:     c.Retry.withDefaults(),
		metrics:   m,
		log:       c.Logger,
		ctx:       ctx,
		cancel:    cancel,
		channels:  map[[address.OnchainLen]byte]*Channel{},
	}
	if mgr.log == nil {
		mgr.log = logger.Discard()
	}
	return mgr, nil
}

// Channel returns the channel to the peer, creating it on first use.
func (m *Manager) Channel(peer address.Address) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if c, ok := m.channels[peer.VASP]; ok {
		return c, nil
	}
	baseURL, err := m.info.PeerBaseURL(peer)
	if err != nil {
		return nil, fmt.Errorf("getting base url of peer %s: %w", peer.OnchainString(), err)
	}
	c := &Channel{
		m:       m,
		peer:    peer.Onchain(),
		baseURL: baseURL,
		log:     m.log.With(logger.Peer(peer)),
		refs:    map[string]*queue{},
	}
	m.channels[peer.VASP] = c
	return c, nil
}

// Close stops retries and waits for the deliveries in flight to finish.
// Commands still queued fail with ErrClosed. Closing more than once is a
// no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	return m.group.Wait()
}

// goRun starts the delivery loop of a queue unless the manager is closed.
func (m *Manager) goRun(f func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.group.Go(func() error {
		f()
		return nil
	})
	return true
}

// Channel delivers commands to one peer.
type Channel struct {
	m       *Manager
	peer    address.Address
	baseURL string
	log     *slog.Logger

	// mu is a lock for refs and the queues it holds.
	mu   sync.Mutex
	refs map[string]*queue
}

type queue struct {
	lastSent  uint64
	lastAcked uint64
	pending   []*Delivery
	// history holds the commands acknowledged, by sequence.
	history map[uint64]msg.Command
	running bool
}

func (c *Channel) Peer() address.Address {
	return c.peer
}

func (c *Channel) BaseURL() string {
	return c.baseURL
}

// LastSent returns the sequence of the last command enqueued for the payment,
// and LastAcked the sequence of the last command the peer acknowledged.
func (c *Channel) LastSent(referenceID string) (sent, acked uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.refs[referenceID]; ok {
		return q.lastSent, q.lastAcked
	}
	return 0, 0
}

// Enqueue queues the command for delivery. The command must follow the last
// one enqueued for its payment: ErrReplay is returned for a command already
// enqueued and ErrGap for a command ahead of the next sequence.
func (c *Channel) Enqueue(cmd msg.Command) (*Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueue(c.queue(cmd.ReferenceID), cmd)
}

// Resume queues the command of a payment whose earlier commands were sent
// before the channel existed, such as before a restart. The command is
// delivered even if the peer already has it.
func (c *Channel) Resume(cmd msg.Command) (*Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queue(cmd.ReferenceID)
	if cmd.Sequence > q.lastSent+1 && len(q.pending) == 0 {
		q.lastSent = cmd.Sequence - 1
		q.lastAcked = q.lastSent
	}
	return c.enqueue(q, cmd)
}

func (c *Channel) queue(ref string) *queue {
	q, ok := c.refs[ref]
	if !ok {
		q = &queue{history: map[uint64]msg.Command{}}
		c.refs[ref] = q
	}
	return q
}

func (c *Channel) enqueue(q *queue, cmd msg.Command) (*Delivery, error) {
	if cmd.Sequence <= q.lastSent {
		return nil, fmt.Errorf("%w: command %d of %s, last sent %d", ErrReplay, cmd.Sequence, cmd.ReferenceID, q.lastSent)
	}
	if cmd.Sequence != q.lastSent+1 {
		return nil, fmt.Errorf("%w: command %d of %s, last sent %d", ErrGap, cmd.Sequence, cmd.ReferenceID, q.lastSent)
	}

	d := newDelivery(cmd)
	if !q.running {
		if !c.m.goRun(func() { c.run(cmd.ReferenceID, q) }) {
			return nil, ErrClosed
		}
		q.running = true
	}
	q.lastSent = cmd.Sequence
	q.pending = append(q.pending, d)
	c.m.metrics.pending.Inc()
	return d, nil
}

// run delivers the commands of the queue until it is empty.
func (c *Channel) run(ref string, q *queue) {
	for {
		c.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			c.mu.Unlock()
			return
		}
		d := q.pending[0]
		closed := c.m.ctx.Err() != nil
		c.mu.Unlock()

		var attempts int
		var err error
		if closed {
			err = ErrClosed
		} else {
			attempts, err = c.deliver(q, d.Command)
		}

		c.mu.Lock()
		q.pending = q.pending[1:]
		var dropped []*Delivery
		if err == nil {
			q.lastAcked = d.Command.Sequence
			q.history[d.Command.Sequence] = d.Command.Clone()
		} else {
			// The commands queued behind the failed one can no longer be
			// delivered in sequence.
			q.lastSent = q.lastAcked
			dropped, q.pending = q.pending, nil
		}
		c.mu.Unlock()

		c.resolve(d, attempts, err)
		for _, dd := range dropped {
			if c.m.ctx.Err() != nil {
				c.resolve(dd, 0, ErrClosed)
				continue
			}
			c.resolve(dd, 0, fmt.Errorf("%w: command %d of %s follows failed command %d", ErrGap, dd.Command.Sequence, ref, d.Command.Sequence))
		}
	}
}

func (c *Channel) resolve(d *Delivery, attempts int, err error) {
	c.m.metrics.pending.Dec()
	switch {
	case err == nil:
		c.m.metrics.deliveries.WithLabelValues(resultSuccess).Inc()
	case errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled):
		c.m.metrics.deliveries.WithLabelValues(resultClosed).Inc()
	case errors.Is(err, ErrRetriesExhausted):
		c.m.metrics.deliveries.WithLabelValues(resultExhausted).Inc()
	default:
		c.m.metrics.deliveries.WithLabelValues(resultRejected).Inc()
	}
	if err != nil {
		c.log.Warn("delivering command", logger.ReferenceID(d.Command.ReferenceID), logger.Sequence(d.Command.Sequence), logger.Error(err))
	}
	d.resolve(attempts, err)
}

func (c *Channel) deliver(q *queue, cmd msg.Command) (int, error) {
	attempt := 0
	return c.m.retry.Do(c.m.ctx, Retryable, func(ctx context.Context) error {
		if attempt++; attempt > 1 {
			c.m.metrics.retries.Inc()
		}
		err := c.send(ctx, cmd)
		var e *msg.Error
		if errors.As(err, &e) && e.Code == msg.CodeResync {
			if err := c.resync(ctx, q, cmd, e.Expected); err != nil {
				return err
			}
			return c.send(ctx, cmd)
		}
		return err
	})
}

// send makes one delivery attempt. An attempt started is not interrupted by
// Close.
func (c *Channel) send(ctx context.Context, cmd msg.Command) error {
	return c.m.transport.Deliver(context.WithoutCancel(ctx), c.baseURL, cmd)
}

// resync delivers again the commands acknowledged from the sequence the peer
// expects up to cmd.
func (c *Channel) resync(ctx context.Context, q *queue, cmd msg.Command, expected uint64) error {
	if expected == 0 || expected >= cmd.Sequence {
		return msg.NewError(msg.CodeMalformed, "peer expects command %d of %s while sending %d", expected, cmd.ReferenceID, cmd.Sequence)
	}
	c.log.Info("resynchronizing payment", logger.ReferenceID(cmd.ReferenceID), logger.Sequence(expected))

	c.mu.Lock()
	cmds := make([]msg.Command, 0, cmd.Sequence-expected)
	for seq := expected; seq < cmd.Sequence; seq++ {
		h, ok := q.history[seq]
		if !ok {
			c.mu.Unlock()
			return msg.NewError(msg.CodeMalformed, "command %d of %s no longer available", seq, cmd.ReferenceID)
		}
		cmds = append(cmds, h)
	}
	c.mu.Unlock()

	for _, h := range cmds {
		if err := c.send(ctx, h); err != nil {
			return fmt.Errorf("resending command %d: %w", h.Sequence, err)
		}
	}
	return nil
}

// Delivery is the pending delivery of a command.
type Delivery struct {
	Command msg.Command

	done     chan struct{}
	err      error
	attempts int
}

func newDelivery(cmd msg.Command) *Delivery {
	return &Delivery{Command: cmd.Clone(), done: make(chan struct{})}
}

func (d *Delivery) resolve(attempts int, err error) {
	d.attempts = attempts
	d.err = err
	close(d.done)
}

// Done is closed once the command is acknowledged by the peer or failed.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Err returns the error of the delivery once Done is closed.
func (d *Delivery) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Attempts returns the number of delivery attempts once Done is closed.
func (d *Delivery) Attempts() int {
	select {
	case <-d.done:
		return d.attempts
	default:
		return 0
	}
}

// Wait waits for the delivery to finish and returns its error.
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
