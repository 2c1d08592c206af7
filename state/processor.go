package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raymondfx/reference-wallet/address"
	"github.com/raymondfx/reference-wallet/business"
	"github.com/raymondfx/reference-wallet/logger"
	"github.com/raymondfx/reference-wallet/msg"
	"github.com/raymondfx/reference-wallet/payment"
)

var (
	// ErrMalformed is wrapped by errors of commands that can never be applied.
	ErrMalformed = errors.New("malformed command")
	// ErrAborted is returned when a command is applied to an aborted payment.
	ErrAborted = errors.New("payment aborted")
)

// OrderingError is returned when a command is received ahead of the sequence
// expected. The sender should deliver again from Expected.
type OrderingError struct {
	ReferenceID string
	Expected    uint64
	Got         uint64
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("command %d of payment %s out of order: expected %d", e.Got, e.ReferenceID, e.Expected)
}

func malformed(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, a...))
}

type Config struct {
	Address  address.Address
	Business business.Context
	Logger   *slog.Logger
}

// Processor applies commands to payment records.
type Processor struct {
	address  address.Address
	business business.Context
	log      *slog.Logger
}

func NewProcessor(c Config) *Processor {
	p := &Processor{
		address:  c.Address.Onchain(),
		business: c.Business,
		log:      c.Logger,
	}
	if p.log == nil {
		p.log = logger.Discard()
	}
	return p
}

// Apply applies the inbound command to the record, or runs a local round on
// the record when in is nil. It returns the new record and the command to send
// to the counterparty, nil when there is nothing to send.
//
// A local round is run to initiate a payment, or to send again the local
// actor after the counterparty rejected it.
//
// The record given is never modified. On error the returned record is the one
// given, except when the error wraps business.ErrNotAuthorized: the returned
// record is then aborted and must be stored, and the returned command informs
// the counterparty.
func (p *Processor) Apply(ctx context.Context, rec Record, in *msg.Command) (Record, *msg.Command, error) {
	if in == nil {
		return p.applyLocal(ctx, rec)
	}
	return p.applyInbound(ctx, rec, *in)
}

func (p *Processor) applyLocal(ctx context.Context, rec Record) (Record, *msg.Command, error) {
	if err := rec.Payment.Validate(); err != nil {
		return rec, nil, malformed("%v", err)
	}
	next := rec.Clone()
	role, err := p.role(&next.Payment)
	if err != nil {
		return rec, nil, err
	}
	if next.Role != "" && next.Role != role {
		return rec, nil, malformed("role of vasp changed from %s to %s", next.Role, role)
	}
	next.Role = role
	if next.Status() == payment.StatusAbort {
		return rec, nil, ErrAborted
	}

	clean := next.Clone()
	err = p.progress(ctx, &next, false)
	if err != nil {
		if business.IsFatal(err) {
			aborted, out := p.abort(clean)
			return aborted, out, err
		}
		return rec, nil, err
	}
	next.Payment.Version++
	out := p.emit(&next)

	// A local round may replace a command the counterparty rejected.
	for seq, resp := range next.Responses {
		if resp.Sequence == out.Sequence {
			next.Responses[seq] = out.Clone()
		}
	}
	return next, &out, nil
}

func (p *Processor) applyInbound(ctx context.Context, rec Record, in msg.Command) (Record, *msg.Command, error) {
	if in.Type != msg.TypePaymentCommand {
		return rec, nil, malformed("unknown command type %q", in.Type)
	}
	if in.ReferenceID == "" || in.ReferenceID != in.Payment.ReferenceID {
		return rec, nil, malformed("reference id %q does not match payment %q", in.ReferenceID, in.Payment.ReferenceID)
	}
	if in.Sequence == 0 {
		return rec, nil, malformed("sequence must be greater than 0")
	}
	if err := in.Payment.Validate(); err != nil {
		return rec, nil, malformed("%v", err)
	}

	fresh := rec.Payment.ReferenceID == ""
	if !fresh {
		if in.ReferenceID != rec.Payment.ReferenceID {
			return rec, nil, malformed("command of payment %s applied to payment %s", in.ReferenceID, rec.Payment.ReferenceID)
		}
		if in.Sequence <= rec.LastInbound {
			p.log.Debug("replaying command", logger.ReferenceID(in.ReferenceID), logger.Sequence(in.Sequence))
			if out, ok := rec.Response(in.Sequence); ok {
				return rec, &out, nil
			}
			return rec, nil, nil
		}
	}
	if in.Sequence != rec.LastInbound+1 {
		return rec, nil, &OrderingError{ReferenceID: in.ReferenceID, Expected: rec.LastInbound + 1, Got: in.Sequence}
	}

	base := rec.Clone()
	if fresh {
		base = Record{Payment: in.Payment.Clone()}
		base.Payment.Version = 0
	} else if !rec.Payment.SameTerms(in.Payment) {
		return rec, nil, malformed("immutable fields of payment %s changed", in.ReferenceID)
	}

	role, err := p.role(&base.Payment)
	if err != nil {
		return rec, nil, err
	}
	if !fresh && role != rec.Role {
		return rec, nil, malformed("role of vasp changed from %s to %s", rec.Role, role)
	}
	base.Role = role
	if fresh {
		*base.Own() = payment.Actor{Address: base.Own().Address}
	}
	origin, err := address.Parse(in.Origin)
	if err != nil {
		return rec, nil, malformed("origin: %v", err)
	}
	if r, ok := in.Payment.RoleOf(origin); !ok || r != role.Other() {
		return rec, nil, malformed("command of payment %s not sent by the counterparty", in.ReferenceID)
	}
	if base.Status() == payment.StatusAbort {
		return rec, nil, ErrAborted
	}

	other := in.Payment.Actor(role.Other()).Clone()
	from, to := base.Counterparty().Status.Status(), other.Status.Status()
	if !fresh && !payment.CanTransition(from, to) {
		return rec, nil, malformed("counterparty status cannot change from %s to %s", from, to)
	}

	next := base.Clone()
	*next.Counterparty() = other
	next.LastInbound = in.Sequence

	if to == payment.StatusAbort {
		p.log.Info("counterparty aborted payment", logger.ReferenceID(in.ReferenceID))
		next.Own().Status = payment.NewStatusObject(payment.StatusAbort)
		next.Payment.Version++
		return next, nil, nil
	}

	prev := next.Own().Clone()
	clean := next.Clone()
	err = p.progress(ctx, &next, true)
	if err != nil {
		if business.IsFatal(err) {
			aborted, out := p.abort(clean)
			aborted.setResponse(in.Sequence, *out)
			return aborted, out, err
		}
		return rec, nil, err
	}
	next.Payment.Version++

	if next.Own().Equal(prev) {
		return next, nil, nil
	}
	out := p.emit(&next)
	next.setResponse(in.Sequence, out)
	return next, &out, nil
}

// Abort aborts the payment on behalf of the local actor. It returns the
// command informing the counterparty.
func (p *Processor) Abort(rec Record) (Record, *msg.Command, error) {
	if rec.Status() == payment.StatusAbort {
		return rec, nil, ErrAborted
	}
	next, out := p.abort(rec.Clone())
	return next, out, nil
}

func (p *Processor) abort(next Record) (Record, *msg.Command) {
	p.log.Warn("aborting payment", logger.ReferenceID(next.Payment.ReferenceID))
	next.Own().Status = payment.NewStatusObject(payment.StatusAbort)
	next.Payment.Version++
	out := p.emit(&next)
	return next, &out
}

func (p *Processor) emit(next *Record) msg.Command {
	next.LastOutbound++
	return msg.NewCommand(p.address.OnchainString(), next.LastOutbound, next.Payment)
}

func (r *Record) setResponse(seq uint64, out msg.Command) {
	if r.Responses == nil {
		r.Responses = map[uint64]msg.Command{}
	}
	r.Responses[seq] = out.Clone()
}

// role returns the role of the VASP in the payment.
func (p *Processor) role(pay *payment.Object) (payment.Role, error) {
	isSender, err := p.business.IsSender(pay)
	if err != nil {
		return "", fmt.Errorf("checking sender: %w", err)
	}
	isRecipient, err := p.business.IsRecipient(pay)
	if err != nil {
		return "", fmt.Errorf("checking recipient: %w", err)
	}
	switch {
	case isSender && !isRecipient:
		return payment.RoleSender, nil
	case isRecipient && !isSender:
		return payment.RoleReceiver, nil
	}
	return "", business.NotAuthorized("vasp %s is not an actor of payment %s", p.address.OnchainString(), pay.ReferenceID)
}

// progress provides what the counterparty asked for into the local actor and
// sets the local status to what is still needed from the counterparty.
func (p *Processor) progress(ctx context.Context, next *Record, inbound bool) error {
	pay := &next.Payment
	if err := p.business.CheckAccountExistence(ctx, pay); err != nil {
		return fmt.Errorf("checking account existence: %w", err)
	}

	if inbound && next.Role.Other() == payment.RoleReceiver && pay.Receiver.Has(payment.MetadataRecipientSignature) {
		if err := p.business.ValidateRecipientSignature(ctx, pay); err != nil {
			return fmt.Errorf("validating recipient signature: %w", err)
		}
	}

	provide, err := p.business.NextKYCToProvide(ctx, pay)
	if err != nil {
		return fmt.Errorf("getting kyc to provide: %w", err)
	}
	for _, s := range provide {
		if err := p.provide(ctx, next, s); err != nil {
			return err
		}
	}

	request, err := p.business.NextKYCLevelToRequest(ctx, pay)
	if err != nil {
		return fmt.Errorf("getting kyc level to request: %w", err)
	}
	status := request
	if request == payment.StatusNone {
		ready, err := p.business.ReadyForSettlement(ctx, pay)
		if err != nil {
			return fmt.Errorf("checking ready for settlement: %w", err)
		}
		if ready {
			status = payment.StatusReadyForSettlement
		}
	}

	own := next.Own()
	current := own.Status.Status()
	if current != status && payment.CanTransition(current, status) {
		p.log.Debug("status changed", logger.ReferenceID(pay.ReferenceID), logger.Status(status))
		own.Status = payment.NewStatusObject(status)
	}
	return nil
}

// provide writes into the local actor the data the status asks for.
func (p *Processor) provide(ctx context.Context, next *Record, s payment.Status) error {
	pay := &next.Payment
	var key, value string
	switch s {
	case payment.StatusNeedsKYCData:
		kyc, err := p.business.GetExtendedKYC(ctx, pay)
		if err != nil {
			return fmt.Errorf("getting extended kyc: %w", err)
		}
		if value, err = kyc.Encode(); err != nil {
			return err
		}
		key = payment.MetadataKYCData
	case payment.StatusSoftMatch:
		kyc, err := p.business.GetAdditionalKYC(ctx, pay)
		if err != nil {
			return fmt.Errorf("getting additional kyc: %w", err)
		}
		if value, err = kyc.Encode(); err != nil {
			return err
		}
		key = payment.MetadataAdditionalKYCData
	case payment.StatusNeedsRecipientSignature:
		if next.Role != payment.RoleReceiver {
			return nil
		}
		sig, err := p.business.GetRecipientSignature(ctx, pay)
		if err != nil {
			return fmt.Errorf("getting recipient signature: %w", err)
		}
		key, value = payment.MetadataRecipientSignature, sig
	default:
		return nil
	}
	own := next.Own()
	if own.Metadata == nil {
		own.Metadata = map[string]string{}
	}
	own.Metadata[key] = value
	return nil
}
