package state

import (
	"github.com/raymondfx/reference-wallet/msg"
	"github.com/raymondfx/reference-wallet/payment"
)

// Record is the negotiation state of one payment held by one VASP.
type Record struct {
	Payment payment.Object
	Role    payment.Role

	// LastInbound is the sequence of the last command applied from the
	// counterparty, LastOutbound of the last command produced.
	LastInbound  uint64
	LastOutbound uint64

	// Responses are the commands produced by applying the inbound command
	// with the sequence of the key. Inbound commands that produced no
	// response have no entry.
	Responses map[uint64]msg.Command

	// Settled is set once the settlement of the payment was triggered.
	Settled bool
}

// NewRecord returns the record of a payment about to be initiated locally.
func NewRecord(p payment.Object) Record {
	return Record{Payment: p.Clone()}
}

// Own returns the actor of the VASP holding the record.
func (r *Record) Own() *payment.Actor {
	return r.Payment.Actor(r.Role)
}

// Counterparty returns the actor of the counterparty.
func (r *Record) Counterparty() *payment.Actor {
	return r.Payment.Actor(r.Role.Other())
}

// Status returns the status of the VASP holding the record.
func (r Record) Status() payment.Status {
	return r.Own().Status.Status()
}

// Aborted reports whether either actor aborted the payment.
func (r Record) Aborted() bool {
	return r.Payment.Sender.Status.Status() == payment.StatusAbort ||
		r.Payment.Receiver.Status.Status() == payment.StatusAbort
}

// Done reports whether the negotiation is over: both actors are ready for
// settlement or one of them aborted.
func (r Record) Done() bool {
	return r.Ready() || r.Aborted()
}

// Ready reports whether both actors are ready for settlement.
func (r Record) Ready() bool {
	return r.Payment.Sender.Status.Status() == payment.StatusReadyForSettlement &&
		r.Payment.Receiver.Status.Status() == payment.StatusReadyForSettlement
}

func (r Record) Clone() Record {
	c := r
	c.Payment = r.Payment.Clone()
	if r.Responses != nil {
		c.Responses = make(map[uint64]msg.Command, len(r.Responses))
		for k, v := range r.Responses {
			c.Responses[k] = v.Clone()
		}
	}
	return c
}

// Response returns the response produced by the inbound command with the
// sequence, if any.
func (r Record) Response(seq uint64) (msg.Command, bool) {
	c, ok := r.Responses[seq]
	if !ok {
		return msg.Command{}, false
	}
	return c.Clone(), true
}
