package payment

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Status is a negotiation status of one actor of a payment. The status of an
// actor declares what the actor needs from its counterparty before the
// payment can be settled.
type Status string

const (
	StatusNone                    = Status("none")
	StatusNeedsKYCData            = Status("needs_kyc_data")
	StatusSoftMatch               = Status("soft_match")
	StatusNeedsRecipientSignature = Status("needs_recipient_signature")
	StatusReadyForSettlement      = Status("ready_for_settlement")
	StatusAbort                   = Status("abort")
)

var knownStatuses = map[Status]bool{
	StatusNone:                    true,
	StatusNeedsKYCData:            true,
	StatusSoftMatch:               true,
	StatusNeedsRecipientSignature: true,
	StatusReadyForSettlement:      true,
	StatusAbort:                   true,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return knownStatuses[s]
}

// Terminal reports whether no negotiation can follow the status.
func (s Status) Terminal() bool {
	return s == StatusReadyForSettlement || s == StatusAbort
}

// CanTransition reports whether an actor in status from may move to status
// to. Abort is final, and an actor ready for settlement may only abort.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	switch from {
	case StatusAbort:
		return to == StatusAbort
	case StatusReadyForSettlement:
		return to == StatusReadyForSettlement || to == StatusAbort
	}
	return true
}

// StatusObject holds the status of an actor. The status can only be read
// from outside of this package, changes are made by the state machine through
// NewStatusObject.
type StatusObject struct {
	status Status
}

func NewStatusObject(s Status) StatusObject {
	return StatusObject{status: s}
}

// Status returns the status held, defaulting to StatusNone.
func (o StatusObject) Status() Status {
	if o.status == "" {
		return StatusNone
	}
	return o.status
}

func (o StatusObject) Equal(o2 StatusObject) bool {
	return o.Status() == o2.Status()
}

func (o StatusObject) String() string {
	return string(o.Status())
}

type statusObjectJSON struct {
	Status Status `json:"status"`
}

func (o StatusObject) MarshalJSON() ([]byte, error) {
	return json.Marshal(statusObjectJSON{Status: o.Status()})
}

func (o *StatusObject) UnmarshalJSON(b []byte) error {
	v := statusObjectJSON{}
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("decoding status object: %w", err)
	}
	if !v.Status.Valid() {
		return fmt.Errorf("decoding status object: unknown status %q", v.Status)
	}
	o.status = v.Status
	return nil
}

func (o StatusObject) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(string(o.Status()))
}

func (o *StatusObject) UnmarshalCBOR(b []byte) error {
	var s string
	if err := cbor.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("decoding status object: %w", err)
	}
	if !Status(s).Valid() {
		return fmt.Errorf("decoding status object: unknown status %q", s)
	}
	o.status = Status(s)
	return nil
}
