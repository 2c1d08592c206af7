// Package payment contains the payment object negotiated by two VASPs and the
// statuses of its actors.
//
// A payment has two actors, the sender and the receiver. Each actor is owned
// by the VASP whose address it carries: that VASP is the only one that writes
// the actor's status and metadata, the counterparty only reads them.
package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"

	"github.com/raymondfx/reference-wallet/address"
)

// Metadata keys of an actor.
const (
	MetadataKYCData            = "kyc_data"
	MetadataAdditionalKYCData  = "additional_kyc_data"
	MetadataRecipientSignature = "recipient_signature"
)

// ActionCharge is the only action kind supported.
const ActionCharge = "charge"

// Role is the role a VASP has in a payment.
type Role string

const (
	RoleSender   = Role("sender")
	RoleReceiver = Role("receiver")
)

// Other returns the role of the counterparty.
func (r Role) Other() Role {
	if r == RoleSender {
		return RoleReceiver
	}
	return RoleSender
}

// Actor is one side of a payment.
type Actor struct {
	Address  string            `json:"address"`
	Status   StatusObject      `json:"status"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewActor creates an actor for the address in the status.
func NewActor(a address.Address, s Status) Actor {
	return Actor{Address: a.String(), Status: NewStatusObject(s)}
}

// ParsedAddress returns the parsed address of the actor.
func (a Actor) ParsedAddress() (address.Address, error) {
	return address.Parse(a.Address)
}

// Has reports whether the actor metadata contains the key.
func (a Actor) Has(key string) bool {
	_, ok := a.Metadata[key]
	return ok
}

func (a Actor) Equal(b Actor) bool {
	type A Actor
	return cmp.Equal(A(a), A(b), cmpopts.EquateEmpty())
}

func (a Actor) Clone() Actor {
	c := a
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Action is what the payment does. It is immutable once the payment is
// created.
type Action struct {
	Amount    uint64 `json:"amount"`
	Currency  string `json:"currency"`
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
}

// NewAction creates a charge action at the current time.
func NewAction(amount uint64, currency string) Action {
	return Action{
		Amount:    amount,
		Currency:  currency,
		Action:    ActionCharge,
		Timestamp: time.Now().Unix(),
	}
}

// Object is a payment as negotiated between two VASPs.
type Object struct {
	Sender                     Actor  `json:"sender"`
	Receiver                   Actor  `json:"receiver"`
	ReferenceID                string `json:"reference_id"`
	OriginalPaymentReferenceID string `json:"original_payment_reference_id,omitempty"`
	Description                string `json:"description,omitempty"`
	Action                     Action `json:"action"`

	// Version is incremented every time a command is applied to the payment
	// by the VASP holding this copy.
	Version uint64 `json:"version"`
}

// NewReferenceID generates a new reference id for a payment initiated by the
// VASP with the address.
func NewReferenceID(a address.Address) string {
	return a.OnchainString() + "_" + uuid.NewString()
}

var ErrInvalid = errors.New("invalid payment")

// Validate checks the payment is well formed.
func (o Object) Validate() error {
	if o.ReferenceID == "" {
		return fmt.Errorf("%w: empty reference id", ErrInvalid)
	}
	sender, err := o.Sender.ParsedAddress()
	if err != nil {
		return fmt.Errorf("%w: sender address: %v", ErrInvalid, err)
	}
	receiver, err := o.Receiver.ParsedAddress()
	if err != nil {
		return fmt.Errorf("%w: receiver address: %v", ErrInvalid, err)
	}
	if sender.SameVASP(receiver) {
		return fmt.Errorf("%w: sender and receiver are the same vasp %s", ErrInvalid, sender.OnchainString())
	}
	for _, a := range []Actor{o.Sender, o.Receiver} {
		if s := a.Status.Status(); !s.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalid, s)
		}
	}
	if o.Action.Amount == 0 {
		return fmt.Errorf("%w: amount must be greater than 0", ErrInvalid)
	}
	if o.Action.Currency == "" {
		return fmt.Errorf("%w: empty currency", ErrInvalid)
	}
	if o.Action.Action != ActionCharge {
		return fmt.Errorf("%w: unsupported action %q", ErrInvalid, o.Action.Action)
	}
	return nil
}

// Actor returns the actor with the role.
func (o *Object) Actor(r Role) *Actor {
	if r == RoleSender {
		return &o.Sender
	}
	return &o.Receiver
}

// RoleOf returns the role of the VASP with the on-chain address in the
// payment. It returns false if the VASP is not an actor of the payment.
func (o Object) RoleOf(vasp address.Address) (Role, bool) {
	if a, err := o.Sender.ParsedAddress(); err == nil && a.SameVASP(vasp) {
		return RoleSender, true
	}
	if a, err := o.Receiver.ParsedAddress(); err == nil && a.SameVASP(vasp) {
		return RoleReceiver, true
	}
	return "", false
}

// SameTerms reports whether both payments have the same immutable fields.
func (o Object) SameTerms(o2 Object) bool {
	return o.ReferenceID == o2.ReferenceID &&
		o.OriginalPaymentReferenceID == o2.OriginalPaymentReferenceID &&
		o.Sender.Address == o2.Sender.Address &&
		o.Receiver.Address == o2.Receiver.Address &&
		o.Action == o2.Action
}

func (o Object) Clone() Object {
	c := o
	c.Sender = o.Sender.Clone()
	c.Receiver = o.Receiver.Clone()
	return c
}

func (o Object) Equal(o2 Object) bool {
	type O Object
	return cmp.Equal(O(o), O(o2), cmpopts.EquateEmpty())
}

// KYCData is the identity data of an actor exchanged during negotiation.
type KYCData map[string]any

// Encode returns the data in the form stored in actor metadata.
func (d KYCData) Encode() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encoding kyc data: %w", err)
	}
	return string(b), nil
}

// DecodeKYCData decodes KYC data stored in actor metadata.
func DecodeKYCData(s string) (KYCData, error) {
	d := KYCData{}
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return nil, fmt.Errorf("decoding kyc data: %w", err)
	}
	return d, nil
}
