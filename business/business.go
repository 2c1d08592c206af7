// Package business defines the boundary between the off-chain protocol and the
// compliance logic of a VASP.
//
// A VASP supplies a Context implementing its KYC policy, signature validation
// and settlement gating, and a VASPInfo giving the addresses and keys of
// itself and its peers. Context calls other than IsSender and IsRecipient may
// suspend and take a context.Context. Any of them may fail with a
// ValidationFailure, which is transient and retried, or with an error
// wrapping ErrNotAuthorized, which aborts the payment.
package business

import (
	"context"
	"errors"
	"fmt"

	"github.com/raymondfx/reference-wallet/address"
	"github.com/raymondfx/reference-wallet/payment"
)

// Context is the compliance logic of a VASP.
type Context interface {
	// IsSender reports whether the VASP is the sender of the payment.
	IsSender(p *payment.Object) (bool, error)
	// IsRecipient reports whether the VASP is the receiver of the payment.
	IsRecipient(p *payment.Object) (bool, error)

	// OpenChannelTo authorizes opening a channel to the peer.
	OpenChannelTo(ctx context.Context, peer address.Address) error

	// CheckAccountExistence checks the VASP holds the account of its actor.
	CheckAccountExistence(ctx context.Context, p *payment.Object) error
	// ValidateRecipientSignature validates the recipient signature held in
	// the receiver metadata.
	ValidateRecipientSignature(ctx context.Context, p *payment.Object) error
	// GetRecipientSignature returns the hex encoded recipient signature the
	// receiving VASP attests the payment with.
	GetRecipientSignature(ctx context.Context, p *payment.Object) (string, error)

	// NextKYCToProvide returns what the VASP still has to provide to its
	// counterparty.
	NextKYCToProvide(ctx context.Context, p *payment.Object) ([]payment.Status, error)
	// NextKYCLevelToRequest returns what the VASP still needs from its
	// counterparty, or StatusNone.
	NextKYCLevelToRequest(ctx context.Context, p *payment.Object) (payment.Status, error)
	GetExtendedKYC(ctx context.Context, p *payment.Object) (payment.KYCData, error)
	GetAdditionalKYC(ctx context.Context, p *payment.Object) (payment.KYCData, error)

	// ReadyForSettlement reports whether the VASP agrees to settle.
	ReadyForSettlement(ctx context.Context, p *payment.Object) (bool, error)
}

// ErrNotAuthorized is wrapped by errors that must abort the payment.
var ErrNotAuthorized = errors.New("business not authorized")

// NotAuthorized returns a fatal error with the message.
func NotAuthorized(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrNotAuthorized, fmt.Sprintf(format, a...))
}

// ValidationFailure is a transient failure of the compliance logic. The
// command that caused it is not applied and may be retried.
type ValidationFailure struct {
	Msg string
	Err error
}

// Validation returns a transient failure with the message.
func Validation(format string, a ...any) *ValidationFailure {
	return &ValidationFailure{Msg: fmt.Sprintf(format, a...)}
}

func (e *ValidationFailure) Error() string {
	if e.Err != nil {
		return "business validation failure: " + e.Msg + ": " + e.Err.Error()
	}
	return "business validation failure: " + e.Msg
}

func (e *ValidationFailure) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is or wraps a ValidationFailure.
func IsTransient(err error) bool {
	var vErr *ValidationFailure
	return errors.As(err, &vErr)
}

// IsFatal reports whether err wraps ErrNotAuthorized.
func IsFatal(err error) bool {
	return errors.Is(err, ErrNotAuthorized)
}
