// Package msg contains the messages exchanged between two VASPs negotiating a
// payment, and their JSON encoding.
package msg

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/raymondfx/reference-wallet/payment"
)

type Type string

const (
	TypePaymentCommand Type = "PaymentCommand"
)

// Command carries the full payment as seen by the VASP that sent it. Sequence
// numbers are per reference id and per direction, starting at 1.
type Command struct {
	Type        Type           `json:"_ObjectType"`
	ReferenceID string         `json:"reference_id"`
	Sequence    uint64         `json:"seq"`
	Origin      string         `json:"origin"`
	Payment     payment.Object `json:"payment"`
}

// NewCommand returns a payment command for the payment sent by origin.
func NewCommand(origin string, seq uint64, p payment.Object) Command {
	return Command{
		Type:        TypePaymentCommand,
		ReferenceID: p.ReferenceID,
		Sequence:    seq,
		Origin:      origin,
		Payment:     p.Clone(),
	}
}

func (c Command) Clone() Command {
	c.Payment = c.Payment.Clone()
	return c
}

type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusFailure ResponseStatus = "failure"
)

// Response acknowledges a command.
type Response struct {
	Status ResponseStatus `json:"status"`
	Error  *Error         `json:"error,omitempty"`
}

func Success() Response {
	return Response{Status: StatusSuccess}
}

func Failure(err *Error) Response {
	return Response{Status: StatusFailure, Error: err}
}

// Err returns the error of a failed response, or nil.
func (r Response) Err() error {
	if r.Status == StatusSuccess {
		return nil
	}
	if r.Error == nil {
		return &Error{Code: CodeMalformed, Message: "failure response without error"}
	}
	return r.Error
}

type Code string

const (
	CodeValidationFailure Code = "validation_failure"
	CodeNotAuthorized     Code = "not_authorized"
	CodeResync            Code = "resync"
	CodeMalformed         Code = "malformed"
	CodeInvalidSignature  Code = "invalid_signature"
	CodeAborted           Code = "aborted"
	CodeClosed            Code = "closed"
)

// retryable codes are those whose command may be delivered again unchanged.
var retryable = map[Code]bool{
	CodeValidationFailure: true,
	CodeClosed:            true,
}

// Error is a protocol error returned by a VASP rejecting a command.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	// Expected is the sequence the VASP expects next, set on resync errors.
	Expected uint64 `json:"expected,omitempty"`
}

// NewError returns an error with the code, retryable according to the code.
func NewError(code Code, format string, a ...any) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, a...),
		Retryable: retryable[code],
	}
}

// Resync returns an error asking the sender to deliver again from expected.
func Resync(expected uint64) *Error {
	e := NewError(CodeResync, "expected sequence %d", expected)
	e.Expected = expected
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the code of the Error err is or wraps, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is an Error that allows retrying.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

type Encoder = json.Encoder

func NewEncoder(w io.Writer) *Encoder {
	return json.NewEncoder(w)
}

type Decoder = json.Decoder

func NewDecoder(r io.Reader) *Decoder {
	d := json.NewDecoder(r)
	d.DisallowUnknownFields()
	return d
}
