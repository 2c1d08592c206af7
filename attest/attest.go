// Package attest signs and verifies the dual attestation of a payment: the
// receiving VASP's signature binding the payment reference id, the sender's
// on-chain address and the amount.
package attest

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/stellar/go/keypair"
)

// domainSeparator terminates every attested message.
const domainSeparator = "@@$$LIBRA_ATTEST$$@@"

// VerificationError is returned when a signature does not verify.
type VerificationError struct {
	ReferenceID string
	Err         error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verifying attestation of %s: %v", e.ReferenceID, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// IsVerificationError reports whether err is or wraps a VerificationError.
func IsVerificationError(err error) bool {
	var vErr *VerificationError
	return errors.As(err, &vErr)
}

// Message returns the canonical bytes attested for the inputs.
func Message(referenceID string, addr []byte, amount uint64) []byte {
	b := make([]byte, 0, 2*binary.MaxVarintLen64+len(referenceID)+len(addr)+8+len(domainSeparator))
	b = binary.AppendUvarint(b, uint64(len(referenceID)))
	b = append(b, referenceID...)
	b = binary.AppendUvarint(b, uint64(len(addr)))
	b = append(b, addr...)
	b = binary.LittleEndian.AppendUint64(b, amount)
	b = append(b, domainSeparator...)
	return b
}

// Sign signs the attestation with the key and returns the signature as
// lowercase hex.
func Sign(key *keypair.Full, referenceID string, addr []byte, amount uint64) (string, error) {
	if key == nil {
		return "", fmt.Errorf("signing attestation of %s: no key", referenceID)
	}
	sig, err := key.Sign(Message(referenceID, addr, amount))
	if err != nil {
		return "", fmt.Errorf("signing attestation of %s: %w", referenceID, err)
	}
	return hex.EncodeToString(sig), nil
}

// Verify verifies the lowercase hex signature of the attestation with the key.
func Verify(key keypair.KP, referenceID string, addr []byte, amount uint64, signature string) error {
	if key == nil {
		return &VerificationError{ReferenceID: referenceID, Err: errors.New("no key")}
	}
	if strings.ToLower(signature) != signature {
		return &VerificationError{ReferenceID: referenceID, Err: errors.New("signature is not lowercase hex")}
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return &VerificationError{ReferenceID: referenceID, Err: fmt.Errorf("decoding signature: %w", err)}
	}
	err = key.Verify(Message(referenceID, addr, amount), sig)
	if err != nil {
		return &VerificationError{ReferenceID: referenceID, Err: err}
	}
	return nil
}
