// Package address contains the structured address of a VASP account: the
// on-chain address of the VASP and an optional sub-address identifying an
// account held by the VASP.
package address

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

const (
	// OnchainLen is the length in bytes of the on-chain part of an address.
	OnchainLen = 16
	// SubLen is the length in bytes of a sub-address.
	SubLen = 8
)

// Address is a VASP on-chain address with an optional sub-address.
type Address struct {
	VASP [OnchainLen]byte
	Sub  []byte
}

// FromBytes creates an address from on-chain bytes and an optional
// sub-address.
func FromBytes(onchain []byte, sub []byte) (Address, error) {
	a := Address{}
	if len(onchain) != OnchainLen {
		return a, fmt.Errorf("on-chain address length %d expected %d", len(onchain), OnchainLen)
	}
	if len(sub) != 0 && len(sub) != SubLen {
		return a, fmt.Errorf("sub-address length %d expected %d", len(sub), SubLen)
	}
	copy(a.VASP[:], onchain)
	if len(sub) != 0 {
		a.Sub = append([]byte(nil), sub...)
	}
	return a, nil
}

// MustFromBytes is FromBytes that panics on error.
func MustFromBytes(onchain []byte, sub []byte) Address {
	a, err := FromBytes(onchain, sub)
	if err != nil {
		panic(err)
	}
	return a
}

// Parse parses the text form of an address, the hex encoded on-chain address
// optionally followed by the hex encoded sub-address.
func Parse(s string) (Address, error) {
	switch len(s) {
	case OnchainLen * 2, (OnchainLen + SubLen) * 2:
	default:
		return Address{}, fmt.Errorf("parsing address %q: length %d expected %d or %d", s, len(s), OnchainLen*2, (OnchainLen+SubLen)*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("parsing address %q: %w", s, err)
	}
	return FromBytes(b[:OnchainLen], b[OnchainLen:])
}

// MustParse is Parse that panics on error.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Onchain returns the address without its sub-address.
func (a Address) Onchain() Address {
	return Address{VASP: a.VASP}
}

// OnchainBytes returns the on-chain address bytes.
func (a Address) OnchainBytes() []byte {
	b := a.VASP
	return b[:]
}

// OnchainString returns the text form of the on-chain address.
func (a Address) OnchainString() string {
	return hex.EncodeToString(a.VASP[:])
}

// HasSub reports whether the address has a sub-address.
func (a Address) HasSub() bool {
	return len(a.Sub) != 0
}

// SameVASP reports whether both addresses belong to the same VASP.
func (a Address) SameVASP(b Address) bool {
	return a.VASP == b.VASP
}

func (a Address) Equal(b Address) bool {
	return a.VASP == b.VASP && bytes.Equal(a.Sub, b.Sub)
}

func (a Address) String() string {
	return a.OnchainString() + hex.EncodeToString(a.Sub)
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
