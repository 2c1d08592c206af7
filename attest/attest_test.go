package attest

import (
	"bytes"
	"strings"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	key := keypair.MustRandom()
	addr := []byte(strings.Repeat("A", 16))

	sig, err := Sign(key, "ref1", addr, 1500)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(sig), sig)

	// Verifies with the public key only.
	err = Verify(key.FromAddress(), "ref1", addr, 1500, sig)
	require.NoError(t, err)

	// Deterministic.
	sig2, err := Sign(key, "ref1", addr, 1500)
	require.NoError(t, err)
	assert.Equal(t, sig, sig2)
}

func TestVerify_rejectsAlteredInputs(t *testing.T) {
	key := keypair.MustRandom()
	addr := []byte(strings.Repeat("A", 16))
	sig, err := Sign(key, "ref1", addr, 1500)
	require.NoError(t, err)

	err = Verify(key.FromAddress(), "ref2", addr, 1500, sig)
	assert.True(t, IsVerificationError(err))

	err = Verify(key.FromAddress(), "ref1", []byte(strings.Repeat("B", 16)), 1500, sig)
	assert.True(t, IsVerificationError(err))

	err = Verify(key.FromAddress(), "ref1", addr, 1501, sig)
	assert.True(t, IsVerificationError(err))

	err = Verify(keypair.MustRandom().FromAddress(), "ref1", addr, 1500, sig)
	assert.True(t, IsVerificationError(err))

	err = Verify(key.FromAddress(), "ref1", addr, 1500, "zz")
	assert.True(t, IsVerificationError(err))
	assert.ErrorContains(t, err, "verifying attestation of ref1: decoding signature")

	err = Verify(key.FromAddress(), "ref1", addr, 1500, strings.ToUpper(sig))
	assert.True(t, IsVerificationError(err))
	assert.EqualError(t, err, "verifying attestation of ref1: signature is not lowercase hex")

	err = Verify(nil, "ref1", addr, 1500, sig)
	assert.EqualError(t, err, "verifying attestation of ref1: no key")
}

func TestSignVerify_fuzz(t *testing.T) {
	key := keypair.MustRandom()
	f := fuzz.New().NilChance(0)
	for i := 0; i < 200; i++ {
		var ref string
		var addr []byte
		var amount uint64
		f.Fuzz(&ref)
		f.Fuzz(&addr)
		f.Fuzz(&amount)

		sig, err := Sign(key, ref, addr, amount)
		require.NoError(t, err)
		require.NoError(t, Verify(key.FromAddress(), ref, addr, amount, sig))

		// Any change to the amount invalidates the signature.
		require.Error(t, Verify(key.FromAddress(), ref, addr, amount+1, sig))
		// Any change to the reference id invalidates the signature.
		require.Error(t, Verify(key.FromAddress(), ref+"x", addr, amount, sig))
		// Any change to the address invalidates the signature.
		require.Error(t, Verify(key.FromAddress(), ref, append(addr, 0), amount, sig))
	}
}

func TestMessage_isUnambiguous(t *testing.T) {
	// Moving bytes between the reference id and the address produces a
	// different message.
	m1 := Message("ab", []byte("c"), 1)
	m2 := Message("a", []byte("bc"), 1)
	assert.False(t, bytes.Equal(m1, m2))
	assert.True(t, bytes.HasSuffix(m1, []byte(domainSeparator)))
}
