package state

import (
	"context"
	"errors"
	"testing"

	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymondfx/reference-wallet/address"
	"github.com/raymondfx/reference-wallet/attest"
	"github.com/raymondfx/reference-wallet/business"
	"github.com/raymondfx/reference-wallet/business/businesstest"
	"github.com/raymondfx/reference-wallet/business/compliance"
	"github.com/raymondfx/reference-wallet/msg"
	"github.com/raymondfx/reference-wallet/payment"
)

var (
	addrA = address.MustParse("f72589b71ff4f8d139674a3f7369c69b")
	addrB = address.MustParse("c5ab123b15e0ef2a8f6e0f1e2ab1a3d2")
	addrC = address.MustParse("0aa1f7a2b3c4d5e6f708192a3b4c5d6e")
)

type party struct {
	addr     address.Address
	business *businesstest.Flaky
	proc     *Processor
	rec      Record
}

func newParty(self address.Address, key *keypair.Full, softMatch bool, peers ...business.Peer) *party {
	dir := business.NewDirectory(self, "http://"+self.OnchainString(), key, peers...)
	biz := businesstest.NewFlaky(compliance.New(compliance.Config{
		Address:          self,
		Info:             dir,
		RequireSoftMatch: softMatch,
	}), 0)
	return &party{
		addr:     self,
		business: biz,
		proc:     NewProcessor(Config{Address: self, Business: biz}),
	}
}

func newPair(t *testing.T, softMatch bool) (a, b *party) {
	t.Helper()
	keyA := keypair.MustRandom()
	keyB := keypair.MustRandom()
	a = newParty(addrA, keyA, softMatch, business.Peer{Address: addrB, BaseURL: "http://b", Key: keyB.FromAddress()})
	b = newParty(addrB, keyB, softMatch, business.Peer{Address: addrA, BaseURL: "http://a", Key: keyA.FromAddress()})
	return a, b
}

func newPayment() payment.Object {
	return payment.Object{
		Sender:      payment.NewActor(addrA, payment.StatusNeedsKYCData),
		Receiver:    payment.NewActor(addrB, payment.StatusNone),
		ReferenceID: payment.NewReferenceID(addrA),
		Action:      payment.NewAction(1500, "XUS"),
	}
}

// exchange delivers the command back and forth between the parties until
// one of them has nothing to respond, returning the commands delivered.
func exchange(t *testing.T, from, to *party, out *msg.Command) []msg.Command {
	t.Helper()
	var sent []msg.Command
	for i := 0; out != nil; i++ {
		require.Less(t, i, 20, "exchange did not terminate")
		sent = append(sent, *out)
		next, resp, err := to.proc.Apply(context.Background(), to.rec, out)
		require.NoError(t, err)
		to.rec = next
		out = resp
		from, to = to, from
	}
	return sent
}

func TestProcessor_Apply_converges(t *testing.T) {
	testCases := []struct {
		name      string
		softMatch bool
		commands  int
		versionA  uint64
		versionB  uint64
	}{
		{"kyc only", false, 3, 2, 2},
		{"kyc and soft match", true, 5, 3, 3},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			a, b := newPair(t, tc.softMatch)

			rec, out, err := a.proc.Apply(ctx, NewRecord(newPayment()), nil)
			require.NoError(t, err)
			require.NotNil(t, out)
			a.rec = rec
			assert.Equal(t, payment.RoleSender, a.rec.Role)
			assert.Equal(t, payment.StatusNeedsKYCData, a.rec.Status())
			assert.True(t, a.rec.Own().Has(payment.MetadataKYCData))
			assert.Equal(t, uint64(1), out.Sequence)

			sent := exchange(t, a, b, out)
			assert.Len(t, sent, tc.commands)

			assert.Equal(t, payment.StatusReadyForSettlement, a.rec.Status())
			assert.Equal(t, payment.StatusReadyForSettlement, b.rec.Status())
			assert.True(t, a.rec.Ready())
			assert.True(t, b.rec.Ready())
			assert.Equal(t, tc.versionA, a.rec.Payment.Version)
			assert.Equal(t, tc.versionB, b.rec.Payment.Version)

			// Both views agree on both actors.
			assert.True(t, a.rec.Payment.Sender.Equal(b.rec.Payment.Sender))
			assert.True(t, a.rec.Payment.Receiver.Equal(b.rec.Payment.Receiver))
			assert.Equal(t, tc.softMatch, b.rec.Payment.Sender.Has(payment.MetadataAdditionalKYCData))
			assert.Equal(t, tc.softMatch, a.rec.Payment.Receiver.Has(payment.MetadataAdditionalKYCData))

			sig := a.rec.Payment.Receiver.Metadata[payment.MetadataRecipientSignature]
			require.NotEmpty(t, sig)
			assert.False(t, a.rec.Payment.Sender.Has(payment.MetadataRecipientSignature))

			// Sequences alternate and start at 1 in each direction.
			for i, c := range sent {
				assert.Equal(t, uint64(i/2+1), c.Sequence)
			}
		})
	}
}

func TestProcessor_Apply_softMatchTrace(t *testing.T) {
	ctx := context.Background()
	a, b := newPair(t, true)
	rec, out, err := a.proc.Apply(ctx, NewRecord(newPayment()), nil)
	require.NoError(t, err)
	a.rec = rec

	sent := exchange(t, a, b, out)
	require.Len(t, sent, 5)
	statusOf := func(c msg.Command) payment.Status {
		role, ok := c.Payment.RoleOf(address.MustParse(c.Origin))
		require.True(t, ok)
		return c.Payment.Actor(role).Status.Status()
	}
	assert.Equal(t, []payment.Status{
		payment.StatusNeedsKYCData,
		payment.StatusSoftMatch,
		payment.StatusSoftMatch,
		payment.StatusReadyForSettlement,
		payment.StatusReadyForSettlement,
	}, []payment.Status{statusOf(sent[0]), statusOf(sent[1]), statusOf(sent[2]), statusOf(sent[3]), statusOf(sent[4])})
}

func TestProcessor_Apply_replay(t *testing.T) {
	ctx := context.Background()
	a, b := newPair(t, false)
	rec, out, err := a.proc.Apply(ctx, NewRecord(newPayment()), nil)
	require.NoError(t, err)
	a.rec = rec

	first, resp, err := b.proc.Apply(ctx, b.rec, out)
	require.NoError(t, err)
	require.NotNil(t, resp)
	calls := b.business.Total()

	again, replayed, err := b.proc.Apply(ctx, first, out)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	require.NotNil(t, replayed)
	assert.Equal(t, *resp, *replayed)
	assert.Equal(t, calls, b.business.Total(), "replay must not call the business context")

	// A command that produced no response replays to no response.
	a.rec, _, err = a.proc.Apply(ctx, a.rec, resp)
	require.NoError(t, err)
	final := a.rec.Responses[1]
	b.rec, resp, err = b.proc.Apply(ctx, first, &final)
	require.NoError(t, err)
	require.Nil(t, resp)
	rec, resp, err = b.proc.Apply(ctx, b.rec, &final)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, b.rec, rec)
}

func TestProcessor_Apply_gap(t *testing.T) {
	ctx := context.Background()
	a, b := newPair(t, false)
	rec, out, err := a.proc.Apply(ctx, NewRecord(newPayment()), nil)
	require.NoError(t, err)
	a.rec = rec

	b.rec, _, err = b.proc.Apply(ctx, b.rec, out)
	require.NoError(t, err)
	before := b.rec.Clone()
	calls := b.business.Total()

	ahead := out.Clone()
	ahead.Sequence = 3
	got, resp, err := b.proc.Apply(ctx, b.rec, &ahead)
	var oErr *OrderingError
	require.ErrorAs(t, err, &oErr)
	assert.Equal(t, uint64(2), oErr.Expected)
	assert.Equal(t, uint64(3), oErr.Got)
	assert.Nil(t, resp)
	assert.Equal(t, before, got)
	assert.Equal(t, before, b.rec)
	assert.Equal(t, calls, b.business.Total())

	// The first command of a payment must have sequence 1.
	_, _, err = b.proc.Apply(ctx, Record{}, &ahead)
	require.ErrorAs(t, err, &oErr)
	assert.Equal(t, uint64(1), oErr.Expected)
}

func TestProcessor_Apply_transientFailure(t *testing.T) {
	ctx := context.Background()
	a, b := newPair(t, false)
	rec, out, err := a.proc.Apply(ctx, NewRecord(newPayment()), nil)
	require.NoError(t, err)
	a.rec = rec

	b.business.Fail("GetRecipientSignature", business.Validation("signer unavailable"))
	got, resp, err := b.proc.Apply(ctx, b.rec, out)
	assert.True(t, business.IsTransient(err))
	assert.EqualError(t, err, "getting recipient signature: business validation failure: signer unavailable")
	assert.Nil(t, resp)
	assert.Equal(t, Record{}, got)

	b.business.Fail("GetRecipientSignature", nil)
	got, resp, err = b.proc.Apply(ctx, b.rec, out)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, uint64(1), got.Payment.Version)
}

func TestProcessor_Apply_flakyBusinessConverges(t *testing.T) {
	ctx := context.Background()
	a, b := newPair(t, true)
	a.business.N = 3
	b.business.N = 3

	apply := func(p *party, in *msg.Command) *msg.Command {
		for i := 0; ; i++ {
			require.Less(t, i, 50)
			next, resp, err := p.proc.Apply(ctx, p.rec, in)
			if business.IsTransient(err) {
				continue
			}
			require.NoError(t, err)
			p.rec = next
			return resp
		}
	}
	a.rec = NewRecord(newPayment())
	out := apply(a, nil)
	from, to := a, b
	for i := 0; out != nil; i++ {
		require.Less(t, i, 20)
		out = apply(to, out)
		from, to = to, from
	}
	assert.True(t, a.rec.Ready())
	assert.True(t, b.rec.Ready())
	assert.Greater(t, a.business.Failed()+b.business.Failed(), 0)
}

func TestProcessor_Apply_fatalFailure(t *testing.T) {
	ctx := context.Background()
	a, b := newPair(t, false)
	rec, out, err := a.proc.Apply(ctx, NewRecord(newPayment()), nil)
	require.NoError(t, err)
	a.rec = rec

	b.business.Fail("CheckAccountExistence", business.NotAuthorized("account closed"))
	got, resp, err := b.proc.Apply(ctx, b.rec, out)
	require.True(t, business.IsFatal(err))
	assert.Equal(t, payment.StatusAbort, got.Status())
	assert.Equal(t, uint64(1), got.Payment.Version)
	assert.Equal(t, uint64(1), got.LastInbound)
	assert.False(t, got.Own().Has(payment.MetadataKYCData))
	require.NotNil(t, resp)
	assert.Equal(t, payment.StatusAbort, resp.Payment.Receiver.Status.Status())
	b.rec = got

	// The counterparty aborts without responding.
	a.rec, resp, err = a.proc.Apply(ctx, a.rec, resp)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, payment.StatusAbort, a.rec.Status())
	assert.Equal(t, uint64(2), a.rec.Payment.Version)

	// Nothing is applied to an aborted payment.
	_, _, err = a.proc.Apply(ctx, a.rec, nil)
	assert.ErrorIs(t, err, ErrAborted)
	_, _, err = a.proc.Abort(a.rec)
	assert.ErrorIs(t, err, ErrAborted)
}

func TestProcessor_Abort(t *testing.T) {
	ctx := context.Background()
	a, _ := newPair(t, false)
	rec, _, err := a.proc.Apply(ctx, NewRecord(newPayment()), nil)
	require.NoError(t, err)

	aborted, out, err := a.proc.Abort(rec)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusAbort, aborted.Status())
	assert.Equal(t, rec.Payment.Version+1, aborted.Payment.Version)
	require.NotNil(t, out)
	assert.Equal(t, uint64(2), out.Sequence)
	assert.Equal(t, payment.StatusNeedsKYCData, rec.Status(), "record given must not change")
}

func TestProcessor_Apply_invalidSignature(t *testing.T) {
	ctx := context.Background()
	a, b := newPair(t, false)
	rec, out, err := a.proc.Apply(ctx, NewRecord(newPayment()), nil)
	require.NoError(t, err)
	a.rec = rec
	b.rec, out, err = b.proc.Apply(ctx, b.rec, out)
	require.NoError(t, err)
	require.NotNil(t, out)

	forged := out.Clone()
	sig, err := attest.Sign(keypair.MustRandom(), forged.ReferenceID, addrA.OnchainBytes(), forged.Payment.Action.Amount)
	require.NoError(t, err)
	forged.Payment.Receiver.Metadata[payment.MetadataRecipientSignature] = sig

	before := a.rec.Clone()
	got, resp, err := a.proc.Apply(ctx, a.rec, &forged)
	assert.True(t, attest.IsVerificationError(err))
	assert.Nil(t, resp)
	assert.Equal(t, before, got)

	// The genuine command still applies.
	got, _, err = a.proc.Apply(ctx, a.rec, out)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusReadyForSettlement, got.Status())
}

func TestProcessor_Apply_resendAfterRejectedSignature(t *testing.T) {
	ctx := context.Background()
	a, b := newPair(t, false)
	rec, out, err := a.proc.Apply(ctx, NewRecord(newPayment()), nil)
	require.NoError(t, err)
	a.rec = rec
	b.rec, out, err = b.proc.Apply(ctx, b.rec, out)
	require.NoError(t, err)

	// The counterparty rejected the command, drop the signature and run a
	// local round to produce it again with the same sequence.
	rejected := b.rec.Clone()
	delete(rejected.Own().Metadata, payment.MetadataRecipientSignature)
	rejected.LastOutbound--
	resent, again, err := b.proc.Apply(ctx, rejected, nil)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, out.Sequence, again.Sequence)
	assert.True(t, resent.Own().Has(payment.MetadataRecipientSignature))
	assert.Equal(t, *again, resent.Responses[1])
	b.rec = resent

	sent := exchange(t, b, a, again)
	assert.Len(t, sent, 2)
	assert.True(t, a.rec.Ready())
	assert.True(t, b.rec.Ready())
}

func TestProcessor_Apply_malformed(t *testing.T) {
	ctx := context.Background()
	a, b := newPair(t, false)
	rec, out, err := a.proc.Apply(ctx, NewRecord(newPayment()), nil)
	require.NoError(t, err)
	a.rec = rec
	b.rec, _, err = b.proc.Apply(ctx, b.rec, out)
	require.NoError(t, err)

	testCases := []struct {
		name   string
		mutate func(c *msg.Command)
	}{
		{"unknown type", func(c *msg.Command) { c.Type = "Other" }},
		{"zero sequence", func(c *msg.Command) { c.Sequence = 0 }},
		{"reference id mismatch", func(c *msg.Command) { c.ReferenceID = "other" }},
		{"amount changed", func(c *msg.Command) { c.Payment.Action.Amount = 1 }},
		{"origin not counterparty", func(c *msg.Command) { c.Origin = addrB.OnchainString() }},
		{"invalid origin", func(c *msg.Command) { c.Origin = "xyz" }},
		{"status backwards", func(c *msg.Command) {
			c.Payment.Sender.Status = payment.NewStatusObject(payment.StatusNeedsKYCData)
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			in := msg.NewCommand(addrA.OnchainString(), 2, a.rec.Payment)
			in.Payment.Sender.Status = payment.NewStatusObject(payment.StatusReadyForSettlement)
			b.rec.Payment.Sender.Status = payment.NewStatusObject(payment.StatusReadyForSettlement)
			tc.mutate(&in)
			before := b.rec.Clone()
			got, resp, err := b.proc.Apply(ctx, b.rec, &in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "unexpected error %v", err)
			assert.Nil(t, resp)
			assert.Equal(t, before, got)
		})
	}
}

func TestProcessor_Apply_notAnActor(t *testing.T) {
	ctx := context.Background()
	a, _ := newPair(t, false)
	c := newParty(addrC, keypair.MustRandom(), false)
	_, out, err := a.proc.Apply(ctx, NewRecord(newPayment()), nil)
	require.NoError(t, err)

	got, resp, err := c.proc.Apply(ctx, Record{}, out)
	assert.True(t, business.IsFatal(err))
	assert.Nil(t, resp)
	assert.Equal(t, Record{}, got)
}

func TestProcessor_Apply_ownActorNotTakenFromCounterparty(t *testing.T) {
	ctx := context.Background()
	a, b := newPair(t, false)
	p := newPayment()
	p.Receiver.Metadata = map[string]string{payment.MetadataRecipientSignature: "00"}
	p.Receiver.Status = payment.NewStatusObject(payment.StatusReadyForSettlement)
	rec, out, err := a.proc.Apply(ctx, NewRecord(p), nil)
	require.NoError(t, err)
	a.rec = rec

	b.rec, _, err = b.proc.Apply(ctx, b.rec, out)
	require.NoError(t, err)
	sig := b.rec.Own().Metadata[payment.MetadataRecipientSignature]
	assert.NotEqual(t, "00", sig)
	assert.Len(t, sig, 128)
}
