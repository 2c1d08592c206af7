package state

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/raymondfx/reference-wallet/msg"
	"github.com/raymondfx/reference-wallet/payment"
)

func TestRecord_Clone(t *testing.T) {
	rec := NewRecord(newPayment())
	rec.Role = payment.RoleSender
	rec.Own().Metadata = map[string]string{payment.MetadataKYCData: "{}"}
	rec.Responses = map[uint64]msg.Command{1: msg.NewCommand(addrA.OnchainString(), 1, rec.Payment)}

	c := rec.Clone()
	c.Own().Metadata[payment.MetadataKYCData] = "changed"
	c.Responses[1].Payment.Sender.Metadata[payment.MetadataKYCData] = "changed"
	c.Responses[2] = msg.Command{}

	assert.Equal(t, "{}", rec.Own().Metadata[payment.MetadataKYCData])
	assert.Equal(t, "{}", rec.Responses[1].Payment.Sender.Metadata[payment.MetadataKYCData])
	assert.Len(t, rec.Responses, 1)
}

func TestRecord_Done(t *testing.T) {
	ready := payment.NewStatusObject(payment.StatusReadyForSettlement)
	abort := payment.NewStatusObject(payment.StatusAbort)

	rec := NewRecord(newPayment())
	rec.Role = payment.RoleReceiver
	assert.False(t, rec.Done())
	assert.Equal(t, payment.StatusNone, rec.Status())

	rec.Payment.Receiver.Status = ready
	assert.False(t, rec.Done())
	assert.False(t, rec.Ready())

	rec.Payment.Sender.Status = ready
	assert.True(t, rec.Done())
	assert.True(t, rec.Ready())

	rec.Payment.Sender.Status = abort
	assert.True(t, rec.Done())
	assert.True(t, rec.Aborted())
	assert.Equal(t, payment.StatusAbort, rec.Counterparty().Status.Status())
}
