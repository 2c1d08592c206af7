// Package compliance contains the compliance logic of the reference wallet: a
// business.Context that exchanges KYC data in both directions, optionally
// asks for additional KYC data to resolve soft matches, and has the receiving
// VASP attest the payment with a recipient signature.
package compliance

import (
	"context"
	"log/slog"

	"github.com/raymondfx/reference-wallet/address"
	"github.com/raymondfx/reference-wallet/attest"
	"github.com/raymondfx/reference-wallet/business"
	"github.com/raymondfx/reference-wallet/logger"
	"github.com/raymondfx/reference-wallet/payment"
)

// AccountChecker checks a VASP holds an account.
type AccountChecker interface {
	AccountExists(ctx context.Context, a address.Address) (bool, error)
}

// Config configures the compliance logic.
type Config struct {
	// Address is the on-chain address of the VASP.
	Address address.Address
	Info    business.VASPInfo

	// RequireSoftMatch makes the VASP ask its counterparty for additional KYC
	// data on every payment.
	RequireSoftMatch bool

	KYC           payment.KYCData
	AdditionalKYC payment.KYCData

	// Accounts is optional, without it every account is assumed to exist.
	Accounts AccountChecker

	Logger *slog.Logger
}

// DefaultKYC is provided when the config has no KYC data.
var DefaultKYC = payment.KYCData{
	"payload_type":    "KYC_DATA",
	"payload_version": 1,
	"type":            "individual",
}

// DefaultAdditionalKYC is provided when the config has no additional KYC data.
var DefaultAdditionalKYC = payment.KYCData{
	"payload_type":    "KYC_DATA",
	"payload_version": 1,
	"type":            "individual",
	"given_name":      "John",
	"surname":         "Smith",
	"dob":             "1973-07-08",
}

// Context implements business.Context.
type Context struct {
	address          address.Address
	info             business.VASPInfo
	requireSoftMatch bool
	kyc              payment.KYCData
	additionalKYC    payment.KYCData
	accounts         AccountChecker
	log              *slog.Logger
}

var _ business.Context = (*Context)(nil)

func New(c Config) *Context {
	ctx := &Context{
		address:          c.Address.Onchain(),
		info:             c.Info,
		requireSoftMatch: c.RequireSoftMatch,
		kyc:              c.KYC,
		additionalKYC:    c.AdditionalKYC,
		accounts:         c.Accounts,
		log:              c.Logger,
	}
	if ctx.kyc == nil {
		ctx.kyc = DefaultKYC
	}
	if ctx.additionalKYC == nil {
		ctx.additionalKYC = DefaultAdditionalKYC
	}
	if ctx.log == nil {
		ctx.log = logger.Discard()
	}
	return ctx
}

// roles returns the actor of the VASP and of its counterparty.
func (c *Context) roles(p *payment.Object) (own, other *payment.Actor, role payment.Role, err error) {
	role, ok := p.RoleOf(c.address)
	if !ok {
		return nil, nil, "", business.NotAuthorized("vasp %s is not an actor of payment %s", c.address.OnchainString(), p.ReferenceID)
	}
	return p.Actor(role), p.Actor(role.Other()), role, nil
}

func (c *Context) IsSender(p *payment.Object) (bool, error) {
	role, ok := p.RoleOf(c.address)
	return ok && role == payment.RoleSender, nil
}

func (c *Context) IsRecipient(p *payment.Object) (bool, error) {
	role, ok := p.RoleOf(c.address)
	return ok && role == payment.RoleReceiver, nil
}

func (c *Context) OpenChannelTo(ctx context.Context, peer address.Address) error {
	if _, err := c.info.PeerBaseURL(peer); err != nil {
		return business.NotAuthorized("opening channel to %s: %v", peer.OnchainString(), err)
	}
	return nil
}

func (c *Context) CheckAccountExistence(ctx context.Context, p *payment.Object) error {
	own, _, _, err := c.roles(p)
	if err != nil {
		return err
	}
	if c.accounts == nil {
		return nil
	}
	a, err := own.ParsedAddress()
	if err != nil {
		return business.NotAuthorized("parsing address %q: %v", own.Address, err)
	}
	exists, err := c.accounts.AccountExists(ctx, a)
	if err != nil {
		return &business.ValidationFailure{Msg: "checking account " + a.String(), Err: err}
	}
	if !exists {
		return business.NotAuthorized("account %s does not exist", a)
	}
	return nil
}

func (c *Context) ValidateRecipientSignature(ctx context.Context, p *payment.Object) error {
	sig, ok := p.Receiver.Metadata[payment.MetadataRecipientSignature]
	if !ok {
		return business.Validation("recipient signature not present")
	}
	sender, err := p.Sender.ParsedAddress()
	if err != nil {
		return business.NotAuthorized("parsing sender address %q: %v", p.Sender.Address, err)
	}
	receiver, err := p.Receiver.ParsedAddress()
	if err != nil {
		return business.NotAuthorized("parsing receiver address %q: %v", p.Receiver.Address, err)
	}
	key, err := c.info.PeerComplianceVerificationKey(receiver)
	if err != nil {
		return &business.ValidationFailure{Msg: "getting compliance key of " + receiver.OnchainString(), Err: err}
	}
	err = attest.Verify(key, p.ReferenceID, sender.OnchainBytes(), p.Action.Amount, sig)
	if err != nil {
		c.log.Warn("recipient signature invalid", logger.ReferenceID(p.ReferenceID), logger.Error(err))
		return err
	}
	return nil
}

func (c *Context) GetRecipientSignature(ctx context.Context, p *payment.Object) (string, error) {
	sender, err := p.Sender.ParsedAddress()
	if err != nil {
		return "", business.NotAuthorized("parsing sender address %q: %v", p.Sender.Address, err)
	}
	key, err := c.info.MyComplianceSignatureKey()
	if err != nil {
		return "", business.NotAuthorized("getting compliance signature key: %v", err)
	}
	return attest.Sign(key, p.ReferenceID, sender.OnchainBytes(), p.Action.Amount)
}

func (c *Context) NextKYCToProvide(ctx context.Context, p *payment.Object) ([]payment.Status, error) {
	own, other, role, err := c.roles(p)
	if err != nil {
		return nil, err
	}
	var provide []payment.Status
	if !own.Has(payment.MetadataKYCData) {
		provide = append(provide, payment.StatusNeedsKYCData)
	}
	if !own.Has(payment.MetadataAdditionalKYCData) && other.Status.Status() == payment.StatusSoftMatch {
		provide = append(provide, payment.StatusSoftMatch)
	}
	if role == payment.RoleReceiver && !own.Has(payment.MetadataRecipientSignature) {
		provide = append(provide, payment.StatusNeedsRecipientSignature)
	}
	return provide, nil
}

func (c *Context) NextKYCLevelToRequest(ctx context.Context, p *payment.Object) (payment.Status, error) {
	_, other, role, err := c.roles(p)
	if err != nil {
		return "", err
	}
	if !other.Has(payment.MetadataKYCData) {
		return payment.StatusNeedsKYCData, nil
	}
	if c.requireSoftMatch && !other.Has(payment.MetadataAdditionalKYCData) {
		return payment.StatusSoftMatch, nil
	}
	if role.Other() == payment.RoleReceiver && !other.Has(payment.MetadataRecipientSignature) {
		return payment.StatusNeedsRecipientSignature, nil
	}
	return payment.StatusNone, nil
}

func (c *Context) GetExtendedKYC(ctx context.Context, p *payment.Object) (payment.KYCData, error) {
	return c.kyc, nil
}

func (c *Context) GetAdditionalKYC(ctx context.Context, p *payment.Object) (payment.KYCData, error) {
	return c.additionalKYC, nil
}

func (c *Context) ReadyForSettlement(ctx context.Context, p *payment.Object) (bool, error) {
	next, err := c.NextKYCLevelToRequest(ctx, p)
	if err != nil {
		return false, err
	}
	return next == payment.StatusNone, nil
}
