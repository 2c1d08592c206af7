// Package businesstest contains business.Context wrappers for testing the
// handling of business failures.
package businesstest

import (
	"context"
	"sync"

	"github.com/raymondfx/reference-wallet/address"
	"github.com/raymondfx/reference-wallet/business"
	"github.com/raymondfx/reference-wallet/payment"
)

// Flaky wraps a business.Context, counting the calls made to it and failing
// every Nth call of each method with a business.ValidationFailure. Failures of
// specific methods can also be injected with Fail.
type Flaky struct {
	business.Context

	// N is the period of injected failures per method, never failing when 0.
	N int

	mu     sync.Mutex
	total  int
	failed int
	calls  map[string]int
	errs   map[string]error
}

var _ business.Context = (*Flaky)(nil)

func NewFlaky(c business.Context, n int) *Flaky {
	return &Flaky{
		Context: c,
		N:       n,
		calls:   map[string]int{},
		errs:    map[string]error{},
	}
}

// Fail makes every call of the method fail with err until cleared with a nil
// err.
func (f *Flaky) Fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, method)
		return
	}
	f.errs[method] = err
}

// Calls returns the number of calls made to the method, failed ones included.
func (f *Flaky) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Total returns the number of calls made to all methods.
func (f *Flaky) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

// Failed returns the number of calls that failed because of the period N.
func (f *Flaky) Failed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

func (f *Flaky) call(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total++
	f.calls[method]++
	if err := f.errs[method]; err != nil {
		return err
	}
	if n := f.calls[method]; f.N > 0 && n%f.N == 0 {
		f.failed++
		return business.Validation("injected failure of %s on call %d", method, n)
	}
	return nil
}

func (f *Flaky) IsSender(p *payment.Object) (bool, error) {
	if err := f.call("IsSender"); err != nil {
		return false, err
	}
	return f.Context.IsSender(p)
}

func (f *Flaky) IsRecipient(p *payment.Object) (bool, error) {
	if err := f.call("IsRecipient"); err != nil {
		return false, err
	}
	return f.Context.IsRecipient(p)
}

func (f *Flaky) OpenChannelTo(ctx context.Context, peer address.Address) error {
	if err := f.call("OpenChannelTo"); err != nil {
		return err
	}
	return f.Context.OpenChannelTo(ctx, peer)
}

func (f *Flaky) CheckAccountExistence(ctx context.Context, p *payment.Object) error {
	if err := f.call("CheckAccountExistence"); err != nil {
		return err
	}
	return f.Context.CheckAccountExistence(ctx, p)
}

func (f *Flaky) ValidateRecipientSignature(ctx context.Context, p *payment.Object) error {
	if err := f.call("ValidateRecipientSignature"); err != nil {
		return err
	}
	return f.Context.ValidateRecipientSignature(ctx, p)
}

func (f *Flaky) GetRecipientSignature(ctx context.Context, p *payment.Object) (string, error) {
	if err := f.call("GetRecipientSignature"); err != nil {
		return "", err
	}
	return f.Context.GetRecipientSignature(ctx, p)
}

func (f *Flaky) NextKYCToProvide(ctx context.Context, p *payment.Object) ([]payment.Status, error) {
	if err := f.call("NextKYCToProvide"); err != nil {
		return nil, err
	}
	return f.Context.NextKYCToProvide(ctx, p)
}

func (f *Flaky) NextKYCLevelToRequest(ctx context.Context, p *payment.Object) (payment.Status, error) {
	if err := f.call("NextKYCLevelToRequest"); err != nil {
		return "", err
	}
	return f.Context.NextKYCLevelToRequest(ctx, p)
}

func (f *Flaky) GetExtendedKYC(ctx context.Context, p *payment.Object) (payment.KYCData, error) {
	if err := f.call("GetExtendedKYC"); err != nil {
		return nil, err
	}
	return f.Context.GetExtendedKYC(ctx, p)
}

func (f *Flaky) GetAdditionalKYC(ctx context.Context, p *payment.Object) (payment.KYCData, error) {
	if err := f.call("GetAdditionalKYC"); err != nil {
		return nil, err
	}
	return f.Context.GetAdditionalKYC(ctx, p)
}

func (f *Flaky) ReadyForSettlement(ctx context.Context, p *payment.Object) (bool, error) {
	if err := f.call("ReadyForSettlement"); err != nil {
		return false, err
	}
	return f.Context.ReadyForSettlement(ctx, p)
}
