// Package vaspclient is a client of the payment API of a VASP.
package vaspclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/raymondfx/reference-wallet/address"
	"github.com/raymondfx/reference-wallet/payment"
	"github.com/raymondfx/reference-wallet/vasphttp"
)

// ErrNotFound is wrapped by errors of lookups of unknown payments.
var ErrNotFound = errors.New("payment not found")

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
)

// TxState is the state of a payment as seen by the VASP.
type TxState struct {
	OffchainRefID     string
	StatusDescription string
	Status            TxStatus
	Payment           payment.Object
}

// StateOf returns the state of the payment: completed once both actors are
// ready for settlement, failed once one of them aborted, pending otherwise.
func StateOf(p payment.Object) TxState {
	s := TxState{
		OffchainRefID: p.ReferenceID,
		Status:        TxPending,
		Payment:       p,
		StatusDescription: fmt.Sprintf("sender %s, receiver %s",
			p.Sender.Status.Status(), p.Receiver.Status.Status()),
	}
	sender, receiver := p.Sender.Status.Status(), p.Receiver.Status.Status()
	switch {
	case sender == payment.StatusAbort || receiver == payment.StatusAbort:
		s.Status = TxFailed
	case sender == payment.StatusReadyForSettlement && receiver == payment.StatusReadyForSettlement:
		s.Status = TxCompleted
	}
	return s
}

// APIError is a request the VASP refused.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vasp responded %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// SendRequest is a payment from an account of the VASP.
type SendRequest struct {
	// Sender is the address of the sending account. Its VASP is the one the
	// client talks to.
	Sender   address.Address
	Receiver address.Address
	Amount   uint64
	Currency string
	// ReferenceID is generated by the VASP when empty.
	ReferenceID string
}

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client of the VASP at baseURL, using the http client or a
// client with a 60 second timeout if nil.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), http: httpClient}
}

// SendTransaction initiates the payment. It returns once the receiving VASP
// acknowledged the payment, usually before the negotiation is over.
func (c *Client) SendTransaction(ctx context.Context, req SendRequest) (TxState, error) {
	body, err := json.Marshal(vasphttp.PaymentRequest{
		Sender:      req.Sender.String(),
		Receiver:    req.Receiver.String(),
		Amount:      req.Amount,
		Currency:    req.Currency,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		return TxState{}, err
	}
	var resp vasphttp.PaymentResponse
	if err := c.do(ctx, http.MethodPost, "/v1/payments", body, &resp); err != nil {
		return TxState{}, fmt.Errorf("sending transaction: %w", err)
	}
	return StateOf(resp.Payment), nil
}

// GetOffchainState returns the state of the payment.
func (c *Client) GetOffchainState(ctx context.Context, referenceID string) (TxState, error) {
	var resp vasphttp.PaymentResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(referenceID), nil, &resp); err != nil {
		return TxState{}, fmt.Errorf("getting state of %s: %w", referenceID, err)
	}
	return StateOf(resp.Payment), nil
}

// ReferenceIDs returns the reference ids of the payments of the VASP.
func (c *Client) ReferenceIDs(ctx context.Context) ([]string, error) {
	var resp vasphttp.PaymentsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payments", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	return resp.ReferenceIDs, nil
}

// WaitOffchainState polls the state of the payment every interval until it is
// no longer pending.
func (c *Client) WaitOffchainState(ctx context.Context, referenceID string, interval time.Duration) (TxState, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s, err := c.GetOffchainState(ctx, referenceID)
		if err != nil || s.Status != TxPending {
			return s, err
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, v any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e vasphttp.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
			e.Error = resp.Status
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
