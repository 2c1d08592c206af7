package vasphttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/raymondfx/reference-wallet/address"
	"github.com/raymondfx/reference-wallet/channel"
	"github.com/raymondfx/reference-wallet/msg"
)

// Transport delivers commands to peers over HTTP.
type Transport struct {
	client *http.Client
}

var _ channel.Transport = (*Transport)(nil)

// NewTransport returns a transport using the client, or a client with a
// 30 second timeout if nil.
func NewTransport(client *http.Client) *Transport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Transport{client: client}
}

// CommandURL returns the URL the command is delivered to at the base URL of
// the receiving VASP.
func CommandURL(baseURL string, cmd msg.Command) (string, error) {
	origin, err := address.Parse(cmd.Origin)
	if err != nil {
		return "", fmt.Errorf("parsing origin: %w", err)
	}
	role, ok := cmd.Payment.RoleOf(origin)
	if !ok {
		return "", fmt.Errorf("origin %s is not an actor of payment %s", cmd.Origin, cmd.ReferenceID)
	}
	receiver, err := cmd.Payment.Actor(role.Other()).ParsedAddress()
	if err != nil {
		return "", fmt.Errorf("parsing receiver: %w", err)
	}
	return fmt.Sprintf("%s/v1/%s/%s/command", strings.TrimSuffix(baseURL, "/"), origin.OnchainString(), receiver.OnchainString()), nil
}

// Deliver posts the command to the peer. A command the peer rejects is
// returned as a *msg.Error.
func (t *Transport) Deliver(ctx context.Context, baseURL string, cmd msg.Command) error {
	url, err := CommandURL(baseURL, cmd)
	if err != nil {
		return msg.NewError(msg.CodeMalformed, "%v", err)
	}
	var body bytes.Buffer
	if err := msg.NewEncoder(&body).Encode(cmd); err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set(headerContentType, applicationJSON)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering command %d of %s: %w", cmd.Sequence, cmd.ReferenceID, err)
	}
	defer resp.Body.Close()

	var r msg.Response
	if err := msg.NewDecoder(resp.Body).Decode(&r); err != nil {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected response %s to command %d of %s: %w %s", resp.Status, cmd.Sequence, cmd.ReferenceID, err, b)
	}
	if resp.StatusCode != http.StatusOK && r.Status == msg.StatusSuccess {
		return fmt.Errorf("unexpected status %s of successful response", resp.Status)
	}
	return r.Err()
}
