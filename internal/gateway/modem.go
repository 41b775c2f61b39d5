// internal/gateway/modem.go
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/unclebandit/eduops-messaging/internal/model"
)

// ModemAdapter drives a GSM modem or phone exposed through a small HTTP bridge
// on the local network.
type ModemAdapter struct {
	creds ModemCredentials
	base  string
	rest  restClient
}

func NewModemAdapter(cfg *model.GatewayConfig, client *http.Client) (*ModemAdapter, error) {
	var creds ModemCredentials
	if err := decodeCredentials(cfg, &creds); err != nil {
		return nil, err
	}
	return &ModemAdapter{
		creds: creds,
		base:  trimBase(creds.BaseURL, ""),
		rest:  restClient{vendor: VendorModem, http: client},
	}, nil
}

func (a *ModemAdapter) Vendor() string { return VendorModem }

type modemMessage struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

func (a *ModemAdapter) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case a.creds.APIKey != "":
		req.Header.Set("Authorization", "Bearer "+a.creds.APIKey)
	case a.creds.Username != "":
		req.SetBasicAuth(a.creds.Username, a.creds.Password)
	}
	return req, nil
}

func (a *ModemAdapter) Send(ctx context.Context, recipient, body string) (*SendResult, error) {
	payload := map[string]any{
		"phoneNumbers": []string{recipient},
		"message":      body,
	}
	req, err := a.newRequest(ctx, http.MethodPost, "/messages", payload)
	if err != nil {
		return nil, a.rest.fail("send", "build request: %v", err)
	}
	var msg modemMessage
	if err := a.rest.do(req, "send", &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		return nil, a.rest.fail("send", "bridge returned no message id")
	}
	if s, ok := CanonicalStatus(VendorModem, msg.State); ok && s == model.StatusFailed {
		return nil, a.rest.fail("send", "bridge rejected message %s: %s", msg.ID, msg.Error)
	}
	return &SendResult{MessageID: msg.ID, Status: model.StatusSent}, nil
}

func (a *ModemAdapter) GetStatus(ctx context.Context, externalID string) (*StatusResult, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "/messages/"+url.PathEscape(externalID), nil)
	if err != nil {
		return nil, a.rest.fail("status", "build request: %v", err)
	}
	var msg modemMessage
	if err := a.rest.do(req, "status", &msg); err != nil {
		return nil, err
	}
	status, ok := CanonicalStatus(VendorModem, msg.State)
	if !ok {
		return nil, a.rest.fail("status", "unknown state %q", msg.State)
	}
	return &StatusResult{Status: status, Raw: msg.State}, nil
}

func (a *ModemAdapter) GetBalance(ctx context.Context) (*decimal.Decimal, error) {
	return nil, ErrBalanceUnsupported
}

func (a *ModemAdapter) TestConnection(ctx context.Context) error {
	req, err := a.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return a.rest.fail("test", "build request: %v", err)
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := a.rest.do(req, "test", &health); err != nil {
		return err
	}
	if health.Status != "" && health.Status != "pass" && health.Status != "ok" {
		return a.rest.fail("test", "bridge health is %q", health.Status)
	}
	return nil
}
