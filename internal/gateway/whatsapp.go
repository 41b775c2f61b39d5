// internal/gateway/whatsapp.go
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/unclebandit/eduops-messaging/internal/model"
)

const (
	whatsAppDefaultBase    = "https://graph.facebook.com"
	whatsAppDefaultVersion = "v20.0"
)

// WhatsAppAdapter sends text messages through the WhatsApp Cloud API.
// Delivery state only arrives through the webhook.
type WhatsAppAdapter struct {
	creds WhatsAppCredentials
	base  string
	rest  restClient
}

func NewWhatsAppAdapter(cfg *model.GatewayConfig, client *http.Client) (*WhatsAppAdapter, error) {
	var creds WhatsAppCredentials
	if err := decodeCredentials(cfg, &creds); err != nil {
		return nil, err
	}
	if creds.APIVersion == "" {
		creds.APIVersion = whatsAppDefaultVersion
	}
	return &WhatsAppAdapter{
		creds: creds,
		base:  trimBase(creds.BaseURL, whatsAppDefaultBase) + "/" + creds.APIVersion,
		rest:  restClient{vendor: VendorWhatsAppCloud, http: client},
	}, nil
}

func (a *WhatsAppAdapter) Vendor() string { return VendorWhatsAppCloud }

func (a *WhatsAppAdapter) Send(ctx context.Context, recipient, body string) (*SendResult, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                strings.TrimPrefix(recipient, "+"),
		"type":              "text",
		"text":              map[string]any{"preview_url": false, "body": body},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, a.rest.fail("send", "encode payload: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.base+"/"+url.PathEscape(a.creds.PhoneNumberID)+"/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, a.rest.fail("send", "build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := a.rest.do(req, "send", &out); err != nil {
		return nil, err
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return nil, a.rest.fail("send", "response carried no message id")
	}
	return &SendResult{MessageID: out.Messages[0].ID, Status: model.StatusSent}, nil
}

func (a *WhatsAppAdapter) GetStatus(ctx context.Context, externalID string) (*StatusResult, error) {
	return nil, ErrStatusUnsupported
}

func (a *WhatsAppAdapter) GetBalance(ctx context.Context) (*decimal.Decimal, error) {
	return nil, ErrBalanceUnsupported
}

// TestConnection reads the phone number object, which fails on a bad token or id.
func (a *WhatsAppAdapter) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.base+"/"+url.PathEscape(a.creds.PhoneNumberID)+"?fields=id,display_phone_number", nil)
	if err != nil {
		return a.rest.fail("test", "build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.creds.AccessToken)
	var out struct {
		ID string `json:"id"`
	}
	if err := a.rest.do(req, "test", &out); err != nil {
		return err
	}
	if out.ID == "" {
		return a.rest.fail("test", "phone number %s not visible to token", a.creds.PhoneNumberID)
	}
	return nil
}
