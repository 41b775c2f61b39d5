// internal/gateway/viber.go
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/unclebandit/eduops-messaging/internal/model"
)

const viberDefaultBase = "https://chatapi.viber.com/pa"

type ViberAdapter struct {
	creds ViberCredentials
	base  string
	rest  restClient
}

func NewViberAdapter(cfg *model.GatewayConfig, client *http.Client) (*ViberAdapter, error) {
	var creds ViberCredentials
	if err := decodeCredentials(cfg, &creds); err != nil {
		return nil, err
	}
	return &ViberAdapter{
		creds: creds,
		base:  trimBase(creds.BaseURL, viberDefaultBase),
		rest:  restClient{vendor: VendorViber, http: client},
	}, nil
}

func (a *ViberAdapter) Vendor() string { return VendorViber }

// viberReply is the envelope of every chat API answer. Errors come back as
// HTTP 200 with a non-zero status.
type viberReply struct {
	Status        int         `json:"status"`
	StatusMessage string      `json:"status_message"`
	MessageToken  json.Number `json:"message_token"`
}

func (a *ViberAdapter) call(ctx context.Context, op, path string, payload any) (*viberReply, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, a.rest.fail(op, "encode payload: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+path, bytes.NewReader(raw))
	if err != nil {
		return nil, a.rest.fail(op, "build request: %v", err)
	}
	req.Header.Set("X-Viber-Auth-Token", a.creds.AuthToken)
	req.Header.Set("Content-Type", "application/json")

	var reply viberReply
	if err := a.rest.do(req, op, &reply); err != nil {
		return nil, err
	}
	if reply.Status != 0 {
		return nil, a.rest.fail(op, "viber status %d: %s", reply.Status, reply.StatusMessage)
	}
	return &reply, nil
}

func (a *ViberAdapter) Send(ctx context.Context, recipient, body string) (*SendResult, error) {
	sender := map[string]string{"name": a.creds.SenderName}
	if a.creds.SenderAvatar != "" {
		sender["avatar"] = a.creds.SenderAvatar
	}
	reply, err := a.call(ctx, "send", "/send_message", map[string]any{
		"receiver":        recipient,
		"min_api_version": 1,
		"sender":          sender,
		"type":            "text",
		"text":            body,
	})
	if err != nil {
		return nil, err
	}
	token := reply.MessageToken.String()
	if token == "" || token == "0" {
		return nil, a.rest.fail("send", "response carried no message token")
	}
	return &SendResult{MessageID: token, Status: model.StatusSent}, nil
}

func (a *ViberAdapter) GetStatus(ctx context.Context, externalID string) (*StatusResult, error) {
	return nil, ErrStatusUnsupported
}

func (a *ViberAdapter) GetBalance(ctx context.Context) (*decimal.Decimal, error) {
	return nil, ErrBalanceUnsupported
}

func (a *ViberAdapter) TestConnection(ctx context.Context) error {
	_, err := a.call(ctx, "test", "/get_account_info", map[string]any{})
	return err
}
