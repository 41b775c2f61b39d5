// internal/gateway/twilio.go
package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/unclebandit/eduops-messaging/internal/model"
)

const twilioDefaultBase = "https://api.twilio.com"

// TwilioAdapter talks to the Twilio Programmable Messaging REST API.
type TwilioAdapter struct {
	creds TwilioCredentials
	base  string
	rest  restClient
}

func NewTwilioAdapter(cfg *model.GatewayConfig, client *http.Client) (*TwilioAdapter, error) {
	var creds TwilioCredentials
	if err := decodeCredentials(cfg, &creds); err != nil {
		return nil, err
	}
	return &TwilioAdapter{
		creds: creds,
		base:  trimBase(creds.BaseURL, twilioDefaultBase),
		rest:  restClient{vendor: VendorTwilio, http: client},
	}, nil
}

func (a *TwilioAdapter) Vendor() string { return VendorTwilio }

type twilioMessage struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
	DateUpdated  string  `json:"date_updated"`
}

func (a *TwilioAdapter) accountURL(path string) string {
	return a.base + "/2010-04-01/Accounts/" + url.PathEscape(a.creds.AccountSID) + path
}

func (a *TwilioAdapter) newRequest(ctx context.Context, method, u string, form url.Values) (*http.Request, error) {
	var req *http.Request
	var err error
	if form != nil {
		req, err = http.NewRequestWithContext(ctx, method, u, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	}
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(a.creds.AccountSID, a.creds.AuthToken)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (a *TwilioAdapter) Send(ctx context.Context, recipient, body string) (*SendResult, error) {
	form := url.Values{}
	form.Set("To", recipient)
	form.Set("Body", body)
	if a.creds.MessagingServiceSID != "" {
		form.Set("MessagingServiceSid", a.creds.MessagingServiceSID)
	} else {
		form.Set("From", a.creds.From)
	}
	if a.creds.StatusCallback != "" {
		form.Set("StatusCallback", a.creds.StatusCallback)
	}

	req, err := a.newRequest(ctx, http.MethodPost, a.accountURL("/Messages.json"), form)
	if err != nil {
		return nil, a.rest.fail("send", "build request: %v", err)
	}
	var msg twilioMessage
	if err := a.rest.do(req, "send", &msg); err != nil {
		return nil, err
	}
	if msg.SID == "" {
		return nil, a.rest.fail("send", "response carried no message sid")
	}
	if s, ok := CanonicalStatus(VendorTwilio, msg.Status); ok && s == model.StatusFailed {
		reason := msg.Status
		if msg.ErrorMessage != nil {
			reason = *msg.ErrorMessage
		}
		return nil, a.rest.fail("send", "message %s rejected: %s", msg.SID, reason)
	}
	return &SendResult{MessageID: msg.SID, Status: model.StatusSent}, nil
}

func (a *TwilioAdapter) GetStatus(ctx context.Context, externalID string) (*StatusResult, error) {
	req, err := a.newRequest(ctx, http.MethodGet, a.accountURL("/Messages/"+url.PathEscape(externalID)+".json"), nil)
	if err != nil {
		return nil, a.rest.fail("status", "build request: %v", err)
	}
	var msg twilioMessage
	if err := a.rest.do(req, "status", &msg); err != nil {
		return nil, err
	}
	status, ok := CanonicalStatus(VendorTwilio, msg.Status)
	if !ok {
		return nil, a.rest.fail("status", "unknown status %q", msg.Status)
	}
	res := &StatusResult{Status: status, Raw: msg.Status}
	if status == model.StatusDelivered {
		if t, err := time.Parse(time.RFC1123Z, msg.DateUpdated); err == nil {
			res.DeliveredAt = &t
		}
	}
	return res, nil
}

func (a *TwilioAdapter) GetBalance(ctx context.Context) (*decimal.Decimal, error) {
	req, err := a.newRequest(ctx, http.MethodGet, a.accountURL("/Balance.json"), nil)
	if err != nil {
		return nil, a.rest.fail("balance", "build request: %v", err)
	}
	var out struct {
		Balance  string `json:"balance"`
		Currency string `json:"currency"`
	}
	if err := a.rest.do(req, "balance", &out); err != nil {
		return nil, err
	}
	bal, err := decimal.NewFromString(out.Balance)
	if err != nil {
		return nil, a.rest.fail("balance", "parse balance %q: %v", out.Balance, err)
	}
	return &bal, nil
}

func (a *TwilioAdapter) TestConnection(ctx context.Context) error {
	req, err := a.newRequest(ctx, http.MethodGet, a.accountURL(".json"), nil)
	if err != nil {
		return a.rest.fail("test", "build request: %v", err)
	}
	return a.rest.do(req, "test", nil)
}
