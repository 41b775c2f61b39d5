// internal/handler/webhook_handler.go
package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/eduops-messaging/internal/gateway"
	"github.com/unclebandit/eduops-messaging/internal/model"
	"github.com/unclebandit/eduops-messaging/internal/service"
)

const maxWebhookBody = 1 << 20

// Ingest is what the webhook endpoints hand parsed callbacks to.
type Ingest interface {
	ReconcileStatus(ctx context.Context, r service.DeliveryReceipt) (service.ReconcileOutcome, error)
	HandleInbound(ctx context.Context, in service.Inbound) (service.ReconcileOutcome, error)
}

// WebhookHandler receives provider callbacks. Providers retry anything but a
// 2xx, so every POST is acknowledged once its signature checks out; problems
// with the content are logged instead.
type WebhookHandler struct {
	Ingest Ingest
	Log    logrus.FieldLogger

	WhatsAppVerifyToken string
	// Empty secrets disable the corresponding signature check.
	WhatsAppAppSecret string
	ViberAuthToken    string
}

func (h *WebhookHandler) Routes(r chi.Router) {
	r.Get("/webhooks/whatsapp", h.VerifyWhatsApp)
	r.Post("/webhooks/whatsapp", h.WhatsApp)
	r.Post("/webhooks/viber", h.Viber)
	r.Post("/webhooks/sms/twilio", h.Twilio)
	r.Post("/webhooks/sms/modem", h.Modem)
}

// VerifyWhatsApp answers Meta's subscription handshake.
func (h *WebhookHandler) VerifyWhatsApp(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, token, challenge := q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge")

	if h.WhatsAppVerifyToken != "" && mode == "subscribe" &&
		hmac.Equal([]byte(token), []byte(h.WhatsAppVerifyToken)) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, challenge)
		return
	}
	h.Log.WithField("mode", mode).Warn("whatsapp verification rejected")
	http.Error(w, "forbidden", http.StatusForbidden)
}

type whatsAppPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
					Image    *whatsAppMedia `json:"image"`
					Audio    *whatsAppMedia `json:"audio"`
					Video    *whatsAppMedia `json:"video"`
					Document *whatsAppMedia `json:"document"`
				} `json:"messages"`
				Statuses []struct {
					ID          string `json:"id"`
					Status      string `json:"status"`
					Timestamp   string `json:"timestamp"`
					RecipientID string `json:"recipient_id"`
					Errors      []struct {
						Code  int    `json:"code"`
						Title string `json:"title"`
					} `json:"errors"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type whatsAppMedia struct {
	ID      string `json:"id"`
	Caption string `json:"caption"`
}

func (h *WebhookHandler) WhatsApp(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if h.WhatsAppAppSecret != "" {
		if ok, reason := verifySignature(r.Header.Get("X-Hub-Signature-256"), "sha256=", h.WhatsAppAppSecret, raw); !ok {
			h.reject(w, "whatsapp", reason)
			return
		}
	}
	ack(w)

	var payload whatsAppPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.Log.WithError(err).Warn("malformed whatsapp callback")
		return
	}
	ctx := r.Context()
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			for _, st := range v.Statuses {
				receipt := service.DeliveryReceipt{
					Provider:   gateway.VendorWhatsAppCloud,
					ExternalID: st.ID,
					Status:     st.Status,
					At:         unixTime(st.Timestamp),
				}
				if len(st.Errors) > 0 {
					receipt.Error = strconv.Itoa(st.Errors[0].Code) + ": " + st.Errors[0].Title
				}
				_, _ = h.Ingest.ReconcileStatus(ctx, receipt)
			}

			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range v.Messages {
				in := service.Inbound{
					Channel:     model.ChannelWhatsApp,
					ChannelID:   v.Metadata.PhoneNumberID,
					From:        m.From,
					Name:        names[m.From],
					ExternalID:  m.ID,
					MessageType: m.Type,
					Text:        strings.TrimSpace(m.Text.Body),
					ReceivedAt:  unixTime(m.Timestamp),
				}
				for _, media := range []*whatsAppMedia{m.Image, m.Audio, m.Video, m.Document} {
					if media != nil {
						id := media.ID
						in.MediaRef = &id
						if in.Text == "" {
							in.Text = media.Caption
						}
						break
					}
				}
				h.inbound(ctx, in)
			}
		}
	}
}

type viberCallback struct {
	Event        string      `json:"event"`
	Timestamp    int64       `json:"timestamp"`
	MessageToken json.Number `json:"message_token"`
	UserID       string      `json:"user_id"`
	Desc         string      `json:"desc"`
	Sender       struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"sender"`
	Message struct {
		Type  string `json:"type"`
		Text  string `json:"text"`
		Media string `json:"media"`
	} `json:"message"`
}

func (h *WebhookHandler) Viber(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if h.ViberAuthToken != "" {
		if ok, reason := verifySignature(r.Header.Get("X-Viber-Content-Signature"), "", h.ViberAuthToken, raw); !ok {
			h.reject(w, "viber", reason)
			return
		}
	}
	ack(w)

	var cb viberCallback
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&cb); err != nil {
		h.Log.WithError(err).Warn("malformed viber callback")
		return
	}
	at := time.UnixMilli(cb.Timestamp).UTC()
	if cb.Timestamp == 0 {
		at = time.Time{}
	}

	switch cb.Event {
	case "delivered", "seen", "failed":
		_, _ = h.Ingest.ReconcileStatus(r.Context(), service.DeliveryReceipt{
			Provider:   gateway.VendorViber,
			ExternalID: cb.MessageToken.String(),
			Status:     cb.Event,
			Error:      cb.Desc,
			At:         at,
		})
	case "message":
		in := service.Inbound{
			Channel:     model.ChannelViber,
			From:        cb.Sender.ID,
			Name:        cb.Sender.Name,
			ExternalID:  cb.MessageToken.String(),
			MessageType: cb.Message.Type,
			Text:        cb.Message.Text,
			ReceivedAt:  at,
		}
		if cb.Message.Media != "" {
			media := cb.Message.Media
			in.MediaRef = &media
		}
		h.inbound(r.Context(), in)
	default:
		// subscribed, unsubscribed, conversation_started and webhook need no action.
		h.Log.WithField("event", cb.Event).Debug("viber event ignored")
	}
}

// Twilio posts form encoded status callbacks and inbound messages to the same
// endpoint; inbound ones carry no MessageStatus or the value "received".
func (h *WebhookHandler) Twilio(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	err := r.ParseForm()
	ack(w)
	if err != nil {
		h.Log.WithError(err).Warn("malformed twilio callback")
		return
	}

	sid := r.PostForm.Get("MessageSid")
	if sid == "" {
		sid = r.PostForm.Get("SmsSid")
	}
	status := r.PostForm.Get("MessageStatus")
	if status == "" {
		status = r.PostForm.Get("SmsStatus")
	}

	if status == "" || status == "received" {
		h.inbound(r.Context(), service.Inbound{
			Channel:    model.ChannelSMS,
			ChannelID:  r.PostForm.Get("To"),
			From:       r.PostForm.Get("From"),
			ExternalID: sid,
			Text:       r.PostForm.Get("Body"),
		})
		return
	}
	_, _ = h.Ingest.ReconcileStatus(r.Context(), service.DeliveryReceipt{
		Provider:   gateway.VendorTwilio,
		ExternalID: sid,
		Status:     status,
		Error:      r.PostForm.Get("ErrorCode"),
	})
}

type modemEvent struct {
	Event   string `json:"event"`
	ID      string `json:"id"`
	Payload struct {
		MessageID   string    `json:"messageId"`
		PhoneNumber string    `json:"phoneNumber"`
		Message     string    `json:"message"`
		Reason      string    `json:"reason"`
		ReceivedAt  time.Time `json:"receivedAt"`
	} `json:"payload"`
}

func (h *WebhookHandler) Modem(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.readBody(w, r)
	if !ok {
		return
	}
	ack(w)

	var ev modemEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		h.Log.WithError(err).Warn("malformed modem callback")
		return
	}
	if ev.Event == "sms:received" {
		h.inbound(r.Context(), service.Inbound{
			Channel:    model.ChannelSMS,
			From:       ev.Payload.PhoneNumber,
			ExternalID: firstNonEmpty(ev.Payload.MessageID, ev.ID),
			Text:       ev.Payload.Message,
			ReceivedAt: ev.Payload.ReceivedAt,
		})
		return
	}
	_, _ = h.Ingest.ReconcileStatus(r.Context(), service.DeliveryReceipt{
		Provider:   gateway.VendorModem,
		ExternalID: ev.Payload.MessageID,
		Status:     ev.Event,
		Error:      ev.Payload.Reason,
	})
}

func (h *WebhookHandler) inbound(ctx context.Context, in service.Inbound) {
	if _, err := h.Ingest.HandleInbound(ctx, in); err != nil {
		h.Log.WithError(err).WithFields(logrus.Fields{
			"channel":     in.Channel,
			"external_id": in.ExternalID,
		}).Error("inbound message not stored")
	}
}

func (h *WebhookHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.Log.WithError(err).Warn("could not read webhook body")
		ack(w)
		return nil, false
	}
	return raw, true
}

func (h *WebhookHandler) reject(w http.ResponseWriter, provider, reason string) {
	h.Log.WithFields(logrus.Fields{"provider": provider, "reason": reason}).Warn("webhook signature rejected")
	http.Error(w, "forbidden", http.StatusForbidden)
}

// verifySignature checks a hex HMAC-SHA256 of body, optionally behind prefix.
func verifySignature(header, prefix, secret string, body []byte) (bool, string) {
	sig := strings.TrimSpace(header)
	if sig == "" {
		return false, "missing signature"
	}
	if prefix != "" {
		if !strings.HasPrefix(sig, prefix) {
			return false, "invalid signature format"
		}
		sig = strings.TrimPrefix(sig, prefix)
	}
	provided, err := hex.DecodeString(sig)
	if err != nil {
		return false, "invalid signature hex"
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return false, "signature mismatch"
	}
	return true, ""
}

func ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}

func unixTime(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
