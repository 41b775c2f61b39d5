// internal/controller/message_controller.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/model"
	"github.com/unclebandit/eduops-messaging/internal/service"
)

var validate = validator.New()

// QueueRunner triggers a processing pass on demand.
type QueueRunner interface {
	ProcessQueue(ctx context.Context, limit int) (service.ProcessResult, error)
}

type MessageController struct {
	MessageService *service.MessageService
	GatewayService *service.GatewayService
	Processor      QueueRunner
	Log            logrus.FieldLogger
}

func (c *MessageController) Routes(r chi.Router) {
	r.Post("/messages", c.QueueMessage)
	r.Post("/messages/bulk", c.SendBulk)
	r.Post("/messages/send", c.SendNow)
	r.Get("/messages/stats", c.Stats)
	r.Get("/messages/{id}", c.GetMessage)
	r.Post("/queue/process", c.ProcessQueue)
	r.Get("/gateways", c.ListGateways)
	r.Post("/gateways/{id}/test", c.TestGateway)
	r.Get("/gateways/{id}/balance", c.GatewayBalance)
}

type queueOptions struct {
	ScheduledAt *time.Time    `json:"scheduled_at"`
	TemplateID  *int          `json:"template_id"`
	EntityType  *string       `json:"entity_type" validate:"omitempty,max=64"`
	EntityID    *int          `json:"entity_id"`
	Metadata    model.JSONMap `json:"metadata"`
	GatewayID   *int          `json:"gateway_id" validate:"omitempty,gt=0"`
	MaxRetries  int           `json:"max_retries" validate:"gte=0,lte=20"`
}

func (o queueOptions) toService() service.QueueOptions {
	return service.QueueOptions{
		ScheduledAt: o.ScheduledAt,
		TemplateID:  o.TemplateID,
		EntityType:  o.EntityType,
		EntityID:    o.EntityID,
		Metadata:    o.Metadata,
		GatewayID:   o.GatewayID,
		MaxRetries:  o.MaxRetries,
	}
}

type queueRequest struct {
	Channel   model.ChannelType `json:"channel" validate:"required,oneof=sms whatsapp viber"`
	Recipient string            `json:"recipient" validate:"required"`
	Body      string            `json:"body" validate:"required,max=4096"`
	queueOptions
}

type bulkRequest struct {
	Channel    model.ChannelType `json:"channel" validate:"required,oneof=sms whatsapp viber"`
	Recipients []string          `json:"recipients" validate:"required,min=1,max=5000,dive,required"`
	Body       string            `json:"body" validate:"required,max=4096"`
	queueOptions
}

type sendRequest struct {
	Channel   model.ChannelType `json:"channel" validate:"required,oneof=sms whatsapp viber"`
	Recipient string            `json:"recipient" validate:"required"`
	Body      string            `json:"body" validate:"required,max=4096"`
}

func (c *MessageController) QueueMessage(w http.ResponseWriter, r *http.Request) {
	actor, ok := c.actor(w, r)
	if !ok {
		return
	}
	var body queueRequest
	if !c.decode(w, r, &body) {
		return
	}

	id, err := c.MessageService.Queue(r.Context(), actor, body.Channel, body.Recipient, body.Body, body.toService())
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "status": model.StatusPending})
}

func (c *MessageController) SendBulk(w http.ResponseWriter, r *http.Request) {
	actor, ok := c.actor(w, r)
	if !ok {
		return
	}
	var body bulkRequest
	if !c.decode(w, r, &body) {
		return
	}

	result := c.MessageService.SendBulk(r.Context(), actor, body.Channel, body.Recipients, body.Body, body.toService())
	writeJSON(w, http.StatusOK, result)
}

// SendNow delivers immediately through failover. A 502 still carries the
// outcome so the caller can see the stored row.
func (c *MessageController) SendNow(w http.ResponseWriter, r *http.Request) {
	actor, ok := c.actor(w, r)
	if !ok {
		return
	}
	var body sendRequest
	if !c.decode(w, r, &body) {
		return
	}

	out, err := c.MessageService.SendWithFailover(r.Context(), actor, body.Channel, body.Recipient, body.Body)
	if err != nil {
		if out == nil {
			c.fail(w, err)
			return
		}
		writeJSON(w, appErrors.StatusCode(err), out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *MessageController) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	m, err := c.MessageService.GetMessage(r.Context(), id)
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (c *MessageController) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := c.MessageService.Stats(r.Context())
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ProcessQueue runs one pass on operator request. An empty body uses the
// default batch size.
func (c *MessageController) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Limit int `json:"limit" validate:"gte=0,lte=1000"`
	}
	if r.ContentLength != 0 && !c.decode(w, r, &body) {
		return
	}
	res, err := c.Processor.ProcessQueue(r.Context(), body.Limit)
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *MessageController) ListGateways(w http.ResponseWriter, r *http.Request) {
	gws, err := c.GatewayService.List(r.Context())
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": gws})
}

func (c *MessageController) TestGateway(w http.ResponseWriter, r *http.Request) {
	actor, ok := c.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	passed, err := c.GatewayService.TestConnection(r.Context(), actor, id)
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"gateway_id": id, "success": passed})
}

func (c *MessageController) GatewayBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := c.GatewayService.Balance(r.Context(), id)
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// actor reads the acting user from X-Actor-ID. A missing header means a
// system caller; a malformed one is rejected.
func (c *MessageController) actor(w http.ResponseWriter, r *http.Request) (*int, bool) {
	raw := strings.TrimSpace(r.Header.Get("X-Actor-ID"))
	if raw == "" {
		return nil, true
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid X-Actor-ID header"})
		return nil, false
	}
	return &id, true
}

func (c *MessageController) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body"})
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make(map[string]string, len(ve))
			for _, fe := range ve {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": fields})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return false
	}
	return true
}

func (c *MessageController) fail(w http.ResponseWriter, err error) {
	status := appErrors.StatusCode(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusServiceUnavailable {
		c.Log.WithError(err).Error("request failed")
		writeJSON(w, status, map[string]any{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
