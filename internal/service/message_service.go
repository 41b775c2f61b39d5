// internal/service/message_service.go
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/logger"
	"github.com/unclebandit/eduops-messaging/internal/model"
	"github.com/unclebandit/eduops-messaging/internal/queue"
	"github.com/unclebandit/eduops-messaging/internal/repository"
)

const DefaultMaxRetries = 3

type QueueOptions struct {
	ScheduledAt *time.Time
	TemplateID  *int
	EntityType  *string
	EntityID    *int
	Metadata    model.JSONMap
	GatewayID   *int
	MaxRetries  int
}

type BulkResult struct {
	Queued int               `json:"queued"`
	Failed int               `json:"failed"`
	IDs    []int             `json:"ids"`
	Errors map[string]string `json:"errors,omitempty"`
}

type SendOutcome struct {
	Success   bool             `json:"success"`
	QueueID   int              `json:"queue_id"`
	GatewayID int              `json:"gateway_id,omitempty"`
	MessageID string           `json:"message_id,omitempty"`
	Attempts  int              `json:"attempts"`
	Cost      *decimal.Decimal `json:"cost,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// MessageService is the producer facing API. Callers pass the acting user
// explicitly; nothing is read from ambient request state.
type MessageService struct {
	Messages   repository.QueuedMessageRepositoryInterface
	Gateways   repository.GatewayConfigRepositoryInterface
	Contacts   repository.ContactRepositoryInterface
	Selector   *FailoverSelector
	Events     queue.Queue
	Region     string
	MaxRetries int
	Log        logrus.FieldLogger
	Now        func() time.Time
}

func (s *MessageService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Queue validates and stores one message for later dispatch.
func (s *MessageService) Queue(ctx context.Context, actor *int, channel model.ChannelType, recipient, body string, opts QueueOptions) (int, error) {
	m, err := s.prepare(ctx, actor, channel, recipient, body, opts)
	if err != nil {
		return 0, err
	}
	if err := s.Messages.Create(ctx, m); err != nil {
		return 0, err
	}
	s.Log.WithFields(logrus.Fields{
		"message_id": m.ID,
		"channel":    channel,
		"actor":      actorField(actor),
	}).Debug("message queued")
	return m.ID, nil
}

// SendBulk queues body for every recipient. Per-recipient problems are
// collected, never returned.
func (s *MessageService) SendBulk(ctx context.Context, actor *int, channel model.ChannelType, recipients []string, body string, opts QueueOptions) BulkResult {
	result := BulkResult{IDs: []int{}}
	seen := make(map[string]bool, len(recipients))
	for _, r := range recipients {
		key := strings.TrimSpace(r)
		if seen[key] {
			continue
		}
		seen[key] = true

		id, err := s.Queue(ctx, actor, channel, r, body, opts)
		if err != nil {
			result.Failed++
			if result.Errors == nil {
				result.Errors = make(map[string]string)
			}
			result.Errors[key] = err.Error()
			continue
		}
		result.Queued++
		result.IDs = append(result.IDs, id)
	}
	if result.Failed > 0 {
		s.Log.WithFields(logrus.Fields{"queued": result.Queued, "failed": result.Failed}).Warn("bulk queue had rejected recipients")
	}
	return result
}

// SendWithFailover sends now, trying gateways in rank order. The row is kept
// for audit and reconciliation whether or not a gateway accepted it.
func (s *MessageService) SendWithFailover(ctx context.Context, actor *int, channel model.ChannelType, recipient, body string) (*SendOutcome, error) {
	m, err := s.prepare(ctx, actor, channel, recipient, body, QueueOptions{})
	if err != nil {
		return nil, err
	}
	m.Status = model.StatusProcessing
	if err := s.Messages.Create(ctx, m); err != nil {
		return nil, err
	}

	out := &SendOutcome{QueueID: m.ID}
	res, sendErr := s.Selector.SendWithFailover(ctx, m.Recipient, m.Body, channel)
	if sendErr != nil {
		var fe *appErrors.FailoverError
		if errors.As(sendErr, &fe) {
			out.Attempts = fe.Attempts
		}
		out.Error = sendErr.Error()
		if err := s.Messages.MarkFailed(ctx, m.ID, nil, sendErr.Error()); err != nil {
			logger.LogError(s.Log, "message", "SendWithFailover", "mark failed", m.ID, err)
		}
		s.publish(queue.StatusEvent{
			MessageID: m.ID,
			Channel:   channel,
			Status:    model.StatusFailed,
			Error:     &out.Error,
			At:        s.now(),
		})
		return out, sendErr
	}

	now := s.now()
	cost := res.Cost
	if err := s.Messages.MarkSent(ctx, m.ID, res.GatewayID, res.MessageID, decimal.NullDecimal{Decimal: cost, Valid: true}, now); err != nil {
		logger.LogError(s.Log, "message", "SendWithFailover", "mark sent", map[string]any{
			"message_id": m.ID, "gateway_message_id": res.MessageID,
		}, err)
	}
	gid := res.GatewayID
	s.publish(queue.StatusEvent{
		MessageID:  m.ID,
		ExternalID: res.MessageID,
		GatewayID:  &gid,
		Channel:    channel,
		Status:     model.StatusSent,
		At:         now,
	})

	out.Success = true
	out.GatewayID = res.GatewayID
	out.MessageID = res.MessageID
	out.Attempts = res.Attempts
	out.Cost = &cost
	return out, nil
}

func (s *MessageService) GetMessage(ctx context.Context, id int) (*model.QueuedMessage, error) {
	return s.Messages.GetByID(ctx, id)
}

// Stats returns message counts per status plus a total.
func (s *MessageService) Stats(ctx context.Context) (map[string]int, error) {
	counts, err := s.Messages.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := map[string]int{"total": 0}
	for status, n := range counts {
		stats[string(status)] = n
		stats["total"] += n
	}
	return stats, nil
}

func (s *MessageService) prepare(ctx context.Context, actor *int, channel model.ChannelType, recipient, body string, opts QueueOptions) (*model.QueuedMessage, error) {
	if !channel.Valid() {
		return nil, appErrors.NewValidationError("channel", "must be one of sms, whatsapp, viber")
	}
	to, err := NormalizeRecipient(channel, recipient, s.Region)
	if err != nil {
		return nil, err
	}
	body = renderBody(strings.TrimSpace(body), opts.Metadata)
	if body == "" {
		return nil, appErrors.NewValidationError("body", "is required")
	}
	if opts.MaxRetries < 0 {
		return nil, appErrors.NewValidationError("max_retries", "cannot be negative")
	}
	if err := s.checkOptOut(ctx, channel, to); err != nil {
		return nil, err
	}
	if opts.GatewayID != nil {
		if err := s.checkGateway(ctx, *opts.GatewayID, channel); err != nil {
			return nil, err
		}
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.MaxRetries
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &model.QueuedMessage{
		GatewayID:   opts.GatewayID,
		ChannelType: channel,
		Recipient:   to,
		Body:        body,
		TemplateID:  opts.TemplateID,
		EntityType:  opts.EntityType,
		EntityID:    opts.EntityID,
		Metadata:    opts.Metadata,
		ScheduledAt: opts.ScheduledAt,
		MaxRetries:  maxRetries,
		CreatedBy:   actor,
	}, nil
}

func (s *MessageService) checkOptOut(ctx context.Context, channel model.ChannelType, recipient string) error {
	if s.Contacts == nil {
		return nil
	}
	c, err := s.Contacts.FindByIdentifier(ctx, channel, recipient)
	if errors.Is(err, appErrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.OptedOut(channel) {
		return appErrors.NewValidationError("recipient", "has opted out of "+string(channel))
	}
	return nil
}

func (s *MessageService) checkGateway(ctx context.Context, id int, channel model.ChannelType) error {
	g, err := s.Gateways.GetByID(ctx, id)
	if errors.Is(err, appErrors.ErrNotFound) {
		return appErrors.NewValidationError("gateway_id", "gateway does not exist")
	}
	if err != nil {
		return err
	}
	if g.ChannelType != channel {
		return appErrors.NewValidationError("gateway_id", "gateway serves "+string(g.ChannelType))
	}
	return nil
}

func (s *MessageService) publish(ev queue.StatusEvent) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(queue.TopicStatus, ev); err != nil {
		s.Log.WithError(err).WithField("message_id", ev.MessageID).Warn("publish status event")
	}
}

func actorField(actor *int) any {
	if actor == nil {
		return "system"
	}
	return *actor
}
