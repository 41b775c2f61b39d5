// internal/service/webhook_service.go
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/eduops-messaging/internal/cache"
	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/gateway"
	"github.com/unclebandit/eduops-messaging/internal/logger"
	"github.com/unclebandit/eduops-messaging/internal/metrics"
	"github.com/unclebandit/eduops-messaging/internal/model"
	"github.com/unclebandit/eduops-messaging/internal/queue"
	"github.com/unclebandit/eduops-messaging/internal/repository"
)

type ReconcileOutcome string

const (
	OutcomeApplied      ReconcileOutcome = "applied"
	OutcomeDuplicate    ReconcileOutcome = "duplicate"
	OutcomeUncorrelated ReconcileOutcome = "uncorrelated"
	OutcomeIgnored      ReconcileOutcome = "ignored"
	OutcomeStored       ReconcileOutcome = "stored"
)

const (
	defaultSessionWindow = 24 * time.Hour
	inboundDedupeTTL     = 48 * time.Hour
)

// DeliveryReceipt is a provider status callback in the provider's own words.
type DeliveryReceipt struct {
	Provider   string
	ExternalID string
	Status     string
	Error      string
	At         time.Time
}

// Inbound is a message a contact sent to one of our gateways.
type Inbound struct {
	Channel     model.ChannelType
	GatewayID   *int
	ChannelID   string // our number or bot id the contact wrote to
	From        string
	Name        string
	ExternalID  string
	MessageType string
	Text        string
	MediaRef    *string
	ReceivedAt  time.Time
}

var (
	optOutKeywords = map[string]bool{"STOP": true, "STOPALL": true, "UNSUBSCRIBE": true, "CANCEL": true, "END": true, "QUIT": true}
	optInKeywords  = map[string]bool{"START": true, "UNSTOP": true}
)

type WebhookService struct {
	Messages      repository.QueuedMessageRepositoryInterface
	Contacts      repository.ContactRepositoryInterface
	Sessions      repository.SessionRepositoryInterface
	Inbound       repository.InboundMessageRepositoryInterface
	Stats         *StatsAccumulator
	Events        queue.Queue
	Dedupe        cache.Deduper
	SessionWindow time.Duration
	// Region resolves national-format sender numbers.
	Region string
	// ReceiptRetryDelay is how long an uncorrelated receipt waits for the
	// send result to be stored before it is tried once more. Zero disables.
	ReceiptRetryDelay time.Duration
	Log               logrus.FieldLogger
	Now               func() time.Time
}

var _ gateway.SessionEvents = (*WebhookService)(nil)

func (s *WebhookService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// ReconcileStatus applies a delivery callback to the message it refers to.
// Only sent rows move; repeats and late callbacks for finished rows are no-ops.
func (s *WebhookService) ReconcileStatus(ctx context.Context, r DeliveryReceipt) (ReconcileOutcome, error) {
	outcome, err := s.reconcile(ctx, r)
	metrics.IncWebhook(r.Provider, string(outcome))
	entry := s.Log.WithFields(logrus.Fields{
		"provider":    r.Provider,
		"external_id": r.ExternalID,
		"status":      r.Status,
		"outcome":     outcome,
	})
	if err != nil {
		entry.WithError(err).Error("status callback not applied")
	} else if outcome != OutcomeApplied {
		entry.Info("status callback left row unchanged")
	}
	return outcome, err
}

func (s *WebhookService) reconcile(ctx context.Context, r DeliveryReceipt) (ReconcileOutcome, error) {
	if r.ExternalID == "" {
		return OutcomeIgnored, nil
	}
	status, known := gateway.CanonicalStatus(r.Provider, r.Status)
	if !known || status == model.StatusSent {
		return OutcomeIgnored, nil
	}

	var errMsg *string
	if status == model.StatusFailed {
		msg := r.Error
		if msg == "" {
			msg = "provider reported " + r.Status
		}
		errMsg = &msg
	}

	now := s.now()
	m, outcome, err := s.apply(ctx, r.ExternalID, status, errMsg, now)
	if outcome == OutcomeUncorrelated && err == nil && s.ReceiptRetryDelay > 0 {
		// Fast providers can report before the send result is committed.
		select {
		case <-ctx.Done():
			return outcome, nil
		case <-time.After(s.ReceiptRetryDelay):
		}
		m, outcome, err = s.apply(ctx, r.ExternalID, status, errMsg, now)
	}
	if err != nil || outcome != OutcomeApplied {
		return outcome, err
	}

	if status == model.StatusFailed && m.GatewayID != nil {
		s.Stats.RecordFailedByID(ctx, *m.GatewayID, m.ChannelType)
	}
	s.publish(queue.TopicStatus, queue.StatusEvent{
		MessageID:  m.ID,
		ExternalID: r.ExternalID,
		GatewayID:  m.GatewayID,
		Channel:    m.ChannelType,
		Status:     status,
		EntityType: m.EntityType,
		EntityID:   m.EntityID,
		Error:      errMsg,
		At:         now,
	})
	return OutcomeApplied, nil
}

func (s *WebhookService) apply(ctx context.Context, externalID string, status model.MessageStatus, errMsg *string, at time.Time) (*model.QueuedMessage, ReconcileOutcome, error) {
	m, applied, err := s.Messages.ApplyDeliveryStatus(ctx, externalID, status, errMsg, at)
	if err != nil {
		return nil, OutcomeIgnored, err
	}
	if applied {
		return m, OutcomeApplied, nil
	}
	if _, err := s.Messages.FindByGatewayMessageID(ctx, externalID); err != nil {
		if errors.Is(err, appErrors.ErrNotFound) {
			return nil, OutcomeUncorrelated, nil
		}
		return nil, OutcomeIgnored, err
	}
	return nil, OutcomeDuplicate, nil
}

// HandleInbound records a contact's message, maintains its conversation
// session and honours SMS opt-out keywords.
func (s *WebhookService) HandleInbound(ctx context.Context, in Inbound) (ReconcileOutcome, error) {
	if !in.Channel.Valid() || strings.TrimSpace(in.From) == "" {
		return OutcomeIgnored, nil
	}
	if in.ExternalID == "" {
		in.ExternalID = "gen-" + uuid.NewString()
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = s.now()
	}
	if in.MessageType == "" {
		in.MessageType = "text"
	}
	in.From = normalizeSender(in.Channel, in.From, s.Region)
	entry := s.Log.WithFields(logrus.Fields{"channel": in.Channel, "external_id": in.ExternalID})

	if s.Dedupe != nil {
		first, err := s.Dedupe.FirstSeen(ctx, "inbound:"+string(in.Channel)+":"+in.ExternalID, inboundDedupeTTL)
		if err != nil {
			entry.WithError(err).Warn("dedupe unavailable, relying on database key")
		} else if !first {
			metrics.IncWebhook(string(in.Channel)+"_inbound", string(OutcomeDuplicate))
			return OutcomeDuplicate, nil
		}
	}

	contact, created, err := s.Contacts.FindOrCreate(ctx, in.Channel, in.From, in.Name)
	if err != nil {
		return OutcomeIgnored, err
	}
	if created {
		entry.WithField("contact_id", contact.ID).Info("new contact from inbound message")
	}

	msg := &model.InboundMessage{
		ContactID:   contact.ID,
		ChannelType: in.Channel,
		GatewayID:   in.GatewayID,
		ExternalID:  in.ExternalID,
		MessageType: in.MessageType,
		Text:        in.Text,
		MediaRef:    in.MediaRef,
		ReceivedAt:  in.ReceivedAt,
	}
	stored, err := s.Inbound.Create(ctx, msg)
	if err != nil {
		return OutcomeIgnored, err
	}
	if !stored {
		metrics.IncWebhook(string(in.Channel)+"_inbound", string(OutcomeDuplicate))
		return OutcomeDuplicate, nil
	}

	if in.Channel == model.ChannelSMS {
		s.applyKeyword(ctx, contact, in.Text)
	}

	if in.Channel.HasSessions() {
		window := s.SessionWindow
		if window <= 0 {
			window = defaultSessionWindow
		}
		channelID := in.ChannelID
		if channelID == "" {
			channelID = "default"
		}
		if _, err := s.Sessions.Touch(ctx, contact.ID, in.Channel, channelID, in.ReceivedAt, window); err != nil {
			logger.LogError(s.Log, "webhook", "HandleInbound", "touch session", contact.ID, err)
		}
	}

	s.publish(queue.TopicInbound, queue.InboundEvent{
		InboundID:   msg.ID,
		ContactID:   contact.ID,
		Channel:     in.Channel,
		From:        in.From,
		MessageType: in.MessageType,
		Text:        in.Text,
		MediaRef:    in.MediaRef,
		ReceivedAt:  in.ReceivedAt,
	})
	metrics.IncWebhook(string(in.Channel)+"_inbound", string(OutcomeStored))
	return OutcomeStored, nil
}

func (s *WebhookService) applyKeyword(ctx context.Context, c *model.Contact, text string) {
	word := strings.ToUpper(strings.TrimSpace(text))
	var optOut bool
	switch {
	case optOutKeywords[word]:
		optOut = true
	case optInKeywords[word]:
		optOut = false
	default:
		return
	}
	if c.SMSOptOut == optOut {
		return
	}
	if err := s.Contacts.SetOptOut(ctx, c.ID, model.ChannelSMS, optOut); err != nil {
		logger.LogError(s.Log, "webhook", "applyKeyword", "set sms opt-out", c.ID, err)
		return
	}
	s.Log.WithFields(logrus.Fields{"contact_id": c.ID, "opt_out": optOut}).Info("sms opt-out changed by keyword")
}

// OnReceipt feeds receipts from bound SMPP sessions into reconciliation.
func (s *WebhookService) OnReceipt(ctx context.Context, r gateway.Receipt) {
	_, _ = s.ReconcileStatus(ctx, DeliveryReceipt{
		Provider:   r.Vendor,
		ExternalID: r.ExternalID,
		Status:     r.Status,
		Error:      r.ErrorCode,
		At:         r.At,
	})
}

func (s *WebhookService) OnInboundSMS(ctx context.Context, m gateway.InboundSMS) {
	gid := m.GatewayID
	if _, err := s.HandleInbound(ctx, Inbound{
		Channel:    model.ChannelSMS,
		GatewayID:  &gid,
		From:       m.From,
		ExternalID: m.ExternalID,
		Text:       m.Text,
		ReceivedAt: m.At,
	}); err != nil {
		logger.LogError(s.Log, "webhook", "OnInboundSMS", "store inbound sms", m.GatewayID, err)
	}
}

func (s *WebhookService) publish(topic string, payload any) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(topic, payload); err != nil {
		s.Log.WithError(err).WithField("topic", topic).Warn("publish event")
	}
}
