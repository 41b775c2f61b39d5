package queue

import (
	"time"

	"github.com/unclebandit/eduops-messaging/internal/model"
)

// Routing keys on the events exchange.
const (
	TopicStatus  = "message.status"
	TopicInbound = "message.inbound"
)

// StatusEvent announces a delivery state change of a queued message.
type StatusEvent struct {
	MessageID  int                 `json:"message_id"`
	ExternalID string              `json:"external_id"`
	GatewayID  *int                `json:"gateway_id,omitempty"`
	Channel    model.ChannelType   `json:"channel"`
	Status     model.MessageStatus `json:"status"`
	EntityType *string             `json:"entity_type,omitempty"`
	EntityID   *int                `json:"entity_id,omitempty"`
	Error      *string             `json:"error,omitempty"`
	At         time.Time           `json:"at"`
}

// InboundEvent announces a message received from a contact.
type InboundEvent struct {
	InboundID   int               `json:"inbound_id"`
	ContactID   int               `json:"contact_id"`
	Channel     model.ChannelType `json:"channel"`
	From        string            `json:"from"`
	MessageType string            `json:"message_type"`
	Text        string            `json:"text"`
	MediaRef    *string           `json:"media_ref,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// ProcessJob asks a worker to run one queue processing pass.
type ProcessJob struct {
	Limit int `json:"limit"`
}
