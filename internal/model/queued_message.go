// internal/model/queued_message.go
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type QueuedMessage struct {
	ID               int                 `db:"id" json:"id"`
	GatewayID        *int                `db:"gateway_id" json:"gateway_id,omitempty"`
	ChannelType      ChannelType         `db:"channel_type" json:"channel_type"`
	Recipient        string              `db:"recipient" json:"recipient"`
	Body             string              `db:"body" json:"body"`
	TemplateID       *int                `db:"template_id" json:"template_id,omitempty"`
	EntityType       *string             `db:"entity_type" json:"entity_type,omitempty"`
	EntityID         *int                `db:"entity_id" json:"entity_id,omitempty"`
	Metadata         JSONMap             `db:"metadata" json:"metadata,omitempty"`
	ScheduledAt      *time.Time          `db:"scheduled_at" json:"scheduled_at,omitempty"`
	Status           MessageStatus       `db:"status" json:"status"`
	RetryCount       int                 `db:"retry_count" json:"retry_count"`
	MaxRetries       int                 `db:"max_retries" json:"max_retries"`
	GatewayMessageID *string             `db:"gateway_message_id" json:"gateway_message_id,omitempty"`
	Cost             decimal.NullDecimal `db:"cost" json:"cost"`
	ErrorMessage     *string             `db:"error_message" json:"error_message,omitempty"`
	CreatedBy        *int                `db:"created_by" json:"created_by,omitempty"`
	CreatedAt        time.Time           `db:"created_at" json:"created_at"`
	SentAt           *time.Time          `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt      *time.Time          `db:"delivered_at" json:"delivered_at,omitempty"`
	UpdatedAt        time.Time           `db:"updated_at" json:"updated_at"`
}

// Due reports whether the row is eligible for dequeue at now.
func (m *QueuedMessage) Due(now time.Time) bool {
	if m.Status != StatusPending || m.RetryCount >= m.MaxRetries {
		return false
	}
	return m.ScheduledAt == nil || !m.ScheduledAt.After(now)
}
