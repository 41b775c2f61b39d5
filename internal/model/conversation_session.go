// internal/model/conversation_session.go
package model

import "time"

const (
	SessionActive  = "active"
	SessionExpired = "expired"
)

// ConversationSession tracks the sliding window in which WhatsApp and Viber
// accept free-form replies to a contact.
type ConversationSession struct {
	ID            int         `db:"id" json:"id"`
	ContactID     int         `db:"contact_id" json:"contact_id"`
	ChannelType   ChannelType `db:"channel_type" json:"channel_type"`
	ChannelID     string      `db:"channel_id" json:"channel_id"`
	LastMessageAt time.Time   `db:"last_message_at" json:"last_message_at"`
	ExpiresAt     time.Time   `db:"expires_at" json:"expires_at"`
	Status        string      `db:"status" json:"status"`
}

func (s *ConversationSession) Open(now time.Time) bool {
	return s.Status == SessionActive && now.Before(s.ExpiresAt)
}
