// internal/model/inbound_message.go
package model

import "time"

type InboundMessage struct {
	ID          int         `db:"id" json:"id"`
	ContactID   int         `db:"contact_id" json:"contact_id"`
	ChannelType ChannelType `db:"channel_type" json:"channel_type"`
	GatewayID   *int        `db:"gateway_id" json:"gateway_id,omitempty"`
	ExternalID  string      `db:"external_id" json:"external_id"`
	MessageType string      `db:"message_type" json:"message_type"`
	Text        string      `db:"text" json:"text"`
	MediaRef    *string     `db:"media_ref" json:"media_ref,omitempty"`
	ReceivedAt  time.Time   `db:"received_at" json:"received_at"`
}
