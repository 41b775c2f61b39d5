// internal/model/channel.go
package model

type ChannelType string

const (
	ChannelSMS      ChannelType = "sms"
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelViber    ChannelType = "viber"
)

func (c ChannelType) Valid() bool {
	switch c {
	case ChannelSMS, ChannelWhatsApp, ChannelViber:
		return true
	}
	return false
}

// HasSessions reports channels whose providers gate free-form replies on a
// conversation window opened by the contact.
func (c ChannelType) HasSessions() bool {
	return c == ChannelWhatsApp || c == ChannelViber
}

// PhoneAddressed reports channels whose recipient identifier is a phone number.
func (c ChannelType) PhoneAddressed() bool {
	return c == ChannelSMS || c == ChannelWhatsApp
}

type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusSent       MessageStatus = "sent"
	StatusDelivered  MessageStatus = "delivered"
	StatusFailed     MessageStatus = "failed"
)

func (s MessageStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}
