// internal/model/contact.go
package model

import "time"

type Contact struct {
	ID             int       `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Phone          *string   `db:"phone" json:"phone,omitempty"`
	WhatsAppID     *string   `db:"whatsapp_id" json:"whatsapp_id,omitempty"`
	ViberID        *string   `db:"viber_id" json:"viber_id,omitempty"`
	SMSOptOut      bool      `db:"sms_opt_out" json:"sms_opt_out"`
	WhatsAppOptOut bool      `db:"whatsapp_opt_out" json:"whatsapp_opt_out"`
	ViberOptOut    bool      `db:"viber_opt_out" json:"viber_opt_out"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

func (c *Contact) OptedOut(channel ChannelType) bool {
	switch channel {
	case ChannelSMS:
		return c.SMSOptOut
	case ChannelWhatsApp:
		return c.WhatsAppOptOut
	case ChannelViber:
		return c.ViberOptOut
	}
	return false
}

// IdentifierColumn is the contacts column holding the channel-specific address.
func IdentifierColumn(channel ChannelType) string {
	switch channel {
	case ChannelWhatsApp:
		return "whatsapp_id"
	case ChannelViber:
		return "viber_id"
	default:
		return "phone"
	}
}

// Identifier returns the contact's address on channel, or "".
func (c *Contact) Identifier(channel ChannelType) string {
	var p *string
	switch channel {
	case ChannelSMS:
		p = c.Phone
	case ChannelWhatsApp:
		p = c.WhatsAppID
	case ChannelViber:
		p = c.ViberID
	}
	if p == nil {
		return ""
	}
	return *p
}
