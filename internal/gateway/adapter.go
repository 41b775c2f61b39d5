// internal/gateway/adapter.go
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/unclebandit/eduops-messaging/internal/model"
)

const (
	VendorTwilio        = "twilio"
	VendorSMPP          = "smpp"
	VendorModem         = "modem"
	VendorWhatsAppCloud = "whatsapp_cloud"
	VendorViber         = "viber"
	VendorLoopback      = "loopback"
)

var (
	// ErrBalanceUnsupported is returned by GetBalance when the provider exposes no balance.
	ErrBalanceUnsupported = errors.New("balance lookup not supported by vendor")
	// ErrStatusUnsupported is returned by GetStatus when status only arrives through webhooks.
	ErrStatusUnsupported = errors.New("status lookup not supported by vendor")
)

// SendResult describes an accepted send. MessageID is never empty.
type SendResult struct {
	MessageID string
	Status    model.MessageStatus
}

type StatusResult struct {
	Status      model.MessageStatus
	Raw         string
	DeliveredAt *time.Time
}

// Adapter is the uniform contract every vendor integration satisfies.
// A rejected or failed send is reported as a non-nil error.
type Adapter interface {
	Vendor() string
	Send(ctx context.Context, recipient, body string) (*SendResult, error)
	GetStatus(ctx context.Context, externalID string) (*StatusResult, error)
	GetBalance(ctx context.Context) (*decimal.Decimal, error)
	TestConnection(ctx context.Context) error
}

// SupportsChannel reports whether vendor can carry traffic for channel.
func SupportsChannel(vendor string, channel model.ChannelType) bool {
	switch vendor {
	case VendorTwilio, VendorSMPP, VendorModem:
		return channel == model.ChannelSMS
	case VendorWhatsAppCloud:
		return channel == model.ChannelWhatsApp
	case VendorViber:
		return channel == model.ChannelViber
	case VendorLoopback:
		return channel.Valid()
	}
	return false
}
