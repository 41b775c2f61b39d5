// internal/gateway/loopback.go
package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/model"
)

// LoopbackAdapter accepts every message without leaving the process. It backs
// local development and smoke tests.
type LoopbackAdapter struct {
	gatewayID int
	log       logrus.FieldLogger
}

func NewLoopbackAdapter(cfg *model.GatewayConfig, log logrus.FieldLogger) *LoopbackAdapter {
	return &LoopbackAdapter{gatewayID: cfg.ID, log: log}
}

func (a *LoopbackAdapter) Vendor() string { return VendorLoopback }

func (a *LoopbackAdapter) Send(ctx context.Context, recipient, body string) (*SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, appErrors.NewTransportError(VendorLoopback, "send", 0, err)
	}
	id := "loop-" + uuid.NewString()
	a.log.WithFields(logrus.Fields{
		"gateway_id": a.gatewayID,
		"recipient":  recipient,
		"message_id": id,
		"length":     len(body),
	}).Info("loopback send")
	return &SendResult{MessageID: id, Status: model.StatusSent}, nil
}

func (a *LoopbackAdapter) GetStatus(ctx context.Context, externalID string) (*StatusResult, error) {
	now := time.Now().UTC()
	return &StatusResult{Status: model.StatusDelivered, Raw: "delivered", DeliveredAt: &now}, nil
}

func (a *LoopbackAdapter) GetBalance(ctx context.Context) (*decimal.Decimal, error) {
	return nil, ErrBalanceUnsupported
}

func (a *LoopbackAdapter) TestConnection(ctx context.Context) error { return ctx.Err() }
