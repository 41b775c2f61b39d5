// internal/service/dispatch.go
package service

import (
	"context"
	"errors"
	"time"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/gateway"
	"github.com/unclebandit/eduops-messaging/internal/metrics"
	"github.com/unclebandit/eduops-messaging/internal/model"
)

const defaultSendTimeout = 10 * time.Second

// AdapterFactory is what the dispatch paths need from gateway.Factory.
type AdapterFactory interface {
	Create(ctx context.Context, gatewayID *int, channel model.ChannelType) (gateway.Adapter, *model.GatewayConfig, error)
	Build(cfg *model.GatewayConfig) (gateway.Adapter, error)
}

// sendBounded performs one adapter send under timeout. A deadline hit is
// always reported as a TransportError so callers treat it as retryable.
func sendBounded(ctx context.Context, timeout time.Duration, a gateway.Adapter, recipient, body string) (*gateway.SendResult, error) {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := a.Send(sendCtx, recipient, body)
	metrics.ObserveSend(a.Vendor(), time.Since(start))

	if err != nil {
		var te *appErrors.TransportError
		if !errors.As(err, &te) && errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			err = appErrors.NewTransportError(a.Vendor(), "send", 0, context.DeadlineExceeded)
		}
		return nil, err
	}
	if res == nil || res.MessageID == "" {
		return nil, appErrors.NewTransportError(a.Vendor(), "send", 0, errors.New("accepted without a message id"))
	}
	return res, nil
}
