// internal/service/failover.go
package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/gateway"
	"github.com/unclebandit/eduops-messaging/internal/metrics"
	"github.com/unclebandit/eduops-messaging/internal/model"
	"github.com/unclebandit/eduops-messaging/internal/repository"
)

// FailoverSelector chooses gateways for a channel and drives immediate sends
// across them in rank order.
type FailoverSelector struct {
	Gateways    repository.GatewayConfigRepositoryInterface
	Factory     AdapterFactory
	Stats       *StatsAccumulator
	SendTimeout time.Duration
	Log         logrus.FieldLogger
	Now         func() time.Time
}

type FailoverResult struct {
	GatewayID int
	Vendor    string
	MessageID string
	Attempts  int
	Cost      decimal.Decimal
}

func NewFailoverSelector(gateways repository.GatewayConfigRepositoryInterface, factory AdapterFactory, stats *StatsAccumulator, sendTimeout time.Duration, log logrus.FieldLogger) *FailoverSelector {
	return &FailoverSelector{
		Gateways:    gateways,
		Factory:     factory,
		Stats:       stats,
		SendTimeout: sendTimeout,
		Log:         log,
		Now:         time.Now,
	}
}

// Candidates lists the channel's gateways that have capacity, best first.
func (f *FailoverSelector) Candidates(ctx context.Context, channel model.ChannelType) ([]*model.GatewayConfig, error) {
	gws, err := f.Gateways.ListActive(ctx, channel)
	if err != nil {
		return nil, err
	}
	return gateway.Rank(gws), nil
}

func (f *FailoverSelector) GetBestGateway(ctx context.Context, channel model.ChannelType) (*model.GatewayConfig, error) {
	ranked, err := f.Candidates(ctx, channel)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, appErrors.NewNoGatewayAvailable(string(channel))
	}
	return ranked[0], nil
}

// Acquire returns the best gateway whose adapter builds and whose quota could
// be reserved. The caller owns the reservation.
func (f *FailoverSelector) Acquire(ctx context.Context, channel model.ChannelType) (gateway.Adapter, *model.GatewayConfig, error) {
	ranked, err := f.Candidates(ctx, channel)
	if err != nil {
		return nil, nil, err
	}
	var lastErr error
	for _, g := range ranked {
		adapter, err := f.Factory.Build(g)
		if err != nil {
			lastErr = err
			f.Log.WithError(err).WithField("gateway_id", g.ID).Warn("skipping unbuildable gateway")
			continue
		}
		ok, err := f.Stats.Reserve(ctx, g)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		return adapter, g, nil
	}
	if lastErr != nil {
		return nil, nil, lastErr
	}
	return nil, nil, appErrors.NewNoGatewayAvailable(string(channel))
}

// SendWithFailover tries each ranked gateway until one accepts the message.
// When all fail the returned FailoverError carries the last failure.
func (f *FailoverSelector) SendWithFailover(ctx context.Context, recipient, body string, channel model.ChannelType) (*FailoverResult, error) {
	ranked, err := f.Candidates(ctx, channel)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, appErrors.NewNoGatewayAvailable(string(channel))
	}

	var (
		lastErr  error
		attempts int
	)
	for _, g := range ranked {
		entry := f.Log.WithFields(logrus.Fields{"gateway_id": g.ID, "vendor": g.Vendor, "channel": channel})

		adapter, err := f.Factory.Build(g)
		if err != nil {
			lastErr = err
			entry.WithError(err).Warn("failover: gateway cannot be built")
			continue
		}
		ok, err := f.Stats.Reserve(ctx, g)
		if err != nil {
			lastErr = err
			continue
		}
		if !ok {
			lastErr = appErrors.NewRateLimitExceeded(g.ID)
			continue
		}

		attempts++
		metrics.IncFailoverAttempt()
		res, err := sendBounded(ctx, f.SendTimeout, adapter, recipient, body)
		if err != nil {
			f.Stats.Release(ctx, g)
			f.Stats.RecordFailed(ctx, g, channel)
			lastErr = err
			entry.WithError(err).Warn("failover: send failed, trying next gateway")
			continue
		}

		f.Stats.RecordSent(ctx, g, f.Now().UTC())
		return &FailoverResult{
			GatewayID: g.ID,
			Vendor:    g.Vendor,
			MessageID: res.MessageID,
			Attempts:  attempts,
			Cost:      g.CostPerMessage,
		}, nil
	}

	return nil, &appErrors.FailoverError{Channel: string(channel), Attempts: attempts, Last: lastErr}
}
