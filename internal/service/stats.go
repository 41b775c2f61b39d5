// internal/service/stats.go
package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/eduops-messaging/internal/logger"
	"github.com/unclebandit/eduops-messaging/internal/metrics"
	"github.com/unclebandit/eduops-messaging/internal/model"
	"github.com/unclebandit/eduops-messaging/internal/repository"
)

// StatsAccumulator owns every write to gateway usage counters. Quota is taken
// before a send and given back if the send fails, so daily_limit holds under
// concurrent dispatch.
type StatsAccumulator struct {
	Gateways repository.GatewayConfigRepositoryInterface
	Log      logrus.FieldLogger
}

func NewStatsAccumulator(gateways repository.GatewayConfigRepositoryInterface, log logrus.FieldLogger) *StatsAccumulator {
	return &StatsAccumulator{Gateways: gateways, Log: log}
}

// Reserve takes one unit of g's daily quota. False means another sender got
// the last unit first or the gateway went inactive.
func (s *StatsAccumulator) Reserve(ctx context.Context, g *model.GatewayConfig) (bool, error) {
	return s.Gateways.ReserveQuota(ctx, g.ID)
}

func (s *StatsAccumulator) Release(ctx context.Context, g *model.GatewayConfig) {
	if err := s.Gateways.ReleaseQuota(ctx, g.ID); err != nil {
		logger.LogError(s.Log, "stats", "Release", "release quota", g.ID, err)
	}
}

func (s *StatsAccumulator) RecordSent(ctx context.Context, g *model.GatewayConfig, at time.Time) {
	metrics.IncSent(string(g.ChannelType), g.Vendor)
	if err := s.Gateways.IncrementSent(ctx, g.ID, at); err != nil {
		logger.LogError(s.Log, "stats", "RecordSent", "increment total_sent", g.ID, err)
	}
}

// RecordFailed counts a terminal failure. g is nil when no gateway was ever
// resolved for the message.
func (s *StatsAccumulator) RecordFailed(ctx context.Context, g *model.GatewayConfig, channel model.ChannelType) {
	if g == nil {
		metrics.IncFailed(string(channel), "none")
		return
	}
	metrics.IncFailed(string(channel), g.Vendor)
	if err := s.Gateways.IncrementFailed(ctx, g.ID); err != nil {
		logger.LogError(s.Log, "stats", "RecordFailed", "increment total_failed", g.ID, err)
	}
}

// RecordFailedByID is used by webhook reconciliation, which only knows the id.
func (s *StatsAccumulator) RecordFailedByID(ctx context.Context, gatewayID int, channel model.ChannelType) {
	g, err := s.Gateways.GetByID(ctx, gatewayID)
	if err != nil {
		logger.LogError(s.Log, "stats", "RecordFailedByID", "load gateway", gatewayID, err)
		metrics.IncFailed(string(channel), "unknown")
		return
	}
	s.RecordFailed(ctx, g, channel)
}
