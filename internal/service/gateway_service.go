// internal/service/gateway_service.go
package service

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/eduops-messaging/internal/gateway"
	"github.com/unclebandit/eduops-messaging/internal/model"
	"github.com/unclebandit/eduops-messaging/internal/repository"
)

type GatewayService struct {
	Gateways    repository.GatewayConfigRepositoryInterface
	Factory     AdapterFactory
	CallTimeout time.Duration
	Log         logrus.FieldLogger
}

type BalanceResult struct {
	GatewayID int              `json:"gateway_id"`
	Vendor    string           `json:"vendor"`
	Supported bool             `json:"supported"`
	Balance   *decimal.Decimal `json:"balance,omitempty"`
}

func (s *GatewayService) List(ctx context.Context) ([]*model.GatewayConfig, error) {
	return s.Gateways.List(ctx)
}

// TestConnection probes the provider with the gateway's credentials. Inactive
// gateways can be tested before they are switched on. A false result with a
// nil error means the provider rejected the probe.
func (s *GatewayService) TestConnection(ctx context.Context, actor *int, gatewayID int) (bool, error) {
	g, adapter, err := s.load(ctx, gatewayID)
	if err != nil {
		return false, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	entry := s.Log.WithFields(logrus.Fields{"gateway_id": g.ID, "vendor": g.Vendor, "actor": actorField(actor)})
	if err := adapter.TestConnection(ctx); err != nil {
		entry.WithError(err).Warn("gateway connection test failed")
		return false, nil
	}
	entry.Info("gateway connection test passed")
	return true, nil
}

func (s *GatewayService) Balance(ctx context.Context, gatewayID int) (*BalanceResult, error) {
	g, adapter, err := s.load(ctx, gatewayID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res := &BalanceResult{GatewayID: g.ID, Vendor: g.Vendor}
	bal, err := adapter.GetBalance(ctx)
	if errors.Is(err, gateway.ErrBalanceUnsupported) {
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.Supported = true
	res.Balance = bal
	return res, nil
}

func (s *GatewayService) load(ctx context.Context, id int) (*model.GatewayConfig, gateway.Adapter, error) {
	g, err := s.Gateways.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	adapter, err := s.Factory.Build(g)
	if err != nil {
		return nil, nil, err
	}
	return g, adapter, nil
}

func (s *GatewayService) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.CallTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
