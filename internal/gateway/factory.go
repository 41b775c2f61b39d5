// internal/gateway/factory.go
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/model"
)

// GatewayStore is the slice of the gateway repository the factory reads.
type GatewayStore interface {
	GetByID(ctx context.Context, id int) (*model.GatewayConfig, error)
	ListActive(ctx context.Context, channel model.ChannelType) ([]*model.GatewayConfig, error)
}

// Factory turns gateway rows into adapters. Session adapters are kept per
// gateway and replaced when the row changes.
type Factory struct {
	gateways GatewayStore
	client   *http.Client
	events   SessionEvents
	log      logrus.FieldLogger

	mu       sync.Mutex
	sessions map[int]cachedSession
}

type cachedSession struct {
	adapter *SMPPAdapter
	version time.Time
}

func NewFactory(gateways GatewayStore, client *http.Client, events SessionEvents, log logrus.FieldLogger) *Factory {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Factory{
		gateways: gateways,
		client:   client,
		events:   events,
		log:      log,
		sessions: make(map[int]cachedSession),
	}
}

// Create resolves the adapter for a send. With a gateway id the row must be
// active and serve channel; without one the best ranked gateway is used.
func (f *Factory) Create(ctx context.Context, gatewayID *int, channel model.ChannelType) (Adapter, *model.GatewayConfig, error) {
	var cfg *model.GatewayConfig
	if gatewayID != nil {
		g, err := f.gateways.GetByID(ctx, *gatewayID)
		if err != nil {
			if errors.Is(err, appErrors.ErrNotFound) {
				return nil, nil, appErrors.NewConfigurationError(*gatewayID, "", "gateway does not exist")
			}
			return nil, nil, err
		}
		if !g.IsActive {
			return nil, nil, appErrors.NewConfigurationError(g.ID, g.Vendor, "gateway is inactive")
		}
		if g.ChannelType != channel {
			return nil, nil, appErrors.NewConfigurationError(g.ID, g.Vendor,
				fmt.Sprintf("gateway serves %s, not %s", g.ChannelType, channel))
		}
		cfg = g
	} else {
		candidates, err := f.gateways.ListActive(ctx, channel)
		if err != nil {
			return nil, nil, err
		}
		cfg = Best(candidates)
		if cfg == nil {
			return nil, nil, appErrors.NewNoGatewayAvailable(string(channel))
		}
	}

	adapter, err := f.Build(cfg)
	if err != nil {
		return nil, nil, err
	}
	return adapter, cfg, nil
}

// Build constructs the adapter for cfg's vendor.
func (f *Factory) Build(cfg *model.GatewayConfig) (Adapter, error) {
	if !SupportsChannel(cfg.Vendor, cfg.ChannelType) {
		return nil, appErrors.NewConfigurationError(cfg.ID, cfg.Vendor,
			fmt.Sprintf("vendor cannot carry %s traffic", cfg.ChannelType))
	}
	switch cfg.Vendor {
	case VendorTwilio:
		return built(NewTwilioAdapter(cfg, f.client))
	case VendorModem:
		return built(NewModemAdapter(cfg, f.client))
	case VendorWhatsAppCloud:
		return built(NewWhatsAppAdapter(cfg, f.client))
	case VendorViber:
		return built(NewViberAdapter(cfg, f.client))
	case VendorLoopback:
		return NewLoopbackAdapter(cfg, f.log), nil
	case VendorSMPP:
		return f.session(cfg)
	}
	return nil, appErrors.NewConfigurationError(cfg.ID, cfg.Vendor, "unknown vendor")
}

// built keeps a failed constructor from yielding a non-nil interface around a nil pointer.
func built[T Adapter](a T, err error) (Adapter, error) {
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (f *Factory) session(cfg *model.GatewayConfig) (Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.sessions[cfg.ID]; ok {
		if cached.version.Equal(cfg.UpdatedAt) {
			return cached.adapter, nil
		}
		// Row changed: the old session may be bound with stale credentials.
		go cached.adapter.Close()
		delete(f.sessions, cfg.ID)
	}

	adapter, err := NewSMPPAdapter(cfg, f.events, f.log)
	if err != nil {
		return nil, err
	}
	f.sessions[cfg.ID] = cachedSession{adapter: adapter, version: cfg.UpdatedAt}
	return adapter, nil
}

// Close unbinds every cached session.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for id, cached := range f.sessions {
		if err := cached.adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gateway %d: %w", id, err))
		}
		delete(f.sessions, id)
	}
	return errors.Join(errs...)
}
