package gateway_test

import (
	"context"
	"errors"
	"testing"
	"time"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/gateway"
	"github.com/unclebandit/eduops-messaging/internal/logger"
	"github.com/unclebandit/eduops-messaging/internal/model"
)

type mockStore struct {
	rows map[int]*model.GatewayConfig
}

func (m *mockStore) GetByID(ctx context.Context, id int) (*model.GatewayConfig, error) {
	g, ok := m.rows[id]
	if !ok {
		return nil, appErrors.NewNotFound("gateway", id)
	}
	return g, nil
}

func (m *mockStore) ListActive(ctx context.Context, channel model.ChannelType) ([]*model.GatewayConfig, error) {
	var out []*model.GatewayConfig
	for _, g := range m.rows {
		if g.IsActive && g.ChannelType == channel {
			out = append(out, g)
		}
	}
	return out, nil
}

func TestRankOrdering(t *testing.T) {
	gws := []*model.GatewayConfig{
		{ID: 1, IsActive: true, Priority: 5, TotalSent: 10},
		{ID: 2, IsActive: true, Priority: 9, TotalSent: 50},
		{ID: 3, IsActive: true, Priority: 9, TotalSent: 20},
		{ID: 4, IsActive: true, IsDefault: true, Priority: 1, DailyLimit: 10, DailySent: 10},
		{ID: 5, IsActive: true, IsDefault: true, Priority: 0},
		{ID: 6, IsActive: false, Priority: 100},
		{ID: 7, IsActive: true, Priority: 9, TotalSent: 20},
	}

	ranked := gateway.Rank(gws)
	var ids []int
	for _, g := range ranked {
		ids = append(ids, g.ID)
	}
	want := []int{5, 3, 7, 2, 1}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}

func TestBestWithNoCapacity(t *testing.T) {
	gws := []*model.GatewayConfig{{ID: 1, IsActive: true, DailyLimit: 1, DailySent: 1}}
	if g := gateway.Best(gws); g != nil {
		t.Errorf("expected nil, got gateway %d", g.ID)
	}
}

func TestFactoryCreate(t *testing.T) {
	store := &mockStore{rows: map[int]*model.GatewayConfig{
		1: {ID: 1, ChannelType: model.ChannelSMS, Vendor: gateway.VendorLoopback, IsActive: true, Priority: 1},
		2: {ID: 2, ChannelType: model.ChannelSMS, Vendor: gateway.VendorLoopback, IsActive: false},
		3: {ID: 3, ChannelType: model.ChannelWhatsApp, Vendor: gateway.VendorLoopback, IsActive: true},
		4: {ID: 4, ChannelType: model.ChannelViber, Vendor: "pager", IsActive: true},
		5: {ID: 5, ChannelType: model.ChannelViber, Vendor: gateway.VendorTwilio, IsActive: true},
	}}
	f := gateway.NewFactory(store, nil, nil, logger.Discard())
	ctx := context.Background()
	id := func(n int) *int { return &n }

	a, cfg, err := f.Create(ctx, nil, model.ChannelSMS)
	if err != nil {
		t.Fatalf("create by channel: %v", err)
	}
	if cfg.ID != 1 || a.Vendor() != gateway.VendorLoopback {
		t.Errorf("expected loopback gateway 1, got %d/%s", cfg.ID, a.Vendor())
	}

	rejected := []struct {
		name    string
		id      int
		channel model.ChannelType
	}{
		{"inactive", 2, model.ChannelSMS},
		{"channel mismatch", 3, model.ChannelSMS},
		{"unknown vendor", 4, model.ChannelViber},
		{"vendor cannot carry channel", 5, model.ChannelViber},
		{"missing", 99, model.ChannelSMS},
	}
	for _, tt := range rejected {
		_, _, err := f.Create(ctx, id(tt.id), tt.channel)
		var ce *appErrors.ConfigurationError
		if !errors.As(err, &ce) {
			t.Errorf("%s: expected ConfigurationError, got %v", tt.name, err)
		}
	}

	_, _, err = f.Create(ctx, nil, model.ChannelViber)
	var ce *appErrors.ConfigurationError
	if !errors.As(err, &ce) {
		t.Errorf("expected ConfigurationError for unbuildable best gateway, got %v", err)
	}

	store.rows = map[int]*model.GatewayConfig{}
	_, _, err = f.Create(ctx, nil, model.ChannelSMS)
	var ng *appErrors.NoGatewayAvailableError
	if !errors.As(err, &ng) {
		t.Errorf("expected NoGatewayAvailableError, got %v", err)
	}
}

func TestFactoryCachesSessionsByVersion(t *testing.T) {
	v1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := &model.GatewayConfig{
		ID: 9, ChannelType: model.ChannelSMS, Vendor: gateway.VendorSMPP, IsActive: true, UpdatedAt: v1,
		Credentials: model.JSONMap{"addr": "127.0.0.1:1", "system_id": "sys", "password": "pw", "source_addr": "EDU"},
	}
	f := gateway.NewFactory(&mockStore{}, nil, nil, logger.Discard())
	defer f.Close()

	a1, err := f.Build(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	a2, _ := f.Build(cfg)
	if a1 != a2 {
		t.Error("expected the cached session adapter to be reused")
	}

	changed := *cfg
	changed.UpdatedAt = v1.Add(time.Minute)
	a3, _ := f.Build(&changed)
	if a3 == a1 {
		t.Error("expected a fresh adapter after the gateway row changed")
	}
}
