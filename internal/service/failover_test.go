package service_test

import (
	"context"
	"errors"
	"testing"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/gateway"
	"github.com/unclebandit/eduops-messaging/internal/model"
)

func TestSendWithFailoverMovesToNextGateway(t *testing.T) {
	g1 := smsGateway(1, func(g *model.GatewayConfig) { g.IsDefault = true })
	g2 := smsGateway(2, func(g *model.GatewayConfig) { g.Priority = 5 })
	second := &stubAdapter{vendor: "second"}
	f := newFixture(map[int]gateway.Adapter{
		1: &stubAdapter{vendor: "first", fail: errProvider},
		2: second,
	}, g1, g2)

	res, err := f.selector.SendWithFailover(context.Background(), "+254712123456", "hello", model.ChannelSMS)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.GatewayID != 2 || res.Attempts != 2 || res.MessageID == "" {
		t.Errorf("unexpected result: %+v", res)
	}

	if g := f.gateways.Snapshot(1); g.TotalFailed != 1 || g.DailySent != 0 {
		t.Errorf("gateway 1: expected total_failed=1 daily_sent=0, got %d/%d", g.TotalFailed, g.DailySent)
	}
	if g := f.gateways.Snapshot(2); g.TotalSent != 1 || g.DailySent != 1 || g.LastUsedAt == nil {
		t.Errorf("gateway 2: expected one send recorded, got %+v", g)
	}
	if len(second.Sent()) != 1 {
		t.Errorf("expected one send on gateway 2")
	}
}

func TestSendWithFailoverAllGatewaysFail(t *testing.T) {
	f := newFixture(map[int]gateway.Adapter{
		1: &stubAdapter{vendor: "first", fail: errProvider},
		2: &stubAdapter{vendor: "second", fail: errProvider},
	}, smsGateway(1), smsGateway(2))

	_, err := f.selector.SendWithFailover(context.Background(), "+254712123456", "hello", model.ChannelSMS)
	var fe *appErrors.FailoverError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FailoverError, got %v", err)
	}
	if fe.Attempts != 2 || !errors.Is(err, errProvider) {
		t.Errorf("unexpected failover error: %+v", fe)
	}
}

func TestSendWithFailoverNoCandidates(t *testing.T) {
	f := newFixture(map[int]gateway.Adapter{}, smsGateway(1, func(g *model.GatewayConfig) { g.IsActive = false }))

	_, err := f.selector.SendWithFailover(context.Background(), "+254712123456", "hello", model.ChannelSMS)
	var ng *appErrors.NoGatewayAvailableError
	if !errors.As(err, &ng) {
		t.Fatalf("expected NoGatewayAvailable, got %v", err)
	}
}

func TestGetBestGatewaySkipsExhaustedDefault(t *testing.T) {
	f := newFixture(nil,
		smsGateway(1, func(g *model.GatewayConfig) { g.IsDefault, g.DailyLimit, g.DailySent = true, 100, 100 }),
		smsGateway(2, func(g *model.GatewayConfig) { g.Priority, g.TotalSent = 5, 900 }),
		smsGateway(3, func(g *model.GatewayConfig) { g.Priority, g.TotalSent = 5, 10 }),
		smsGateway(4, func(g *model.GatewayConfig) { g.Priority = 1 }),
	)

	g, err := f.selector.GetBestGateway(context.Background(), model.ChannelSMS)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.ID != 3 {
		t.Errorf("expected gateway 3, got %d", g.ID)
	}
}

func TestAcquireReservesQuota(t *testing.T) {
	f := newFixture(map[int]gateway.Adapter{1: &stubAdapter{vendor: "stub"}},
		smsGateway(1, func(g *model.GatewayConfig) { g.DailyLimit = 1 }))

	if _, _, err := f.selector.Acquire(context.Background(), model.ChannelSMS); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, _, err := f.selector.Acquire(context.Background(), model.ChannelSMS); err == nil {
		t.Fatal("second acquire should find no capacity")
	}
	if g := f.gateways.Snapshot(1); g.DailySent != 1 {
		t.Errorf("expected daily_sent=1, got %d", g.DailySent)
	}
}
