package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/gateway"
	"github.com/unclebandit/eduops-messaging/internal/logger"
	"github.com/unclebandit/eduops-messaging/internal/model"
	"github.com/unclebandit/eduops-messaging/internal/queue"
	"github.com/unclebandit/eduops-messaging/internal/repository/repotest"
	"github.com/unclebandit/eduops-messaging/internal/service"
)

// stubAdapter accepts or rejects every send the way it is told to.
type stubAdapter struct {
	mu     sync.Mutex
	vendor string
	fail   error
	block  bool
	sent   []string
	seq    int
}

func (a *stubAdapter) Vendor() string { return a.vendor }

func (a *stubAdapter) Send(ctx context.Context, recipient, body string) (*gateway.SendResult, error) {
	if a.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return nil, a.fail
	}
	a.seq++
	a.sent = append(a.sent, recipient)
	return &gateway.SendResult{MessageID: fmt.Sprintf("%s-%d", a.vendor, a.seq), Status: model.StatusSent}, nil
}

func (a *stubAdapter) GetStatus(ctx context.Context, externalID string) (*gateway.StatusResult, error) {
	return nil, gateway.ErrStatusUnsupported
}

func (a *stubAdapter) GetBalance(ctx context.Context) (*decimal.Decimal, error) {
	return nil, gateway.ErrBalanceUnsupported
}

func (a *stubAdapter) TestConnection(ctx context.Context) error { return a.fail }

func (a *stubAdapter) Sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

// fakeFactory hands out stub adapters by gateway id.
type fakeFactory struct {
	gateways *repotest.GatewayRepo
	adapters map[int]gateway.Adapter
}

func (f *fakeFactory) Build(cfg *model.GatewayConfig) (gateway.Adapter, error) {
	a, ok := f.adapters[cfg.ID]
	if !ok {
		return nil, appErrors.NewConfigurationError(cfg.ID, cfg.Vendor, "unknown vendor")
	}
	return a, nil
}

func (f *fakeFactory) Create(ctx context.Context, gatewayID *int, channel model.ChannelType) (gateway.Adapter, *model.GatewayConfig, error) {
	var cfg *model.GatewayConfig
	if gatewayID != nil {
		g, err := f.gateways.GetByID(ctx, *gatewayID)
		if err != nil {
			return nil, nil, err
		}
		if !g.IsActive || g.ChannelType != channel {
			return nil, nil, appErrors.NewConfigurationError(g.ID, g.Vendor, "not usable")
		}
		cfg = g
	} else {
		list, _ := f.gateways.ListActive(ctx, channel)
		if cfg = gateway.Best(list); cfg == nil {
			return nil, nil, appErrors.NewNoGatewayAvailable(string(channel))
		}
	}
	a, err := f.Build(cfg)
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

// recordingQueue keeps every published event.
type recordingQueue struct {
	mu     sync.Mutex
	events []any
}

func (q *recordingQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, payload)
	return nil
}

func (q *recordingQueue) Subscribe(topic string, handler queue.Handler) error { return nil }

func (q *recordingQueue) Events() []any {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]any(nil), q.events...)
}

func smsGateway(id int, mutate ...func(*model.GatewayConfig)) *model.GatewayConfig {
	g := &model.GatewayConfig{
		ID:             id,
		Name:           fmt.Sprintf("gw-%d", id),
		ChannelType:    model.ChannelSMS,
		Vendor:         gateway.VendorLoopback,
		IsActive:       true,
		CostPerMessage: decimal.RequireFromString("0.0075"),
	}
	for _, m := range mutate {
		m(g)
	}
	return g
}

type fixture struct {
	gateways  *repotest.GatewayRepo
	messages  *repotest.MessageRepo
	contacts  *repotest.ContactRepo
	sessions  *repotest.SessionRepo
	inbound   *repotest.InboundRepo
	factory   *fakeFactory
	events    *recordingQueue
	stats     *service.StatsAccumulator
	selector  *service.FailoverSelector
	processor *service.QueueProcessor
	messagesS *service.MessageService
	webhooks  *service.WebhookService
}

func newFixture(adapters map[int]gateway.Adapter, gws ...*model.GatewayConfig) *fixture {
	log := logger.Discard()
	f := &fixture{
		gateways: repotest.NewGatewayRepo(gws...),
		messages: repotest.NewMessageRepo(),
		contacts: repotest.NewContactRepo(),
		sessions: repotest.NewSessionRepo(),
		inbound:  repotest.NewInboundRepo(),
		events:   &recordingQueue{},
	}
	f.factory = &fakeFactory{gateways: f.gateways, adapters: adapters}
	f.stats = service.NewStatsAccumulator(f.gateways, log)
	f.selector = service.NewFailoverSelector(f.gateways, f.factory, f.stats, 50*time.Millisecond, log)
	f.processor = &service.QueueProcessor{
		Messages:    f.messages,
		Factory:     f.factory,
		Selector:    f.selector,
		Stats:       f.stats,
		Events:      f.events,
		SendTimeout: 50 * time.Millisecond,
		Log:         log,
	}
	f.messagesS = &service.MessageService{
		Messages: f.messages,
		Gateways: f.gateways,
		Contacts: f.contacts,
		Selector: f.selector,
		Events:   f.events,
		Region:   "KE",
		Log:      log,
	}
	f.webhooks = &service.WebhookService{
		Messages: f.messages,
		Contacts: f.contacts,
		Sessions: f.sessions,
		Inbound:  f.inbound,
		Stats:    f.stats,
		Events:   f.events,
		Region:   "KE",
		Log:      log,
	}
	return f
}

func (f *fixture) enqueue(n int, mutate ...func(*model.QueuedMessage)) []int {
	ids := make([]int, 0, n)
	for i := 0; i < n; i++ {
		m := &model.QueuedMessage{
			ChannelType: model.ChannelSMS,
			Recipient:   fmt.Sprintf("+25471200%04d", i),
			Body:        "Term report is ready",
			MaxRetries:  3,
		}
		for _, fn := range mutate {
			fn(m)
		}
		if err := f.messages.Create(context.Background(), m); err != nil {
			panic(err)
		}
		ids = append(ids, m.ID)
	}
	return ids
}

var errProvider = appErrors.NewTransportError("stub", "send", 500, errors.New("upstream unavailable"))

func intPtr(v int) *int { return &v }

func sentCost() decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.RequireFromString("0.0075"), Valid: true}
}
