package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unclebandit/eduops-messaging/internal/gateway"
	"github.com/unclebandit/eduops-messaging/internal/lock"
	"github.com/unclebandit/eduops-messaging/internal/model"
	"github.com/unclebandit/eduops-messaging/internal/queue"
)

func TestProcessQueueTakesOldestFirst(t *testing.T) {
	a := &stubAdapter{vendor: "stub"}
	f := newFixture(map[int]gateway.Adapter{1: a}, smsGateway(1))
	ids := f.enqueue(7)

	res, err := f.processor.ProcessQueue(context.Background(), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sent != 5 || res.Failed != 0 || res.Retried != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	for i, id := range ids {
		m := f.messages.Snapshot(id)
		want := model.StatusSent
		if i >= 5 {
			want = model.StatusPending
		}
		if m.Status != want {
			t.Errorf("message %d: expected %s, got %s", id, want, m.Status)
		}
	}

	sent := f.messages.Snapshot(ids[0])
	if sent.GatewayID == nil || *sent.GatewayID != 1 {
		t.Errorf("expected gateway 1 recorded, got %v", sent.GatewayID)
	}
	if sent.GatewayMessageID == nil || *sent.GatewayMessageID == "" {
		t.Error("expected gateway message id recorded")
	}
	if !sent.Cost.Valid || sent.Cost.Decimal.String() != "0.0075" {
		t.Errorf("expected cost 0.0075, got %v", sent.Cost)
	}

	g := f.gateways.Snapshot(1)
	if g.DailySent != 5 || g.TotalSent != 5 {
		t.Errorf("expected 5 daily and total sent, got %d/%d", g.DailySent, g.TotalSent)
	}
	if len(f.events.Events()) != 5 {
		t.Errorf("expected 5 status events, got %d", len(f.events.Events()))
	}
}

func TestProcessQueueSkipsFutureAndExhaustedRows(t *testing.T) {
	a := &stubAdapter{vendor: "stub"}
	f := newFixture(map[int]gateway.Adapter{1: a}, smsGateway(1))
	later := time.Now().Add(time.Hour)
	f.enqueue(1, func(m *model.QueuedMessage) { m.ScheduledAt = &later })
	f.enqueue(1, func(m *model.QueuedMessage) { m.RetryCount, m.MaxRetries = 3, 3 })

	res, err := f.processor.ProcessQueue(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sent != 0 {
		t.Errorf("expected nothing sent, got %+v", res)
	}
}

func TestProcessQueueTimeoutIsRetried(t *testing.T) {
	a := &stubAdapter{vendor: "stub", block: true}
	f := newFixture(map[int]gateway.Adapter{1: a}, smsGateway(1))
	ids := f.enqueue(1)

	res, err := f.processor.ProcessQueue(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Retried != 1 {
		t.Fatalf("expected 1 retried, got %+v", res)
	}

	m := f.messages.Snapshot(ids[0])
	if m.Status != model.StatusPending || m.RetryCount != 1 {
		t.Errorf("expected pending with 1 retry, got %s/%d", m.Status, m.RetryCount)
	}
	if m.ErrorMessage == nil {
		t.Error("expected error message recorded")
	}
	if g := f.gateways.Snapshot(1); g.DailySent != 0 {
		t.Errorf("expected reservation released, daily_sent=%d", g.DailySent)
	}
}

func TestProcessQueueTerminalFailure(t *testing.T) {
	a := &stubAdapter{vendor: "stub", fail: errProvider}
	f := newFixture(map[int]gateway.Adapter{1: a}, smsGateway(1))
	ids := f.enqueue(1, func(m *model.QueuedMessage) { m.RetryCount, m.MaxRetries = 2, 3 })

	res, err := f.processor.ProcessQueue(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", res)
	}

	m := f.messages.Snapshot(ids[0])
	if m.Status != model.StatusFailed || m.RetryCount != 3 {
		t.Errorf("expected failed with 3 retries, got %s/%d", m.Status, m.RetryCount)
	}
	g := f.gateways.Snapshot(1)
	if g.TotalFailed != 1 || g.DailySent != 0 {
		t.Errorf("expected total_failed=1 daily_sent=0, got %d/%d", g.TotalFailed, g.DailySent)
	}

	events := f.events.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev, ok := events[0].(queue.StatusEvent)
	if !ok || ev.Status != model.StatusFailed || ev.Error == nil {
		t.Errorf("unexpected event: %+v", events[0])
	}
}

func TestProcessQueueDefersWhenAssignedGatewayIsExhausted(t *testing.T) {
	a := &stubAdapter{vendor: "stub"}
	f := newFixture(map[int]gateway.Adapter{1: a}, smsGateway(1, func(g *model.GatewayConfig) {
		g.DailyLimit, g.DailySent = 10, 10
	}))
	ids := f.enqueue(1, func(m *model.QueuedMessage) { m.GatewayID = intPtr(1) })

	res, err := f.processor.ProcessQueue(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Deferred != 1 {
		t.Fatalf("expected 1 deferred, got %+v", res)
	}
	m := f.messages.Snapshot(ids[0])
	if m.Status != model.StatusPending || m.RetryCount != 0 {
		t.Errorf("expected pending without retry consumed, got %s/%d", m.Status, m.RetryCount)
	}
	if len(a.Sent()) != 0 {
		t.Error("adapter must not be called past the daily limit")
	}
}

func TestProcessQueueNoGatewayConsumesRetry(t *testing.T) {
	f := newFixture(map[int]gateway.Adapter{})
	ids := f.enqueue(1, func(m *model.QueuedMessage) { m.MaxRetries = 1 })

	res, err := f.processor.ProcessQueue(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", res)
	}
	if m := f.messages.Snapshot(ids[0]); m.Status != model.StatusFailed {
		t.Errorf("expected failed, got %s", m.Status)
	}
}

func TestProcessQueueSkipsWhenLeaseHeld(t *testing.T) {
	f := newFixture(map[int]gateway.Adapter{1: &stubAdapter{vendor: "stub"}}, smsGateway(1))
	f.enqueue(2)

	locker := lock.NewLocalLocker()
	if _, err := locker.Obtain(context.Background(), "messaging:process_queue", time.Minute); err != nil {
		t.Fatalf("obtain: %v", err)
	}
	f.processor.Locker = locker

	res, err := f.processor.ProcessQueue(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Skipped || res.Sent != 0 {
		t.Errorf("expected skipped run, got %+v", res)
	}
}

func TestProcessQueueClaimError(t *testing.T) {
	f := newFixture(map[int]gateway.Adapter{})
	f.messages.ClaimErr = errors.New("connection refused")

	if _, err := f.processor.ProcessQueue(context.Background(), 10); err == nil {
		t.Fatal("expected claim error to be returned")
	}
}

func TestProcessQueueConcurrentRunsNeverDoubleSend(t *testing.T) {
	a := &stubAdapter{vendor: "stub"}
	f := newFixture(map[int]gateway.Adapter{1: a}, smsGateway(1))
	f.enqueue(20)

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			_, _ = f.processor.ProcessQueue(context.Background(), 5)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	seen := map[string]bool{}
	for _, r := range a.Sent() {
		if seen[r] {
			t.Fatalf("recipient %s dispatched twice", r)
		}
		seen[r] = true
	}
	if len(seen) != 20 {
		t.Errorf("expected 20 sends, got %d", len(seen))
	}
}

func TestProcessQueueCancelledRunReleasesRows(t *testing.T) {
	a := &stubAdapter{vendor: "stub", block: true}
	f := newFixture(map[int]gateway.Adapter{1: a}, smsGateway(1))
	f.processor.SendTimeout = time.Second
	ids := f.enqueue(2)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	res, err := f.processor.ProcessQueue(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Deferred != 2 || res.Retried != 0 {
		t.Fatalf("expected both rows deferred, got %+v", res)
	}
	for _, id := range ids {
		if m := f.messages.Snapshot(id); m.Status != model.StatusPending || m.RetryCount != 0 {
			t.Errorf("row %d: expected pending without a spent retry, got %s/%d", id, m.Status, m.RetryCount)
		}
	}
	if g := f.gateways.Snapshot(1); g.DailySent != 0 {
		t.Errorf("expected reservation released, daily_sent=%d", g.DailySent)
	}
}
