// internal/service/queue_processor.go
package service

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/gateway"
	"github.com/unclebandit/eduops-messaging/internal/lock"
	"github.com/unclebandit/eduops-messaging/internal/logger"
	"github.com/unclebandit/eduops-messaging/internal/metrics"
	"github.com/unclebandit/eduops-messaging/internal/model"
	"github.com/unclebandit/eduops-messaging/internal/queue"
	"github.com/unclebandit/eduops-messaging/internal/repository"
)

const (
	DefaultProcessLimit = 50
	processLockKey      = "messaging:process_queue"
)

type ProcessResult struct {
	Sent     int  `json:"sent"`
	Failed   int  `json:"failed"`
	Retried  int  `json:"retried"`
	Deferred int  `json:"deferred"`
	Skipped  bool `json:"skipped,omitempty"`
}

// QueueProcessor drains due rows in bounded batches. It is driven by an
// external tick or an operator; it holds no timers of its own.
type QueueProcessor struct {
	Messages    repository.QueuedMessageRepositoryInterface
	Factory     AdapterFactory
	Selector    *FailoverSelector
	Stats       *StatsAccumulator
	Events      queue.Queue
	Locker      lock.Locker
	SendTimeout time.Duration
	Log         logrus.FieldLogger
	Now         func() time.Time
}

func (p *QueueProcessor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// ProcessQueue claims up to limit due rows and attempts each once. Row level
// failures are counted, never returned; an error means the claim itself failed.
func (p *QueueProcessor) ProcessQueue(ctx context.Context, limit int) (ProcessResult, error) {
	var result ProcessResult
	if limit <= 0 {
		limit = DefaultProcessLimit
	}

	if p.Locker != nil {
		lease, err := p.Locker.Obtain(ctx, processLockKey, p.LeaseTTL(limit))
		if errors.Is(err, lock.ErrNotObtained) {
			p.Log.Info("queue run already in progress elsewhere, skipping")
			result.Skipped = true
			return result, nil
		}
		if err != nil {
			// The row claim is atomic on its own; the lease only saves work.
			p.Log.WithError(err).Warn("could not obtain queue lease, proceeding without it")
		} else {
			defer lease.Release(context.Background())
		}
	}

	rows, err := p.Messages.ClaimDue(ctx, p.now(), limit)
	if err != nil {
		return result, err
	}

	for i, m := range rows {
		if ctx.Err() != nil {
			// Shutting down: hand back what was not attempted.
			p.releaseRows(ctx, rows[i:])
			result.Deferred += len(rows) - i
			break
		}
		switch p.processOne(ctx, m) {
		case outcomeSent:
			result.Sent++
		case outcomeFailed:
			result.Failed++
		case outcomeRetry:
			result.Retried++
		case outcomeDeferred:
			result.Deferred++
		}
	}

	metrics.IncQueueRun()
	if len(rows) > 0 {
		p.Log.WithFields(logrus.Fields{
			"claimed":  len(rows),
			"sent":     result.Sent,
			"failed":   result.Failed,
			"retried":  result.Retried,
			"deferred": result.Deferred,
		}).Info("queue run finished")
	}
	return result, nil
}

// LeaseTTL bounds how long one run may hold rows for a batch of limit. Rows
// still in processing after it belong to a worker that is gone.
func (p *QueueProcessor) LeaseTTL(limit int) time.Duration {
	if limit <= 0 {
		limit = DefaultProcessLimit
	}
	timeout := p.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return time.Duration(limit)*timeout + time.Minute
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeRetry
	outcomeDeferred
)

func (p *QueueProcessor) processOne(ctx context.Context, m *model.QueuedMessage) outcome {
	entry := p.Log.WithFields(logrus.Fields{"message_id": m.ID, "channel": m.ChannelType})
	// Row bookkeeping must land even when the run is being cancelled.
	store := context.WithoutCancel(ctx)

	adapter, g, err := p.resolve(ctx, m)
	if err != nil {
		if ctx.Err() != nil {
			p.releaseRows(ctx, []*model.QueuedMessage{m})
			return outcomeDeferred
		}
		if appErrors.IsDeferrable(err) {
			p.releaseRows(ctx, []*model.QueuedMessage{m})
			entry.WithError(err).Info("gateway quota exhausted, row deferred")
			return outcomeDeferred
		}
		entry.WithError(err).Warn("no adapter for row")
		return p.attemptFailed(store, m, nil, err)
	}

	res, err := sendBounded(ctx, p.SendTimeout, adapter, m.Recipient, m.Body)
	if err != nil {
		p.Stats.Release(store, g)
		if ctx.Err() != nil {
			entry.WithError(err).Info("run cancelled during send, row released")
			p.releaseRows(ctx, []*model.QueuedMessage{m})
			return outcomeDeferred
		}
		entry.WithError(err).WithField("gateway_id", g.ID).Warn("send failed")
		return p.attemptFailed(store, m, g, err)
	}

	now := p.now()
	if err := p.markSent(store, m, g, res.MessageID, now); err != nil {
		// The row stays in processing and is reclaimed later, which may
		// send the message a second time.
		logger.LogError(p.Log, "queue_processor", "processOne", "mark sent", map[string]any{
			"message_id": m.ID, "gateway_message_id": res.MessageID,
		}, err)
	}
	p.Stats.RecordSent(store, g, now)

	gid, ext := g.ID, res.MessageID
	p.publish(queue.StatusEvent{
		MessageID:  m.ID,
		ExternalID: ext,
		GatewayID:  &gid,
		Channel:    m.ChannelType,
		Status:     model.StatusSent,
		EntityType: m.EntityType,
		EntityID:   m.EntityID,
		At:         now,
	})
	return outcomeSent
}

const markSentAttempts = 3

func (p *QueueProcessor) markSent(ctx context.Context, m *model.QueuedMessage, g *model.GatewayConfig, externalID string, at time.Time) error {
	cost := decimal.NullDecimal{Decimal: g.CostPerMessage, Valid: true}
	var err error
	for attempt := 1; attempt <= markSentAttempts; attempt++ {
		if err = p.Messages.MarkSent(ctx, m.ID, g.ID, externalID, cost, at); err == nil {
			return nil
		}
		if attempt < markSentAttempts {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
	}
	return err
}

func (p *QueueProcessor) releaseRows(ctx context.Context, rows []*model.QueuedMessage) {
	store := context.WithoutCancel(ctx)
	for _, m := range rows {
		if err := p.Messages.Release(store, m.ID); err != nil {
			logger.LogError(p.Log, "queue_processor", "releaseRows", "release row", m.ID, err)
		}
	}
}

// resolve returns an adapter with one unit of quota already reserved.
func (p *QueueProcessor) resolve(ctx context.Context, m *model.QueuedMessage) (gateway.Adapter, *model.GatewayConfig, error) {
	if m.GatewayID == nil {
		return p.Selector.Acquire(ctx, m.ChannelType)
	}
	adapter, g, err := p.Factory.Create(ctx, m.GatewayID, m.ChannelType)
	if err != nil {
		return nil, nil, err
	}
	ok, err := p.Stats.Reserve(ctx, g)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, appErrors.NewRateLimitExceeded(g.ID)
	}
	return adapter, g, nil
}

func (p *QueueProcessor) attemptFailed(ctx context.Context, m *model.QueuedMessage, g *model.GatewayConfig, cause error) outcome {
	status, retries, err := p.Messages.MarkAttemptFailed(ctx, m.ID, cause.Error())
	if err != nil {
		logger.LogError(p.Log, "queue_processor", "attemptFailed", "mark attempt failed", m.ID, err)
		return outcomeRetry
	}
	if status != model.StatusFailed {
		metrics.IncRetried(string(m.ChannelType))
		return outcomeRetry
	}

	p.Stats.RecordFailed(ctx, g, m.ChannelType)
	p.Log.WithFields(logrus.Fields{"message_id": m.ID, "retries": retries}).Warn("message failed permanently")

	msg := cause.Error()
	ev := queue.StatusEvent{
		MessageID:  m.ID,
		Channel:    m.ChannelType,
		Status:     model.StatusFailed,
		EntityType: m.EntityType,
		EntityID:   m.EntityID,
		Error:      &msg,
		At:         p.now(),
	}
	if g != nil {
		gid := g.ID
		ev.GatewayID = &gid
	}
	p.publish(ev)
	return outcomeFailed
}

func (p *QueueProcessor) publish(ev queue.StatusEvent) {
	if p.Events == nil {
		return
	}
	if err := p.Events.Publish(queue.TopicStatus, ev); err != nil {
		p.Log.WithError(err).WithField("message_id", ev.MessageID).Warn("publish status event")
	}
}
