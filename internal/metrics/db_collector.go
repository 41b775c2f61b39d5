package metrics

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/eduops-messaging/internal/model"
)

// StatusCounter is satisfied by the queued message repository.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[model.MessageStatus]int, error)
}

// StartDBCollectors refreshes the queue gauges every interval until ctx ends.
func StartDBCollectors(ctx context.Context, counter StatusCounter, interval time.Duration, log logrus.FieldLogger) {
	if counter == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		updateQueueGauges(ctx, counter, log)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				updateQueueGauges(ctx, counter, log)
			}
		}
	}()
}

func updateQueueGauges(ctx context.Context, counter StatusCounter, log logrus.FieldLogger) {
	counts, err := counter.CountByStatus(ctx)
	if err != nil {
		log.WithError(err).Warn("metrics: count queued messages")
		return
	}
	for status, n := range counts {
		SetQueuedCount(string(status), n)
	}
}
