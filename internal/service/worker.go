package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/eduops-messaging/internal/lock"
	"github.com/unclebandit/eduops-messaging/internal/logger"
	"github.com/unclebandit/eduops-messaging/internal/queue"
	"github.com/unclebandit/eduops-messaging/internal/repository"
)

// QueueRunner is the part of QueueProcessor the worker drives.
type QueueRunner interface {
	ProcessQueue(ctx context.Context, limit int) (ProcessResult, error)
}

// Worker processes queue jobs and runs the daily maintenance.
type Worker struct {
	Processor QueueRunner
	Gateways  repository.GatewayConfigRepositoryInterface
	Sessions  repository.SessionRepositoryInterface
	Messages  repository.QueuedMessageRepositoryInterface
	Locker    lock.Locker
	JobChan   <-chan queue.ProcessJob
	BatchSize int
	// StaleAfter is how long a claimed row may stay in processing before it
	// is considered abandoned. It must exceed the longest possible run.
	StaleAfter time.Duration
	Log        logrus.FieldLogger
	Now        func() time.Time
}

// Constructor
func NewWorker(processor QueueRunner, jobChan <-chan queue.ProcessJob, log logrus.FieldLogger) *Worker {
	return &Worker{
		Processor: processor,
		JobChan:   jobChan,
		Log:       log,
		Now:       time.Now,
	}
}

// Start handles jobs until the channel closes or ctx ends.
func (w *Worker) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-w.JobChan:
			if !ok {
				return
			}
			if _, err := w.Handle(ctx, job); err != nil {
				logger.LogError(w.Log, "worker", "Start", "process queue", job, err)
			}
		}
	}
}

func (w *Worker) Handle(ctx context.Context, job queue.ProcessJob) (ProcessResult, error) {
	limit := job.Limit
	if limit <= 0 {
		limit = w.BatchSize
	}
	return w.Processor.ProcessQueue(ctx, limit)
}

// ResetDaily zeroes daily_sent on every gateway not yet reset for the current
// UTC day, so it is safe to call at any time. The lease is left to expire so
// other workers firing moments later skip the work.
func (w *Worker) ResetDaily(ctx context.Context) (int64, error) {
	today := w.Now().UTC().Truncate(24 * time.Hour)
	day := today.Format("2006-01-02")
	if w.Locker != nil {
		_, err := w.Locker.Obtain(ctx, "messaging:daily_reset:"+day, time.Hour)
		if errors.Is(err, lock.ErrNotObtained) {
			w.Log.WithField("day", day).Info("daily reset already done by another worker")
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
	}
	n, err := w.Gateways.ResetDailyCounters(ctx, today)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.Log.WithFields(logrus.Fields{"day": day, "gateways": n}).Info("daily gateway counters reset")
	}
	return n, nil
}

// ReclaimStale returns rows abandoned in processing to the queue.
func (w *Worker) ReclaimStale(ctx context.Context) (int64, error) {
	if w.Messages == nil || w.StaleAfter <= 0 {
		return 0, nil
	}
	n, err := w.Messages.ReclaimStale(ctx, w.Now().UTC().Add(-w.StaleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.Log.WithField("messages", n).Warn("reclaimed messages abandoned in processing")
	}
	return n, nil
}

func (w *Worker) ExpireSessions(ctx context.Context) (int64, error) {
	n, err := w.Sessions.ExpireStale(ctx, w.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.Log.WithField("sessions", n).Info("conversation sessions expired")
	}
	return n, nil
}

// RunMaintenance resets daily counters at each UTC midnight, and every sweep
// interval expires stale sessions and reclaims abandoned rows, until ctx ends.
// A reset missed while no worker was running is caught up on start.
func (w *Worker) RunMaintenance(ctx context.Context, sweep time.Duration) {
	if sweep <= 0 {
		sweep = 15 * time.Minute
	}
	if _, err := w.ResetDaily(ctx); err != nil {
		logger.LogError(w.Log, "worker", "RunMaintenance", "reset daily counters", nil, err)
	}
	w.sweep(ctx)

	ticker := time.NewTicker(sweep)
	defer ticker.Stop()
	midnight := time.NewTimer(time.Until(NextUTCMidnight(w.Now())))
	defer midnight.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		case <-midnight.C:
			if _, err := w.ResetDaily(ctx); err != nil {
				logger.LogError(w.Log, "worker", "RunMaintenance", "reset daily counters", nil, err)
			}
			midnight.Reset(time.Until(NextUTCMidnight(w.Now())))
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	if w.Sessions != nil {
		if _, err := w.ExpireSessions(ctx); err != nil {
			logger.LogError(w.Log, "worker", "sweep", "expire sessions", nil, err)
		}
	}
	if _, err := w.ReclaimStale(ctx); err != nil {
		logger.LogError(w.Log, "worker", "sweep", "reclaim stale messages", nil, err)
	}
}

func NextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
