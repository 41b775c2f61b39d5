package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/eduops-messaging/internal/app"
	"github.com/unclebandit/eduops-messaging/internal/config"
	"github.com/unclebandit/eduops-messaging/internal/logger"
	"github.com/unclebandit/eduops-messaging/internal/metrics"
	"github.com/unclebandit/eduops-messaging/internal/queue"
	"github.com/unclebandit/eduops-messaging/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.New("info")
	cfg := config.Load(log)
	logger.SetLevel(log, cfg.LogLevel)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer a.Close()
	metrics.Register()

	jobs := make(chan queue.ProcessJob, 1)
	worker := service.NewWorker(a.Processor, jobs, log.WithField("component", "worker"))
	worker.Gateways = a.Gateways
	worker.Sessions = a.Sessions
	worker.Messages = a.Messages
	worker.Locker = a.Locker
	worker.BatchSize = cfg.ProcessBatchSize
	worker.StaleAfter = a.Processor.LeaseTTL(cfg.ProcessBatchSize)

	// Jobs published by the scheduler are processed inline so the delivery
	// is only acked after the run finished.
	if a.AMQP != nil {
		if err := a.AMQP.Subscribe(cfg.ProcessQueueName, jobHandler(ctx, worker, log)); err != nil {
			log.WithError(err).Fatal("failed to register consumer")
		}
	}
	if cfg.ProcessInterval > 0 {
		go tick(ctx, jobs, cfg.ProcessInterval)
	}
	if a.AMQP == nil && cfg.ProcessInterval <= 0 {
		log.Warn("no AMQP_URL and no PROCESS_INTERVAL: the queue will only be processed on API request")
	}

	go worker.Start(ctx)
	go worker.RunMaintenance(ctx, 15*time.Minute)

	log.WithFields(logrus.Fields{
		"queue":    cfg.ProcessQueueName,
		"interval": cfg.ProcessInterval.String(),
	}).Info("worker running, waiting for jobs")
	<-ctx.Done()
	log.Info("worker stopping")
}

// jobHandler decodes a process job and runs it. Undecodable jobs are dropped;
// a failed claim is returned so the broker redelivers once.
func jobHandler(ctx context.Context, w *service.Worker, log logrus.FieldLogger) queue.Handler {
	return func(payload any) error {
		job, err := decodeJob(payload)
		if err != nil {
			log.WithError(err).Warn("invalid job")
			return nil
		}
		res, err := w.Handle(ctx, job)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"sent":     res.Sent,
			"failed":   res.Failed,
			"retried":  res.Retried,
			"deferred": res.Deferred,
			"skipped":  res.Skipped,
		}).Debug("job processed")
		return nil
	}
}

func decodeJob(payload any) (queue.ProcessJob, error) {
	var job queue.ProcessJob
	switch p := payload.(type) {
	case queue.ProcessJob:
		return p, nil
	case []byte:
		if len(p) == 0 {
			return job, nil
		}
		if err := json.Unmarshal(p, &job); err != nil {
			return job, err
		}
	default:
		return job, fmt.Errorf("unexpected payload type %T", payload)
	}
	if job.Limit < 0 {
		return job, fmt.Errorf("negative limit %d", job.Limit)
	}
	return job, nil
}

func tick(ctx context.Context, jobs chan<- queue.ProcessJob, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			// A run still in progress makes this tick redundant.
			select {
			case jobs <- queue.ProcessJob{}:
			default:
			}
		}
	}
}
