// Package app wires the shared dependencies of the server and worker binaries.
package app

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/eduops-messaging/internal/cache"
	"github.com/unclebandit/eduops-messaging/internal/config"
	"github.com/unclebandit/eduops-messaging/internal/db"
	"github.com/unclebandit/eduops-messaging/internal/gateway"
	"github.com/unclebandit/eduops-messaging/internal/lock"
	"github.com/unclebandit/eduops-messaging/internal/queue"
	"github.com/unclebandit/eduops-messaging/internal/repository"
	"github.com/unclebandit/eduops-messaging/internal/service"
)

type App struct {
	Config *config.Config
	Log    logrus.FieldLogger
	DB     *sql.DB
	Redis  *redis.Client
	AMQP   *queue.AMQPQueue
	Events queue.Queue
	Locker lock.Locker

	Gateways *repository.GatewayConfigRepository
	Messages *repository.QueuedMessageRepository
	Contacts *repository.ContactRepository
	Sessions *repository.SessionRepository
	Inbound  *repository.InboundMessageRepository

	Factory   *gateway.Factory
	Stats     *service.StatsAccumulator
	Selector  *service.FailoverSelector
	Processor *service.QueueProcessor
	Webhooks  *service.WebhookService
	Messaging *service.MessageService
	Gateway   *service.GatewayService
}

// New connects to PostgreSQL and, when configured, Redis and RabbitMQ.
// Without Redis, locks and de-duplication are process local; without
// RabbitMQ, events stay in process.
func New(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	// ---------- db ----------
	conn, err := db.Open(ctx, cfg.DSN())
	if err != nil {
		return nil, err
	}
	a.DB = conn

	// ---------- redis ----------
	var dedupe cache.Deduper = cache.NewMemoryDeduper()
	a.Locker = lock.NewLocalLocker()
	if cfg.RedisAddr != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = rdb
		a.Locker = lock.NewRedisLocker(rdb)
		dedupe = cache.NewRedisDeduper(rdb, "messaging:inbound:")
	} else {
		log.Warn("REDIS_ADDRESS not set, using process-local locks and de-duplication")
	}

	// ---------- events ----------
	if cfg.AMQPURL != "" {
		q, err := queue.NewAMQPQueue(cfg.AMQPURL, cfg.EventsExchange, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.AMQP, a.Events = q, q
	} else {
		log.Warn("AMQP_URL not set, events are delivered in process only")
		a.Events = queue.NewInMemoryQueue(log)
	}

	// ---------- repositories ----------
	a.Gateways = repository.NewGatewayConfigRepository(conn)
	a.Messages = repository.NewQueuedMessageRepository(conn)
	a.Contacts = repository.NewContactRepository(conn)
	a.Sessions = repository.NewSessionRepository(conn)
	a.Inbound = repository.NewInboundMessageRepository(conn)

	// ---------- services ----------
	a.Stats = service.NewStatsAccumulator(a.Gateways, log)
	a.Webhooks = &service.WebhookService{
		Messages:          a.Messages,
		Contacts:          a.Contacts,
		Sessions:          a.Sessions,
		Inbound:           a.Inbound,
		Stats:             a.Stats,
		Events:            a.Events,
		Dedupe:            dedupe,
		SessionWindow:     cfg.SessionWindow,
		Region:            cfg.DefaultRegion,
		ReceiptRetryDelay: cfg.ReceiptRetryDelay,
		Log:               log.WithField("component", "webhook"),
	}
	a.Factory = gateway.NewFactory(a.Gateways, &http.Client{Timeout: 2 * cfg.SendTimeout}, a.Webhooks, log.WithField("component", "gateway"))
	a.Selector = service.NewFailoverSelector(a.Gateways, a.Factory, a.Stats, cfg.SendTimeout, log.WithField("component", "failover"))
	a.Processor = &service.QueueProcessor{
		Messages:    a.Messages,
		Factory:     a.Factory,
		Selector:    a.Selector,
		Stats:       a.Stats,
		Events:      a.Events,
		Locker:      a.Locker,
		SendTimeout: cfg.SendTimeout,
		Log:         log.WithField("component", "queue_processor"),
	}
	a.Messaging = &service.MessageService{
		Messages:   a.Messages,
		Gateways:   a.Gateways,
		Contacts:   a.Contacts,
		Selector:   a.Selector,
		Events:     a.Events,
		Region:     cfg.DefaultRegion,
		MaxRetries: cfg.DefaultMaxRetries,
		Log:        log.WithField("component", "messages"),
	}
	a.Gateway = &service.GatewayService{
		Gateways:    a.Gateways,
		Factory:     a.Factory,
		CallTimeout: cfg.SendTimeout,
		Log:         log.WithField("component", "gateways"),
	}
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	if a.Factory != nil {
		if err := a.Factory.Close(); err != nil {
			a.Log.WithError(err).Warn("close gateway sessions")
		}
	}
	if a.AMQP != nil {
		if err := a.AMQP.Close(); err != nil {
			a.Log.WithError(err).Warn("close amqp")
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}
