// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/unclebandit/eduops-messaging/internal/app"
	"github.com/unclebandit/eduops-messaging/internal/config"
	"github.com/unclebandit/eduops-messaging/internal/controller"
	"github.com/unclebandit/eduops-messaging/internal/handler"
	"github.com/unclebandit/eduops-messaging/internal/logger"
	"github.com/unclebandit/eduops-messaging/internal/metrics"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------- config ----------
	log := logger.New("info")
	cfg := config.Load(log)
	logger.SetLevel(log, cfg.LogLevel)

	// ---------- dependencies ----------
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	metrics.Register()
	metrics.StartDBCollectors(ctx, a.Messages, 30*time.Second, log)

	// ---------- handlers ----------
	messages := &controller.MessageController{
		MessageService: a.Messaging,
		GatewayService: a.Gateway,
		Processor:      a.Processor,
		Log:            log.WithField("component", "api"),
	}
	webhooks := &handler.WebhookHandler{
		Ingest:              a.Webhooks,
		Log:                 log.WithField("component", "webhook_http"),
		WhatsAppVerifyToken: cfg.WhatsAppVerifyToken,
		WhatsAppAppSecret:   cfg.WhatsAppAppSecret,
		ViberAuthToken:      cfg.ViberAuthToken,
	}

	// ---------- router ----------
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(metrics.HTTPMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())
	messages.Routes(r)
	webhooks.Routes(r)

	// ---------- start server ----------
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", srv.Addr).Info("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("server stopped")
	}
	log.Info("server stopped")
}
