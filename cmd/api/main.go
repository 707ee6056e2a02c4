package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"agent-orchestrator/internal/api"
	"agent-orchestrator/internal/approval"
	"agent-orchestrator/internal/collab"
	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/monitor"
	"agent-orchestrator/internal/notify"
	"agent-orchestrator/internal/orchestrator"
	"agent-orchestrator/internal/queue"
	"agent-orchestrator/internal/ratelimit"
	"agent-orchestrator/internal/registry"
	"agent-orchestrator/internal/store"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("migrations")
	}

	redisClient := queue.NewClient(cfg)
	queues := make(map[models.AgentType]orchestrator.Queue, len(models.AgentTypes))
	for _, at := range models.AgentTypes {
		queues[at] = queue.NewRedisQueue(redisClient, at, cfg)
	}

	reg, err := registry.New(st, cfg.CredentialKeyHex)
	if err != nil {
		log.WithError(err).Fatal("credential registry")
	}

	orch := orchestrator.New(st, queues, reg, cfg.MaxAttempts, log)

	// Lifecycle notifications are published from whichever process mutates
	// status; the API emits for submit and cancel.
	dispatcher := notify.NewDispatcher(orch.Events(), notify.NewRedisNotifier(redisClient), log)
	go dispatcher.Run(ctx)

	mailbox := collab.Mailbox{Client: collab.NewClient(cfg.MailboxURL, cfg.ExternalCallTimeout)}
	calendar := collab.CalendarBridge{Client: collab.NewClient(cfg.CalendarURL, cfg.ExternalCallTimeout)}
	approvals := approval.New(st, mailbox, calendar, reg, log)

	// The API writes monitoring intent to the store; the worker's scheduler
	// converges its per-tenant timers on it.
	control := monitor.NewControl(st, cfg.MonitorDefaultInterval)

	limiter := ratelimit.NewTenantBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, orch, st, control, reg, approvals, st, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	return log
}
