package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"agent-orchestrator/internal/agent"
	"agent-orchestrator/internal/collab"
	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/monitor"
	"agent-orchestrator/internal/notify"
	"agent-orchestrator/internal/orchestrator"
	"agent-orchestrator/internal/queue"
	"agent-orchestrator/internal/registry"
	"agent-orchestrator/internal/store"
	"agent-orchestrator/internal/telemetry"
	"agent-orchestrator/internal/textgen"
	workerproc "agent-orchestrator/internal/worker"
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
	agentQueues := make(map[models.AgentType]*queue.RedisQueue, len(models.AgentTypes))
	orchQueues := make(map[models.AgentType]orchestrator.Queue, len(models.AgentTypes))
	for _, at := range models.AgentTypes {
		q := queue.NewRedisQueue(redisClient, at, cfg)
		agentQueues[at] = q
		orchQueues[at] = q
	}

	reg, err := registry.New(st, cfg.CredentialKeyHex)
	if err != nil {
		log.WithError(err).Fatal("credential registry")
	}

	orch := orchestrator.New(st, orchQueues, reg, cfg.MaxAttempts, log)

	dispatcher := notify.NewDispatcher(orch.Events(), notify.NewRedisNotifier(redisClient), log)
	go dispatcher.Run(ctx)

	// Collaborator bridges. Text generation goes through the resilient
	// wrapper so a flapping model bridge trips the breaker instead of
	// stalling every worker.
	gen := textgen.NewResilient(collab.TextGen{Client: collab.NewClient(cfg.TextGenURL, cfg.TextGenTimeout)}, cfg.TextGenTimeout)
	mailbox := collab.Mailbox{Client: collab.NewClient(cfg.MailboxURL, cfg.ExternalCallTimeout)}
	calendar := collab.CalendarBridge{Client: collab.NewClient(cfg.CalendarURL, cfg.ExternalCallTimeout)}
	leads := collab.LeadDirectory{Client: collab.NewClient(cfg.LeadsURL, cfg.ExternalCallTimeout)}
	enricher := collab.Enricher{Client: collab.NewClient(cfg.EnrichURL, cfg.ExternalCallTimeout)}

	emailRuntime := agent.NewEmailRuntime(st, gen)
	runtimes := agent.Runtimes{
		Sourcing: agent.NewSourcingRuntime(leads, gen),
		Research: agent.NewResearchRuntime(enricher, gen),
		Email:    emailRuntime,
	}

	var wg sync.WaitGroup
	for _, at := range models.AgentTypes {
		rt, err := runtimes.ByType(at)
		if err != nil {
			log.WithError(err).Fatal("runtime wiring")
		}
		proc := workerproc.NewProcessor(cfg, agentQueues[at], st, reg, orch, rt, log)
		wg.Add(1)
		go func(p *workerproc.Processor) {
			defer wg.Done()
			if err := p.Run(ctx, cfg.WorkersPerAgent); err != nil {
				log.WithError(err).Warn("processor stopped")
			}
		}(proc)
	}

	sched := monitor.NewScheduler(monitor.Options{
		Store:           st,
		Mail:            mailbox,
		Calendar:        calendar,
		Classifier:      monitor.NewTextGenClassifier(gen),
		Drafter:         emailRuntime,
		Creds:           reg,
		Log:             log,
		MinInterval:     cfg.MonitorMinInterval,
		DefaultInterval: cfg.MonitorDefaultInterval,
	})
	if err := sched.StartAll(ctx); err != nil {
		log.WithError(err).Warn("start monitoring loops")
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.RunReconcile(ctx, 30*time.Second)
	}()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithFields(logrus.Fields{
		"workers_per_agent": cfg.WorkersPerAgent,
		"visibility":        cfg.VisibilityTimeout.String(),
	}).Info("worker started")

	<-ctx.Done()
	wg.Wait()
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	return log
}
