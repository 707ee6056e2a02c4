// Package monitor runs the per-tenant inbox monitoring loops. Each tenant
// gets its own timer in an explicit registry owned by the composition root;
// nothing here is process-global. A failure inside one tenant's tick is
// caught at the tenant boundary and can never stop another tenant's timer.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"agent-orchestrator/internal/agent"
	"agent-orchestrator/internal/inbox"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/telemetry"
)

// Store is the slice of persistence monitoring ticks run over. *store.Store
// satisfies it.
type Store interface {
	GetMonitoringConfig(ctx context.Context, tenantID string) (models.MonitoringConfig, error)
	UpsertMonitoringConfig(ctx context.Context, cfg models.MonitoringConfig) error
	AdvanceLastChecked(ctx context.Context, tenantID string, to time.Time) error
	ListEnabledMonitoring(ctx context.Context) ([]models.MonitoringConfig, error)
	ResolveThread(ctx context.Context, tenantID, conversationID, subject, participant string) (models.EmailThread, error)
	InsertMessage(ctx context.Context, m models.EmailMessage) (models.EmailMessage, error)
	MarkMessageProcessed(ctx context.Context, tenantID, messageID string, requiresAction bool) error
	CreateResponse(ctx context.Context, r models.EmailResponse) (models.EmailResponse, error)
	CreateEscalation(ctx context.Context, e models.Escalation) (models.Escalation, error)
}

// CredentialSource resolves the tenant's mailbox credentials.
type CredentialSource interface {
	Credentials(ctx context.Context, tenantID string, agentType models.AgentType) (map[string]string, error)
}

// Drafter produces an approval-gated reply for one message. The email
// runtime satisfies it.
type Drafter interface {
	DraftForMessage(ctx context.Context, tc agent.TenantContext, thread models.EmailThread, msg models.EmailMessage) (models.EmailResponse, error)
}

// lowConfidence is the threshold below which a classification escalates
// instead of drafting.
const lowConfidence = 0.5

// Scheduler owns one monitoring loop per enabled tenant.
type Scheduler struct {
	store      Store
	mail       inbox.Service
	calendar   inbox.Calendar
	classifier Classifier
	drafter    Drafter
	creds      CredentialSource
	log        *logrus.Logger

	minInterval     time.Duration
	defaultInterval time.Duration

	mu      sync.Mutex
	tenants map[string]*tenantLoop
}

type tenantLoop struct {
	cancel   context.CancelFunc
	interval time.Duration
	// ticking guards against overlap: a due tick is skipped, not queued,
	// while the prior tick still runs.
	ticking sync.Mutex
}

// Options collects scheduler dependencies.
type Options struct {
	Store           Store
	Mail            inbox.Service
	Calendar        inbox.Calendar
	Classifier      Classifier
	Drafter         Drafter
	Creds           CredentialSource
	Log             *logrus.Logger
	MinInterval     time.Duration
	DefaultInterval time.Duration
}

func NewScheduler(opts Options) *Scheduler {
	min := opts.MinInterval
	if min <= 0 {
		min = time.Minute
	}
	def := opts.DefaultInterval
	if def < min {
		def = 5 * time.Minute
	}
	return &Scheduler{
		store:           opts.Store,
		mail:            opts.Mail,
		calendar:        opts.Calendar,
		classifier:      opts.Classifier,
		drafter:         opts.Drafter,
		creds:           opts.Creds,
		log:             opts.Log,
		minInterval:     min,
		defaultInterval: def,
		tenants:         make(map[string]*tenantLoop),
	}
}

// RunReconcile keeps the timer registry converged on the store: tenants that
// enabled monitoring get a loop, tenants that disabled or changed their
// interval get theirs stopped or restarted. Blocks until ctx is cancelled.
func (s *Scheduler) RunReconcile(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

func (s *Scheduler) reconcile(ctx context.Context) {
	cfgs, err := s.store.ListEnabledMonitoring(ctx)
	if err != nil {
		s.log.WithError(err).Warn("reconcile: list monitoring configs")
		return
	}
	want := make(map[string]time.Duration, len(cfgs))
	for _, cfg := range cfgs {
		want[cfg.TenantID] = s.intervalFor(cfg)
	}

	s.mu.Lock()
	var stop, restart []string
	for id, loop := range s.tenants {
		iv, ok := want[id]
		if !ok {
			stop = append(stop, id)
		} else if iv != loop.interval {
			restart = append(restart, id)
		}
		delete(want, id)
	}
	for _, id := range stop {
		s.tenants[id].cancel()
		delete(s.tenants, id)
	}
	s.mu.Unlock()

	for _, id := range restart {
		cfg, err := s.store.GetMonitoringConfig(ctx, id)
		if err == nil {
			s.spawn(id, s.intervalFor(cfg))
		}
	}
	for id, iv := range want {
		s.spawn(id, iv)
	}
}

// StartAll seeds loops for every tenant with monitoring enabled in the store.
func (s *Scheduler) StartAll(ctx context.Context) error {
	cfgs, err := s.store.ListEnabledMonitoring(ctx)
	if err != nil {
		return err
	}
	for _, cfg := range cfgs {
		if err := s.Start(ctx, cfg.TenantID); err != nil {
			s.log.WithField("tenant_id", cfg.TenantID).WithError(err).Warn("start monitoring")
		}
	}
	return nil
}

// Start enables monitoring for a tenant and spawns its timer. Starting an
// already-running tenant restarts the loop with the stored interval.
func (s *Scheduler) Start(ctx context.Context, tenantID string) error {
	cfg, err := s.store.GetMonitoringConfig(ctx, tenantID)
	if err != nil {
		cfg = models.MonitoringConfig{
			TenantID:             tenantID,
			Enabled:              true,
			CheckIntervalMinutes: int(s.defaultInterval.Minutes()),
		}
	}
	cfg.Enabled = true
	if err := s.store.UpsertMonitoringConfig(ctx, cfg); err != nil {
		return err
	}
	s.spawn(tenantID, s.intervalFor(cfg))
	return nil
}

// Stop disables monitoring for a tenant and stops its timer.
func (s *Scheduler) Stop(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	if loop, ok := s.tenants[tenantID]; ok {
		loop.cancel()
		delete(s.tenants, tenantID)
	}
	s.mu.Unlock()

	cfg, err := s.store.GetMonitoringConfig(ctx, tenantID)
	if err != nil {
		return nil
	}
	cfg.Enabled = false
	return s.store.UpsertMonitoringConfig(ctx, cfg)
}

// UpdateConfig persists a new monitoring config and restarts or stops the
// tenant's loop to match.
func (s *Scheduler) UpdateConfig(ctx context.Context, cfg models.MonitoringConfig) error {
	if cfg.CheckIntervalMinutes < 1 {
		cfg.CheckIntervalMinutes = int(s.defaultInterval.Minutes())
	}
	if err := s.store.UpsertMonitoringConfig(ctx, cfg); err != nil {
		return err
	}
	if cfg.Enabled {
		s.spawn(cfg.TenantID, s.intervalFor(cfg))
		return nil
	}
	s.mu.Lock()
	if loop, ok := s.tenants[cfg.TenantID]; ok {
		loop.cancel()
		delete(s.tenants, cfg.TenantID)
	}
	s.mu.Unlock()
	return nil
}

// Status describes a tenant's monitoring state.
type Status struct {
	Running bool                    `json:"running"`
	Config  models.MonitoringConfig `json:"config"`
}

// GetStatus reports whether a tenant's loop is running and its stored config.
func (s *Scheduler) GetStatus(ctx context.Context, tenantID string) (Status, error) {
	cfg, err := s.store.GetMonitoringConfig(ctx, tenantID)
	if err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	_, running := s.tenants[tenantID]
	s.mu.Unlock()
	return Status{Running: running, Config: cfg}, nil
}

// Close stops every tenant loop.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, loop := range s.tenants {
		loop.cancel()
		delete(s.tenants, id)
	}
}

func (s *Scheduler) intervalFor(cfg models.MonitoringConfig) time.Duration {
	iv := time.Duration(cfg.CheckIntervalMinutes) * time.Minute
	if iv < s.minInterval {
		iv = s.minInterval
	}
	return iv
}

// spawn (re)starts the timer goroutine for one tenant.
func (s *Scheduler) spawn(tenantID string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if loop, ok := s.tenants[tenantID]; ok {
		loop.cancel()
		delete(s.tenants, tenantID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	loop := &tenantLoop{cancel: cancel, interval: interval}
	s.tenants[tenantID] = loop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !loop.ticking.TryLock() {
					telemetry.MonitorSkips.Inc()
					s.log.WithField("tenant_id", tenantID).Debug("tick skipped, prior tick still running")
					continue
				}
				s.safeTick(ctx, tenantID)
				loop.ticking.Unlock()
			}
		}
	}()
}

// safeTick runs one tick with the tenant boundary sealed: errors and panics
// are logged and absorbed here.
func (s *Scheduler) safeTick(ctx context.Context, tenantID string) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.MonitorTicks.WithLabelValues("panic").Inc()
			s.log.WithField("tenant_id", tenantID).Errorf("panic in monitoring tick: %v", r)
		}
	}()
	if err := s.RunTick(ctx, tenantID); err != nil {
		telemetry.MonitorTicks.WithLabelValues("error").Inc()
		s.log.WithField("tenant_id", tenantID).WithError(err).Warn("monitoring tick failed")
		return
	}
	telemetry.MonitorTicks.WithLabelValues("ok").Inc()
}

// RunTick executes one monitoring cycle for one tenant. The watermark only
// advances after the whole cycle succeeded: a failed fetch or classify leaves
// lastCheckedAt untouched so the next tick retries the window.
func (s *Scheduler) RunTick(ctx context.Context, tenantID string) error {
	cfg, err := s.store.GetMonitoringConfig(ctx, tenantID)
	if err != nil {
		return err
	}

	tickStart := time.Now().UTC()
	since := tickStart.Add(-s.intervalFor(cfg))
	if cfg.LastCheckedAt != nil {
		since = *cfg.LastCheckedAt
	}

	creds, err := s.creds.Credentials(ctx, tenantID, models.AgentEmailAutomation)
	if err != nil {
		return err
	}

	msgs, err := s.mail.ListNewMessages(ctx, creds, since)
	if err != nil {
		return fmt.Errorf("list new messages: %w", err)
	}

	tc := agent.TenantContext{TenantID: tenantID, Credentials: creds}
	for _, in := range msgs {
		if err := s.processMessage(ctx, tc, cfg, in); err != nil {
			return err
		}
	}

	return s.store.AdvanceLastChecked(ctx, tenantID, tickStart)
}

func (s *Scheduler) processMessage(ctx context.Context, tc agent.TenantContext, cfg models.MonitoringConfig, in inbox.InboundMessage) error {
	thread, err := s.store.ResolveThread(ctx, tc.TenantID, in.ConversationID, in.Subject, in.Sender)
	if err != nil {
		return err
	}
	msg, err := s.store.InsertMessage(ctx, models.EmailMessage{
		ProviderID: in.ProviderID,
		ThreadID:   thread.ID,
		TenantID:   tc.TenantID,
		Direction:  models.DirectionInbound,
		Sender:     in.Sender,
		Subject:    in.Subject,
		Body:       in.Body,
		ReceivedAt: in.ReceivedAt,
	})
	if err != nil {
		return err
	}
	// A replayed window re-delivers messages the previous tick already
	// handled; re-classifying those would draft duplicate replies.
	if msg.Processed {
		s.log.WithFields(logrus.Fields{
			"tenant_id":   tc.TenantID,
			"provider_id": in.ProviderID,
		}).Debug("message already handled, skipping")
		return nil
	}

	cls, err := s.classifier.Classify(ctx, in)
	if err != nil {
		return fmt.Errorf("classify message: %w", err)
	}

	mlog := s.log.WithFields(logrus.Fields{
		"tenant_id": tc.TenantID,
		"thread_id": thread.ID,
		"label":     cls.Label,
	})

	if reason, matched := s.policyMatch(cfg, in); matched {
		if _, err := s.store.CreateEscalation(ctx, models.Escalation{
			TenantID: tc.TenantID,
			ThreadID: thread.ID,
			Reason:   reason,
			Priority: "high",
		}); err != nil {
			return err
		}
		telemetry.EscalationsCreated.Inc()
		mlog.Info("policy match escalated")
		return s.store.MarkMessageProcessed(ctx, tc.TenantID, msg.ID, true)
	}

	if cls.ReplyWorthy() || cls.Label == LabelCalendarRequest {
		if cls.Confidence < lowConfidence {
			if _, err := s.store.CreateEscalation(ctx, models.Escalation{
				TenantID: tc.TenantID,
				ThreadID: thread.ID,
				Reason:   fmt.Sprintf("low classification confidence %.2f for %s", cls.Confidence, cls.Label),
			}); err != nil {
				return err
			}
			telemetry.EscalationsCreated.Inc()
			mlog.Info("low confidence escalated")
			return s.store.MarkMessageProcessed(ctx, tc.TenantID, msg.ID, true)
		}
	}

	switch {
	case cls.ReplyWorthy():
		if _, err := s.drafter.DraftForMessage(ctx, tc, thread, msg); err != nil {
			return err
		}
		telemetry.ResponsesDrafted.Inc()
		mlog.Info("reply drafted pending approval")
		return s.store.MarkMessageProcessed(ctx, tc.TenantID, msg.ID, true)

	case cls.Label == LabelCalendarRequest:
		if err := s.proposeBooking(ctx, tc, thread, msg); err != nil {
			return err
		}
		return s.store.MarkMessageProcessed(ctx, tc.TenantID, msg.ID, true)

	default:
		return s.store.MarkMessageProcessed(ctx, tc.TenantID, msg.ID, false)
	}
}

// proposeBooking turns a calendar request into an approval-gated reply
// offering concrete slots. Nothing is booked until the tenant approves.
func (s *Scheduler) proposeBooking(ctx context.Context, tc agent.TenantContext, thread models.EmailThread, msg models.EmailMessage) error {
	slots, err := s.calendar.ProposeSlots(ctx, tc.Credentials, 30)
	if err != nil {
		return fmt.Errorf("propose slots: %w", err)
	}
	lines := make([]string, 0, len(slots))
	proposed := make([]models.ProposedSlot, 0, len(slots))
	for _, slot := range slots {
		lines = append(lines, fmt.Sprintf("- %s to %s", slot.Start.Format(time.RFC1123), slot.End.Format(time.Kitchen)))
		proposed = append(proposed, models.ProposedSlot{Start: slot.Start, End: slot.End})
	}
	draft := fmt.Sprintf("Happy to set up a meeting. Here are some times that work:\n%s\nLet me know which suits you.",
		strings.Join(lines, "\n"))
	if _, err := s.store.CreateResponse(ctx, models.EmailResponse{
		TenantID:      tc.TenantID,
		ThreadID:      thread.ID,
		MessageID:     msg.ID,
		DraftContent:  draft,
		ProposedSlots: proposed,
	}); err != nil {
		return err
	}
	telemetry.ResponsesDrafted.Inc()
	return nil
}

// policyMatch checks filter criteria against the message; a hit escalates
// instead of auto-replying.
func (s *Scheduler) policyMatch(cfg models.MonitoringConfig, in inbox.InboundMessage) (string, bool) {
	haystack := strings.ToLower(in.Subject + " " + in.Body)
	for _, keyword := range cfg.FilterCriteria {
		kw := strings.ToLower(strings.TrimSpace(keyword))
		if kw != "" && strings.Contains(haystack, kw) {
			return fmt.Sprintf("policy keyword %q matched", keyword), true
		}
	}
	return "", false
}
