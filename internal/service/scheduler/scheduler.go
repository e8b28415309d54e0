// Package scheduler drives the usage monitor on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hotspot-billing/hotspot-billing/internal/logging"
	"github.com/hotspot-billing/hotspot-billing/internal/metrics"
	"github.com/hotspot-billing/hotspot-billing/internal/service/usage"
	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

// DefaultInterval is the time between cycles
const DefaultInterval = 60 * time.Second

// Monitor is the usage engine a cycle drives
type Monitor interface {
	Sweep(ctx context.Context, now time.Time) (*usage.SweepResult, error)
	SyncLiveUsage(ctx context.Context) (*usage.SyncReport, error)
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
}

// Notifier delivers usage alerts to customers
type Notifier interface {
	Notify(ctx context.Context, alerts []models.UsageAlert) error
}

// LogNotifier writes alerts to the log and audit trail
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs each alert
func (n *LogNotifier) Notify(ctx context.Context, alerts []models.UsageAlert) error {
	for _, a := range alerts {
		options := make([]string, 0, len(a.Recommendations))
		for _, r := range a.Recommendations {
			options = append(options, r.Plan.ID)
		}
		n.logger.InfoContext(ctx, "usage alert",
			slog.String("session_id", a.SessionID),
			slog.String("phone_number", a.PhoneNumber),
			slog.String("level", string(a.Level)),
			slog.Float64("percentage", a.Assessment.Percentage),
			slog.Float64("remaining", a.Assessment.Remaining),
			slog.String("unit", a.Assessment.Unit),
			slog.String("message", a.Message),
			slog.Any("recommended_plans", options))
		logging.Audit(ctx, "usage_alert",
			"session_id", a.SessionID,
			"level", string(a.Level))
	}
	return nil
}

// CycleReport summarizes one cycle
type CycleReport struct {
	ID         string
	StartedAt  time.Time
	Duration   time.Duration
	Alerts     map[models.AlertLevel]int
	Assessed   int
	Terminated int
	Skipped    int
	Sync       *usage.SyncReport
	Expired    int
	Errors     []error
}

// Err joins the step errors of the cycle
func (r *CycleReport) Err() error {
	return errors.Join(r.Errors...)
}

// Scheduler runs sweep, live-usage sync and overdue expiry in sequence
type Scheduler struct {
	monitor  Monitor
	notifier Notifier
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	// Shutdown coordination
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// Called after every cycle (for testing and the CLI's verbose output)
	onCycle func(*CycleReport)
}

// Option configures the scheduler
type Option func(*Scheduler)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithInterval sets the time between cycles
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithNotifier sets where alerts are delivered
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) {
		s.notifier = n
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = fn
	}
}

// WithCycleHook registers fn to receive every cycle report
func WithCycleHook(fn func(*CycleReport)) Option {
	return func(s *Scheduler) {
		s.onCycle = fn
	}
}

// New creates a scheduler
func New(monitor Monitor, opts ...Option) *Scheduler {
	s := &Scheduler{
		monitor:  monitor,
		logger:   slog.Default(),
		interval: DefaultInterval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = NewLogNotifier(s.logger)
	}

	return s
}

// Interval returns the time between cycles
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// RunCycle runs one sweep, then the live-usage sync, then the overdue pass.
// A failing step is logged and the later steps still run.
func (s *Scheduler) RunCycle(ctx context.Context) *CycleReport {
	report := &CycleReport{
		ID:        uuid.New().String()[:8],
		StartedAt: s.now(),
		Alerts:    make(map[models.AlertLevel]int),
	}
	ctx = logging.WithCycleID(ctx, report.ID)

	s.logger.DebugContext(ctx, "cycle starting")

	sweep, err := s.monitor.Sweep(ctx, report.StartedAt)
	if err != nil {
		s.stepFailed(ctx, report, "sweep", err)
	} else {
		report.Assessed = sweep.Assessed
		report.Terminated = sweep.Terminated
		report.Skipped = sweep.Failed
		for _, a := range sweep.Alerts {
			report.Alerts[a.Level]++
		}
		if len(sweep.Alerts) > 0 {
			if err := s.notifier.Notify(ctx, sweep.Alerts); err != nil {
				s.stepFailed(ctx, report, "notify", err)
			}
		}
	}

	synced, err := s.monitor.SyncLiveUsage(ctx)
	if err != nil {
		s.stepFailed(ctx, report, "sync", err)
	}
	report.Sync = synced

	expired, err := s.monitor.ExpireOverdue(ctx, s.now())
	if err != nil {
		s.stepFailed(ctx, report, "expire", err)
	}
	report.Expired = expired

	report.Duration = s.now().Sub(report.StartedAt)

	outcome := "success"
	if len(report.Errors) > 0 {
		outcome = "partial"
	}
	metrics.RecordCycle(outcome)

	s.logger.InfoContext(ctx, "cycle complete",
		slog.String("outcome", outcome),
		slog.Int("assessed", report.Assessed),
		slog.Int("warning_alerts", report.Alerts[models.AlertWarning]),
		slog.Int("critical_alerts", report.Alerts[models.AlertCritical]),
		slog.Int("final_alerts", report.Alerts[models.AlertFinal]),
		slog.Int("terminated", report.Terminated),
		slog.Int("expired", report.Expired),
		slog.Int("skipped", report.Skipped),
		slog.Duration("duration", report.Duration))

	if s.onCycle != nil {
		s.onCycle(report)
	}
	return report
}

func (s *Scheduler) stepFailed(ctx context.Context, report *CycleReport, step string, err error) {
	report.Errors = append(report.Errors, err)
	s.logger.ErrorContext(ctx, "cycle step failed",
		slog.String("step", step),
		slog.String("error", err.Error()))
}

// Run executes a cycle immediately and then every interval until ctx is
// cancelled. A cycle in progress when ctx is cancelled runs to completion.
func (s *Scheduler) Run(ctx context.Context) error {
	return s.loop(ctx, nil)
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}) error {
	s.logger.Info("scheduler starting", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	cycleCtx := context.WithoutCancel(ctx)
	s.RunCycle(cycleCtx)

	for {
		select {
		case <-ticker.C:
			// select picks at random when a tick and a shutdown are both ready
			if stopped(ctx, stop) {
				s.logger.Info("scheduler stopped")
				return nil
			}
			s.RunCycle(cycleCtx)
		case <-stop:
			s.logger.Info("scheduler stopped")
			return nil
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		}
	}
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// Start runs the loop in the background
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stop, done := s.stopCh, s.doneCh
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = s.loop(ctx, stop)
	}()
	return nil
}

// Stop ends the background loop, waiting for an in-flight cycle
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stop, done := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stop)
	<-done

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
