// Package usage decides, for every active session, whether to warn, renew or
// cut off, and carries out the cut-off.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/hotspot-billing/hotspot-billing/internal/alertcache"
	"github.com/hotspot-billing/hotspot-billing/internal/enforcement"
	"github.com/hotspot-billing/hotspot-billing/internal/logging"
	"github.com/hotspot-billing/hotspot-billing/internal/metrics"
	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

// DefaultWorkers is the sweep parallelism
const DefaultWorkers = 4

// staleLoginSlack absorbs clock and polling skew when deciding whether a live
// connection began before the session's current activation.
const staleLoginSlack = 30 * time.Second

// SessionStore is the slice of session persistence the monitor needs
type SessionStore interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	ListActive(ctx context.Context) ([]*models.Session, error)
	ListActiveByMAC(ctx context.Context, mac string) ([]*models.Session, error)
	ListOverdue(ctx context.Context, now time.Time) ([]*models.Session, error)
	Terminate(ctx context.Context, id string, activatedAt, now time.Time, cause models.EndCause) (*models.Session, bool, error)
	Disable(ctx context.Context, id string, now time.Time, cause models.EndCause) (bool, error)
	SyncConsumption(ctx context.Context, id string, version, totalBytes int64) (bool, error)
}

// PlanCatalog looks up plans
type PlanCatalog interface {
	Get(ctx context.Context, id string) (*models.Plan, error)
	ListActive(ctx context.Context, kind models.PlanKind) ([]*models.Plan, error)
}

// Enforcer is the gateway surface the monitor drives
type Enforcer interface {
	Disconnect(ctx context.Context, session *models.Session) enforcement.Result
	Deprovision(ctx context.Context, session *models.Session) enforcement.Result
	QueryLiveUsage(ctx context.Context) ([]models.LiveUsage, enforcement.Result)
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Alerts     []models.UsageAlert
	Assessed   int
	Terminated int
	Failed     int
	Duration   time.Duration
}

// SyncReport summarizes one live-usage sync
type SyncReport struct {
	Reported int // identities the device reported
	Matched  int // of those, identities belonging to an active session
	Updated  int // sessions whose byte counter was raised
	Dropped  int // connections from before a renewal that were disconnected
}

// Monitor evaluates active sessions and enforces plan limits
type Monitor struct {
	sessions SessionStore
	plans    PlanCatalog
	cache    alertcache.Cache
	enforcer Enforcer
	logger   *slog.Logger

	workers     int
	cacheBuffer time.Duration
	now         func() time.Time
}

// Option configures the monitor
type Option func(*Monitor)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithWorkers sets how many sessions are assessed in parallel
func WithWorkers(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithCacheBuffer sets how long alert state outlives a session's billing cycle
func WithCacheBuffer(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.cacheBuffer = d
		}
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(m *Monitor) {
		m.now = fn
	}
}

// New creates a usage monitor
func New(sessions SessionStore, plans PlanCatalog, cache alertcache.Cache, enforcer Enforcer, opts ...Option) *Monitor {
	m := &Monitor{
		sessions:    sessions,
		plans:       plans,
		cache:       cache,
		enforcer:    enforcer,
		logger:      slog.Default(),
		workers:     DefaultWorkers,
		cacheBuffer: alertcache.DefaultBuffer,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Now returns the monitor's clock
func (m *Monitor) Now() time.Time {
	return m.now()
}

// Sweep assesses every active session at now. Alert levels not yet delivered
// for the session's current activation are returned and recorded; sessions at
// 100% are terminated whether or not their alert was new. One session's
// failure never stops the others.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) (*SweepResult, error) {
	start := time.Now()

	sessions, err := m.sessions.ListActive(ctx)
	if err != nil {
		metrics.RecordSweepFailure("list_active")
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}

	pool, err := ants.NewPool(m.workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep pool: %w", err)
	}
	defer pool.Release()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result = &SweepResult{}
		plans  = newPlanMemo(m.plans)
	)

	record := func(o sweepOutcome) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case o.failed:
			result.Failed++
			return
		case o.alert != nil:
			result.Alerts = append(result.Alerts, *o.alert)
		}
		result.Assessed++
		if o.terminated {
			result.Terminated++
		}
	}

	for _, s := range sessions {
		session := s
		wg.Add(1)
		task := func() {
			defer wg.Done()
			record(m.sweepOne(ctx, session, plans, now))
		}
		if err := pool.Submit(task); err != nil {
			// pool closed or overloaded; fall back to running inline
			task()
		}
	}
	wg.Wait()

	sort.Slice(result.Alerts, func(i, j int) bool {
		return result.Alerts[i].SessionID < result.Alerts[j].SessionID
	})

	result.Duration = time.Since(start)
	metrics.RecordSweep(result.Duration)

	m.logger.Info("sweep complete",
		slog.Int("active", len(sessions)),
		slog.Int("assessed", result.Assessed),
		slog.Int("alerts", len(result.Alerts)),
		slog.Int("terminated", result.Terminated),
		slog.Int("failed", result.Failed),
		slog.Duration("duration", result.Duration))

	return result, nil
}

type sweepOutcome struct {
	alert      *models.UsageAlert
	terminated bool
	failed     bool
}

func (m *Monitor) sweepOne(ctx context.Context, session *models.Session, plans *planMemo, now time.Time) (out sweepOutcome) {
	ctx = logging.WithSessionID(ctx, session.ID)

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session sweep panicked",
				slog.String("session_id", session.ID),
				slog.Any("panic", r))
			metrics.RecordSweepFailure("panic")
			out = sweepOutcome{failed: true}
		}
	}()

	plan, err := plans.get(ctx, session.PlanID)
	if err != nil {
		m.logger.Error("skipping session with unresolvable plan",
			slog.String("session_id", session.ID),
			slog.String("plan_id", session.PlanID),
			slog.String("error", err.Error()))
		metrics.RecordSweepFailure("plan_lookup")
		return sweepOutcome{failed: true}
	}

	assessment, err := Assess(session, plan, now)
	if err != nil {
		m.logger.Error("skipping session with invalid plan",
			slog.String("session_id", session.ID),
			slog.String("plan_id", plan.ID),
			slog.String("error", err.Error()))
		metrics.RecordSweepFailure("plan_integrity")
		return sweepOutcome{failed: true}
	}

	if assessment.Level != models.AlertNone && m.markDelivered(ctx, session, assessment.Level, now) {
		recs, err := m.recommend(ctx, plan)
		if err != nil {
			m.logger.Warn("failed to load renewal recommendations",
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()))
		}
		out.alert = newAlert(session, assessment, recs)
		metrics.RecordAlert(string(assessment.Level))
	}

	if assessment.Terminate {
		changed, err := m.Terminate(ctx, session, now, terminationCause(plan.Kind))
		if err != nil {
			m.logger.Error("failed to terminate exhausted session",
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()))
			metrics.RecordSweepFailure("terminate")
		}
		out.terminated = changed
	}

	return out
}

func newAlert(session *models.Session, assessment models.UsageAssessment, recs []models.RecommendedPlan) *models.UsageAlert {
	return &models.UsageAlert{
		SessionID:       session.ID,
		PhoneNumber:     session.PhoneNumber,
		MACAddress:      session.MACAddress,
		Level:           assessment.Level,
		Message:         assessment.Level.Message(),
		Assessment:      assessment,
		Recommendations: recs,
	}
}

// markDelivered records level for the session's current activation and
// reports whether it is new. Cache failures count as new.
func (m *Monitor) markDelivered(ctx context.Context, session *models.Session, level models.AlertLevel, now time.Time) bool {
	key := alertcache.Key(session.ID, session.ActivatedAt)
	isNew, err := m.cache.MarkIfNew(ctx, key, level, alertcache.TTLFor(session, now, m.cacheBuffer))
	if err != nil {
		m.logger.Warn("alert cache unavailable, alerting anyway",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()))
		return true
	}
	return isNew
}

// forgetAlerts drops the delivered levels of the session's ended activation
func (m *Monitor) forgetAlerts(ctx context.Context, session *models.Session) {
	if err := m.cache.Forget(ctx, alertcache.Key(session.ID, session.ActivatedAt)); err != nil {
		m.logger.Debug("failed to forget alert levels",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()))
	}
}

// Recommendations returns renewal offers for a session on plan
func (m *Monitor) Recommendations(ctx context.Context, plan *models.Plan) ([]models.RecommendedPlan, error) {
	return m.recommend(ctx, plan)
}

func (m *Monitor) recommend(ctx context.Context, plan *models.Plan) ([]models.RecommendedPlan, error) {
	candidates, err := m.plans.ListActive(ctx, plan.Kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return rankRecommendations(plan, candidates), nil
}

// Terminate ends the activation of session that the caller assessed and drops
// its connection. Only the call that actually moves the session out of active
// has side effects; later calls, and calls racing a renewal, return false.
func (m *Monitor) Terminate(ctx context.Context, session *models.Session, now time.Time, cause models.EndCause) (bool, error) {
	ended, changed, err := m.sessions.Terminate(ctx, session.ID, session.ActivatedAt, now, cause)
	if err != nil {
		return false, fmt.Errorf("failed to terminate session %s: %w", session.ID, err)
	}
	if !changed {
		return false, nil
	}
	if ended == nil {
		ended = session
	}

	m.logger.Info("session terminated",
		slog.String("session_id", ended.ID),
		slog.String("username", ended.Username),
		slog.String("cause", string(cause)))
	logging.Audit(ctx, "session_terminated",
		"session_id", ended.ID,
		"plan_id", ended.PlanID,
		"cause", string(cause),
		"data_used_bytes", ended.DataUsedBytes,
		"time_used_minutes", ended.TimeUsedMinutes)
	metrics.RecordTermination(string(cause), string(models.StatusExpired))
	m.forgetAlerts(ctx, session)

	if res := m.enforcer.Disconnect(ctx, session); !res.Success {
		m.logger.Warn("terminated session still connected, will retry next cycle",
			slog.String("session_id", session.ID),
			slog.String("command_id", res.CommandID))
	}
	return true, nil
}

// Disable administratively ends a pending or active session and removes its
// router identity.
func (m *Monitor) Disable(ctx context.Context, sessionID string, now time.Time, cause models.EndCause) (*models.Session, bool, error) {
	ctx = logging.WithSessionID(ctx, sessionID)

	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	from := session.Status

	changed, err := m.sessions.Disable(ctx, sessionID, now, cause)
	if err != nil {
		return nil, false, fmt.Errorf("failed to disable session %s: %w", sessionID, err)
	}
	if changed {
		logging.Audit(ctx, "session_disabled",
			"session_id", sessionID,
			"from_status", string(from),
			"cause", string(cause))
		metrics.RecordTermination(string(cause), string(models.StatusDisabled))

		if from == models.StatusActive {
			m.forgetAlerts(ctx, session)
			m.enforcer.Disconnect(ctx, session)
		}
		if res := m.enforcer.Deprovision(ctx, session); !res.Success {
			m.logger.Warn("disabled session identity still on router",
				slog.String("session_id", sessionID),
				slog.String("command_id", res.CommandID))
		}
	}

	updated, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, changed, err
	}
	return updated, changed, nil
}

// SyncLiveUsage raises each active session's byte counter to what the router
// reports for its identity. Counters are never lowered. Sessions are read
// before the router so that a renewal committed mid-sync invalidates the
// write. A connection that began before the session's current activation
// carries the previous cycle's bytes: it is not counted and is disconnected,
// so the customer logs in again on the fresh counter.
func (m *Monitor) SyncLiveUsage(ctx context.Context) (*SyncReport, error) {
	active, err := m.sessions.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	byUsername := make(map[string]*models.Session, len(active))
	for _, s := range active {
		byUsername[s.Username] = s
	}

	live, res := m.enforcer.QueryLiveUsage(ctx)
	if !res.Success {
		return nil, fmt.Errorf("live usage query failed: %w", res.Err)
	}
	queriedAt := m.now()

	// one identity can hold several active entries
	totals := make(map[string]int64)
	stale := make(map[string]bool)
	for _, u := range live {
		totals[u.Identity] += u.TotalBytes()
		if session, ok := byUsername[u.Identity]; ok && loggedInBefore(u, session, queriedAt) {
			stale[u.Identity] = true
		}
	}

	report := &SyncReport{Reported: len(totals)}
	var errs []error
	for identity, total := range totals {
		session, ok := byUsername[identity]
		if !ok {
			m.logger.Debug("live identity has no active session",
				slog.String("identity", identity))
			continue
		}
		report.Matched++

		if stale[identity] {
			m.dropStaleConnection(ctx, session, report)
			continue
		}

		changed, err := m.sessions.SyncConsumption(ctx, session.ID, session.Version, total)
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", session.ID, err))
			continue
		}
		if changed {
			report.Updated++
		}
	}

	m.logger.Info("live usage synced",
		slog.Int("reported", report.Reported),
		slog.Int("matched", report.Matched),
		slog.Int("updated", report.Updated),
		slog.Int("dropped", report.Dropped))

	return report, errors.Join(errs...)
}

// loggedInBefore reports whether the live entry's connection predates the
// session's activation. Entries without an uptime are taken as current.
func loggedInBefore(u models.LiveUsage, session *models.Session, queriedAt time.Time) bool {
	if u.Uptime <= 0 || session.ActivatedAt.IsZero() {
		return false
	}
	login := queriedAt.Add(-u.Uptime)
	return login.Before(session.ActivatedAt.Add(-staleLoginSlack))
}

func (m *Monitor) dropStaleConnection(ctx context.Context, session *models.Session, report *SyncReport) {
	ctx = logging.WithSessionID(ctx, session.ID)
	res := m.enforcer.Disconnect(ctx, session)
	if !res.Success {
		m.logger.Warn("connection from before renewal still open, will retry next cycle",
			slog.String("session_id", session.ID),
			slog.String("command_id", res.CommandID))
		return
	}
	report.Dropped++
	logging.Audit(ctx, "renewal_connection_reset",
		"session_id", session.ID,
		"username", session.Username)
}

// ExpireOverdue terminates active sessions whose validity window has passed
func (m *Monitor) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	overdue, err := m.sessions.ListOverdue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue sessions: %w", err)
	}

	expired := 0
	var errs []error
	for _, session := range overdue {
		changed, err := m.Terminate(logging.WithSessionID(ctx, session.ID), session, now, models.CauseValidityExpired)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

// Summary returns a session's usage and renewal options
func (m *Monitor) Summary(ctx context.Context, sessionID string, now time.Time) (*models.UsageSummary, error) {
	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	summary := &models.UsageSummary{Session: *session}
	if session.PlanID == "" {
		return summary, nil
	}

	plan, err := m.plans.Get(ctx, session.PlanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", session.PlanID, err)
	}
	assessment, err := Assess(session, plan, now)
	if err != nil {
		return nil, err
	}
	summary.Assessment = &assessment

	recs, err := m.recommend(ctx, plan)
	if err != nil {
		return nil, err
	}
	summary.Recommendations = recs
	return summary, nil
}

// AlertsForMAC returns the current alert of every active session on the
// device with mac. It reads state only: delivered levels are not recorded.
func (m *Monitor) AlertsForMAC(ctx context.Context, mac string, now time.Time) ([]models.UsageAlert, error) {
	sessions, err := m.sessions.ListActiveByMAC(ctx, mac)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for %s: %w", mac, err)
	}

	plans := newPlanMemo(m.plans)
	alerts := make([]models.UsageAlert, 0, len(sessions))
	for _, session := range sessions {
		plan, err := plans.get(ctx, session.PlanID)
		if err != nil {
			return nil, fmt.Errorf("failed to load plan for session %s: %w", session.ID, err)
		}
		assessment, err := Assess(session, plan, now)
		if err != nil {
			return nil, err
		}
		if assessment.Level == models.AlertNone {
			continue
		}
		recs, err := m.recommend(ctx, plan)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *newAlert(session, assessment, recs))
	}
	return alerts, nil
}

// planMemo caches plan lookups for the length of one sweep
type planMemo struct {
	catalog PlanCatalog
	mu      sync.Mutex
	plans   map[string]*models.Plan
}

func newPlanMemo(catalog PlanCatalog) *planMemo {
	return &planMemo{catalog: catalog, plans: make(map[string]*models.Plan)}
}

func (p *planMemo) get(ctx context.Context, id string) (*models.Plan, error) {
	if id == "" {
		return nil, fmt.Errorf("active session has no plan")
	}

	p.mu.Lock()
	plan, ok := p.plans[id]
	p.mu.Unlock()
	if ok {
		return plan, nil
	}

	plan, err := p.catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.plans[id] = plan
	p.mu.Unlock()
	return plan, nil
}
