package enforcement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hotspot-billing/hotspot-billing/internal/logging"
	"github.com/hotspot-billing/hotspot-billing/internal/metrics"
	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

// Default configuration values
const (
	DefaultCallTimeout   = 10 * time.Second
	defaultRecordTimeout = 5 * time.Second
)

// CommandRecorder persists the audit trail of device calls
type CommandRecorder interface {
	Record(ctx context.Context, cmd *models.EnforcementCommand) error
}

// Result is the outcome of one gateway call. Failures are values, not errors.
type Result struct {
	CommandID string
	Success   bool
	Err       error
	Duration  time.Duration
}

// Gateway is the audited, timeout-bound facade over a Device
type Gateway struct {
	device   Device
	recorder CommandRecorder
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
}

// Option configures a Gateway
type Option func(*Gateway)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithCallTimeout bounds every device call
func WithCallTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(g *Gateway) {
		g.now = fn
	}
}

// NewGateway creates a gateway for device, recording every call through recorder
func NewGateway(device Device, recorder CommandRecorder, opts ...Option) *Gateway {
	g := &Gateway{
		device:   device,
		recorder: recorder,
		logger:   slog.Default(),
		timeout:  DefaultCallTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// DeviceName returns the underlying device's name
func (g *Gateway) DeviceName() string {
	return g.device.Name()
}

// Provision grants the session's identity access with the plan's limits
func (g *Gateway) Provision(ctx context.Context, session *models.Session, plan *models.Plan) Result {
	spec := SpecFor(session, plan)
	return g.execute(ctx, models.CommandProvision, session.ID, session.Username, nil,
		func(ctx context.Context) (Exchange, error) {
			return g.device.UpsertIdentity(ctx, spec)
		})
}

// Deprovision removes the session's identity. An identity already gone counts as success.
func (g *Gateway) Deprovision(ctx context.Context, session *models.Session) Result {
	return g.execute(ctx, models.CommandDeprovision, session.ID, session.Username, IsNotFoundError,
		func(ctx context.Context) (Exchange, error) {
			return g.device.RemoveIdentity(ctx, session.Username)
		})
}

// Disconnect drops the session's live connection. No live connection counts as success.
func (g *Gateway) Disconnect(ctx context.Context, session *models.Session) Result {
	return g.execute(ctx, models.CommandDisconnect, session.ID, session.Username,
		func(err error) bool { return errors.Is(err, ErrNotConnected) },
		func(ctx context.Context) (Exchange, error) {
			return g.device.DropConnection(ctx, session.Username)
		})
}

// QueryLiveUsage reads counters for every connected identity
func (g *Gateway) QueryLiveUsage(ctx context.Context) ([]models.LiveUsage, Result) {
	var usage []models.LiveUsage
	res := g.execute(ctx, models.CommandQuery, "", "", nil,
		func(ctx context.Context) (Exchange, error) {
			u, ex, err := g.device.ListActive(ctx)
			usage = u
			return ex, err
		})
	if !res.Success {
		return nil, res
	}
	return usage, res
}

func (g *Gateway) execute(
	ctx context.Context,
	kind models.CommandKind,
	sessionID, identity string,
	tolerate func(error) bool,
	call func(ctx context.Context) (Exchange, error),
) Result {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := g.now()
	ex, err := safeCall(callCtx, call)
	duration := g.now().Sub(start)

	status := "success"
	if err != nil && tolerate != nil && tolerate(err) {
		ex.Response = appendNote(ex.Response, err.Error())
		err = nil
	}
	if err != nil {
		status = "error"
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			status = "timeout"
			if !errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
			}
		}
	}

	cmd := &models.EnforcementCommand{
		ID:         uuid.New().String(),
		Kind:       kind,
		SessionID:  sessionID,
		Identity:   identity,
		Device:     g.device.Name(),
		Success:    err == nil,
		Request:    ex.Request,
		Response:   ex.Response,
		DurationMs: duration.Milliseconds(),
		ExecutedAt: start,
	}
	if err != nil {
		cmd.Error = err.Error()
	}

	// The audit row is written even when the caller's context is already done.
	recordCtx, recordCancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRecordTimeout)
	defer recordCancel()
	if rerr := g.recorder.Record(recordCtx, cmd); rerr != nil {
		g.logger.Error("failed to record enforcement command",
			slog.String("command_id", cmd.ID),
			slog.String("kind", string(kind)),
			slog.String("error", rerr.Error()))
	}

	metrics.RecordEnforcementCall(cmd.Device, string(kind), status, duration)

	if err != nil {
		g.logger.Warn("enforcement call failed",
			slog.String("device", cmd.Device),
			slog.String("kind", string(kind)),
			slog.String("session_id", sessionID),
			slog.String("identity", identity),
			slog.String("status", status),
			slog.Bool("retryable", IsRetryable(err)),
			slog.String("error", err.Error()))
		logging.Audit(ctx, "enforcement_failed",
			"device", cmd.Device,
			"kind", string(kind),
			"command_id", cmd.ID,
			"session_id", sessionID)
	} else {
		g.logger.Debug("enforcement call succeeded",
			slog.String("device", cmd.Device),
			slog.String("kind", string(kind)),
			slog.String("identity", identity),
			slog.Duration("duration", duration))
	}

	return Result{CommandID: cmd.ID, Success: err == nil, Err: err, Duration: duration}
}

// safeCall returns at the deadline even if the driver ignores ctx.
// Driver panics become errors.
func safeCall(ctx context.Context, call func(ctx context.Context) (Exchange, error)) (Exchange, error) {
	type outcome struct {
		ex  Exchange
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		var out outcome
		defer func() {
			if r := recover(); r != nil {
				out.err = fmt.Errorf("device driver panic: %v", r)
			}
			done <- out
		}()
		out.ex, out.err = call(ctx)
	}()

	select {
	case out := <-done:
		return out.ex, out.err
	case <-ctx.Done():
		return Exchange{}, ctx.Err()
	}
}

func appendNote(response, note string) string {
	if response == "" {
		return "tolerated: " + note
	}
	return response + "\ntolerated: " + note
}
