// Package app assembles the billing engine from configuration. The API server
// and the monitor CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hotspot-billing/hotspot-billing/internal/alertcache"
	"github.com/hotspot-billing/hotspot-billing/internal/config"
	"github.com/hotspot-billing/hotspot-billing/internal/enforcement"
	"github.com/hotspot-billing/hotspot-billing/internal/enforcement/routeros"
	"github.com/hotspot-billing/hotspot-billing/internal/enforcement/routerssh"
	"github.com/hotspot-billing/hotspot-billing/internal/metrics"
	"github.com/hotspot-billing/hotspot-billing/internal/service/activation"
	"github.com/hotspot-billing/hotspot-billing/internal/service/scheduler"
	"github.com/hotspot-billing/hotspot-billing/internal/service/usage"
	"github.com/hotspot-billing/hotspot-billing/internal/storage"
)

const defaultSSHPort = 22

// App holds the wired components
type App struct {
	DB         *storage.DB
	Sessions   *storage.SessionStore
	Plans      *storage.PlanStore
	Payments   *storage.PaymentStore
	Commands   *storage.CommandStore
	Device     enforcement.Device
	Gateway    *enforcement.Gateway
	Cache      alertcache.Cache
	Monitor    *usage.Monitor
	Activation *activation.Service
	Scheduler  *scheduler.Scheduler

	logger  *slog.Logger
	closers []io.Closer
}

// Option configures Build
type Option func(*options)

type options struct {
	device   enforcement.Device
	interval time.Duration
	onCycle  func(*scheduler.CycleReport)
	email    bool
}

// WithDevice overrides the router driver selected from configuration
func WithDevice(d enforcement.Device) Option {
	return func(o *options) {
		o.device = d
	}
}

// WithInterval overrides the configured scheduler interval
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		o.interval = d
	}
}

// WithEmailAlerts emails administrators about critical and final alerts
// even when the configuration leaves email alerts disabled
func WithEmailAlerts(enabled bool) Option {
	return func(o *options) {
		o.email = enabled
	}
}

// WithCycleHook receives every scheduler cycle report
func WithCycleHook(fn func(*scheduler.CycleReport)) Option {
	return func(o *options) {
		o.onCycle = fn
	}
}

// Build opens the database, seeds the plan catalog and wires every service.
// It fails when no enabled router is configured.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := &options{interval: cfg.Monitor.Interval}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{logger: logger}

	device := o.device
	if device == nil {
		router, err := cfg.PrimaryRouter()
		if err != nil {
			return nil, err
		}
		device = NewDevice(*router, cfg.Enforcement)
	}
	a.Device = device
	if c, ok := device.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db)

	if err := db.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	a.Sessions = storage.NewSessionStore(db)
	a.Plans = storage.NewPlanStore(db)
	a.Payments = storage.NewPaymentStore(db)
	a.Commands = storage.NewCommandStore(db)

	if err := a.seedPlans(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}

	counts, err := a.Sessions.CountByStatus(ctx)
	if err != nil {
		logger.Warn("failed to count sessions for metrics", slog.String("error", err.Error()))
	} else if err := metrics.InitializeSessionMetrics(ctx, counts); err != nil {
		logger.Warn("failed to initialize session metrics", slog.String("error", err.Error()))
	}

	a.Cache = a.newCache(ctx, cfg.Alerts)

	a.Gateway = enforcement.NewGateway(device, a.Commands,
		enforcement.WithLogger(logger),
		enforcement.WithCallTimeout(cfg.Enforcement.CallTimeout))

	a.Monitor = usage.New(a.Sessions, a.Plans, a.Cache, a.Gateway,
		usage.WithLogger(logger),
		usage.WithWorkers(cfg.Monitor.Workers),
		usage.WithCacheBuffer(cfg.Alerts.CacheBuffer))

	a.Activation = activation.New(a.Payments, a.Sessions, a.Plans, a.Gateway,
		activation.WithLogger(logger))

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithInterval(o.interval),
	}
	if o.onCycle != nil {
		schedOpts = append(schedOpts, scheduler.WithCycleHook(o.onCycle))
	}
	if o.email || cfg.Alerts.Email.Enabled {
		notifier, err := newEmailNotifier(cfg.Alerts.Email, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		schedOpts = append(schedOpts, scheduler.WithNotifier(scheduler.MultiNotifier{
			scheduler.NewLogNotifier(logger),
			notifier,
		}))
	}
	a.Scheduler = scheduler.New(a.Monitor, schedOpts...)

	logger.Info("engine assembled",
		slog.String("device", device.Name()),
		slog.Duration("interval", a.Scheduler.Interval()))

	return a, nil
}

func newEmailNotifier(cfg config.EmailConfig, logger *slog.Logger) (*scheduler.EmailNotifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("email alerts: %w", err)
	}
	n, err := scheduler.NewEmailNotifier(scheduler.EmailConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		To:       cfg.To,
		BaseURL:  cfg.BaseURL,
	}, scheduler.WithEmailLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("email alerts: %w", err)
	}
	logger.Info("email alerts enabled",
		slog.String("smtp", n.Addr()),
		slog.Int("recipients", len(cfg.To)))
	return n, nil
}

// NewDevice returns the driver for router
func NewDevice(router config.RouterConfig, enf config.EnforcementConfig) enforcement.Device {
	name := router.Name
	if name == "" {
		name = router.Host
	}

	if router.Driver == config.DriverSSH {
		port := router.Port
		if port == 0 {
			port = defaultSSHPort
		}
		exec := routerssh.NewExecutor(router.Host, port, router.Username, router.Password,
			routerssh.WithConnectTimeout(enf.ConnectTimeout),
			routerssh.WithCommandTimeout(enf.CallTimeout))
		return routerssh.NewClient(name, exec, routerssh.WithHotspotServer(router.HotspotServer))
	}

	opts := []routeros.ClientOption{
		routeros.WithHotspotServer(router.HotspotServer),
		routeros.WithRateLimit(enf.RatePerSecond, enf.RateBurst),
	}
	if router.TLSInsecure {
		opts = append(opts, routeros.WithInsecureTLS())
	}
	return routeros.NewClient(name, router.BaseURL(), router.Username, router.Password, opts...)
}

func (a *App) seedPlans(ctx context.Context, cfg *config.Config) error {
	for i := range cfg.Plans {
		plan := cfg.Plans[i]
		if err := plan.Validate(); err != nil {
			return err
		}
		if err := a.Plans.Upsert(ctx, &plan); err != nil {
			return fmt.Errorf("failed to seed plan %s: %w", plan.ID, err)
		}
	}
	a.logger.Debug("plan catalog seeded", slog.Int("plans", len(cfg.Plans)))
	return nil
}

// newCache picks the alert cache. An unreachable redis falls back to memory;
// the worst case is a repeated alert.
func (a *App) newCache(ctx context.Context, cfg config.AlertsConfig) alertcache.Cache {
	if cfg.Backend != "redis" {
		return alertcache.NewMemoryCache()
	}

	client := alertcache.NewRedisClient(alertcache.RedisConfig{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	cache := alertcache.NewRedisCache(client, cfg.Redis.KeyPrefix)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := cache.Ping(pingCtx); err != nil {
		a.logger.Warn("redis alert cache unavailable, using in-memory cache",
			slog.String("addr", cfg.Redis.Addr),
			slog.String("error", err.Error()))
		_ = cache.Close()
		return alertcache.NewMemoryCache()
	}

	a.closers = append(a.closers, cache)
	a.logger.Info("using redis alert cache", slog.String("addr", cfg.Redis.Addr))
	return cache
}

// Close releases the database, cache and device connections in reverse order
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
