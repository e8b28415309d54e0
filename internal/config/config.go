package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

// ErrNoRouter is returned when no enabled router is configured
var ErrNoRouter = errors.New("no enabled router configured")

// Router drivers
const (
	DriverREST = "rest"
	DriverSSH  = "ssh"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Router      RouterConfig      `mapstructure:"router"` // single router from the environment
	Routers     []RouterConfig    `mapstructure:"routers"`
	Enforcement EnforcementConfig `mapstructure:"enforcement"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Plans       []models.Plan     `mapstructure:"plans"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RouterConfig describes one hotspot router
type RouterConfig struct {
	Name          string `mapstructure:"name"`
	Driver        string `mapstructure:"driver"` // "rest" or "ssh"
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	UseTLS        bool   `mapstructure:"use_tls"`
	TLSInsecure   bool   `mapstructure:"tls_insecure"`
	HotspotServer string `mapstructure:"hotspot_server"`
	Enabled       bool   `mapstructure:"enabled"`
}

// BaseURL is the REST endpoint root for the router
func (r RouterConfig) BaseURL() string {
	scheme := "http"
	if r.UseTLS {
		scheme = "https"
	}
	if r.Port > 0 {
		return fmt.Sprintf("%s://%s:%d", scheme, r.Host, r.Port)
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

// EnforcementConfig bounds calls to the router
type EnforcementConfig struct {
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	RateBurst      int           `mapstructure:"rate_burst"`
}

// MonitorConfig holds usage monitor and scheduler configuration
type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Workers  int           `mapstructure:"workers"`
}

// AlertsConfig selects where delivered alert levels are remembered
type AlertsConfig struct {
	Backend     string        `mapstructure:"backend"` // "memory" or "redis"
	CacheBuffer time.Duration `mapstructure:"cache_buffer"`
	Redis       RedisConfig   `mapstructure:"redis"`
	Email       EmailConfig   `mapstructure:"email"`
}

// EmailConfig holds SMTP settings for administrator alert emails
type EmailConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
	BaseURL  string   `mapstructure:"base_url"`
}

// RedisConfig holds the shared alert cache connection
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// DefaultPlans is the catalog seeded when none is configured
func DefaultPlans() []models.Plan {
	return []models.Plan{
		{ID: "time-30m", Name: "30 Minutes", Kind: models.PlanTime, DurationMinutes: 30, DownloadKbps: 1024, UploadKbps: 512, Price: 10, Active: true},
		{ID: "time-1h", Name: "1 Hour", Kind: models.PlanTime, DurationMinutes: 60, DownloadKbps: 2048, UploadKbps: 1024, Price: 20, Active: true},
		{ID: "time-3h", Name: "3 Hours", Kind: models.PlanTime, DurationMinutes: 180, DownloadKbps: 4096, UploadKbps: 2048, Price: 50, Active: true},
		{ID: "time-24h", Name: "24 Hours", Kind: models.PlanTime, DurationMinutes: 1440, DownloadKbps: 8192, UploadKbps: 4096, Price: 100, Active: true},
		{ID: "data-100mb", Name: "100MB Data", Kind: models.PlanData, DataLimitMB: 100, DownloadKbps: 2048, UploadKbps: 1024, Price: 15, Active: true},
		{ID: "data-500mb", Name: "500MB Data", Kind: models.PlanData, DataLimitMB: 500, DownloadKbps: 4096, UploadKbps: 2048, Price: 50, Active: true},
	}
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	return finish(v)
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // Ignore error if .env doesn't exist

	return finish(v)
}

func finish(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Plans) == 0 {
		cfg.Plans = DefaultPlans()
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	// Database defaults
	v.SetDefault("database.path", "./data/hotspot.db")

	// Environment router defaults
	v.SetDefault("router.name", "router")
	v.SetDefault("router.driver", DriverREST)
	v.SetDefault("router.username", "admin")
	v.SetDefault("router.hotspot_server", "hotspot1")
	v.SetDefault("router.enabled", true)

	// Enforcement defaults
	v.SetDefault("enforcement.call_timeout", 10*time.Second)
	v.SetDefault("enforcement.connect_timeout", 10*time.Second)
	v.SetDefault("enforcement.rate_per_second", 5.0)
	v.SetDefault("enforcement.rate_burst", 5)

	// Monitor defaults
	v.SetDefault("monitor.interval", 60*time.Second)
	v.SetDefault("monitor.workers", 4)

	// Alert cache defaults
	v.SetDefault("alerts.backend", "memory")
	v.SetDefault("alerts.cache_buffer", time.Hour)
	v.SetDefault("alerts.redis.addr", "localhost:6379")
	v.SetDefault("alerts.redis.key_prefix", "hotspot:")
	v.SetDefault("alerts.email.port", 587)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	// BindEnv errors are non-fatal
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	// Database path
	bindEnv("database.path", "DATABASE_PATH")

	// Server config
	bindEnv("server.host", "SERVER_HOST")
	bindEnv("server.port", "SERVER_PORT")

	// Router
	bindEnv("router.host", "ROUTER_HOST")
	bindEnv("router.port", "ROUTER_PORT")
	bindEnv("router.driver", "ROUTER_DRIVER")
	bindEnv("router.username", "ROUTER_USERNAME")
	bindEnv("router.password", "ROUTER_PASSWORD")
	bindEnv("router.use_tls", "ROUTER_USE_TLS")
	bindEnv("router.tls_insecure", "ROUTER_TLS_INSECURE")

	// Monitor
	bindEnv("monitor.interval", "MONITOR_INTERVAL")

	// Alert cache
	bindEnv("alerts.backend", "ALERTS_BACKEND")
	bindEnv("alerts.redis.addr", "REDIS_ADDR")
	bindEnv("alerts.redis.password", "REDIS_PASSWORD")
	bindEnv("alerts.email.enabled", "EMAIL_ALERTS")
	bindEnv("alerts.email.host", "SMTP_HOST")
	bindEnv("alerts.email.port", "SMTP_PORT")
	bindEnv("alerts.email.username", "SMTP_USERNAME")
	bindEnv("alerts.email.password", "SMTP_PASSWORD")
	bindEnv("alerts.email.from", "ALERT_EMAIL_FROM")
	bindEnv("alerts.email.to", "ADMIN_EMAILS")
	bindEnv("alerts.email.base_url", "BASE_URL")

	// Logging
	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

// PrimaryRouter returns the first enabled router from the routers list,
// falling back to the router configured through the environment.
func (c *Config) PrimaryRouter() (*RouterConfig, error) {
	for i := range c.Routers {
		if c.Routers[i].Enabled {
			r := c.Routers[i]
			return &r, nil
		}
	}
	if c.Router.Enabled && c.Router.Host != "" {
		r := c.Router
		return &r, nil
	}
	return nil, ErrNoRouter
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	router, err := c.PrimaryRouter()
	if err != nil {
		return err
	}
	if router.Host == "" {
		return fmt.Errorf("router %s: host is required", router.Name)
	}
	switch router.Driver {
	case DriverREST, DriverSSH, "":
	default:
		return fmt.Errorf("router %s: unknown driver %q", router.Name, router.Driver)
	}
	if router.Password == "" {
		return fmt.Errorf("ROUTER_PASSWORD is required for router %s", router.Name)
	}

	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}

	switch c.Alerts.Backend {
	case "memory", "":
	case "redis":
		if c.Alerts.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is required when the redis alert backend is selected")
		}
	default:
		return fmt.Errorf("unknown alert backend %q", c.Alerts.Backend)
	}

	if c.Alerts.Email.Enabled {
		if err := c.Alerts.Email.Validate(); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(c.Plans))
	for i := range c.Plans {
		if err := c.Plans[i].Validate(); err != nil {
			return err
		}
		if seen[c.Plans[i].ID] {
			return fmt.Errorf("duplicate plan id %s", c.Plans[i].ID)
		}
		seen[c.Plans[i].ID] = true
	}

	return nil
}

// Validate checks that alert emails can be delivered
func (e EmailConfig) Validate() error {
	switch {
	case e.Host == "":
		return fmt.Errorf("SMTP_HOST is required when email alerts are enabled")
	case e.From == "":
		return fmt.Errorf("ALERT_EMAIL_FROM is required when email alerts are enabled")
	case len(e.To) == 0:
		return fmt.Errorf("ADMIN_EMAILS is required when email alerts are enabled")
	}
	return nil
}
