package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	t.Setenv("ROUTER_HOST", "")
	t.Setenv("ROUTER_PASSWORD", "")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "./data/hotspot.db", cfg.Database.Path)
	assert.Equal(t, 60*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 4, cfg.Monitor.Workers)
	assert.Equal(t, 10*time.Second, cfg.Enforcement.CallTimeout)
	assert.Equal(t, "memory", cfg.Alerts.Backend)
	assert.Equal(t, time.Hour, cfg.Alerts.CacheBuffer)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Len(t, cfg.Plans, len(DefaultPlans()))

	_, err = cfg.PrimaryRouter()
	assert.ErrorIs(t, err, ErrNoRouter)
}

func TestLoadFromEnv_WithEnvVars(t *testing.T) {
	t.Setenv("ROUTER_HOST", "192.168.88.1")
	t.Setenv("ROUTER_PASSWORD", "s3cret")
	t.Setenv("ROUTER_DRIVER", "ssh")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DATABASE_PATH", "/var/lib/hotspot/hotspot.db")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/var/lib/hotspot/hotspot.db", cfg.Database.Path)
	assert.Equal(t, "redis:6379", cfg.Alerts.Redis.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)

	router, err := cfg.PrimaryRouter()
	require.NoError(t, err)
	assert.Equal(t, "192.168.88.1", router.Host)
	assert.Equal(t, "s3cret", router.Password)
	assert.Equal(t, DriverSSH, router.Driver)
	assert.Equal(t, "admin", router.Username)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	t.Setenv("ROUTER_HOST", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
monitor:
  interval: 30s
  workers: 8
alerts:
  backend: redis
  redis:
    addr: cache:6379
routers:
  - name: backup
    host: 10.0.0.2
    password: x
    enabled: false
  - name: lobby
    driver: rest
    host: 10.0.0.1
    port: 8443
    use_tls: true
    username: billing
    password: pw
    enabled: true
plans:
  - id: day
    name: Day Pass
    kind: time
    duration_minutes: 1440
    price: 80
    active: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 8, cfg.Monitor.Workers)
	assert.Equal(t, "redis", cfg.Alerts.Backend)

	router, err := cfg.PrimaryRouter()
	require.NoError(t, err)
	assert.Equal(t, "lobby", router.Name)
	assert.Equal(t, "https://10.0.0.1:8443", router.BaseURL())

	require.Len(t, cfg.Plans, 1)
	assert.Equal(t, models.PlanTime, cfg.Plans[0].Kind)
	assert.Equal(t, 1440, cfg.Plans[0].DurationMinutes)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func validConfig() *Config {
	return &Config{
		Routers: []RouterConfig{{Name: "lobby", Driver: DriverREST, Host: "10.0.0.1", Password: "pw", Enabled: true}},
		Monitor: MonitorConfig{Interval: time.Minute},
		Alerts:  AlertsConfig{Backend: "memory"},
		Plans:   DefaultPlans(),
	}
}

func TestLoadFromEnv_EmailAlerts(t *testing.T) {
	t.Setenv("EMAIL_ALERTS", "true")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_USERNAME", "alerts")
	t.Setenv("SMTP_PASSWORD", "pw")
	t.Setenv("ALERT_EMAIL_FROM", "hotspot@example.com")
	t.Setenv("ADMIN_EMAILS", "ops@example.com,owner@example.com")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	email := cfg.Alerts.Email
	assert.True(t, email.Enabled)
	assert.Equal(t, "smtp.example.com", email.Host)
	assert.Equal(t, 587, email.Port)
	assert.Equal(t, "alerts", email.Username)
	assert.Equal(t, "hotspot@example.com", email.From)
	assert.Equal(t, []string{"ops@example.com", "owner@example.com"}, email.To)
	assert.NoError(t, email.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no router", func(c *Config) { c.Routers = nil }, "no enabled router"},
		{"disabled router", func(c *Config) { c.Routers[0].Enabled = false }, "no enabled router"},
		{"unknown driver", func(c *Config) { c.Routers[0].Driver = "telnet" }, "unknown driver"},
		{"missing password", func(c *Config) { c.Routers[0].Password = "" }, "ROUTER_PASSWORD"},
		{"zero interval", func(c *Config) { c.Monitor.Interval = 0 }, "interval"},
		{"redis without addr", func(c *Config) { c.Alerts = AlertsConfig{Backend: "redis"} }, "REDIS_ADDR"},
		{"unknown backend", func(c *Config) { c.Alerts.Backend = "memcached" }, "unknown alert backend"},
		{"email without host", func(c *Config) {
			c.Alerts.Email = EmailConfig{Enabled: true, From: "a@example.com", To: []string{"b@example.com"}}
		}, "SMTP_HOST"},
		{"email without recipients", func(c *Config) {
			c.Alerts.Email = EmailConfig{Enabled: true, Host: "smtp.example.com", From: "a@example.com"}
		}, "ADMIN_EMAILS"},
		{"email disabled needs nothing", func(c *Config) { c.Alerts.Email = EmailConfig{Host: ""} }, ""},
		{"bad plan", func(c *Config) {
			c.Plans = append(c.Plans, models.Plan{ID: "broken", Kind: models.PlanData})
		}, "broken"},
		{"duplicate plan", func(c *Config) { c.Plans = append(c.Plans, c.Plans[0]) }, "duplicate plan"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRouterConfig_BaseURL(t *testing.T) {
	assert.Equal(t, "http://10.0.0.1", RouterConfig{Host: "10.0.0.1"}.BaseURL())
	assert.Equal(t, "https://router.lan", RouterConfig{Host: "router.lan", UseTLS: true}.BaseURL())
}
