package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/hotspot-billing/hotspot-billing/internal/logging"
	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

// ErrEmailNotConfigured is returned when email alerts are requested without
// an SMTP host or recipients
var ErrEmailNotConfigured = errors.New("email alerts need an SMTP host, a sender and at least one recipient")

// EmailConfig holds SMTP delivery settings for administrator alerts
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	BaseURL  string // admin console root linked from each message
}

// Addr is the host:port of the SMTP server
func (c EmailConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = 587
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// SendFunc delivers one message. smtp.SendMail satisfies it.
type SendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier emails administrators about critical and final alerts
type EmailNotifier struct {
	cfg    EmailConfig
	auth   smtp.Auth
	send   SendFunc
	logger *slog.Logger
	now    func() time.Time
}

// EmailOption configures an EmailNotifier
type EmailOption func(*EmailNotifier)

// WithSendFunc replaces smtp.SendMail (for testing)
func WithSendFunc(fn SendFunc) EmailOption {
	return func(n *EmailNotifier) {
		n.send = fn
	}
}

// WithEmailLogger sets a custom logger
func WithEmailLogger(logger *slog.Logger) EmailOption {
	return func(n *EmailNotifier) {
		n.logger = logger
	}
}

// WithEmailTimeFunc sets a custom time function (for testing)
func WithEmailTimeFunc(fn func() time.Time) EmailOption {
	return func(n *EmailNotifier) {
		n.now = fn
	}
}

// Addr is the SMTP server the notifier delivers through
func (n *EmailNotifier) Addr() string {
	return n.cfg.Addr()
}

// NewEmailNotifier creates an EmailNotifier
func NewEmailNotifier(cfg EmailConfig, opts ...EmailOption) (*EmailNotifier, error) {
	if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, ErrEmailNotConfigured
	}

	n := &EmailNotifier{
		cfg:    cfg,
		send:   smtp.SendMail,
		logger: slog.Default(),
		now:    time.Now,
	}
	if cfg.Username != "" {
		n.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify sends one message per critical or final alert. Warnings are not
// emailed. Every alert is attempted even when an earlier send fails.
func (n *EmailNotifier) Notify(ctx context.Context, alerts []models.UsageAlert) error {
	var errs []error
	for _, a := range alerts {
		if a.Level != models.AlertCritical && a.Level != models.AlertFinal {
			continue
		}
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}

		subject, body := n.compose(a)
		if err := n.send(n.cfg.Addr(), n.auth, n.cfg.From, n.cfg.To, n.message(subject, body)); err != nil {
			n.logger.WarnContext(ctx, "failed to send email alert",
				slog.String("session_id", a.SessionID),
				slog.String("level", string(a.Level)),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("email alert for session %s: %w", a.SessionID, err))
			continue
		}

		n.logger.InfoContext(ctx, "email alert sent",
			slog.String("session_id", a.SessionID),
			slog.String("level", string(a.Level)),
			slog.Int("recipients", len(n.cfg.To)))
		logging.Audit(ctx, "usage_alert_emailed",
			"session_id", a.SessionID,
			"level", string(a.Level))
	}
	return errors.Join(errs...)
}

func (n *EmailNotifier) compose(a models.UsageAlert) (string, string) {
	level := strings.ToUpper(string(a.Level[:1])) + string(a.Level[1:])
	plan := a.Assessment.PlanName
	if plan == "" {
		plan = "Unknown Plan"
	}
	device := a.MACAddress
	if device == "" {
		device = "Unknown"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "WiFi Usage Alert - %s Level\r\n\r\n", level)
	fmt.Fprintf(&b, "Plan: %s\r\n", plan)
	fmt.Fprintf(&b, "Usage: %.1f%% (%s remaining)\r\n", a.Assessment.Percentage, remaining(a.Assessment))
	fmt.Fprintf(&b, "Device: %s\r\n", device)
	fmt.Fprintf(&b, "Phone: %s\r\n", a.PhoneNumber)
	fmt.Fprintf(&b, "Session ID: %s\r\n", a.SessionID)
	fmt.Fprintf(&b, "Time: %s\r\n\r\n", n.now().UTC().Format("2006-01-02 15:04:05"))
	if a.Level == models.AlertFinal {
		b.WriteString("URGENT: Session will end soon!\r\n")
	} else {
		b.WriteString("High usage detected - consider renewal\r\n")
	}
	if n.cfg.BaseURL != "" {
		fmt.Fprintf(&b, "\r\nView session details: %s/api/v1/sessions/%s/usage\r\n",
			strings.TrimRight(n.cfg.BaseURL, "/"), a.SessionID)
	}

	return fmt.Sprintf("WiFi Usage %s Alert - %s", level, plan), b.String()
}

func (n *EmailNotifier) message(subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", n.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func remaining(a models.UsageAssessment) string {
	switch {
	case a.Unlimited:
		return "unlimited"
	case a.PlanKind == models.PlanTime:
		return fmt.Sprintf("%.0f minutes", a.Remaining)
	case a.Remaining > 1024:
		return fmt.Sprintf("%.1f GB", a.Remaining/1024)
	default:
		return fmt.Sprintf("%.0f MB", a.Remaining)
	}
}

// MultiNotifier delivers alerts through every notifier in order
type MultiNotifier []Notifier

// Notify calls each notifier and joins their errors
func (m MultiNotifier) Notify(ctx context.Context, alerts []models.UsageAlert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alerts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
