// Package routeros drives a MikroTik hotspot through the RouterOS v7 REST API.
package routeros

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/hotspot-billing/hotspot-billing/internal/enforcement"
	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

const (
	defaultTimeout  = 15 * time.Second
	defaultServer   = "hotspot1"
	defaultRate     = 5 // requests per second
	maxExchangeBody = 4096
)

// Client implements enforcement.Device for RouterOS
type Client struct {
	name       string
	baseURL    string
	username   string
	password   string
	server     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// ClientOption configures the RouterOS client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithInsecureTLS skips certificate verification for routers with self-signed certificates
func WithInsecureTLS() ClientOption {
	return func(c *Client) {
		c.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
}

// WithHotspotServer sets the hotspot server new identities are bound to
func WithHotspotServer(server string) ClientOption {
	return func(c *Client) {
		if server != "" {
			c.server = server
		}
	}
}

// WithRateLimit caps requests per second against the router
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// NewClient creates a client for the router at baseURL (e.g. "https://10.0.0.1")
func NewClient(name, baseURL, username, password string, opts ...ClientOption) *Client {
	c := &Client{
		name:       name,
		baseURL:    baseURL,
		username:   username,
		password:   password,
		server:     defaultServer,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(defaultRate, defaultRate),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the device name
func (c *Client) Name() string {
	return c.name
}

// UpsertIdentity ensures the plan profile exists, creates or updates the user,
// and resets its counters.
func (c *Client) UpsertIdentity(ctx context.Context, spec enforcement.IdentitySpec) (enforcement.Exchange, error) {
	var log exchangeLog

	if spec.Profile != "" {
		if err := c.ensureProfile(ctx, &log, spec.Profile, spec.RateLimit); err != nil {
			return log.exchange(), err
		}
	}

	user := HotspotUser{
		Name:            spec.Username,
		Password:        spec.Password,
		Profile:         spec.Profile,
		Server:          c.server,
		MACAddress:      spec.MACAddress,
		LimitUptime:     FormatUptime(spec.LimitUptime),
		LimitBytesTotal: formatBytes(spec.LimitBytes),
		Comment:         spec.Comment,
		Disabled:        "false",
	}
	if user.LimitUptime == "" {
		user.LimitUptime = "0s"
	}
	if user.LimitBytesTotal == "" {
		user.LimitBytesTotal = "0"
	}

	existing, err := c.findUser(ctx, &log, spec.Username)
	if err != nil {
		return log.exchange(), err
	}

	var id string
	if existing == nil {
		var created HotspotUser
		if err := c.do(ctx, &log, http.MethodPut, "/rest/ip/hotspot/user", user, &created, "UpsertIdentity"); err != nil {
			return log.exchange(), err
		}
		id = created.ID
	} else {
		id = existing.ID
		if err := c.do(ctx, &log, http.MethodPatch, "/rest/ip/hotspot/user/"+url.PathEscape(id), user, nil, "UpsertIdentity"); err != nil {
			return log.exchange(), err
		}
	}

	if id != "" {
		body := map[string]string{".id": id}
		if err := c.do(ctx, &log, http.MethodPost, "/rest/ip/hotspot/user/reset-counters", body, nil, "UpsertIdentity"); err != nil {
			return log.exchange(), err
		}
	}

	return log.exchange(), nil
}

// RemoveIdentity deletes the user
func (c *Client) RemoveIdentity(ctx context.Context, username string) (enforcement.Exchange, error) {
	var log exchangeLog

	existing, err := c.findUser(ctx, &log, username)
	if err != nil {
		return log.exchange(), err
	}
	if existing == nil {
		return log.exchange(), enforcement.ErrIdentityNotFound
	}

	err = c.do(ctx, &log, http.MethodDelete, "/rest/ip/hotspot/user/"+url.PathEscape(existing.ID), nil, nil, "RemoveIdentity")
	return log.exchange(), err
}

// DropConnection removes the user's active hotspot entries
func (c *Client) DropConnection(ctx context.Context, username string) (enforcement.Exchange, error) {
	var log exchangeLog

	var entries []ActiveEntry
	path := "/rest/ip/hotspot/active?user=" + url.QueryEscape(username)
	if err := c.do(ctx, &log, http.MethodGet, path, nil, &entries, "DropConnection"); err != nil {
		return log.exchange(), err
	}
	if len(entries) == 0 {
		return log.exchange(), enforcement.ErrNotConnected
	}

	for _, e := range entries {
		if err := c.do(ctx, &log, http.MethodDelete, "/rest/ip/hotspot/active/"+url.PathEscape(e.ID), nil, nil, "DropConnection"); err != nil {
			return log.exchange(), err
		}
	}
	return log.exchange(), nil
}

// ListActive returns counters for all connected users
func (c *Client) ListActive(ctx context.Context) ([]models.LiveUsage, enforcement.Exchange, error) {
	var log exchangeLog

	var entries []ActiveEntry
	if err := c.do(ctx, &log, http.MethodGet, "/rest/ip/hotspot/active", nil, &entries, "ListActive"); err != nil {
		return nil, log.exchange(), err
	}

	usage := make([]models.LiveUsage, 0, len(entries))
	for _, e := range entries {
		u, err := e.ToLiveUsage()
		if err != nil {
			return nil, log.exchange(), enforcement.NewDeviceError(c.name, "ListActive", 0,
				fmt.Sprintf("entry %s: %v", e.ID, err), enforcement.ErrInvalidResponse)
		}
		usage = append(usage, u)
	}
	return usage, log.exchange(), nil
}

func (c *Client) ensureProfile(ctx context.Context, log *exchangeLog, name, rateLimit string) error {
	var profiles []UserProfile
	path := "/rest/ip/hotspot/user/profile?name=" + url.QueryEscape(name)
	if err := c.do(ctx, log, http.MethodGet, path, nil, &profiles, "EnsureProfile"); err != nil {
		return err
	}

	profile := UserProfile{Name: name, RateLimit: rateLimit, SharedUsers: "1"}
	if len(profiles) == 0 {
		return c.do(ctx, log, http.MethodPut, "/rest/ip/hotspot/user/profile", profile, nil, "EnsureProfile")
	}
	if profiles[0].RateLimit == rateLimit {
		return nil
	}
	return c.do(ctx, log, http.MethodPatch, "/rest/ip/hotspot/user/profile/"+url.PathEscape(profiles[0].ID), profile, nil, "EnsureProfile")
}

func (c *Client) findUser(ctx context.Context, log *exchangeLog, username string) (*HotspotUser, error) {
	var users []HotspotUser
	path := "/rest/ip/hotspot/user?name=" + url.QueryEscape(username)
	if err := c.do(ctx, log, http.MethodGet, path, nil, &users, "FindUser"); err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

// do sends one request, appending it to log, and decodes a 2xx body into out
func (c *Client) do(ctx context.Context, log *exchangeLog, method, path string, in, out any, operation string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log.request(method, path, redact(payload))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	log.response(resp.StatusCode, respBody)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleError(resp.StatusCode, respBody, operation)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return enforcement.NewDeviceError(c.name, operation, resp.StatusCode,
				"failed to decode response: "+err.Error(), enforcement.ErrInvalidResponse)
		}
	}
	return nil
}

// handleError converts HTTP errors to device errors
func (c *Client) handleError(status int, body []byte, operation string) error {
	message := string(body)
	var parsed ErrorResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		message = parsed.Message
		if parsed.Detail != "" {
			message += ": " + parsed.Detail
		}
	}

	var baseErr error
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		baseErr = enforcement.ErrDeviceAuth
	case http.StatusNotFound:
		baseErr = enforcement.ErrIdentityNotFound
	}

	return enforcement.NewDeviceError(c.name, operation, status, message, baseErr)
}

func formatBytes(n int64) string {
	if n <= 0 {
		return ""
	}
	return strconv.FormatInt(n, 10)
}

// redact hides the password field of a request body
func redact(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	var fields map[string]any
	if json.Unmarshal(payload, &fields) != nil {
		return string(payload)
	}
	if _, ok := fields["password"]; ok {
		fields["password"] = "***"
	}
	out, _ := json.Marshal(fields)
	return string(out)
}

// exchangeLog accumulates the raw traffic of one device call
type exchangeLog struct {
	req  bytes.Buffer
	resp bytes.Buffer
}

func (l *exchangeLog) request(method, path, body string) {
	fmt.Fprintf(&l.req, "%s %s", method, path)
	if body != "" {
		fmt.Fprintf(&l.req, " %s", body)
	}
	l.req.WriteByte('\n')
}

func (l *exchangeLog) response(status int, body []byte) {
	if len(body) > maxExchangeBody {
		body = body[:maxExchangeBody]
	}
	fmt.Fprintf(&l.resp, "%d %s\n", status, body)
}

func (l *exchangeLog) exchange() enforcement.Exchange {
	return enforcement.Exchange{
		Request:  string(bytes.TrimSpace(l.req.Bytes())),
		Response: string(bytes.TrimSpace(l.resp.Bytes())),
	}
}
