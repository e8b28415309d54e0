// Package routerssh drives a MikroTik hotspot through the RouterOS CLI over SSH,
// for routers without the REST API.
package routerssh

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/hotspot-billing/hotspot-billing/internal/enforcement"
	"github.com/hotspot-billing/hotspot-billing/internal/enforcement/routeros"
	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

const defaultServer = "hotspot1"

// Client implements enforcement.Device over SSH
type Client struct {
	name   string
	server string

	mu     sync.Mutex
	runner runner
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithHotspotServer sets the hotspot server new identities are bound to
func WithHotspotServer(server string) ClientOption {
	return func(c *Client) {
		if server != "" {
			c.server = server
		}
	}
}

// NewClient creates a device that sends commands through executor
func NewClient(name string, executor *Executor, opts ...ClientOption) *Client {
	return newClient(name, executor, opts...)
}

func newClient(name string, r runner, opts ...ClientOption) *Client {
	c := &Client{
		name:   name,
		server: defaultServer,
		runner: r,
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

// Close closes the SSH connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runner.Close()
}

// UpsertIdentity ensures the plan profile, adds or updates the user and resets its counters
func (c *Client) UpsertIdentity(ctx context.Context, spec enforcement.IdentitySpec) (enforcement.Exchange, error) {
	var log transcript

	if spec.Profile != "" {
		if err := c.ensureProfile(ctx, &log, spec.Profile, spec.RateLimit); err != nil {
			return log.exchange(), err
		}
	}

	items, err := c.print(ctx, &log, "/ip hotspot user print terse where name="+quote(spec.Username), "UpsertIdentity")
	if err != nil {
		return log.exchange(), err
	}

	attrs := userAttrs(spec, c.server)
	find := "[find name=" + quote(spec.Username) + "]"
	if len(items) == 0 {
		cmd := "/ip hotspot user add name=" + quote(spec.Username) + " " + attrs
		if _, err := c.run(ctx, &log, cmd, "UpsertIdentity"); err != nil {
			return log.exchange(), err
		}
	} else {
		if _, err := c.run(ctx, &log, "/ip hotspot user set "+find+" "+attrs, "UpsertIdentity"); err != nil {
			return log.exchange(), err
		}
	}

	if _, err := c.run(ctx, &log, "/ip hotspot user reset-counters "+find, "UpsertIdentity"); err != nil {
		return log.exchange(), err
	}
	return log.exchange(), nil
}

// RemoveIdentity deletes the user
func (c *Client) RemoveIdentity(ctx context.Context, username string) (enforcement.Exchange, error) {
	var log transcript

	items, err := c.print(ctx, &log, "/ip hotspot user print terse where name="+quote(username), "RemoveIdentity")
	if err != nil {
		return log.exchange(), err
	}
	if len(items) == 0 {
		return log.exchange(), enforcement.ErrIdentityNotFound
	}

	_, err = c.run(ctx, &log, "/ip hotspot user remove [find name="+quote(username)+"]", "RemoveIdentity")
	return log.exchange(), err
}

// DropConnection removes the user's active entries
func (c *Client) DropConnection(ctx context.Context, username string) (enforcement.Exchange, error) {
	var log transcript

	items, err := c.print(ctx, &log, "/ip hotspot active print terse where user="+quote(username), "DropConnection")
	if err != nil {
		return log.exchange(), err
	}
	if len(items) == 0 {
		return log.exchange(), enforcement.ErrNotConnected
	}

	_, err = c.run(ctx, &log, "/ip hotspot active remove [find user="+quote(username)+"]", "DropConnection")
	return log.exchange(), err
}

// ListActive returns counters for all connected users
func (c *Client) ListActive(ctx context.Context) ([]models.LiveUsage, enforcement.Exchange, error) {
	var log transcript

	items, err := c.print(ctx, &log, "/ip hotspot active print terse", "ListActive")
	if err != nil {
		return nil, log.exchange(), err
	}

	usage := make([]models.LiveUsage, 0, len(items))
	for i, item := range items {
		entry := routeros.ActiveEntry{
			User:       item["user"],
			Address:    item["address"],
			MACAddress: item["mac-address"],
			BytesIn:    item["bytes-in"],
			BytesOut:   item["bytes-out"],
			PacketsIn:  item["packets-in"],
			PacketsOut: item["packets-out"],
			Uptime:     item["uptime"],
		}
		u, err := entry.ToLiveUsage()
		if err != nil {
			return nil, log.exchange(), enforcement.NewDeviceError(c.name, "ListActive", 0,
				fmt.Sprintf("line %d: %v", i, err), enforcement.ErrInvalidResponse)
		}
		usage = append(usage, u)
	}
	return usage, log.exchange(), nil
}

func (c *Client) ensureProfile(ctx context.Context, log *transcript, name, rateLimit string) error {
	items, err := c.print(ctx, log, "/ip hotspot user profile print terse where name="+quote(name), "EnsureProfile")
	if err != nil {
		return err
	}

	limit := "rate-limit=" + quote(rateLimit)
	if len(items) == 0 {
		_, err := c.run(ctx, log, "/ip hotspot user profile add name="+quote(name)+" shared-users=1 "+limit, "EnsureProfile")
		return err
	}
	if items[0]["rate-limit"] == rateLimit {
		return nil
	}
	_, err = c.run(ctx, log, "/ip hotspot user profile set [find name="+quote(name)+"] "+limit, "EnsureProfile")
	return err
}

func (c *Client) print(ctx context.Context, log *transcript, cmd, operation string) ([]map[string]string, error) {
	out, err := c.run(ctx, log, cmd, operation)
	if err != nil {
		return nil, err
	}
	return parseTerse(out), nil
}

// run executes one command, appending it to log
func (c *Client) run(ctx context.Context, log *transcript, cmd, operation string) (string, error) {
	c.mu.Lock()
	stdout, stderr, err := c.runner.Run(ctx, cmd)
	c.mu.Unlock()

	log.add(redact(cmd), stdout, stderr)

	if err != nil {
		return "", enforcement.NewDeviceError(c.name, operation, 0, err.Error(), err)
	}
	if msg, failed := cliFailure(stdout, stderr); failed {
		var base error
		if strings.Contains(strings.ToLower(msg), "no such item") {
			base = enforcement.ErrIdentityNotFound
		}
		return "", enforcement.NewDeviceError(c.name, operation, 0, msg, base)
	}
	return stdout, nil
}

func userAttrs(spec enforcement.IdentitySpec, server string) string {
	uptime := routeros.FormatUptime(spec.LimitUptime)
	if uptime == "" {
		uptime = "0s"
	}
	attrs := []string{
		"password=" + quote(spec.Password),
		"server=" + quote(server),
		"limit-uptime=" + uptime,
		"limit-bytes-total=" + strconv.FormatInt(max(spec.LimitBytes, 0), 10),
		"disabled=no",
	}
	if spec.Profile != "" {
		attrs = append(attrs, "profile="+quote(spec.Profile))
	}
	if spec.MACAddress != "" {
		attrs = append(attrs, "mac-address="+spec.MACAddress)
	}
	if spec.Comment != "" {
		attrs = append(attrs, "comment="+quote(spec.Comment))
	}
	return strings.Join(attrs, " ")
}

// redact hides the password attribute of a command
func redact(cmd string) string {
	idx := strings.Index(cmd, "password=")
	if idx < 0 {
		return cmd
	}
	start := idx + len("password=")
	rest := cmd[start:]
	end := len(rest)
	if strings.HasPrefix(rest, `"`) {
		for i := 1; i < len(rest); i++ {
			if rest[i] == '\\' {
				i++
				continue
			}
			if rest[i] == '"' {
				end = i + 1
				break
			}
		}
	} else if sp := strings.IndexByte(rest, ' '); sp >= 0 {
		end = sp
	}
	return cmd[:start] + `"***"` + rest[end:]
}

// transcript accumulates the commands and output of one device call
type transcript struct {
	req  []string
	resp []string
}

func (t *transcript) add(cmd, stdout, stderr string) {
	t.req = append(t.req, cmd)
	out := stdout
	if stderr != "" {
		out = strings.TrimSpace(out + "\n" + stderr)
	}
	t.resp = append(t.resp, out)
}

func (t *transcript) exchange() enforcement.Exchange {
	return enforcement.Exchange{
		Request:  strings.Join(t.req, "\n"),
		Response: strings.TrimSpace(strings.Join(t.resp, "\n")),
	}
}
