package routeros

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

// HotspotUser is a /ip/hotspot/user entry. RouterOS renders every value as a string.
type HotspotUser struct {
	ID              string `json:".id,omitempty"`
	Name            string `json:"name"`
	Password        string `json:"password,omitempty"`
	Profile         string `json:"profile,omitempty"`
	Server          string `json:"server,omitempty"`
	MACAddress      string `json:"mac-address,omitempty"`
	LimitUptime     string `json:"limit-uptime,omitempty"`
	LimitBytesTotal string `json:"limit-bytes-total,omitempty"`
	Comment         string `json:"comment,omitempty"`
	Disabled        string `json:"disabled,omitempty"`
}

// UserProfile is a /ip/hotspot/user/profile entry
type UserProfile struct {
	ID          string `json:".id,omitempty"`
	Name        string `json:"name"`
	RateLimit   string `json:"rate-limit,omitempty"`
	SharedUsers string `json:"shared-users,omitempty"`
}

// ActiveEntry is a /ip/hotspot/active entry
type ActiveEntry struct {
	ID         string `json:".id"`
	User       string `json:"user"`
	Address    string `json:"address"`
	MACAddress string `json:"mac-address"`
	BytesIn    string `json:"bytes-in"`
	BytesOut   string `json:"bytes-out"`
	PacketsIn  string `json:"packets-in"`
	PacketsOut string `json:"packets-out"`
	Uptime     string `json:"uptime"`
}

// ErrorResponse is the body RouterOS returns with a non-2xx status
type ErrorResponse struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

// ToLiveUsage converts the entry to device-neutral counters
func (a ActiveEntry) ToLiveUsage() (models.LiveUsage, error) {
	u := models.LiveUsage{
		Identity:   a.User,
		Address:    a.Address,
		MACAddress: a.MACAddress,
	}
	var err error
	if u.BytesIn, err = parseCounter(a.BytesIn); err != nil {
		return u, fmt.Errorf("bytes-in: %w", err)
	}
	if u.BytesOut, err = parseCounter(a.BytesOut); err != nil {
		return u, fmt.Errorf("bytes-out: %w", err)
	}
	if u.PacketsIn, err = parseCounter(a.PacketsIn); err != nil {
		return u, fmt.Errorf("packets-in: %w", err)
	}
	if u.PacketsOut, err = parseCounter(a.PacketsOut); err != nil {
		return u, fmt.Errorf("packets-out: %w", err)
	}
	if u.Uptime, err = ParseUptime(a.Uptime); err != nil {
		return u, fmt.Errorf("uptime: %w", err)
	}
	return u, nil
}

func parseCounter(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// ParseUptime parses RouterOS durations such as "1w2d3h4m5s" or "00:10:00"
func ParseUptime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) != 3 {
			return 0, fmt.Errorf("invalid uptime %q", s)
		}
		var total time.Duration
		units := []time.Duration{time.Hour, time.Minute, time.Second}
		for i, p := range parts {
			n, err := strconv.Atoi(p)
			if err != nil {
				return 0, fmt.Errorf("invalid uptime %q", s)
			}
			total += time.Duration(n) * units[i]
		}
		return total, nil
	}

	var total time.Duration
	num := 0
	seenDigit := false
	for _, r := range s {
		if r >= '0' && r <= '9' {
			num = num*10 + int(r-'0')
			seenDigit = true
			continue
		}
		if !seenDigit {
			return 0, fmt.Errorf("invalid uptime %q", s)
		}
		var unit time.Duration
		switch r {
		case 'w':
			unit = 7 * 24 * time.Hour
		case 'd':
			unit = 24 * time.Hour
		case 'h':
			unit = time.Hour
		case 'm':
			unit = time.Minute
		case 's':
			unit = time.Second
		default:
			return 0, fmt.Errorf("invalid uptime %q", s)
		}
		total += time.Duration(num) * unit
		num = 0
		seenDigit = false
	}
	if seenDigit {
		return 0, fmt.Errorf("invalid uptime %q", s)
	}
	return total, nil
}

// FormatUptime renders a limit as whole minutes, the unit used for limit-uptime
func FormatUptime(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return fmt.Sprintf("%dm", int64(d/time.Minute))
}
