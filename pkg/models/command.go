package models

import "time"

// CommandKind is the kind of action sent to the enforcement device
type CommandKind string

const (
	CommandProvision   CommandKind = "provision"
	CommandDeprovision CommandKind = "deprovision"
	CommandDisconnect  CommandKind = "disconnect"
	CommandQuery       CommandKind = "query"
)

// EnforcementCommand is an append-only audit record of one device call
type EnforcementCommand struct {
	ID         string      `json:"id"`
	Kind       CommandKind `json:"kind"`
	SessionID  string      `json:"session_id,omitempty"`
	Identity   string      `json:"identity,omitempty"`
	Device     string      `json:"device"`
	Success    bool        `json:"success"`
	Request    string      `json:"request,omitempty"`
	Response   string      `json:"response,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMs int64       `json:"duration_ms"`
	ExecutedAt time.Time   `json:"executed_at"`
}

// LiveUsage is one connected identity's counters as reported by the device
type LiveUsage struct {
	Identity   string        `json:"identity"`
	Address    string        `json:"address,omitempty"`
	MACAddress string        `json:"mac_address,omitempty"`
	BytesIn    int64         `json:"bytes_in"`
	BytesOut   int64         `json:"bytes_out"`
	PacketsIn  int64         `json:"packets_in"`
	PacketsOut int64         `json:"packets_out"`
	Uptime     time.Duration `json:"uptime"`
}

// TotalBytes is the sum of both directions
func (u LiveUsage) TotalBytes() int64 {
	return u.BytesIn + u.BytesOut
}
