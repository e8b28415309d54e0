package models

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// SessionStatus represents the current state of a billing session
type SessionStatus string

const (
	StatusPending  SessionStatus = "pending"  // Created, awaiting payment
	StatusActive   SessionStatus = "active"   // Paid and within limits
	StatusExpired  SessionStatus = "expired"  // Quota or validity exhausted
	StatusDisabled SessionStatus = "disabled" // Administratively ended
)

// EndCause records why a session left the active state
type EndCause string

const (
	CauseTimeExhausted   EndCause = "time_exhausted"
	CauseDataExhausted   EndCause = "data_exhausted"
	CauseValidityExpired EndCause = "validity_expired"
	CauseAdministrative  EndCause = "administrative"
)

// Session is one customer's paid access window on the hotspot
type Session struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	PhoneNumber string        `json:"phone_number"`
	MACAddress  string        `json:"mac_address,omitempty"`
	PlanID      string        `json:"plan_id,omitempty"`
	Status      SessionStatus `json:"status"`

	// Router identity, generated once at creation
	Username string `json:"username"`
	Password string `json:"-"`

	// Consumption
	DataUsedBytes   int64 `json:"data_used_bytes"`
	TimeUsedMinutes int   `json:"time_used_minutes"` // Frozen when the session ends

	EndCause EndCause `json:"end_cause,omitempty"`
	Version  int64    `json:"version"`

	// Timestamps
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateSessionRequest is the request to open a pending session for a customer device
type CreateSessionRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	PhoneNumber string `json:"phone_number" binding:"required,min=9,max=15,numeric"`
	MACAddress  string `json:"mac_address,omitempty" binding:"omitempty,mac"`
}

// IsActive returns true if the session currently grants access
func (s *Session) IsActive() bool {
	return s.Status == StatusActive
}

// IsTerminal returns true if the session ended and needs explicit reactivation
func (s *Session) IsTerminal() bool {
	return s.Status == StatusExpired || s.Status == StatusDisabled
}

// DataUsedMB returns consumed data in MB
func (s *Session) DataUsedMB() float64 {
	return float64(s.DataUsedBytes) / BytesPerMB
}

// ElapsedMinutes returns time consumed. Active sessions are measured against now;
// ended sessions report the frozen counter.
func (s *Session) ElapsedMinutes(now time.Time) float64 {
	if !s.IsActive() {
		return float64(s.TimeUsedMinutes)
	}
	if s.ActivatedAt.IsZero() || now.Before(s.ActivatedAt) {
		return 0
	}
	return now.Sub(s.ActivatedAt).Minutes()
}

// NewRouterIdentity derives the hotspot username from the phone number and
// generates a random password.
func NewRouterIdentity(phone string) (username, password string, err error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if len(digits) > 8 {
		digits = digits[len(digits)-8:]
	}

	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	return "user_" + digits, hex.EncodeToString(buf), nil
}
