package models

import "time"

// AlertLevel is the severity of a usage alert
type AlertLevel string

const (
	AlertNone     AlertLevel = "none"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
	AlertFinal    AlertLevel = "final"
)

// Threshold percentages, inclusive
const (
	WarningThreshold   = 75.0
	CriticalThreshold  = 90.0
	FinalThreshold     = 95.0
	TerminateThreshold = 100.0
)

// LevelFor selects the alert level for a consumption percentage, highest first
func LevelFor(pct float64) AlertLevel {
	switch {
	case pct >= FinalThreshold:
		return AlertFinal
	case pct >= CriticalThreshold:
		return AlertCritical
	case pct >= WarningThreshold:
		return AlertWarning
	default:
		return AlertNone
	}
}

// Message is the customer-facing text for an alert level
func (l AlertLevel) Message() string {
	switch l {
	case AlertWarning:
		return "You have used 75% of your plan."
	case AlertCritical:
		return "You have used 90% of your plan. Consider renewing."
	case AlertFinal:
		return "Your plan is almost exhausted. Renew now to stay connected."
	default:
		return ""
	}
}

// UsageAssessment is a point-in-time evaluation of a session against its plan
type UsageAssessment struct {
	SessionID  string     `json:"session_id"`
	PlanID     string     `json:"plan_id"`
	PlanName   string     `json:"plan_name"`
	PlanKind   PlanKind   `json:"plan_kind"`
	PlanPrice  float64    `json:"plan_price"`
	Percentage float64    `json:"percentage"` // 0-100, clamped
	Used       float64    `json:"used"`       // minutes or MB
	Total      float64    `json:"total"`      // minutes or MB, 0 for unlimited
	Remaining  float64    `json:"remaining"`  // minutes or MB, undefined when Unlimited
	Unit       string     `json:"unit,omitempty"`
	Unlimited  bool       `json:"unlimited"`
	Level      AlertLevel `json:"alert_level"`
	Terminate  bool       `json:"terminate"`
	AssessedAt time.Time  `json:"assessed_at"`
}

// RecommendedPlan is a renewal suggestion
type RecommendedPlan struct {
	Plan    Plan `json:"plan"`
	Upgrade bool `json:"upgrade"` // Same or larger capacity than the current plan
}

// UsageAlert is emitted by a sweep for a newly reached alert level
type UsageAlert struct {
	SessionID       string            `json:"session_id"`
	PhoneNumber     string            `json:"phone_number"`
	MACAddress      string            `json:"mac_address,omitempty"`
	Level           AlertLevel        `json:"level"`
	Message         string            `json:"message"`
	Assessment      UsageAssessment   `json:"assessment"`
	Recommendations []RecommendedPlan `json:"recommendations"`
}

// UsageSummary is the per-session view exposed by the API and CLI
type UsageSummary struct {
	Session         Session           `json:"session"`
	Assessment      *UsageAssessment  `json:"assessment,omitempty"`
	Recommendations []RecommendedPlan `json:"recommendations,omitempty"`
}
