package models

import (
	"fmt"
	"strings"
	"time"
)

// PlanKind determines which quantity a plan limits
type PlanKind string

const (
	PlanTime      PlanKind = "time"      // Limited by minutes since activation
	PlanData      PlanKind = "data"      // Limited by bytes transferred
	PlanUnlimited PlanKind = "unlimited" // No quantity limit, validity window only
)

// Validity windows for plans that carry no duration of their own
const (
	DataPlanValidity      = 30 * 24 * time.Hour
	UnlimitedPlanValidity = 365 * 24 * time.Hour
)

// BytesPerMB is the divisor used for every MB figure in the system
const BytesPerMB = 1024 * 1024

// Plan is a purchasable offering. Plans are read-only to the engine.
type Plan struct {
	ID              string   `json:"id" mapstructure:"id"`
	Name            string   `json:"name" mapstructure:"name"`
	Kind            PlanKind `json:"kind" mapstructure:"kind"`
	DurationMinutes int      `json:"duration_minutes,omitempty" mapstructure:"duration_minutes"` // time plans only
	DataLimitMB     int64    `json:"data_limit_mb,omitempty" mapstructure:"data_limit_mb"`       // data plans only
	DownloadKbps    int      `json:"download_kbps" mapstructure:"download_kbps"`
	UploadKbps      int      `json:"upload_kbps" mapstructure:"upload_kbps"`
	Price           float64  `json:"price" mapstructure:"price"` // KES
	Active          bool     `json:"active" mapstructure:"active"`
}

// PlanIntegrityError reports a plan whose limits contradict its kind
type PlanIntegrityError struct {
	PlanID string
	Reason string
}

func (e *PlanIntegrityError) Error() string {
	return fmt.Sprintf("plan %s: %s", e.PlanID, e.Reason)
}

// Validate checks that exactly the field meaningful for the plan kind is set
func (p *Plan) Validate() error {
	if p.ID == "" {
		return &PlanIntegrityError{PlanID: p.ID, Reason: "missing id"}
	}
	switch p.Kind {
	case PlanTime:
		if p.DurationMinutes <= 0 {
			return &PlanIntegrityError{PlanID: p.ID, Reason: "time plan without a positive duration"}
		}
		if p.DataLimitMB != 0 {
			return &PlanIntegrityError{PlanID: p.ID, Reason: "time plan carries a data quota"}
		}
	case PlanData:
		if p.DataLimitMB <= 0 {
			return &PlanIntegrityError{PlanID: p.ID, Reason: "data plan without a positive quota"}
		}
		if p.DurationMinutes != 0 {
			return &PlanIntegrityError{PlanID: p.ID, Reason: "data plan carries a duration"}
		}
	case PlanUnlimited:
		if p.DurationMinutes != 0 || p.DataLimitMB != 0 {
			return &PlanIntegrityError{PlanID: p.ID, Reason: "unlimited plan carries a limit"}
		}
	default:
		return &PlanIntegrityError{PlanID: p.ID, Reason: fmt.Sprintf("unknown kind %q", p.Kind)}
	}
	if p.Price < 0 {
		return &PlanIntegrityError{PlanID: p.ID, Reason: "negative price"}
	}
	return nil
}

// ExpiryFrom returns when a session activated at t stops being valid
func (p *Plan) ExpiryFrom(t time.Time) time.Time {
	switch p.Kind {
	case PlanTime:
		return t.Add(time.Duration(p.DurationMinutes) * time.Minute)
	case PlanData:
		return t.Add(DataPlanValidity)
	default:
		return t.Add(UnlimitedPlanValidity)
	}
}

// Capacity returns the plan's limit in its native unit (minutes or MB).
// Unlimited plans return 0.
func (p *Plan) Capacity() float64 {
	switch p.Kind {
	case PlanTime:
		return float64(p.DurationMinutes)
	case PlanData:
		return float64(p.DataLimitMB)
	default:
		return 0
	}
}

// Unit names the native unit of Capacity
func (p *Plan) Unit() string {
	switch p.Kind {
	case PlanTime:
		return "minutes"
	case PlanData:
		return "MB"
	default:
		return ""
	}
}

// ProfileName is the router profile that carries this plan's rate limit
func (p *Plan) ProfileName() string {
	return "plan_" + strings.ReplaceAll(strings.ToLower(strings.TrimSpace(p.Name)), " ", "_")
}

// RateLimit renders the bandwidth caps as "<up>k/<down>k", empty when uncapped
func (p *Plan) RateLimit() string {
	if p.UploadKbps <= 0 && p.DownloadKbps <= 0 {
		return ""
	}
	return fmt.Sprintf("%dk/%dk", p.UploadKbps, p.DownloadKbps)
}
