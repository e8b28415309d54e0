// Package enforcement drives the network device that grants and revokes
// hotspot access. Device is the driver contract; Gateway is what the engine
// calls and it never returns a raw driver error.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

// Common errors returned by devices
var (
	ErrIdentityNotFound = errors.New("identity not found on device")
	ErrNotConnected     = errors.New("identity has no live connection")
	ErrDeviceAuth       = errors.New("device authentication failed")
	ErrInvalidResponse  = errors.New("invalid device response")
)

// IdentitySpec is everything a device needs to admit one customer
type IdentitySpec struct {
	Username    string
	Password    string
	Profile     string // shared per-plan profile carrying the rate limit
	RateLimit   string // "<up>k/<down>k", empty for uncapped
	LimitUptime time.Duration
	LimitBytes  int64
	MACAddress  string
	Comment     string
}

// Exchange is the raw request and response of one device call, kept for audit
type Exchange struct {
	Request  string
	Response string
}

// Device is an access-control point (a hotspot router)
type Device interface {
	// Name identifies the device in logs and audit records
	Name() string

	// UpsertIdentity creates or replaces the identity and resets its counters
	UpsertIdentity(ctx context.Context, spec IdentitySpec) (Exchange, error)

	// RemoveIdentity deletes the identity. Returns ErrIdentityNotFound when absent.
	RemoveIdentity(ctx context.Context, username string) (Exchange, error)

	// DropConnection ends the live connection without deleting the identity.
	// Returns ErrNotConnected when there is none.
	DropConnection(ctx context.Context, username string) (Exchange, error)

	// ListActive returns counters for every connected identity
	ListActive(ctx context.Context) ([]models.LiveUsage, Exchange, error)
}

// DeviceError wraps an error with device context
type DeviceError struct {
	Device     string
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *DeviceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed (HTTP %d): %s", e.Device, e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Device, e.Operation, e.Message)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// NewDeviceError creates a new DeviceError
func NewDeviceError(device, operation string, statusCode int, message string, err error) *DeviceError {
	return &DeviceError{
		Device:     device,
		Operation:  operation,
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}

// IsNotFoundError checks if the error means the identity does not exist
func IsNotFoundError(err error) bool {
	if errors.Is(err, ErrIdentityNotFound) {
		return true
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return de.StatusCode == http.StatusNotFound
	}
	return false
}

// IsAuthError checks if the device rejected our credentials
func IsAuthError(err error) bool {
	if errors.Is(err, ErrDeviceAuth) {
		return true
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return de.StatusCode == http.StatusUnauthorized || de.StatusCode == http.StatusForbidden
	}
	return false
}

// IsRetryable checks if the next scheduler cycle may succeed where this call failed
func IsRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return de.StatusCode == http.StatusTooManyRequests || (de.StatusCode >= 500 && de.StatusCode < 600)
	}
	return false
}

// SpecFor builds the device identity for a session on a plan
func SpecFor(session *models.Session, plan *models.Plan) IdentitySpec {
	spec := IdentitySpec{
		Username:   session.Username,
		Password:   session.Password,
		Profile:    plan.ProfileName(),
		RateLimit:  plan.RateLimit(),
		MACAddress: session.MACAddress,
		Comment:    fmt.Sprintf("session=%s plan=%s", session.ID, plan.ID),
	}
	switch plan.Kind {
	case models.PlanTime:
		spec.LimitUptime = time.Duration(plan.DurationMinutes) * time.Minute
	case models.PlanData:
		spec.LimitBytes = plan.DataLimitMB * models.BytesPerMB
	}
	return spec
}
