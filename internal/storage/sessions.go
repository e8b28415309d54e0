package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

// maxTerminateAttempts bounds the optimistic retry loop in endSession
const maxTerminateAttempts = 3

// SessionStore handles session persistence. Every lifecycle transition is a
// single conditional UPDATE so concurrent writers cannot both succeed.
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a new session store
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

const sessionColumns = `
	id, user_id, phone_number, mac_address, plan_id, status,
	username, password,
	data_used_bytes, time_used_minutes,
	end_cause, version,
	activated_at, expires_at, ended_at, created_at, updated_at
`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*models.Session, error) {
	session := &models.Session{}
	var mac, planID, endCause sql.NullString
	var activatedAt, expiresAt, endedAt sql.NullTime

	err := sc.Scan(
		&session.ID, &session.UserID, &session.PhoneNumber, &mac, &planID, &session.Status,
		&session.Username, &session.Password,
		&session.DataUsedBytes, &session.TimeUsedMinutes,
		&endCause, &session.Version,
		&activatedAt, &expiresAt, &endedAt, &session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.MACAddress = mac.String
	session.PlanID = planID.String
	session.EndCause = models.EndCause(endCause.String)
	if activatedAt.Valid {
		session.ActivatedAt = activatedAt.Time
	}
	if expiresAt.Valid {
		session.ExpiresAt = expiresAt.Time
	}
	if endedAt.Valid {
		session.EndedAt = endedAt.Time
	}
	return session, nil
}

// Create inserts a new pending session
func (s *SessionStore) Create(ctx context.Context, session *models.Session) error {
	if session.Status == "" {
		session.Status = models.StatusPending
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}

	query := `
		INSERT INTO sessions (` + sessionColumns + `) VALUES (
			?, ?, ?, ?, ?, ?,
			?, ?,
			?, ?,
			?, ?,
			?, ?, ?, ?, ?
		)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.UserID, session.PhoneNumber, nullString(session.MACAddress), nullString(session.PlanID), session.Status,
		session.Username, session.Password,
		session.DataUsedBytes, session.TimeUsedMinutes,
		nullString(string(session.EndCause)), session.Version,
		nullTime(session.ActivatedAt), nullTime(session.ExpiresAt), nullTime(session.EndedAt),
		session.CreatedAt.UTC(), session.UpdatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// Get retrieves a session by ID
func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	return getSession(ctx, s.db, id)
}

func getSession(ctx context.Context, ex execer, id string) (*models.Session, error) {
	row := ex.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// GetByUsername retrieves a session by its router identity
func (s *SessionStore) GetByUsername(ctx context.Context, username string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE username = ?`, username)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session by username: %w", err)
	}
	return session, nil
}

// ListActive returns every active session ordered by ID
func (s *SessionStore) ListActive(ctx context.Context) ([]*models.Session, error) {
	return s.list(ctx, `WHERE status = 'active' ORDER BY id`)
}

// ListActiveByMAC returns the active sessions of one device. MAC addresses
// compare case-insensitively.
func (s *SessionStore) ListActiveByMAC(ctx context.Context, mac string) ([]*models.Session, error) {
	return s.list(ctx, `WHERE status = 'active' AND mac_address = ? COLLATE NOCASE ORDER BY id`, mac)
}

// ListOverdue returns active sessions whose validity window closed before now
func (s *SessionStore) ListOverdue(ctx context.Context, now time.Time) ([]*models.Session, error) {
	return s.list(ctx, `WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < ? ORDER BY id`, now.UTC())
}

func (s *SessionStore) list(ctx context.Context, where string, args ...any) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// CountByStatus returns the number of sessions per status
func (s *SessionStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Activate starts a new billing cycle on a pending, expired or disabled session.
// Plan, timestamps and counters are reset together.
func (s *SessionStore) Activate(ctx context.Context, id string, plan *models.Plan, now time.Time) (*models.Session, error) {
	return activateSession(ctx, s.db, id, plan, now, models.StatusPending, models.StatusExpired, models.StatusDisabled)
}

// Renew restarts the billing cycle of a session that is still active
func (s *SessionStore) Renew(ctx context.Context, id string, plan *models.Plan, now time.Time) (*models.Session, error) {
	return activateSession(ctx, s.db, id, plan, now, models.StatusActive)
}

func activateSession(ctx context.Context, ex execer, id string, plan *models.Plan, now time.Time, from ...models.SessionStatus) (*models.Session, error) {
	now = now.UTC()

	placeholders := make([]string, len(from))
	args := []any{plan.ID, now, plan.ExpiryFrom(now), now, id}
	for i, status := range from {
		placeholders[i] = "?"
		args = append(args, status)
	}

	query := fmt.Sprintf(`
		UPDATE sessions SET
			plan_id = ?,
			status = 'active',
			activated_at = ?,
			expires_at = ?,
			data_used_bytes = 0,
			time_used_minutes = 0,
			end_cause = NULL,
			ended_at = NULL,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND status IN (%s)
	`, strings.Join(placeholders, ","))

	result, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to activate session: %w", err)
	}
	rows, err := affected(result)
	if err != nil {
		return nil, err
	}

	current, err := getSession(ctx, ex, id)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, &TransitionError{Entity: "session", ID: id, Status: string(current.Status), Target: string(models.StatusActive)}
	}
	return current, nil
}

// Terminate moves an active session to expired, freezing its time counter.
// activatedAt names the activation the caller assessed: a session renewed
// since then is left alone. Returns the ended session and whether this call
// made the change; a session that already left that activation yields false
// and no error.
func (s *SessionStore) Terminate(ctx context.Context, id string, activatedAt, now time.Time, cause models.EndCause) (*models.Session, bool, error) {
	return s.endSession(ctx, id, activatedAt, now, cause, models.StatusExpired, models.StatusActive)
}

// Disable administratively ends a pending or active session, whatever its
// current activation.
func (s *SessionStore) Disable(ctx context.Context, id string, now time.Time, cause models.EndCause) (bool, error) {
	_, changed, err := s.endSession(ctx, id, time.Time{}, now, cause, models.StatusDisabled, models.StatusActive, models.StatusPending)
	return changed, err
}

// endSession moves the session to status to. A non-zero activatedAt must match
// the stored activation. The UPDATE is conditional on the version read, so a
// concurrent renewal or sync forces a re-read.
func (s *SessionStore) endSession(ctx context.Context, id string, activatedAt, now time.Time, cause models.EndCause, to models.SessionStatus, from ...models.SessionStatus) (*models.Session, bool, error) {
	now = now.UTC()

	for attempt := 0; attempt < maxTerminateAttempts; attempt++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if !statusIn(current.Status, from) {
			return nil, false, nil
		}
		if !activatedAt.IsZero() && !current.ActivatedAt.Equal(activatedAt) {
			return nil, false, nil
		}

		result, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET
				status = ?,
				end_cause = ?,
				ended_at = ?,
				time_used_minutes = ?,
				version = version + 1,
				updated_at = ?
			WHERE id = ? AND version = ?
		`, to, cause, now, int(current.ElapsedMinutes(now)), now, id, current.Version)
		if err != nil {
			return nil, false, fmt.Errorf("failed to end session: %w", err)
		}
		rows, err := affected(result)
		if err != nil {
			return nil, false, err
		}
		if rows == 1 {
			ended, err := s.Get(ctx, id)
			if err != nil {
				return nil, true, err
			}
			return ended, true, nil
		}
	}

	return nil, false, fmt.Errorf("failed to end session %s: concurrent updates", id)
}

// RecordConsumption adds deltaBytes to an active session's data counter
func (s *SessionStore) RecordConsumption(ctx context.Context, id string, deltaBytes int64) error {
	if deltaBytes < 0 {
		return fmt.Errorf("consumption delta must not be negative: %d", deltaBytes)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			data_used_bytes = data_used_bytes + ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND status = 'active'
	`, deltaBytes, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record consumption: %w", err)
	}
	rows, err := affected(result)
	if err != nil {
		return err
	}
	if rows == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return &TransitionError{Entity: "session", ID: id, Status: string(current.Status), Target: "consuming"}
	}
	return nil
}

// SyncConsumption raises an active session's data counter to totalBytes.
// version is the session version the total was matched against; any change
// since (a renewal resetting the counter, a termination) turns the call into
// a no-op. The counter never decreases, so a device that reset its counters
// cannot hand consumption back. Returns whether the counter moved.
func (s *SessionStore) SyncConsumption(ctx context.Context, id string, version, totalBytes int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			data_used_bytes = ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND version = ? AND status = 'active' AND data_used_bytes < ?
	`, totalBytes, time.Now().UTC(), id, version, totalBytes)
	if err != nil {
		return false, fmt.Errorf("failed to sync consumption: %w", err)
	}
	rows, err := affected(result)
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func statusIn(status models.SessionStatus, set []models.SessionStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
