package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

// CommandStore is the append-only audit log of enforcement device calls
type CommandStore struct {
	db *DB
}

// NewCommandStore creates a new command store
func NewCommandStore(db *DB) *CommandStore {
	return &CommandStore{db: db}
}

// Record appends one command. There is no update path.
func (s *CommandStore) Record(ctx context.Context, cmd *models.EnforcementCommand) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enforcement_commands (
			id, kind, session_id, identity, device, success,
			request, response, error, duration_ms, executed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cmd.ID, cmd.Kind, nullString(cmd.SessionID), nullString(cmd.Identity), cmd.Device, cmd.Success,
		nullString(cmd.Request), nullString(cmd.Response), nullString(cmd.Error), cmd.DurationMs, cmd.ExecutedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record enforcement command: %w", err)
	}
	return nil
}

// ListBySession returns a session's commands, oldest first
func (s *CommandStore) ListBySession(ctx context.Context, sessionID string) ([]*models.EnforcementCommand, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, session_id, identity, device, success,
			request, response, error, duration_ms, executed_at
		FROM enforcement_commands
		WHERE session_id = ?
		ORDER BY executed_at, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list enforcement commands: %w", err)
	}
	defer rows.Close()

	var cmds []*models.EnforcementCommand
	for rows.Next() {
		cmd := &models.EnforcementCommand{}
		var sid, identity, request, response, errStr sql.NullString
		err := rows.Scan(&cmd.ID, &cmd.Kind, &sid, &identity, &cmd.Device, &cmd.Success,
			&request, &response, &errStr, &cmd.DurationMs, &cmd.ExecutedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enforcement command: %w", err)
		}
		cmd.SessionID = sid.String
		cmd.Identity = identity.String
		cmd.Request = request.String
		cmd.Response = response.String
		cmd.Error = errStr.String
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}
