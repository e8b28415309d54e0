package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

// PlanStore handles the plan catalog
type PlanStore struct {
	db *DB
}

// NewPlanStore creates a new plan store
func NewPlanStore(db *DB) *PlanStore {
	return &PlanStore{db: db}
}

const planColumns = `id, name, kind, duration_minutes, data_limit_mb, download_kbps, upload_kbps, price, active`

func scanPlan(sc scanner) (*models.Plan, error) {
	p := &models.Plan{}
	err := sc.Scan(&p.ID, &p.Name, &p.Kind, &p.DurationMinutes, &p.DataLimitMB,
		&p.DownloadKbps, &p.UploadKbps, &p.Price, &p.Active)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Upsert inserts or replaces a catalog entry. Used to seed plans from configuration.
func (s *PlanStore) Upsert(ctx context.Context, plan *models.Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (`+planColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			duration_minutes = excluded.duration_minutes,
			data_limit_mb = excluded.data_limit_mb,
			download_kbps = excluded.download_kbps,
			upload_kbps = excluded.upload_kbps,
			price = excluded.price,
			active = excluded.active
	`, plan.ID, plan.Name, plan.Kind, plan.DurationMinutes, plan.DataLimitMB,
		plan.DownloadKbps, plan.UploadKbps, plan.Price, plan.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert plan: %w", err)
	}
	return nil
}

// Get retrieves a plan by ID, active or not
func (s *PlanStore) Get(ctx context.Context, id string) (*models.Plan, error) {
	return getPlan(ctx, s.db, id)
}

func getPlan(ctx context.Context, ex execer, id string) (*models.Plan, error) {
	plan, err := scanPlan(ex.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return plan, nil
}

// ListActive returns active plans ordered by price. An empty kind lists every kind.
func (s *PlanStore) ListActive(ctx context.Context, kind models.PlanKind) ([]*models.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE active = 1`
	var args []any
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY price, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*models.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}
