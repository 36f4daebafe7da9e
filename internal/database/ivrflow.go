package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dialcast/dialcast/internal/database/models"
)

// ivrFlowRepo implements IVRFlowRepository.
type ivrFlowRepo struct {
	db *DB
}

// NewIVRFlowRepository creates a new IVRFlowRepository.
func NewIVRFlowRepository(db *DB) IVRFlowRepository {
	return &ivrFlowRepo{db: db}
}

const ivrFlowColumns = `id, org_id, name, flow_data, version, published, created_at, updated_at`

// Create inserts a new flow record.
func (r *ivrFlowRepo) Create(ctx context.Context, f *models.IVRFlow) error {
	if f.Version == 0 {
		f.Version = 1
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO ivr_flows (org_id, name, flow_data, version, published)
		 VALUES (?, ?, ?, ?, ?)`,
		f.OrgID, f.Name, f.FlowData, f.Version, f.Published,
	)
	if err != nil {
		return fmt.Errorf("inserting ivr flow: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	f.ID = id
	return nil
}

// GetByID returns a flow by ID, or nil if not found.
func (r *ivrFlowRepo) GetByID(ctx context.Context, id int64) (*models.IVRFlow, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+ivrFlowColumns+` FROM ivr_flows WHERE id = ?`, id))
}

// GetPublished returns a flow by ID only if published, or nil.
func (r *ivrFlowRepo) GetPublished(ctx context.Context, id int64) (*models.IVRFlow, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+ivrFlowColumns+` FROM ivr_flows WHERE id = ? AND published = 1`, id))
}

// Publish marks a flow published and bumps its version.
func (r *ivrFlowRepo) Publish(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE ivr_flows SET published = 1, version = version + 1, updated_at = datetime('now')
		 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("publishing ivr flow: %w", err)
	}
	return nil
}

func (r *ivrFlowRepo) scanOne(row *sql.Row) (*models.IVRFlow, error) {
	var f models.IVRFlow
	err := row.Scan(&f.ID, &f.OrgID, &f.Name, &f.FlowData, &f.Version,
		&f.Published, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning ivr flow: %w", err)
	}
	return &f, nil
}
