package database

import (
	"context"
	"fmt"
)

// dncRepo implements DNCRepository.
type dncRepo struct {
	db *DB
}

// NewDNCRepository creates a new DNCRepository.
func NewDNCRepository(db *DB) DNCRepository {
	return &dncRepo{db: db}
}

// Upsert records a do-not-call number, keeping the earliest entry for a
// (phone, org) pair.
func (r *dncRepo) Upsert(ctx context.Context, phone string, orgID *int64, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO dnc_entries (phone, org_id, reason) VALUES (?, ?, ?)
		 ON CONFLICT (phone, COALESCE(org_id, 0)) DO NOTHING`,
		phone, orgID, reason,
	)
	if err != nil {
		return fmt.Errorf("upserting dnc entry: %w", err)
	}
	return nil
}

// Contains reports whether a phone is blocked for an org, either by an
// org-scoped entry or a global one.
func (r *dncRepo) Contains(ctx context.Context, phone string, orgID int64) (bool, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dnc_entries
		 WHERE phone = ? AND (org_id IS NULL OR org_id = ?)`,
		phone, orgID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking dnc entry: %w", err)
	}
	return n > 0, nil
}
