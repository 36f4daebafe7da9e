package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dialcast/dialcast/internal/database/models"
)

// contactRepo implements ContactRepository.
type contactRepo struct {
	db *DB
}

// NewContactRepository creates a new ContactRepository.
func NewContactRepository(db *DB) ContactRepository {
	return &contactRepo{db: db}
}

// Create inserts a new contact record.
func (r *contactRepo) Create(ctx context.Context, c *models.Contact) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO contacts (org_id, phone, first_name, last_name, timezone)
		 VALUES (?, ?, ?, ?, ?)`,
		c.OrgID, c.Phone, c.FirstName, c.LastName, c.Timezone,
	)
	if err != nil {
		return fmt.Errorf("inserting contact: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// GetByID returns a contact by ID, or nil if not found.
func (r *contactRepo) GetByID(ctx context.Context, id int64) (*models.Contact, error) {
	var c models.Contact
	err := r.db.QueryRowContext(ctx,
		`SELECT id, org_id, phone, first_name, last_name, timezone, created_at
		 FROM contacts WHERE id = ?`, id,
	).Scan(&c.ID, &c.OrgID, &c.Phone, &c.FirstName, &c.LastName, &c.Timezone, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning contact: %w", err)
	}
	return &c, nil
}
