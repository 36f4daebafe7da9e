package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dialcast/dialcast/internal/database/models"
)

// campaignContactRepo implements CampaignContactRepository.
type campaignContactRepo struct {
	db *DB
}

// NewCampaignContactRepository creates a new CampaignContactRepository.
func NewCampaignContactRepository(db *DB) CampaignContactRepository {
	return &campaignContactRepo{db: db}
}

const ccColumns = `id, campaign_id, contact_id, status, attempts,
	last_attempt_at, next_attempt_at, last_disposition, priority`

// Add inserts a campaign contact row. Duplicate (campaign, contact) pairs
// are rejected by the unique constraint.
func (r *campaignContactRepo) Add(ctx context.Context, cc *models.CampaignContact) error {
	status := cc.Status
	if status == "" {
		status = models.ContactPending
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO campaign_contacts (campaign_id, contact_id, status, attempts,
			last_attempt_at, next_attempt_at, last_disposition, priority)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cc.CampaignID, cc.ContactID, status, cc.Attempts,
		cc.LastAttemptAt, cc.NextAttemptAt, cc.LastDisposition, cc.Priority,
	)
	if err != nil {
		return fmt.Errorf("inserting campaign contact: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	cc.ID = id
	cc.Status = status
	return nil
}

// GetByID returns a campaign contact row by ID, or nil if not found.
func (r *campaignContactRepo) GetByID(ctx context.Context, id int64) (*models.CampaignContact, error) {
	var cc models.CampaignContact
	err := r.db.QueryRowContext(ctx,
		`SELECT `+ccColumns+` FROM campaign_contacts WHERE id = ?`, id,
	).Scan(&cc.ID, &cc.CampaignID, &cc.ContactID, &cc.Status, &cc.Attempts,
		&cc.LastAttemptAt, &cc.NextAttemptAt, &cc.LastDisposition, &cc.Priority)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning campaign contact: %w", err)
	}
	return &cc, nil
}

// IterEligible streams due pending rows joined with their contacts in
// (priority, next_attempt_at) order, paging by row id. Phones on the
// effective DNC list (global or the contact's org) are excluded at query
// time, so entries added after campaign activation still block dispatch.
func (r *campaignContactRepo) IterEligible(ctx context.Context, campaignID int64, cursor int64, limit int) (*ContactPage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT cc.id, cc.campaign_id, cc.contact_id, cc.status, cc.attempts,
			cc.last_attempt_at, cc.next_attempt_at, cc.last_disposition, cc.priority,
			c.id, c.org_id, c.phone, c.first_name, c.last_name, c.timezone, c.created_at
		 FROM campaign_contacts cc
		 JOIN contacts c ON c.id = cc.contact_id
		 LEFT JOIN dnc_entries d ON d.phone = c.phone
			AND (d.org_id IS NULL OR d.org_id = c.org_id)
		 WHERE cc.campaign_id = ?
		   AND cc.status = ?
		   AND (cc.next_attempt_at IS NULL OR cc.next_attempt_at <= datetime('now'))
		   AND cc.id > ?
		   AND d.id IS NULL
		 ORDER BY cc.priority ASC, cc.next_attempt_at ASC, cc.id ASC
		 LIMIT ?`,
		campaignID, models.ContactPending, cursor, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying eligible contacts: %w", err)
	}
	defer rows.Close()

	page := &ContactPage{NextCursor: cursor}
	for rows.Next() {
		var e EligibleContact
		if err := rows.Scan(
			&e.Row.ID, &e.Row.CampaignID, &e.Row.ContactID, &e.Row.Status, &e.Row.Attempts,
			&e.Row.LastAttemptAt, &e.Row.NextAttemptAt, &e.Row.LastDisposition, &e.Row.Priority,
			&e.Contact.ID, &e.Contact.OrgID, &e.Contact.Phone, &e.Contact.FirstName,
			&e.Contact.LastName, &e.Contact.Timezone, &e.Contact.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning eligible contact row: %w", err)
		}
		page.Rows = append(page.Rows, e)
		if e.Row.ID > page.NextCursor {
			page.NextCursor = e.Row.ID
		}
	}
	return page, rows.Err()
}

// Update mutates the given fields of a campaign contact row.
func (r *campaignContactRepo) Update(ctx context.Context, id int64, fields ContactUpdate) error {
	var sets []string
	var args []any

	if fields.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *fields.Status)
	}
	if fields.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *fields.Attempts)
	}
	if fields.LastAttemptAt != nil {
		sets = append(sets, "last_attempt_at = ?")
		args = append(args, *fields.LastAttemptAt)
	}
	if fields.NextAttemptAt != nil {
		sets = append(sets, "next_attempt_at = ?")
		args = append(args, *fields.NextAttemptAt)
	} else if fields.ClearNextAt {
		sets = append(sets, "next_attempt_at = NULL")
	}
	if fields.LastDisposition != nil {
		sets = append(sets, "last_disposition = ?")
		args = append(args, *fields.LastDisposition)
	}

	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	_, err := r.db.ExecContext(ctx,
		"UPDATE campaign_contacts SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("updating campaign contact: %w", err)
	}
	return nil
}

// MarkDNC flips pending rows whose phone is blocked for the campaign's
// org (or globally) to the dnc status.
func (r *campaignContactRepo) MarkDNC(ctx context.Context, campaignID int64) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE campaign_contacts SET status = ?
		 WHERE campaign_id = ? AND status = ?
		   AND contact_id IN (
			SELECT c.id FROM contacts c
			JOIN dnc_entries d ON d.phone = c.phone
			WHERE d.org_id IS NULL
			   OR d.org_id = (SELECT org_id FROM campaigns WHERE id = ?)
		   )`,
		models.ContactDNC, campaignID, models.ContactPending, campaignID,
	)
	if err != nil {
		return 0, fmt.Errorf("marking dnc contacts: %w", err)
	}
	return result.RowsAffected()
}

// RecoverStale returns in_progress rows last touched before olderThan to
// pending so they can be retried after a crash or lost call.
func (r *campaignContactRepo) RecoverStale(ctx context.Context, campaignID int64, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE campaign_contacts SET status = ?
		 WHERE campaign_id = ? AND status = ?
		   AND (last_attempt_at IS NULL OR last_attempt_at < ?)`,
		models.ContactPending, campaignID, models.ContactInProgress, olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("recovering stale contacts: %w", err)
	}
	return result.RowsAffected()
}

// CountOpen returns the number of rows still pending or in progress.
func (r *campaignContactRepo) CountOpen(ctx context.Context, campaignID int64) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campaign_contacts
		 WHERE campaign_id = ? AND status IN (?, ?)`,
		campaignID, models.ContactPending, models.ContactInProgress,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting open contacts: %w", err)
	}
	return n, nil
}

// CountByStatus returns row counts grouped by status.
func (r *campaignContactRepo) CountByStatus(ctx context.Context, campaignID int64) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM campaign_contacts
		 WHERE campaign_id = ? GROUP BY status`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("counting contacts by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
