package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dialcast/dialcast/internal/database/models"
)

// callLogRepo implements CallLogRepository.
type callLogRepo struct {
	db *DB
}

// NewCallLogRepository creates a new CallLogRepository.
func NewCallLogRepository(db *DB) CallLogRepository {
	return &callLogRepo{db: db}
}

const callLogColumns = `id, call_id, campaign_id, contact_id, phone, state, disposition,
	hangup_cause, amd_result, started_at, ringing_at, answered_at, ended_at,
	duration_ms, ivr_last_node_id, ivr_completed, opted_out, dtmf_inputs, created_at`

// Save inserts a call log row. Saves are idempotent per call_id so the
// persistence worker can retry without duplicating records.
func (r *callLogRepo) Save(ctx context.Context, l *models.CallLog) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_logs (call_id, campaign_id, contact_id, phone, state, disposition,
			hangup_cause, amd_result, started_at, ringing_at, answered_at, ended_at,
			duration_ms, ivr_last_node_id, ivr_completed, opted_out, dtmf_inputs)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (call_id) DO NOTHING`,
		l.CallID, l.CampaignID, l.ContactID, l.Phone, l.State, l.Disposition,
		l.HangupCause, l.AMDResult, l.StartedAt, l.RingingAt, l.AnsweredAt, l.EndedAt,
		l.DurationMS, l.IVRLastNodeID, l.IVRCompleted, l.OptedOut, l.DTMFInputs,
	)
	if err != nil {
		return fmt.Errorf("inserting call log: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil && id > 0 {
		l.ID = id
	}
	return nil
}

// GetByCallID returns the call log for an engine call id, or nil.
func (r *callLogRepo) GetByCallID(ctx context.Context, callID string) (*models.CallLog, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+callLogColumns+` FROM call_logs WHERE call_id = ?`, callID)

	l, err := scanCallLog(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call log: %w", err)
	}
	return l, nil
}

// ListByCampaign returns the most recent call logs for a campaign.
func (r *callLogRepo) ListByCampaign(ctx context.Context, campaignID int64, limit int) ([]models.CallLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callLogColumns+` FROM call_logs
		 WHERE campaign_id = ? ORDER BY started_at DESC LIMIT ?`,
		campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying call logs: %w", err)
	}
	defer rows.Close()

	var logs []models.CallLog
	for rows.Next() {
		l, err := scanCallLog(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning call log row: %w", err)
		}
		logs = append(logs, *l)
	}
	return logs, rows.Err()
}

// CountByDisposition returns call totals grouped by disposition.
func (r *callLogRepo) CountByDisposition(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT disposition, COUNT(*) FROM call_logs GROUP BY disposition`)
	if err != nil {
		return nil, fmt.Errorf("counting call logs by disposition: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var disposition string
		var n int64
		if err := rows.Scan(&disposition, &n); err != nil {
			return nil, fmt.Errorf("scanning disposition count: %w", err)
		}
		counts[disposition] = n
	}
	return counts, rows.Err()
}

func scanCallLog(scan func(dest ...any) error) (*models.CallLog, error) {
	var l models.CallLog
	err := scan(
		&l.ID, &l.CallID, &l.CampaignID, &l.ContactID, &l.Phone, &l.State, &l.Disposition,
		&l.HangupCause, &l.AMDResult, &l.StartedAt, &l.RingingAt, &l.AnsweredAt, &l.EndedAt,
		&l.DurationMS, &l.IVRLastNodeID, &l.IVRCompleted, &l.OptedOut, &l.DTMFInputs, &l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}
