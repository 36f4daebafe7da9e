package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dialcast/dialcast/internal/database/models"
)

// campaignRepo implements CampaignRepository.
type campaignRepo struct {
	db *DB
}

// NewCampaignRepository creates a new CampaignRepository.
func NewCampaignRepository(db *DB) CampaignRepository {
	return &campaignRepo{db: db}
}

const campaignColumns = `id, org_id, name, ivr_flow_id, greeting_audio_id, voicemail_audio_id,
	dialing_mode, max_concurrent_calls, calls_per_minute, max_retries, retry_delay_minutes,
	retry_on_no_answer, retry_on_busy, retry_on_failed, ring_timeout_seconds,
	amd_enabled, amd_action_human, amd_action_machine,
	calling_hours_start, calling_hours_end, respect_timezone,
	scheduled_start, scheduled_end, status, created_at, updated_at`

// Create inserts a new campaign record.
func (r *campaignRepo) Create(ctx context.Context, c *models.Campaign) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO campaigns (org_id, name, ivr_flow_id, greeting_audio_id, voicemail_audio_id,
			dialing_mode, max_concurrent_calls, calls_per_minute, max_retries, retry_delay_minutes,
			retry_on_no_answer, retry_on_busy, retry_on_failed, ring_timeout_seconds,
			amd_enabled, amd_action_human, amd_action_machine,
			calling_hours_start, calling_hours_end, respect_timezone,
			scheduled_start, scheduled_end, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.OrgID, c.Name, c.IVRFlowID, c.GreetingAudioID, c.VoicemailAudioID,
		c.DialingMode, c.MaxConcurrentCalls, c.CallsPerMinute, c.MaxRetries, c.RetryDelayMinutes,
		c.RetryOnNoAnswer, c.RetryOnBusy, c.RetryOnFailed, c.RingTimeoutSeconds,
		c.AMDEnabled, c.AMDActionHuman, c.AMDActionMachine,
		c.CallingHoursStart, c.CallingHoursEnd, c.RespectTimezone,
		c.ScheduledStart, c.ScheduledEnd, c.Status,
	)
	if err != nil {
		return fmt.Errorf("inserting campaign: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// GetByID returns a campaign by ID, or nil if not found.
func (r *campaignRepo) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)

	c, err := scanCampaign(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning campaign: %w", err)
	}
	return c, nil
}

// LoadRunning returns all campaigns in the running state.
func (r *campaignRepo) LoadRunning(ctx context.Context) ([]models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE status = ? ORDER BY id`,
		models.CampaignRunning)
	if err != nil {
		return nil, fmt.Errorf("querying running campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning campaign row: %w", err)
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// UpdateStatus sets a campaign's status.
func (r *campaignRepo) UpdateStatus(ctx context.Context, id int64, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, updated_at = datetime('now') WHERE id = ?`,
		status, id)
	if err != nil {
		return fmt.Errorf("updating campaign status: %w", err)
	}
	return nil
}

func scanCampaign(scan func(dest ...any) error) (*models.Campaign, error) {
	var c models.Campaign
	err := scan(
		&c.ID, &c.OrgID, &c.Name, &c.IVRFlowID, &c.GreetingAudioID, &c.VoicemailAudioID,
		&c.DialingMode, &c.MaxConcurrentCalls, &c.CallsPerMinute, &c.MaxRetries, &c.RetryDelayMinutes,
		&c.RetryOnNoAnswer, &c.RetryOnBusy, &c.RetryOnFailed, &c.RingTimeoutSeconds,
		&c.AMDEnabled, &c.AMDActionHuman, &c.AMDActionMachine,
		&c.CallingHoursStart, &c.CallingHoursEnd, &c.RespectTimezone,
		&c.ScheduledStart, &c.ScheduledEnd, &c.Status, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
