package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dialcast/dialcast/internal/database/models"
)

// sipSettingsRepo implements SIPSettingsRepository.
type sipSettingsRepo struct {
	db *DB
}

// NewSIPSettingsRepository creates a new SIPSettingsRepository.
func NewSIPSettingsRepository(db *DB) SIPSettingsRepository {
	return &sipSettingsRepo{db: db}
}

// Upsert stores an organization's PBX account, replacing any existing row.
func (r *sipSettingsRepo) Upsert(ctx context.Context, s *models.SIPSettings) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sip_settings (org_id, server, port, extension, secret, transport,
			srtp_mode, rtp_port_start, rtp_port_end, codec_priority, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		 ON CONFLICT (org_id) DO UPDATE SET
			server = excluded.server,
			port = excluded.port,
			extension = excluded.extension,
			secret = excluded.secret,
			transport = excluded.transport,
			srtp_mode = excluded.srtp_mode,
			rtp_port_start = excluded.rtp_port_start,
			rtp_port_end = excluded.rtp_port_end,
			codec_priority = excluded.codec_priority,
			updated_at = datetime('now')`,
		s.OrgID, s.Server, s.Port, s.Extension, s.Secret, s.Transport,
		s.SRTPMode, s.RTPPortStart, s.RTPPortEnd, s.CodecPriority,
	)
	if err != nil {
		return fmt.Errorf("upserting sip settings: %w", err)
	}
	return nil
}

// GetByOrg returns an organization's PBX account, or nil if not set.
func (r *sipSettingsRepo) GetByOrg(ctx context.Context, orgID int64) (*models.SIPSettings, error) {
	var s models.SIPSettings
	err := r.db.QueryRowContext(ctx,
		`SELECT id, org_id, server, port, extension, secret, transport,
			srtp_mode, rtp_port_start, rtp_port_end, codec_priority, updated_at
		 FROM sip_settings WHERE org_id = ?`, orgID,
	).Scan(&s.ID, &s.OrgID, &s.Server, &s.Port, &s.Extension, &s.Secret, &s.Transport,
		&s.SRTPMode, &s.RTPPortStart, &s.RTPPortEnd, &s.CodecPriority, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sip settings: %w", err)
	}
	return &s, nil
}
