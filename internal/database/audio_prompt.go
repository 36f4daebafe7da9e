package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dialcast/dialcast/internal/database/models"
)

// audioPromptRepo implements AudioPromptRepository.
type audioPromptRepo struct {
	db *DB
}

// NewAudioPromptRepository creates a new AudioPromptRepository.
func NewAudioPromptRepository(db *DB) AudioPromptRepository {
	return &audioPromptRepo{db: db}
}

// Create inserts a new audio prompt record.
func (r *audioPromptRepo) Create(ctx context.Context, p *models.AudioPrompt) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO audio_prompts (org_id, name, filename, format, file_size, file_path)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.OrgID, p.Name, p.Filename, p.Format, p.FileSize, p.FilePath,
	)
	if err != nil {
		return fmt.Errorf("inserting audio prompt: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	p.ID = id
	return nil
}

// GetByID returns an audio prompt by ID, or nil if not found.
func (r *audioPromptRepo) GetByID(ctx context.Context, id int64) (*models.AudioPrompt, error) {
	var p models.AudioPrompt
	err := r.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, filename, format, file_size, file_path, created_at
		 FROM audio_prompts WHERE id = ?`, id,
	).Scan(&p.ID, &p.OrgID, &p.Name, &p.Filename, &p.Format, &p.FileSize, &p.FilePath, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning audio prompt: %w", err)
	}
	return &p, nil
}

// List returns all audio prompts ordered by name.
func (r *audioPromptRepo) List(ctx context.Context) ([]models.AudioPrompt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, org_id, name, filename, format, file_size, file_path, created_at
		 FROM audio_prompts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying audio prompts: %w", err)
	}
	defer rows.Close()

	var prompts []models.AudioPrompt
	for rows.Next() {
		var p models.AudioPrompt
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.Filename, &p.Format,
			&p.FileSize, &p.FilePath, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audio prompt row: %w", err)
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}
