package database

import (
	"context"
	"fmt"

	"github.com/dialcast/dialcast/internal/database/models"
)

// surveyResponseRepo implements SurveyResponseRepository.
type surveyResponseRepo struct {
	db *DB
}

// NewSurveyResponseRepository creates a new SurveyResponseRepository.
func NewSurveyResponseRepository(db *DB) SurveyResponseRepository {
	return &surveyResponseRepo{db: db}
}

// Save inserts one survey answer.
func (r *surveyResponseRepo) Save(ctx context.Context, resp *models.SurveyResponse) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO survey_responses (call_id, campaign_id, contact_id, question_id, answer)
		 VALUES (?, ?, ?, ?, ?)`,
		resp.CallID, resp.CampaignID, resp.ContactID, resp.QuestionID, resp.Answer,
	)
	if err != nil {
		return fmt.Errorf("inserting survey response: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	resp.ID = id
	return nil
}

// ListByCall returns all answers recorded on one call.
func (r *surveyResponseRepo) ListByCall(ctx context.Context, callID string) ([]models.SurveyResponse, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_id, campaign_id, contact_id, question_id, answer, created_at
		 FROM survey_responses WHERE call_id = ? ORDER BY id`, callID)
	if err != nil {
		return nil, fmt.Errorf("querying survey responses: %w", err)
	}
	defer rows.Close()

	var responses []models.SurveyResponse
	for rows.Next() {
		var resp models.SurveyResponse
		if err := rows.Scan(&resp.ID, &resp.CallID, &resp.CampaignID, &resp.ContactID,
			&resp.QuestionID, &resp.Answer, &resp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning survey response row: %w", err)
		}
		responses = append(responses, resp)
	}
	return responses, rows.Err()
}
