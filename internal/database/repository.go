package database

import (
	"context"
	"time"

	"github.com/dialcast/dialcast/internal/database/models"
)

// CampaignRepository manages campaigns and the scheduler's view of them.
type CampaignRepository interface {
	Create(ctx context.Context, c *models.Campaign) error
	GetByID(ctx context.Context, id int64) (*models.Campaign, error)
	LoadRunning(ctx context.Context) ([]models.Campaign, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
}

// ContactRepository manages contacts.
type ContactRepository interface {
	Create(ctx context.Context, c *models.Contact) error
	GetByID(ctx context.Context, id int64) (*models.Contact, error)
}

// ContactPage is one batch of eligible contacts plus the cursor for the
// next batch.
type ContactPage struct {
	Rows       []EligibleContact
	NextCursor int64
}

// EligibleContact joins a due campaign_contacts row with its contact.
type EligibleContact struct {
	Row     models.CampaignContact
	Contact models.Contact
}

// ContactUpdate holds the mutable fields of a campaign_contacts row.
// Nil pointers leave the column untouched.
type ContactUpdate struct {
	Status          *string
	Attempts        *int
	LastAttemptAt   *time.Time
	NextAttemptAt   *time.Time
	ClearNextAt     bool
	LastDisposition *string
}

// CampaignContactRepository manages per-campaign contact dial state.
type CampaignContactRepository interface {
	Add(ctx context.Context, cc *models.CampaignContact) error
	GetByID(ctx context.Context, id int64) (*models.CampaignContact, error)

	// IterEligible streams pending rows that are due (next_attempt_at is
	// null or past) in (priority, next_attempt_at) order, starting after
	// cursor (a row id; 0 starts from the beginning).
	IterEligible(ctx context.Context, campaignID int64, cursor int64, limit int) (*ContactPage, error)

	Update(ctx context.Context, id int64, fields ContactUpdate) error

	// MarkDNC flips every pending row whose phone is on the DNC list.
	MarkDNC(ctx context.Context, campaignID int64) (int64, error)

	// RecoverStale returns in_progress rows older than the grace window to
	// pending.
	RecoverStale(ctx context.Context, campaignID int64, olderThan time.Time) (int64, error)

	// CountOpen returns the number of pending plus in_progress rows, used
	// for campaign completion detection.
	CountOpen(ctx context.Context, campaignID int64) (int64, error)

	CountByStatus(ctx context.Context, campaignID int64) (map[string]int64, error)
}

// DNCRepository manages do-not-call entries.
type DNCRepository interface {
	Upsert(ctx context.Context, phone string, orgID *int64, reason string) error
	Contains(ctx context.Context, phone string, orgID int64) (bool, error)
}

// IVRFlowRepository manages stored flow graphs.
type IVRFlowRepository interface {
	Create(ctx context.Context, f *models.IVRFlow) error
	GetByID(ctx context.Context, id int64) (*models.IVRFlow, error)
	GetPublished(ctx context.Context, id int64) (*models.IVRFlow, error)
	Publish(ctx context.Context, id int64) error
}

// AudioPromptRepository maps audio ids to local files.
type AudioPromptRepository interface {
	Create(ctx context.Context, p *models.AudioPrompt) error
	GetByID(ctx context.Context, id int64) (*models.AudioPrompt, error)
	List(ctx context.Context) ([]models.AudioPrompt, error)
}

// SIPSettingsRepository manages per-organization PBX accounts.
type SIPSettingsRepository interface {
	Upsert(ctx context.Context, s *models.SIPSettings) error
	GetByOrg(ctx context.Context, orgID int64) (*models.SIPSettings, error)
}

// CallLogRepository persists completed call attempts.
type CallLogRepository interface {
	Save(ctx context.Context, l *models.CallLog) error
	GetByCallID(ctx context.Context, callID string) (*models.CallLog, error)
	ListByCampaign(ctx context.Context, campaignID int64, limit int) ([]models.CallLog, error)
	CountByDisposition(ctx context.Context) (map[string]int64, error)
}

// SurveyResponseRepository persists survey answers.
type SurveyResponseRepository interface {
	Save(ctx context.Context, r *models.SurveyResponse) error
	ListByCall(ctx context.Context, callID string) ([]models.SurveyResponse, error)
}

// Repositories bundles every repository over one DB handle.
type Repositories struct {
	Campaigns        CampaignRepository
	Contacts         ContactRepository
	CampaignContacts CampaignContactRepository
	DNC              DNCRepository
	IVRFlows         IVRFlowRepository
	AudioPrompts     AudioPromptRepository
	SIPSettings      SIPSettingsRepository
	CallLogs         CallLogRepository
	SurveyResponses  SurveyResponseRepository
}

// NewRepositories wires all repositories over db.
func NewRepositories(db *DB) *Repositories {
	return &Repositories{
		Campaigns:        NewCampaignRepository(db),
		Contacts:         NewContactRepository(db),
		CampaignContacts: NewCampaignContactRepository(db),
		DNC:              NewDNCRepository(db),
		IVRFlows:         NewIVRFlowRepository(db),
		AudioPrompts:     NewAudioPromptRepository(db),
		SIPSettings:      NewSIPSettingsRepository(db),
		CallLogs:         NewCallLogRepository(db),
		SurveyResponses:  NewSurveyResponseRepository(db),
	}
}
