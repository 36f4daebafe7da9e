// Package models defines the durable row types for the dialer database.
package models

import "time"

// Campaign statuses.
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignRunning   = "running"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignCancelled = "cancelled"
)

// Dialing modes.
const (
	ModeProgressive = "progressive"
	ModePredictive  = "predictive"
)

// Campaign contact statuses.
const (
	ContactPending    = "pending"
	ContactInProgress = "in_progress"
	ContactCompleted  = "completed"
	ContactFailed     = "failed"
	ContactDNC        = "dnc"
	ContactSkipped    = "skipped"
)

// Campaign is a dialing campaign. The core treats loaded campaigns as
// read-only except for status sweeps.
type Campaign struct {
	ID                 int64
	OrgID              int64
	Name               string
	IVRFlowID          int64
	GreetingAudioID    *int64
	VoicemailAudioID   *int64
	DialingMode        string
	MaxConcurrentCalls int
	CallsPerMinute     *int
	MaxRetries         int
	RetryDelayMinutes  int
	RetryOnNoAnswer    bool
	RetryOnBusy        bool
	RetryOnFailed      bool
	RingTimeoutSeconds int
	AMDEnabled         bool
	AMDActionHuman     string
	AMDActionMachine   string
	CallingHoursStart  string // "HH:MM" local to the contact or org
	CallingHoursEnd    string
	RespectTimezone    bool
	ScheduledStart     *time.Time
	ScheduledEnd       *time.Time
	Status             string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Contact is a dialable person.
type Contact struct {
	ID        int64
	OrgID     int64
	Phone     string // E.164
	FirstName string
	LastName  string
	Timezone  string // IANA name, may be empty
	CreatedAt time.Time
}

// CampaignContact is the per-campaign dial state of one contact. Exactly
// one row exists per (campaign_id, contact_id).
type CampaignContact struct {
	ID              int64
	CampaignID      int64
	ContactID       int64
	Status          string
	Attempts        int
	LastAttemptAt   *time.Time
	NextAttemptAt   *time.Time
	LastDisposition string
	Priority        int
}

// DNCEntry is a do-not-call number. A nil OrgID means globally blocked.
type DNCEntry struct {
	ID        int64
	Phone     string
	OrgID     *int64
	Reason    string
	CreatedAt time.Time
}

// IVRFlow is a published flow graph, stored as JSON.
type IVRFlow struct {
	ID        int64
	OrgID     int64
	Name      string
	FlowData  string
	Version   int
	Published bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AudioPrompt maps an audio id to a pre-encoded local file.
type AudioPrompt struct {
	ID        int64
	OrgID     int64
	Name      string
	Filename  string
	Format    string // "ulaw" | "alaw"
	FileSize  int64
	FilePath  string
	CreatedAt time.Time
}

// SIPSettings is the per-organization PBX account.
type SIPSettings struct {
	ID            int64
	OrgID         int64
	Server        string
	Port          int
	Extension     string
	Secret        string
	Transport     string
	SRTPMode      string
	RTPPortStart  int
	RTPPortEnd    int
	CodecPriority string // comma-separated, e.g. "pcmu,pcma"
	UpdatedAt     time.Time
}

// CallLog is the durable record of one completed call attempt.
type CallLog struct {
	ID             int64
	CallID         string // engine UUID
	CampaignID     int64
	ContactID      int64
	Phone          string
	State          string // final dialog state
	Disposition    string
	HangupCause    string
	AMDResult      string
	StartedAt      time.Time
	RingingAt      *time.Time
	AnsweredAt     *time.Time
	EndedAt        *time.Time
	DurationMS     int64
	IVRLastNodeID  string
	IVRCompleted   bool
	OptedOut       bool
	DTMFInputs     string // JSON list
	CreatedAt      time.Time
}

// SurveyResponse is one answered survey question on one call.
type SurveyResponse struct {
	ID         int64
	CallID     string
	CampaignID int64
	ContactID  int64
	QuestionID string
	Answer     string
	CreatedAt  time.Time
}
