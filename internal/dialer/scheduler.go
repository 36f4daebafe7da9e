package dialer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dialcast/dialcast/internal/bus"
	"github.com/dialcast/dialcast/internal/config"
	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/dialcast/dialcast/internal/ivr"
)

// prefetchBatch is how many due rows one poll hands to the manager per
// campaign.
const prefetchBatch = 50

// Call dispositions recorded on campaign contacts and call logs.
const (
	DispositionAnsweredHuman   = "answered_human"
	DispositionAnsweredMachine = "answered_machine"
	DispositionNoAnswer        = "no_answer"
	DispositionBusy            = "busy"
	DispositionFailed          = "failed"
	DispositionOptOut          = "opt_out"
)

// runningCampaign is the scheduler's working state for one running
// campaign.
type runningCampaign struct {
	campaign *models.Campaign
	flow     *ivr.Flow
}

// Scheduler keeps campaign_contacts rows moving: it activates running
// campaigns, snapshots DNC matches, feeds due contacts to the call
// manager, applies the retry policy on call end, recovers stale rows, and
// detects completion.
type Scheduler struct {
	cfg     config.SchedulerConfig
	repos   *database.Repositories
	manager *Manager
	events  *bus.Bus
	logger  *slog.Logger

	mu      sync.Mutex
	running map[int64]*runningCampaign
}

// NewScheduler creates a scheduler over the given repositories and call
// manager.
func NewScheduler(cfg config.SchedulerConfig, repos *database.Repositories, manager *Manager, events *bus.Bus, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		repos:   repos,
		manager: manager,
		events:  events,
		logger:  logger.With("subsystem", "scheduler"),
		running: make(map[int64]*runningCampaign),
	}
}

// Run drives the poll loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce refreshes the running-campaign set and feeds due contacts.
func (s *Scheduler) pollOnce(ctx context.Context) {
	campaigns, err := s.repos.Campaigns.LoadRunning(ctx)
	if err != nil {
		s.logger.Error("loading running campaigns failed", "error", err)
		return
	}

	seen := make(map[int64]bool, len(campaigns))
	for i := range campaigns {
		c := &campaigns[i]
		seen[c.ID] = true
		s.mu.Lock()
		rc, known := s.running[c.ID]
		s.mu.Unlock()
		if !known {
			rc, err = s.activate(ctx, c)
			if err != nil {
				s.logger.Error("activating campaign failed", "campaign_id", c.ID, "error", err)
				continue
			}
		} else {
			rc.campaign = c
		}
		s.feed(ctx, rc)
		s.recoverStale(ctx, c.ID)
		s.checkCompletion(ctx, rc)
	}

	// Campaigns no longer running lose their registration; their queued
	// contacts are dropped and in-flight calls cancelled by the engine.
	s.mu.Lock()
	for id := range s.running {
		if !seen[id] {
			delete(s.running, id)
			s.manager.UnregisterCampaign(id)
			s.logger.Info("campaign deactivated", "campaign_id", id)
		}
	}
	s.mu.Unlock()
}

// activate snapshots a newly running campaign: DNC-matched pending rows
// flip to dnc, the IVR flow is parsed once, and the campaign registers
// with the call manager.
func (s *Scheduler) activate(ctx context.Context, c *models.Campaign) (*runningCampaign, error) {
	blocked, err := s.repos.CampaignContacts.MarkDNC(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("marking dnc contacts: %w", err)
	}
	if blocked > 0 {
		s.logger.Info("dnc snapshot", "campaign_id", c.ID, "blocked", blocked)
	}

	flow, err := s.loadFlow(ctx, c.IVRFlowID)
	if err != nil {
		return nil, err
	}

	cpm := 0
	if c.CallsPerMinute != nil {
		cpm = *c.CallsPerMinute
	}
	s.manager.RegisterCampaign(c.ID, c.MaxConcurrentCalls, cpm)

	rc := &runningCampaign{campaign: c, flow: flow}
	s.mu.Lock()
	s.running[c.ID] = rc
	s.mu.Unlock()

	s.logger.Info("campaign activated", "campaign_id", c.ID, "name", c.Name)
	return rc, nil
}

// loadFlow loads and parses a published IVR flow.
func (s *Scheduler) loadFlow(ctx context.Context, flowID int64) (*ivr.Flow, error) {
	row, err := s.repos.IVRFlows.GetPublished(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("loading ivr flow: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("ivr flow %d not found or not published", flowID)
	}
	flow, err := ivr.ParseFlow([]byte(row.FlowData))
	if err != nil {
		return nil, fmt.Errorf("parsing ivr flow %d: %w", flowID, err)
	}
	return flow, nil
}

// feed selects due pending rows inside calling hours, hands them to the
// manager, and flips them to in_progress.
func (s *Scheduler) feed(ctx context.Context, rc *runningCampaign) {
	if s.manager.Backpressure() {
		return
	}

	page, err := s.repos.CampaignContacts.IterEligible(ctx, rc.campaign.ID, 0, prefetchBatch)
	if err != nil {
		s.logger.Error("selecting due contacts failed", "campaign_id", rc.campaign.ID, "error", err)
		return
	}

	now := time.Now()
	var batch []*PendingContact
	for _, row := range page.Rows {
		if !withinCallingHours(rc.campaign, row.Contact.Timezone, now) {
			continue
		}

		attempts := row.Row.Attempts + 1
		status := models.ContactInProgress
		attemptAt := now.UTC()
		err := s.repos.CampaignContacts.Update(ctx, row.Row.ID, database.ContactUpdate{
			Status:        &status,
			Attempts:      &attempts,
			LastAttemptAt: &attemptAt,
		})
		if err != nil {
			s.logger.Error("marking contact in progress failed", "row_id", row.Row.ID, "error", err)
			continue
		}

		batch = append(batch, &PendingContact{
			CampaignID:        rc.campaign.ID,
			CampaignContactID: row.Row.ID,
			ContactID:         row.Contact.ID,
			Phone:             row.Contact.Phone,
			Campaign:          rc.campaign,
			Flow:              rc.flow,
			Variables:         contactVariables(rc.campaign, &row.Contact),
			Priority:          row.Row.Priority,
			ScheduledAt:       now,
			Attempts:          attempts,
		})
	}

	if len(batch) > 0 {
		s.manager.AddContacts(batch)
		s.logger.Debug("contacts queued", "campaign_id", rc.campaign.ID, "count", len(batch))
	}
}

// contactVariables seeds the IVR executor variable map.
func contactVariables(c *models.Campaign, contact *models.Contact) map[string]string {
	return map[string]string{
		"campaign_id":   strconv.FormatInt(c.ID, 10),
		"campaign_name": c.Name,
		"contact_id":    strconv.FormatInt(contact.ID, 10),
		"phone":         contact.Phone,
		"first_name":    contact.FirstName,
		"last_name":     contact.LastName,
	}
}

// HandleCallEnd applies the retry policy to a finished call's contact row
// and records opt-outs.
func (s *Scheduler) HandleCallEnd(ctx context.Context, outcome *CallOutcome) {
	if outcome.OptedOut {
		orgID := outcome.Campaign.OrgID
		if err := s.repos.DNC.Upsert(ctx, outcome.Phone, &orgID, "ivr opt-out"); err != nil {
			s.logger.Error("recording opt-out failed", "phone", outcome.Phone, "error", err)
		}
	}

	status, nextAt := s.decide(outcome)
	update := database.ContactUpdate{
		Status:          &status,
		LastDisposition: &outcome.Disposition,
	}
	if nextAt != nil {
		update.NextAttemptAt = nextAt
	} else {
		update.ClearNextAt = true
	}

	if err := s.repos.CampaignContacts.Update(ctx, outcome.CampaignContactID, update); err != nil {
		s.logger.Error("updating contact after call failed",
			"row_id", outcome.CampaignContactID,
			"error", err,
		)
	}

	s.logger.Debug("contact finalized",
		"campaign_id", outcome.CampaignID,
		"row_id", outcome.CampaignContactID,
		"disposition", outcome.Disposition,
		"status", status,
	)
}

// decide maps a call outcome to the contact row's next status. Answered
// calls and exhausted or non-retryable failures are terminal; retryable
// failures reschedule after the campaign's retry delay.
func (s *Scheduler) decide(outcome *CallOutcome) (status string, nextAt *time.Time) {
	if outcome.OptedOut {
		return models.ContactDNC, nil
	}

	c := outcome.Campaign
	switch outcome.Disposition {
	case DispositionAnsweredHuman, DispositionAnsweredMachine:
		return models.ContactCompleted, nil
	case DispositionBusy:
		return s.retryOrFail(c, outcome, c.RetryOnBusy)
	case DispositionNoAnswer:
		return s.retryOrFail(c, outcome, c.RetryOnNoAnswer)
	default:
		return s.retryOrFail(c, outcome, c.RetryOnFailed)
	}
}

func (s *Scheduler) retryOrFail(c *models.Campaign, outcome *CallOutcome, retryEnabled bool) (string, *time.Time) {
	if retryEnabled && outcome.Attempts < c.MaxRetries {
		next := time.Now().UTC().Add(time.Duration(c.RetryDelayMinutes) * time.Minute)
		return models.ContactPending, &next
	}
	return models.ContactFailed, nil
}

// recoverStale returns in_progress rows older than the grace window to
// pending.
func (s *Scheduler) recoverStale(ctx context.Context, campaignID int64) {
	grace := time.Duration(s.cfg.StaleInProgressMinutes) * time.Minute
	if grace <= 0 {
		grace = time.Hour
	}
	n, err := s.repos.CampaignContacts.RecoverStale(ctx, campaignID, time.Now().UTC().Add(-grace))
	if err != nil {
		s.logger.Error("stale recovery failed", "campaign_id", campaignID, "error", err)
		return
	}
	if n > 0 {
		s.logger.Warn("recovered stale contacts", "campaign_id", campaignID, "count", n)
	}
}

// checkCompletion marks a campaign completed once no contact is pending
// or in progress and no call is active.
func (s *Scheduler) checkCompletion(ctx context.Context, rc *runningCampaign) {
	if s.manager.ActiveCalls(rc.campaign.ID) > 0 {
		return
	}
	open, err := s.repos.CampaignContacts.CountOpen(ctx, rc.campaign.ID)
	if err != nil {
		s.logger.Error("counting open contacts failed", "campaign_id", rc.campaign.ID, "error", err)
		return
	}
	if open > 0 {
		return
	}

	if err := s.repos.Campaigns.UpdateStatus(ctx, rc.campaign.ID, models.CampaignCompleted); err != nil {
		s.logger.Error("marking campaign completed failed", "campaign_id", rc.campaign.ID, "error", err)
		return
	}

	counts, _ := s.repos.CampaignContacts.CountByStatus(ctx, rc.campaign.ID)
	payload := map[string]any{
		"campaign_id": rc.campaign.ID,
		"kind":        "completed",
	}
	if counts != nil {
		if data, err := json.Marshal(counts); err == nil {
			payload["counts"] = string(data)
		}
	}
	s.events.Publish(bus.TopicCampaignProgress, payload)

	s.mu.Lock()
	delete(s.running, rc.campaign.ID)
	s.mu.Unlock()
	s.manager.UnregisterCampaign(rc.campaign.ID)
	s.logger.Info("campaign completed", "campaign_id", rc.campaign.ID)
}

// withinCallingHours reports whether now falls inside the campaign's
// calling window, evaluated in the contact's timezone when the campaign
// respects timezones and the contact has one.
func withinCallingHours(c *models.Campaign, contactTZ string, now time.Time) bool {
	loc := now.Location()
	if c.RespectTimezone && contactTZ != "" {
		if l, err := time.LoadLocation(contactTZ); err == nil {
			loc = l
		}
	}
	local := now.In(loc)

	start, okStart := parseClock(c.CallingHoursStart)
	end, okEnd := parseClock(c.CallingHoursEnd)
	if !okStart || !okEnd {
		return true
	}

	minutes := local.Hour()*60 + local.Minute()
	if start <= end {
		return minutes >= start && minutes < end
	}
	// Window crosses midnight.
	return minutes >= start || minutes < end
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
