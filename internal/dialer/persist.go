package dialer

import (
	"context"
	"log/slog"
	"time"

	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/database/models"
)

// persistQueueDepth bounds the outcome backlog between call teardown and
// the database.
const persistQueueDepth = 1024

// persistAttempts is how many times a write is retried before the
// outcome is logged and dropped.
const persistAttempts = 3

// Persister writes finished call outcomes to the call log, off the call
// teardown path. Saves are idempotent on call id, so a retried write
// after a partial failure cannot duplicate rows.
type Persister struct {
	callLogs database.CallLogRepository
	surveys  database.SurveyResponseRepository
	logger   *slog.Logger

	queue chan *CallOutcome
}

// NewPersister creates the persistence worker.
func NewPersister(callLogs database.CallLogRepository, surveys database.SurveyResponseRepository, logger *slog.Logger) *Persister {
	return &Persister{
		callLogs: callLogs,
		surveys:  surveys,
		logger:   logger.With("subsystem", "persist"),
		queue:    make(chan *CallOutcome, persistQueueDepth),
	}
}

// Enqueue hands an outcome to the worker. It never blocks call teardown:
// if the backlog is full the outcome is logged and dropped.
func (p *Persister) Enqueue(o *CallOutcome) {
	select {
	case p.queue <- o:
	default:
		p.logger.Error("persist queue full, dropping outcome",
			"call_id", o.CallID,
			"campaign_id", o.CampaignID,
			"disposition", o.Disposition,
		)
	}
}

// Run drains the queue until the context is cancelled, then flushes
// whatever is still buffered with a short grace period.
func (p *Persister) Run(ctx context.Context) {
	p.logger.Info("persistence worker started")
	for {
		select {
		case <-ctx.Done():
			p.flush()
			p.logger.Info("persistence worker stopped")
			return
		case o := <-p.queue:
			p.save(ctx, o)
		}
	}
}

// flush writes buffered outcomes during shutdown.
func (p *Persister) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case o := <-p.queue:
			p.save(ctx, o)
		default:
			return
		}
	}
}

// save writes one outcome, retrying transient failures.
func (p *Persister) save(ctx context.Context, o *CallOutcome) {
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = p.writeOutcome(ctx, o); err == nil {
			return
		}
		if ctx.Err() != nil {
			break
		}
		p.logger.Warn("call log write failed",
			"call_id", o.CallID,
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	p.logger.Error("giving up on call log write", "call_id", o.CallID, "error", err)
}

// writeOutcome persists the call log row and any survey answers.
func (p *Persister) writeOutcome(ctx context.Context, o *CallOutcome) error {
	log := &models.CallLog{
		CallID:      o.CallID,
		CampaignID:  o.CampaignID,
		ContactID:   o.ContactID,
		Phone:       o.Phone,
		State:       o.State,
		Disposition: o.Disposition,
		HangupCause: o.HangupCause,
		AMDResult:   o.AMDResult,
		StartedAt:   o.StartedAt,
		RingingAt:   o.RingingAt,
		AnsweredAt:  o.AnsweredAt,
		EndedAt:     &o.EndedAt,
		OptedOut:    o.OptedOut,
		DTMFInputs:  DTMFInputsJSON(o),
	}
	if o.AnsweredAt != nil {
		log.DurationMS = o.EndedAt.Sub(*o.AnsweredAt).Milliseconds()
	}
	if o.IVR != nil {
		log.IVRLastNodeID = o.IVR.LastNodeID
		log.IVRCompleted = o.IVR.CompletedNormally
	}
	if err := p.callLogs.Save(ctx, log); err != nil {
		return err
	}

	if o.IVR == nil {
		return nil
	}
	for questionID, answer := range o.IVR.SurveyResponses {
		r := &models.SurveyResponse{
			CallID:     o.CallID,
			CampaignID: o.CampaignID,
			ContactID:  o.ContactID,
			QuestionID: questionID,
			Answer:     answer,
		}
		if err := p.surveys.Save(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
