// Package dialer contains the outbound dialing core: the concurrent call
// manager, the campaign scheduler, the per-call initiator, and the engine
// composition root that wires them together.
package dialer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dialcast/dialcast/internal/bus"
	"github.com/dialcast/dialcast/internal/config"
	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/dialcast/dialcast/internal/ivr"
)

// requeueDelay is how long a contact waits after a failed dispatch.
const requeueDelay = 30 * time.Second

// queueHighWater is the backpressure threshold: past this depth the
// scheduler stops prefetching.
const queueHighWater = 1000

// rateWindow is the sliding window for per-campaign rate caps.
const rateWindow = 60 * time.Second

// PendingContact is one queued dial attempt. It carries everything the
// initiator needs so the hot path never touches the repository.
type PendingContact struct {
	CampaignID        int64
	CampaignContactID int64
	ContactID         int64
	Phone             string
	CallerID          string
	Campaign          *models.Campaign
	Flow              *ivr.Flow
	Variables         map[string]string
	Priority          int
	ScheduledAt       time.Time
	Attempts          int
}

// CallStarter is the manager's view of the call initiator. StartCall must
// return quickly; the call itself runs in its own goroutine.
type CallStarter interface {
	StartCall(ctx context.Context, pc *PendingContact) (callID string, err error)
}

// campaignState is the in-memory dial state of one registered campaign.
type campaignState struct {
	maxConcurrent  int
	callsPerMinute int // 0 = unlimited

	active     map[string]bool
	reserved   int
	timestamps []time.Time

	initiated int64
	completed int64
	failed    int64
}

// prune drops rate-window timestamps older than 60 s.
func (cs *campaignState) prune(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(cs.timestamps) && cs.timestamps[i].Before(cutoff) {
		i++
	}
	cs.timestamps = cs.timestamps[i:]
}

// CampaignStats is a read-only snapshot of one campaign's dial state.
type CampaignStats struct {
	CampaignID  int64 `json:"campaign_id"`
	ActiveCalls int   `json:"active_calls"`
	Initiated   int64 `json:"initiated"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
}

// ManagerSnapshot is a read-only snapshot of the manager's state.
type ManagerSnapshot struct {
	ActiveCalls  int             `json:"active_calls"`
	QueueDepth   int             `json:"queue_depth"`
	Backpressure bool            `json:"backpressure"`
	Campaigns    []CampaignStats `json:"campaigns"`
}

// Manager enforces the dial caps: a global concurrency ceiling, a
// per-campaign concurrency ceiling, and a per-campaign 60 s sliding-rate
// cap. All state lives behind one mutex; the initiator is invoked with the
// mutex released.
type Manager struct {
	cfg     config.ManagerConfig
	starter CallStarter
	events  *bus.Bus
	logger  *slog.Logger

	// limiter paces global call starts when calls-per-second is set.
	limiter *rate.Limiter

	mu           sync.Mutex
	queue        []*PendingContact
	campaigns    map[int64]*campaignState
	callCampaign map[string]int64
}

// NewManager creates a call manager. The starter is invoked for each
// dispatched contact.
func NewManager(cfg config.ManagerConfig, starter CallStarter, events *bus.Bus, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:          cfg,
		starter:      starter,
		events:       events,
		logger:       logger.With("subsystem", "call_manager"),
		campaigns:    make(map[int64]*campaignState),
		callCampaign: make(map[string]int64),
	}
	if cfg.CallsPerSecond > 0 {
		burst := int(cfg.CallsPerSecond)
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), burst)
	}
	return m
}

// Run drives the dispatch loop until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.DispatchIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("dispatch loop started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("dispatch loop stopped")
			return
		case <-ticker.C:
			m.dispatchOnce(ctx)
		}
	}
}

// RegisterCampaign makes a campaign eligible for dispatch.
func (m *Manager) RegisterCampaign(id int64, maxConcurrent int, callsPerMinute int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[id]; ok {
		return
	}
	m.campaigns[id] = &campaignState{
		maxConcurrent:  maxConcurrent,
		callsPerMinute: callsPerMinute,
		active:         make(map[string]bool),
	}
	m.logger.Info("campaign registered",
		"campaign_id", id,
		"max_concurrent", maxConcurrent,
		"calls_per_minute", callsPerMinute,
	)
}

// UnregisterCampaign removes a campaign, dropping its queued contacts and
// call mappings. In-flight calls are cancelled by their owner.
func (m *Manager) UnregisterCampaign(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.queue[:0]
	for _, pc := range m.queue {
		if pc.CampaignID != id {
			kept = append(kept, pc)
		}
	}
	m.queue = kept

	for callID, campaignID := range m.callCampaign {
		if campaignID == id {
			delete(m.callCampaign, callID)
		}
	}
	delete(m.campaigns, id)
	m.logger.Info("campaign unregistered", "campaign_id", id)
}

// AddContacts enqueues pending contacts, keeping the queue ordered by
// (priority, scheduled_at).
func (m *Manager) AddContacts(contacts []*PendingContact) {
	if len(contacts) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, contacts...)
	m.sortQueueLocked()
}

func (m *Manager) sortQueueLocked() {
	sort.SliceStable(m.queue, func(i, j int) bool {
		if m.queue[i].Priority != m.queue[j].Priority {
			return m.queue[i].Priority < m.queue[j].Priority
		}
		return m.queue[i].ScheduledAt.Before(m.queue[j].ScheduledAt)
	})
}

// dispatchOnce selects dispatchable contacts under the lock, then starts
// their calls with the lock released.
func (m *Manager) dispatchOnce(ctx context.Context) {
	now := time.Now()
	var batch []*PendingContact

	m.mu.Lock()
	kept := m.queue[:0]
	for _, pc := range m.queue {
		if !m.dispatchableLocked(pc, now) {
			kept = append(kept, pc)
			continue
		}
		if m.limiter != nil && !m.limiter.Allow() {
			kept = append(kept, pc)
			continue
		}
		// Reserve the slot so concurrent end-of-call accounting between
		// selection and start cannot over-admit.
		cs := m.campaigns[pc.CampaignID]
		cs.reserved++
		cs.timestamps = append(cs.timestamps, now)
		batch = append(batch, pc)
	}
	m.queue = kept
	m.mu.Unlock()

	for _, pc := range batch {
		callID, err := m.starter.StartCall(ctx, pc)
		if err != nil {
			m.logger.Warn("call start failed, requeueing",
				"campaign_id", pc.CampaignID,
				"phone", pc.Phone,
				"error", err,
			)
			m.releaseReservation(pc)
			pc.ScheduledAt = time.Now().Add(requeueDelay)
			m.AddContacts([]*PendingContact{pc})
			continue
		}
		m.recordCallStart(pc.CampaignID, callID)
	}
}

// dispatchableLocked checks invariants 1-4 for one queued contact.
func (m *Manager) dispatchableLocked(pc *PendingContact, now time.Time) bool {
	if pc.ScheduledAt.After(now) {
		return false
	}
	cs, ok := m.campaigns[pc.CampaignID]
	if !ok {
		return false
	}
	if m.totalActiveLocked() >= m.cfg.GlobalMaxConcurrent {
		return false
	}
	if len(cs.active)+cs.reserved >= cs.maxConcurrent {
		return false
	}
	if cs.callsPerMinute > 0 {
		cs.prune(now)
		if len(cs.timestamps) >= cs.callsPerMinute {
			return false
		}
	}
	return true
}

func (m *Manager) totalActiveLocked() int {
	total := 0
	for _, cs := range m.campaigns {
		total += len(cs.active) + cs.reserved
	}
	return total
}

// releaseReservation undoes a slot reservation after a failed start. The
// rate-window timestamp stays: a failed attempt still counts toward pacing.
func (m *Manager) releaseReservation(pc *PendingContact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.campaigns[pc.CampaignID]; ok && cs.reserved > 0 {
		cs.reserved--
	}
}

// recordCallStart converts a reservation into an active call.
func (m *Manager) recordCallStart(campaignID int64, callID string) {
	m.mu.Lock()
	cs, ok := m.campaigns[campaignID]
	if ok {
		if cs.reserved > 0 {
			cs.reserved--
		}
		cs.active[callID] = true
		cs.initiated++
		m.callCampaign[callID] = campaignID
	}
	m.mu.Unlock()

	if ok {
		m.events.Publish(bus.TopicCampaignProgress, map[string]any{
			"campaign_id": campaignID,
			"call_id":     callID,
			"kind":        "slot_acquired",
		})
	}
}

// RecordCallEnd releases a call's slot and updates counters.
func (m *Manager) RecordCallEnd(callID string, success bool) {
	m.mu.Lock()
	campaignID, ok := m.callCampaign[callID]
	if ok {
		delete(m.callCampaign, callID)
		if cs, found := m.campaigns[campaignID]; found {
			delete(cs.active, callID)
			if success {
				cs.completed++
			} else {
				cs.failed++
			}
		}
	}
	m.mu.Unlock()

	if ok {
		m.events.Publish(bus.TopicCampaignProgress, map[string]any{
			"campaign_id": campaignID,
			"call_id":     callID,
			"kind":        "slot_released",
			"success":     success,
		})
	}
}

// Backpressure reports whether the queue is past its high-water mark.
func (m *Manager) Backpressure() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) >= queueHighWater
}

// ActiveCalls returns the number of calls currently holding slots.
func (m *Manager) ActiveCalls(campaignID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.campaigns[campaignID]; ok {
		return len(cs.active) + cs.reserved
	}
	return 0
}

// Snapshot returns the manager's current state for the status surface.
func (m *Manager) Snapshot() ManagerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := ManagerSnapshot{
		QueueDepth:   len(m.queue),
		Backpressure: len(m.queue) >= queueHighWater,
	}
	for id, cs := range m.campaigns {
		snap.ActiveCalls += len(cs.active) + cs.reserved
		snap.Campaigns = append(snap.Campaigns, CampaignStats{
			CampaignID:  id,
			ActiveCalls: len(cs.active) + cs.reserved,
			Initiated:   cs.initiated,
			Completed:   cs.completed,
			Failed:      cs.failed,
		})
	}
	sort.Slice(snap.Campaigns, func(i, j int) bool {
		return snap.Campaigns[i].CampaignID < snap.Campaigns[j].CampaignID
	})
	return snap
}
