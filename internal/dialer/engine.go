package dialer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dialcast/dialcast/internal/bus"
	"github.com/dialcast/dialcast/internal/config"
	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/dialcast/dialcast/internal/ivr"
	"github.com/dialcast/dialcast/internal/media"
	"github.com/dialcast/dialcast/internal/prompts"
	sipua "github.com/dialcast/dialcast/internal/sip"
)

// Engine is the composition root: it owns the database, the event bus,
// the SIP stack, the media allocator, and the dialing loops, and wires
// call completion back into retry accounting and persistence.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	db     *database.DB
	repos  *database.Repositories
	events *bus.Bus

	ua        *sipua.UserAgent
	registrar *sipua.Registrar
	alloc     *media.PortAllocator
	router    *media.DigitRouter
	prompts   *PromptCache

	initiator *Initiator
	manager   *Manager
	scheduler *Scheduler
	persister *Persister

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// EngineStatus is the status surface exposed over the control API.
type EngineStatus struct {
	UptimeSeconds     int64           `json:"uptime_seconds"`
	Registration      string          `json:"registration"`
	RegistrationError string          `json:"registration_error,omitempty"`
	ActiveSIPDialogs  int             `json:"active_sip_dialogs"`
	AllocatedRTPPorts int             `json:"allocated_rtp_ports"`
	Manager           ManagerSnapshot `json:"manager"`
}

// NewEngine builds every subsystem from the configuration. Nothing runs
// until Start.
func NewEngine(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	repos := database.NewRepositories(db)

	if err := prompts.ExtractToDataDir(cfg.DataDir); err != nil {
		db.Close()
		return nil, err
	}
	if err := prompts.Seed(context.Background(), repos.AudioPrompts, cfg.DataDir); err != nil {
		db.Close()
		return nil, err
	}

	// Mirror the active PBX account into sip_settings so the stored
	// row always reflects the running configuration.
	if err := repos.SIPSettings.Upsert(context.Background(), &models.SIPSettings{
		OrgID:         1,
		Server:        cfg.SIP.Server,
		Port:          cfg.SIP.Port,
		Extension:     cfg.SIP.Username,
		Secret:        cfg.SIP.Password,
		Transport:     cfg.SIP.Transport,
		SRTPMode:      cfg.SIP.SRTPMode,
		RTPPortStart:  cfg.RTP.PortStart,
		RTPPortEnd:    cfg.RTP.PortEnd,
		CodecPriority: cfg.SIP.Codecs,
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("storing sip settings: %w", err)
	}

	events := bus.New(logger)

	alloc, err := media.NewPortAllocator(cfg.RTP.PortStart, cfg.RTP.PortEnd, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating rtp port allocator: %w", err)
	}

	ua, err := sipua.NewUserAgent(cfg.SIP, cfg.MediaIP(), logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With("subsystem", "engine"),
		db:        db,
		repos:     repos,
		events:    events,
		ua:        ua,
		registrar: sipua.NewRegistrar(ua, cfg.SIP, logger),
		alloc:     alloc,
		router:    media.NewDigitRouter(logger),
		prompts:   NewPromptCache(repos.AudioPrompts, logger),
	}

	e.initiator = NewInitiator(cfg, ua, alloc, e.router, e.prompts, events, logger)
	e.manager = NewManager(cfg.Manager, e.initiator, events, logger)
	e.scheduler = NewScheduler(cfg.Scheduler, repos, e.manager, events, logger)
	e.persister = NewPersister(repos.CallLogs, repos.SurveyResponses, logger)

	e.initiator.OnCallEnd(e.handleCallEnd)
	e.registrar.OnStatusChange(func(st sipua.RegistrationState) {
		events.Publish(bus.TopicSIPStatus, map[string]any{
			"status":     string(st.Status),
			"last_error": st.LastError,
			"attempt":    st.RetryAttempt,
		})
	})

	return e, nil
}

// Events returns the engine's event bus.
func (e *Engine) Events() *bus.Bus { return e.events }

// Repositories returns the engine's repository bundle.
func (e *Engine) Repositories() *database.Repositories { return e.repos }

// Start brings the engine up: SIP listener, PBX registration, then the
// dialing loops. A permanent registration rejection is returned as
// sip.ErrRegistrationRejected so the caller can exit distinctly.
func (e *Engine) Start(ctx context.Context) error {
	e.startedAt = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.ua.Serve(runCtx); err != nil && runCtx.Err() == nil {
			e.logger.Error("sip listener failed", "error", err)
		}
	}()

	// Event log sink: every bus event lands in the daemon log, so call
	// and campaign activity is traceable with no API client attached.
	// Subscribed before registration so the first sip.status event is
	// captured too.
	sink := e.events.Subscribe(256)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.events.Unsubscribe(sink)
		logEvents(runCtx, sink, e.logger)
	}()

	if err := e.registrar.Start(ctx); err != nil {
		cancel()
		return err
	}

	for _, loop := range []func(context.Context){
		e.manager.Run,
		e.scheduler.Run,
		e.persister.Run,
	} {
		loop := loop
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			loop(runCtx)
		}()
	}

	e.logger.Info("engine started")
	return nil
}

// Stop shuts the engine down: loops first so no new call starts, then
// registration, the SIP stack, and the database.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	e.registrar.Stop()
	e.router.Shutdown()
	if err := e.ua.Close(); err != nil {
		e.logger.Warn("closing sip stack failed", "error", err)
	}
	if err := e.db.Close(); err != nil {
		e.logger.Warn("closing database failed", "error", err)
	}
	e.logger.Info("engine stopped")
}

// logEvents drains a bus subscription into the log until the context is
// cancelled. Call milestones and SIP status changes log at info, the
// chattier per-node topics at debug.
func logEvents(ctx context.Context, sub *bus.Subscription, logger *slog.Logger) {
	log := logger.With("subsystem", "events")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			attrs := make([]any, 0, 2+2*len(ev.Payload))
			attrs = append(attrs, "topic", ev.Topic)
			for k, v := range ev.Payload {
				attrs = append(attrs, k, v)
			}
			switch ev.Topic {
			case bus.TopicCallAnswered, bus.TopicCallEnded,
				bus.TopicCampaignProgress, bus.TopicSIPStatus:
				log.Info("event", attrs...)
			default:
				log.Debug("event", attrs...)
			}
		}
	}
}

// handleCallEnd fans a finished call out to slot accounting, the retry
// policy, and persistence. It runs on the call goroutine, so database
// work gets its own deadline.
func (e *Engine) handleCallEnd(o *CallOutcome) {
	success := o.Answered()
	e.manager.RecordCallEnd(o.CallID, success)

	// Ad-hoc calls have no contact row to finalize.
	if o.CampaignContactID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		e.scheduler.HandleCallEnd(ctx, o)
		cancel()
	}

	e.persister.Enqueue(o)
}

// Status returns the engine's current status snapshot.
func (e *Engine) Status() EngineStatus {
	st := e.registrar.State()
	return EngineStatus{
		UptimeSeconds:     int64(time.Since(e.startedAt).Seconds()),
		Registration:      string(st.Status),
		RegistrationError: st.LastError,
		ActiveSIPDialogs:  e.ua.ActiveCalls(),
		AllocatedRTPPorts: e.alloc.InUse(),
		Manager:           e.manager.Snapshot(),
	}
}

// Dial places one ad-hoc test call outside any campaign. With a flow id
// the published flow runs after answer; without one the call hangs up
// immediately after connecting. Caps and retry policy do not apply.
func (e *Engine) Dial(ctx context.Context, to string, flowID int64) (string, error) {
	var flow *ivr.Flow
	if flowID > 0 {
		row, err := e.repos.IVRFlows.GetPublished(ctx, flowID)
		if err != nil {
			return "", fmt.Errorf("loading ivr flow: %w", err)
		}
		if row == nil {
			return "", fmt.Errorf("ivr flow %d not found or not published", flowID)
		}
		flow, err = ivr.ParseFlow([]byte(row.FlowData))
		if err != nil {
			return "", fmt.Errorf("parsing ivr flow %d: %w", flowID, err)
		}
	} else {
		flow = &ivr.Flow{
			StartNode: "hangup",
			Nodes: map[string]ivr.Node{
				"hangup": {ID: "hangup", Type: ivr.NodeHangup, Data: map[string]any{}},
			},
		}
	}

	campaign := &models.Campaign{
		Name:           "adhoc " + uuid.NewString()[:8],
		AMDActionHuman: AMDActionIVR,
	}
	pc := &PendingContact{
		Phone:       to,
		Campaign:    campaign,
		Flow:        flow,
		Variables:   map[string]string{"phone": to},
		ScheduledAt: time.Now(),
	}

	callID, err := e.initiator.StartCall(ctx, pc)
	if err != nil {
		return "", err
	}
	e.logger.Info("ad-hoc call started", "call_id", callID, "to", to, "flow_id", flowID)
	return callID, nil
}
