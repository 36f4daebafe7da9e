package dialer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pion/rtp"

	"github.com/dialcast/dialcast/internal/bus"
	"github.com/dialcast/dialcast/internal/config"
	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/dialcast/dialcast/internal/ivr"
	"github.com/dialcast/dialcast/internal/media"
	sipua "github.com/dialcast/dialcast/internal/sip"
)

// maxCallDuration caps a single conversation.
const maxCallDuration = time.Hour

// AMD actions configured per campaign.
const (
	AMDActionIVR       = "ivr"
	AMDActionHangup    = "hangup"
	AMDActionVoicemail = "voicemail"
)

// CallOutcome is everything the engine knows about a finished call. It
// feeds the retry policy, the persistence worker, and the call.ended
// event.
type CallOutcome struct {
	CallID            string
	CampaignID        int64
	CampaignContactID int64
	ContactID         int64
	Phone             string
	Attempts          int
	Campaign          *models.Campaign

	State       string
	Disposition string
	HangupCause string
	AMDResult   string

	StartedAt  time.Time
	RingingAt  *time.Time
	AnsweredAt *time.Time
	EndedAt    time.Time

	IVR          *ivr.Result
	OptedOut     bool
	OptOutReason string
}

// Answered reports whether the far end picked up.
func (o *CallOutcome) Answered() bool { return o.AnsweredAt != nil }

// Initiator runs one full call: SIP dialog, RTP media, AMD, and IVR. Its
// StartCall returns as soon as the call goroutine is launched; completion
// is reported through the onEnd callback.
type Initiator struct {
	cfg     *config.Config
	ua      *sipua.UserAgent
	alloc   *media.PortAllocator
	router  *media.DigitRouter
	prompts *PromptCache
	events  *bus.Bus
	logger  *slog.Logger

	// onEnd receives the outcome of every call, successful or not.
	onEnd func(*CallOutcome)
}

// NewInitiator creates a call initiator.
func NewInitiator(cfg *config.Config, ua *sipua.UserAgent, alloc *media.PortAllocator, router *media.DigitRouter, prompts *PromptCache, events *bus.Bus, logger *slog.Logger) *Initiator {
	i := &Initiator{
		cfg:     cfg,
		ua:      ua,
		alloc:   alloc,
		router:  router,
		prompts: prompts,
		events:  events,
		logger:  logger.With("subsystem", "initiator"),
	}
	// SIP INFO digits reach calls through the same router as RFC 2833.
	ua.OnInfoDigit(func(sipCallID, digit string) {
		if call, ok := ua.CallBySIPID(sipCallID); ok {
			router.Route(call.ID(), digit)
		}
	})
	return i
}

// OnCallEnd registers the completion callback. Must be set before the
// first StartCall.
func (i *Initiator) OnCallEnd(fn func(*CallOutcome)) { i.onEnd = fn }

// StartCall allocates media for the contact and launches the call
// goroutine. An allocation failure (port exhaustion) is returned to the
// manager for requeueing.
func (i *Initiator) StartCall(ctx context.Context, pc *PendingContact) (string, error) {
	session, err := media.NewSession(i.alloc, i.logger)
	if err != nil {
		return "", fmt.Errorf("allocating media session: %w", err)
	}

	call := sipua.NewCall(i.ua, i.logger)
	go i.runCall(ctx, call, session, pc)
	return call.ID(), nil
}

// runCall drives one call from INVITE to the outcome callback.
func (i *Initiator) runCall(ctx context.Context, call *sipua.Call, session *media.Session, pc *PendingContact) {
	callCtx, cancel := context.WithTimeout(ctx, maxCallDuration)
	defer cancel()

	outcome := &CallOutcome{
		CallID:            call.ID(),
		CampaignID:        pc.CampaignID,
		CampaignContactID: pc.CampaignContactID,
		ContactID:         pc.ContactID,
		Phone:             pc.Phone,
		Attempts:          pc.Attempts,
		Campaign:          pc.Campaign,
		AMDResult:         media.AMDResultUnknown,
		Disposition:       DispositionFailed,
		StartedAt:         time.Now(),
	}
	defer i.finish(call, session, outcome)

	offer, err := media.BuildOffer(i.cfg.MediaIP(), session.LocalPort(), "dialcast")
	if err != nil {
		outcome.HangupCause = "sdp_offer_failed"
		i.logger.Error("building sdp offer failed", "call_id", call.ID(), "error", err)
		return
	}

	i.publishCall(bus.TopicCallInitiated, outcome, nil)
	call.OnRinging(func() {
		now := time.Now()
		outcome.RingingAt = &now
		i.publishCall(bus.TopicCallRinging, outcome, nil)
	})

	ringTimeout := time.Duration(pc.Campaign.RingTimeoutSeconds) * time.Second
	if ringTimeout <= 0 {
		ringTimeout = time.Duration(i.cfg.SIP.RingTimeout) * time.Second
	}

	answer, err := call.Dial(callCtx, pc.Phone, offer, ringTimeout)
	if err != nil {
		outcome.State = call.State()
		outcome.Disposition, outcome.HangupCause = dialFailure(err)
		i.logger.Info("call not answered",
			"call_id", call.ID(),
			"phone", pc.Phone,
			"cause", outcome.HangupCause,
		)
		return
	}
	outcome.AnsweredAt = &answer.AnsweredAt

	jitter, err := i.setupMedia(callCtx, call, session, answer.SDP)
	if err != nil {
		outcome.HangupCause = "media_setup_failed"
		i.logger.Error("media setup failed", "call_id", call.ID(), "error", err)
		return
	}
	i.publishCall(bus.TopicCallAnswered, outcome, nil)

	// Remote BYE cancels everything downstream.
	go func() {
		select {
		case <-call.Done():
			cancel()
		case <-callCtx.Done():
		}
	}()

	digits := i.router.Open(call.ID())
	sess := &callSession{
		call:    call,
		player:  media.NewPlayer(session, i.logger),
		prompts: i.prompts,
		digits:  digits,
		outcome: outcome,
	}

	outcome.Disposition = DispositionAnsweredHuman
	if pc.Campaign.AMDEnabled {
		if proceed := i.runAMD(callCtx, call, sess, jitter, pc.Campaign, outcome); !proceed {
			return
		}
	}

	if pc.Campaign.GreetingAudioID != nil {
		if _, err := sess.PlayPrompt(callCtx, *pc.Campaign.GreetingAudioID, ""); err != nil && callCtx.Err() == nil {
			i.logger.Warn("greeting playback failed", "call_id", call.ID(), "error", err)
		}
	}

	exec := ivr.NewExecutor(sess, sess, ivr.Options{
		DefaultDTMFTimeout: time.Duration(i.cfg.IVR.DefaultDTMFTimeout) * time.Second,
		DefaultMaxRetries:  i.cfg.IVR.MaxMenuRetries,
	}, i.logger)
	exec.OnNode(func(nodeID, nodeType string) {
		i.publishCall(bus.TopicCallIVRProgress, outcome, map[string]any{
			"node_id":   nodeID,
			"node_type": nodeType,
		})
	})

	result := exec.Run(callCtx, pc.Flow, pc.Variables)
	outcome.IVR = result
	outcome.OptedOut = result.OptedOut
	if result.OptedOut {
		outcome.Disposition = DispositionOptOut
		outcome.OptOutReason = sess.optOutReason
	}
}

// setupMedia parses the SDP answer, points the session at the far end,
// and wires the inbound packet path: RFC 2833 digits to the router and
// decoded audio to the jitter buffer feeding AMD.
func (i *Initiator) setupMedia(ctx context.Context, call *sipua.Call, session *media.Session, answerSDP []byte) (*media.JitterBuffer, error) {
	info, err := media.ParseAnswer(answerSDP)
	if err != nil {
		return nil, fmt.Errorf("parsing sdp answer: %w", err)
	}
	pt, err := media.SelectPayloadType(info, i.cfg.CodecList())
	if err != nil {
		return nil, fmt.Errorf("negotiating codec: %w", err)
	}
	if err := session.SetRemote(info.Address, info.Port); err != nil {
		return nil, fmt.Errorf("setting remote endpoint: %w", err)
	}
	session.SetPayloadType(pt)

	decoder := &media.TelephoneEventDecoder{}
	jitter := media.NewJitterBuffer(0, i.logger)
	callID := call.ID()
	session.OnPacket(func(pkt *rtp.Packet) {
		if digit, ok := decoder.Feed(pkt); ok {
			i.router.Route(callID, digit)
			return
		}
		if int(pkt.PayloadType) == pt {
			if pcm, err := media.DecodeFrame(pt, pkt.Payload); err == nil {
				jitter.Write(pcm)
			}
		}
	})
	session.Start(ctx)
	return jitter, nil
}

// runAMD analyzes the answered audio and applies the campaign's AMD
// action. It returns false when the call should end without running the
// IVR flow.
func (i *Initiator) runAMD(ctx context.Context, call *sipua.Call, sess *callSession, jitter *media.JitterBuffer, campaign *models.Campaign, outcome *CallOutcome) bool {
	analyzer := media.NewAMDAnalyzer(media.AMDConfig{
		Timeout:          time.Duration(i.cfg.AMD.TimeoutSeconds) * time.Second,
		VoiceThreshold:   i.cfg.AMD.VoiceThreshold,
		SilenceThreshold: i.cfg.AMD.SilenceThreshold,
		MinEnergy:        i.cfg.AMD.MinEnergy,
	}, i.logger)

	// Wall deadline slightly past the analysis window to cover packet
	// loss at the start of the call.
	deadline := time.Now().Add(time.Duration(i.cfg.AMD.TimeoutSeconds)*time.Second + 2*time.Second)
	ticker := time.NewTicker(media.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		if pcm := jitter.Read(media.SamplesPerFrame); len(pcm) > 0 {
			if analyzer.Feed(pcm) {
				break
			}
		}
		if time.Now().After(deadline) {
			break
		}
	}

	result := analyzer.Decide()
	outcome.AMDResult = result.Verdict
	i.publishCall(bus.TopicCallAMD, outcome, map[string]any{
		"verdict":        result.Verdict,
		"confidence":     result.Confidence,
		"speaking_ratio": result.SpeakingRatio,
		"beep":           result.BeepDetected,
	})
	i.logger.Info("amd verdict",
		"call_id", call.ID(),
		"verdict", result.Verdict,
		"confidence", result.Confidence,
	)

	machine := result.Verdict == media.AMDResultMachine ||
		result.Verdict == media.AMDResultBeep ||
		result.Verdict == media.AMDResultSilence

	action := campaign.AMDActionHuman
	if machine {
		action = campaign.AMDActionMachine
		outcome.Disposition = DispositionAnsweredMachine
	}

	switch action {
	case AMDActionVoicemail:
		if campaign.VoicemailAudioID != nil {
			if result.Verdict != media.AMDResultBeep {
				// Give the greeting a moment to finish before the message.
				select {
				case <-ctx.Done():
					return false
				case <-time.After(time.Second):
				}
			}
			if _, err := sess.PlayPrompt(ctx, *campaign.VoicemailAudioID, ""); err != nil && ctx.Err() == nil {
				i.logger.Warn("voicemail drop failed", "call_id", call.ID(), "error", err)
			}
		}
		return false
	case AMDActionHangup:
		return false
	default:
		return true
	}
}

// finish tears the call down, releases media, and reports the outcome.
func (i *Initiator) finish(call *sipua.Call, session *media.Session, outcome *CallOutcome) {
	hangupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := call.Hangup(hangupCtx); err != nil {
		i.logger.Warn("hangup failed", "call_id", call.ID(), "error", err)
	}

	session.Close()
	i.router.Close(call.ID())

	outcome.EndedAt = time.Now()
	outcome.State = call.State()
	if outcome.HangupCause == "" {
		outcome.HangupCause = sipua.CauseCompleted
	}

	i.publishCall(bus.TopicCallEnded, outcome, map[string]any{
		"disposition":  outcome.Disposition,
		"hangup_cause": outcome.HangupCause,
		"duration_ms":  outcome.EndedAt.Sub(outcome.StartedAt).Milliseconds(),
	})

	if i.onEnd != nil {
		i.onEnd(outcome)
	}
}

// publishCall emits a call event with the shared identity fields plus any
// extras.
func (i *Initiator) publishCall(topic string, outcome *CallOutcome, extra map[string]any) {
	payload := map[string]any{
		"call_id":     outcome.CallID,
		"campaign_id": outcome.CampaignID,
		"contact_id":  outcome.ContactID,
		"phone":       outcome.Phone,
	}
	for k, v := range extra {
		payload[k] = v
	}
	i.events.Publish(topic, payload)
}

// dialFailure maps a Dial error to (disposition, hangup cause).
func dialFailure(err error) (string, string) {
	var de *sipua.DialError
	if !errors.As(err, &de) {
		return DispositionFailed, sipua.CauseFailed
	}
	switch de.Cause {
	case sipua.CauseBusy:
		return DispositionBusy, de.Cause
	case sipua.CauseNoAnswer, sipua.CauseCancelled:
		return DispositionNoAnswer, de.Cause
	default:
		return DispositionFailed, de.Cause
	}
}

// callSession adapts one live call's media surface to the IVR executor.
type callSession struct {
	call    *sipua.Call
	player  *media.Player
	prompts *PromptCache
	digits  <-chan string
	outcome *CallOutcome

	optOutReason string
}

// PlayPrompt plays an audio prompt, interruptible by any digit in the
// allow-set.
func (s *callSession) PlayPrompt(ctx context.Context, audioID int64, interruptDigits string) (string, error) {
	prompt, err := s.prompts.Get(ctx, audioID)
	if err != nil {
		return "", err
	}

	if interruptDigits == "" {
		_, err := s.player.Play(ctx, prompt)
		return "", err
	}

	playCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := s.player.Play(playCtx, prompt)
		done <- err
	}()

	for {
		select {
		case err := <-done:
			if err != nil && playCtx.Err() == nil {
				return "", err
			}
			return "", nil
		case digit := <-s.digits:
			if strings.Contains(interruptDigits, digit) {
				cancel()
				<-done
				return digit, nil
			}
			// Digit outside the allow-set is discarded.
		case <-ctx.Done():
			cancel()
			<-done
			return "", ctx.Err()
		}
	}
}

// CollectDigit waits for one digit up to the timeout.
func (s *callSession) CollectDigit(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case digit := <-s.digits:
		return digit, nil
	case <-timer.C:
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Hangup terminates the call on behalf of the flow.
func (s *callSession) Hangup(ctx context.Context) error {
	return s.call.Hangup(ctx)
}

// OptOut records the opt-out reason; the durable DNC entry is written by
// the scheduler when the outcome lands.
func (s *callSession) OptOut(_ context.Context, reason string) error {
	s.optOutReason = reason
	return nil
}

// DTMFInputsJSON renders an outcome's digit list for the call log.
func DTMFInputsJSON(o *CallOutcome) string {
	if o.IVR == nil || len(o.IVR.DTMFInputs) == 0 {
		return "[]"
	}
	data, err := json.Marshal(o.IVR.DTMFInputs)
	if err != nil {
		return "[]"
	}
	return string(data)
}
