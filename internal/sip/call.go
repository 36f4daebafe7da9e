package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
	"github.com/looplab/fsm"
)

// Call states. A call moves strictly forward: idle through calling and
// ringing to answered, then ended; any pre-answer failure lands in failed.
const (
	CallStateIdle     = "idle"
	CallStateCalling  = "calling"
	CallStateRinging  = "ringing"
	CallStateAnswered = "answered"
	CallStateEnded    = "ended"
	CallStateFailed   = "failed"
)

// fsm event names.
const (
	eventDial   = "dial"
	eventRing   = "ring"
	eventAnswer = "answer"
	eventHangup = "hangup"
	eventFail   = "fail"
)

// Hangup causes recorded on call completion.
const (
	CauseCompleted  = "completed"
	CauseBusy       = "busy"
	CauseDeclined   = "declined"
	CauseNotFound   = "not_found"
	CauseNoAnswer   = "no_answer"
	CauseCongestion = "congestion"
	CauseFailed     = "failed"
	CauseCancelled  = "cancelled"
)

// causeForStatus maps a final non-2xx INVITE response to a hangup cause.
func causeForStatus(code int) string {
	switch {
	case code == 486 || code == 600:
		return CauseBusy
	case code == 603:
		return CauseDeclined
	case code == 404:
		return CauseNotFound
	case code == 408 || code == 480 || code == 487:
		return CauseNoAnswer
	case code >= 500 && code < 600:
		return CauseCongestion
	default:
		return CauseFailed
	}
}

// Answer holds what the dialog layer knows once a call is picked up.
type Answer struct {
	SDP        []byte
	AnsweredAt time.Time
}

// DialError is a final non-2xx outcome of an INVITE.
type DialError struct {
	StatusCode int
	Reason     string
	Cause      string
}

func (e *DialError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("call failed: %s", e.Cause)
	}
	return fmt.Sprintf("call failed: %d %s (%s)", e.StatusCode, e.Reason, e.Cause)
}

// Call is one outbound dialog. Dial drives it to answered or a final
// failure; Hangup (or the remote side's BYE) ends it. The zero value is
// not usable; create calls with NewCall.
type Call struct {
	id        string
	sipCallID string
	ua        *UserAgent
	logger    *slog.Logger
	machine   *fsm.FSM

	mu        sync.Mutex
	inviteReq *sip.Request
	finalRes  *sip.Response
	ringingAt *time.Time

	onRinging func()

	// done is closed exactly once when the call reaches ended or failed.
	done     chan struct{}
	doneOnce sync.Once
}

// NewCall creates an idle call owned by the user agent.
func NewCall(ua *UserAgent, logger *slog.Logger) *Call {
	c := &Call{
		id:        uuid.NewString(),
		sipCallID: uuid.NewString(),
		ua:        ua,
		done:      make(chan struct{}),
	}
	c.logger = logger.With("subsystem", "call", "call_id", c.id)

	c.machine = fsm.NewFSM(
		CallStateIdle,
		fsm.Events{
			{Name: eventDial, Src: []string{CallStateIdle}, Dst: CallStateCalling},
			{Name: eventRing, Src: []string{CallStateCalling}, Dst: CallStateRinging},
			{Name: eventAnswer, Src: []string{CallStateCalling, CallStateRinging}, Dst: CallStateAnswered},
			{Name: eventHangup, Src: []string{CallStateAnswered}, Dst: CallStateEnded},
			{Name: eventFail, Src: []string{CallStateIdle, CallStateCalling, CallStateRinging}, Dst: CallStateFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.logger.Debug("call state changed", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return c
}

// ID returns the engine-level call identifier.
func (c *Call) ID() string { return c.id }

// SIPCallID returns the SIP Call-ID header value used for this dialog.
func (c *Call) SIPCallID() string { return c.sipCallID }

// State returns the current dialog state.
func (c *Call) State() string { return c.machine.Current() }

// Done is closed when the call reaches a terminal state, whether by local
// hangup, remote BYE, or failure.
func (c *Call) Done() <-chan struct{} { return c.done }

// OnRinging registers a callback fired on the first provisional ringing
// response. Must be set before Dial.
func (c *Call) OnRinging(fn func()) { c.onRinging = fn }

// RingingAt returns when the first ringing response arrived, if any.
func (c *Call) RingingAt() *time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ringingAt
}

// fire runs an fsm event, tolerating no-op transitions.
func (c *Call) fire(event string) {
	if err := c.machine.Event(context.Background(), event); err != nil {
		c.logger.Debug("ignored state transition", "event", event, "state", c.machine.Current(), "error", err)
	}
}

// finish moves the call to its terminal state and closes done.
func (c *Call) finish(event string) {
	c.fire(event)
	c.ua.untrack(c)
	c.doneOnce.Do(func() { close(c.done) })
}

// Dial sends the INVITE carrying the SDP offer to the given number via the
// PBX and blocks until the call is answered, fails, or the ring timeout
// elapses (in which case the INVITE is cancelled and the error cause is
// no_answer). On success the call is in the answered state and the ACK has
// been sent.
func (c *Call) Dial(ctx context.Context, toNumber string, sdpOffer []byte, ringTimeout time.Duration) (*Answer, error) {
	recipientStr := fmt.Sprintf("sip:%s@%s:%d", toNumber, c.ua.cfg.Server, c.ua.cfg.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return nil, fmt.Errorf("parsing destination uri: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(c.ua.Transport())
	req.AppendHeader(sip.NewHeader("Call-ID", c.sipCallID))
	req.SetBody(sdpOffer)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	c.mu.Lock()
	c.inviteReq = req
	c.mu.Unlock()

	c.ua.track(c)
	c.fire(eventDial)
	c.logger.Info("dialing", "to", toNumber)

	dialCtx := ctx
	var cancelDial context.CancelFunc
	if ringTimeout > 0 {
		dialCtx, cancelDial = context.WithTimeout(ctx, ringTimeout)
		defer cancelDial()
	}

	tx, err := c.ua.Client().TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		c.finish(eventFail)
		return nil, fmt.Errorf("sending invite: %w", err)
	}

	answer, dialErr := c.awaitAnswer(dialCtx, req, tx)
	if dialErr != nil {
		// Ring timeout or caller cancellation before a final response:
		// CANCEL the pending INVITE.
		if dialErr.Cause == CauseCancelled || dialErr.Cause == CauseNoAnswer {
			c.sendCancel(req)
		}
		tx.Terminate()
		c.finish(eventFail)
		return nil, dialErr
	}
	return answer, nil
}

// awaitAnswer consumes responses on the INVITE transaction until a final
// outcome, following one digest challenge if issued.
func (c *Call) awaitAnswer(ctx context.Context, req *sip.Request, tx sip.ClientTransaction) (*Answer, *DialError) {
	challenged := false

	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			cause := CauseCancelled
			if ctx.Err() == context.DeadlineExceeded {
				cause = CauseNoAnswer
			}
			return nil, &DialError{Cause: cause}
		case <-tx.Done():
			return nil, &DialError{Cause: CauseFailed, Reason: fmt.Sprintf("transaction ended: %v", tx.Err())}
		case res = <-tx.Responses():
		}

		c.logger.Debug("invite response", "status", res.StatusCode, "reason", res.Reason)

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode == 180 || res.StatusCode == 183:
			if c.State() == CallStateCalling {
				now := time.Now()
				c.mu.Lock()
				c.ringingAt = &now
				c.mu.Unlock()
				c.fire(eventRing)
				if c.onRinging != nil {
					c.onRinging()
				}
			}

		case res.StatusCode == 401 || res.StatusCode == 407:
			if challenged {
				return nil, &DialError{StatusCode: res.StatusCode, Reason: res.Reason, Cause: CauseFailed}
			}
			challenged = true
			tx.Terminate()

			authReq, authTx, err := c.resendWithAuth(ctx, req, res)
			if err != nil {
				return nil, &DialError{Cause: CauseFailed, Reason: err.Error()}
			}
			req = authReq
			tx = authTx
			c.mu.Lock()
			c.inviteReq = authReq
			c.mu.Unlock()

		case res.StatusCode >= 200 && res.StatusCode < 300:
			ack := buildACKFor2xx(req, res)
			if err := c.ua.Client().WriteRequest(ack); err != nil {
				tx.Terminate()
				return nil, &DialError{Cause: CauseFailed, Reason: fmt.Sprintf("sending ack: %v", err)}
			}
			c.mu.Lock()
			c.finalRes = res
			c.mu.Unlock()
			c.fire(eventAnswer)
			c.logger.Info("call answered")
			return &Answer{SDP: res.Body(), AnsweredAt: time.Now()}, nil

		case res.StatusCode >= 300:
			return nil, &DialError{
				StatusCode: res.StatusCode,
				Reason:     res.Reason,
				Cause:      causeForStatus(res.StatusCode),
			}
		}
	}
}

// resendWithAuth answers a 401/407 challenge on the INVITE.
func (c *Call) resendWithAuth(ctx context.Context, req *sip.Request, challenge *sip.Response) (*sip.Request, sip.ClientTransaction, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, nil, fmt.Errorf("received %d but no %s header", challenge.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: c.ua.cfg.Username,
		Password: c.ua.cfg.Password,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := c.ua.Client().TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("sending authenticated invite: %w", err)
	}
	return authReq, tx, nil
}

// sendCancel aborts a pending INVITE before a final response.
func (c *Call) sendCancel(inviteReq *sip.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := c.ua.Client().TransactionRequest(ctx, buildCANCEL(inviteReq), sipgo.ClientRequestBuild)
	if err != nil {
		c.logger.Warn("failed to send cancel", "error", err)
		return
	}
	tx.Terminate()
	c.logger.Debug("cancel sent")
}

// buildCANCEL constructs the CANCEL for a pending INVITE: same
// Request-URI, Call-ID, From, To and top Via (including the branch) as
// the INVITE, and the INVITE's CSeq number with the method changed to
// CANCEL.
func buildCANCEL(inviteReq *sip.Request) *sip.Request {
	cancelReq := sip.NewRequest(sip.CANCEL, inviteReq.Recipient)
	cancelReq.SipVersion = inviteReq.SipVersion

	if h := inviteReq.Via(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := cancelReq.CSeq(); cseq != nil {
		cseq.MethodName = sip.CANCEL
	}

	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	cancelReq.SetTransport(inviteReq.Transport())
	cancelReq.SetSource(inviteReq.Source())

	return cancelReq
}

// Hangup terminates the call. An answered call gets a BYE; a call still
// being set up cannot be hung up here (cancel it by cancelling Dial's
// context). Safe to call on an already-ended call.
func (c *Call) Hangup(ctx context.Context) error {
	if c.State() != CallStateAnswered {
		return nil
	}

	c.mu.Lock()
	req := c.inviteReq
	res := c.finalRes
	c.mu.Unlock()

	bye := buildBYE(req, res)
	tx, err := c.ua.Client().TransactionRequest(ctx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		c.finish(eventHangup)
		return fmt.Errorf("sending bye: %w", err)
	}

	byeRes, err := getResponse(ctx, tx)
	tx.Terminate()
	c.finish(eventHangup)
	if err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	if byeRes.StatusCode != 200 {
		c.logger.Warn("bye rejected", "status", byeRes.StatusCode)
	}
	c.logger.Info("call hung up")
	return nil
}

// remoteHangup handles a BYE from the far end.
func (c *Call) remoteHangup() {
	c.finish(eventHangup)
}

// buildACKFor2xx constructs the ACK for a 2xx INVITE response. The
// Request-URI comes from the response Contact, From from the INVITE, To
// from the response (with the remote tag), and the CSeq keeps the INVITE's
// sequence number with the method changed to ACK.
func buildACKFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}

// buildBYE constructs the in-dialog BYE for an established call: same
// dialog identifiers as the INVITE (Call-ID, From with our tag, To with
// the remote tag), the INVITE's CSeq number incremented, and the remote
// target from the response Contact.
func buildBYE(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, bye)
	}

	if h := inviteReq.From(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRes.To(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := bye.CSeq(); cseq != nil {
		cseq.SeqNo++
		cseq.MethodName = sip.BYE
	}

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(inviteReq.Transport())
	bye.SetSource(inviteReq.Source())

	return bye
}
