// Package sip implements the engine's SIP user agent: registration
// against the upstream PBX and outbound call dialogs.
package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/dialcast/dialcast/internal/config"
	"github.com/dialcast/dialcast/internal/media"
)

// UserAgent owns the sipgo stack: one UA, one server for in-dialog
// requests from the PBX (BYE, INFO, OPTIONS), and one client for
// everything the engine originates. Active calls register themselves by
// SIP Call-ID so inbound in-dialog requests can be routed to them.
type UserAgent struct {
	cfg    config.SIPConfig
	logger *slog.Logger

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	// onInfoDigit receives DTMF digits arriving via SIP INFO fallback.
	onInfoDigit func(sipCallID, digit string)

	mu    sync.RWMutex
	calls map[string]*Call // keyed by SIP Call-ID
}

// NewUserAgent builds the sipgo stack. Serve must be called to start
// listening before any call can receive in-dialog requests.
func NewUserAgent(cfg config.SIPConfig, mediaIP string, logger *slog.Logger) (*UserAgent, error) {
	l := logger.With("subsystem", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("dialcast"),
		sipgo.WithUserAgentHostname(mediaIP),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	server, err := sipgo.NewServer(ua, sipgo.WithServerLogger(l))
	if err != nil {
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(l))
	if err != nil {
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	u := &UserAgent{
		cfg:    cfg,
		logger: l,
		ua:     ua,
		server: server,
		client: client,
		calls:  make(map[string]*Call),
	}

	server.OnBye(u.handleBye)
	server.OnInfo(u.handleInfo)
	server.OnOptions(u.handleOptions)

	return u, nil
}

// Client returns the shared SIP client used for outbound requests.
func (u *UserAgent) Client() *sipgo.Client {
	return u.client
}

// Transport returns the configured transport in the upper-case form sipgo
// expects on requests.
func (u *UserAgent) Transport() string {
	return strings.ToUpper(u.cfg.Transport)
}

// ServerURI returns the PBX address as a SIP URI string.
func (u *UserAgent) ServerURI() string {
	return fmt.Sprintf("sip:%s:%d", u.cfg.Server, u.cfg.Port)
}

// OnInfoDigit registers the callback for DTMF digits received via SIP
// INFO. Must be set before Serve.
func (u *UserAgent) OnInfoDigit(fn func(sipCallID, digit string)) {
	u.onInfoDigit = fn
}

// Serve starts the SIP listener. It blocks until the context is cancelled.
func (u *UserAgent) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("0.0.0.0:%d", u.cfg.LocalPort)
	u.logger.Info("sip listener starting", "addr", addr, "transport", u.cfg.Transport)
	return u.server.ListenAndServe(ctx, u.cfg.Transport, addr)
}

// Close shuts down the sipgo stack.
func (u *UserAgent) Close() error {
	u.client.Close()
	return u.ua.Close()
}

// track registers an active call for in-dialog request routing.
func (u *UserAgent) track(c *Call) {
	u.mu.Lock()
	u.calls[c.SIPCallID()] = c
	u.mu.Unlock()
}

// untrack removes a finished call.
func (u *UserAgent) untrack(c *Call) {
	u.mu.Lock()
	delete(u.calls, c.SIPCallID())
	u.mu.Unlock()
}

// lookup finds the active call for a SIP Call-ID.
func (u *UserAgent) lookup(sipCallID string) (*Call, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	c, ok := u.calls[sipCallID]
	return c, ok
}

// CallBySIPID finds the active call for a SIP Call-ID.
func (u *UserAgent) CallBySIPID(sipCallID string) (*Call, bool) {
	return u.lookup(sipCallID)
}

// ActiveCalls returns the number of calls currently tracked.
func (u *UserAgent) ActiveCalls() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.calls)
}

// handleBye processes a remote hangup for an active dialog.
func (u *UserAgent) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		u.logger.Warn("failed to respond to bye", "call_id", callID, "error", err)
	}

	if call, ok := u.lookup(callID); ok {
		u.logger.Info("remote hangup received", "call_id", callID)
		call.remoteHangup()
	} else {
		u.logger.Debug("bye for unknown dialog", "call_id", callID)
	}
}

// handleInfo processes SIP INFO requests, accepting DTMF relay bodies as
// the fallback digit path.
func (u *UserAgent) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	contentType := ""
	if ct := req.ContentType(); ct != nil {
		contentType = ct.Value()
	}

	info, err := media.ParseSIPInfoDTMF(contentType, req.Body())
	if err != nil {
		u.logger.Debug("ignoring non-dtmf info request",
			"call_id", callID,
			"content_type", contentType,
		)
		res := sip.NewResponseFromRequest(req, 415, "Unsupported Media Type", nil)
		if err := tx.Respond(res); err != nil {
			u.logger.Warn("failed to respond to info", "call_id", callID, "error", err)
		}
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		u.logger.Warn("failed to respond to info", "call_id", callID, "error", err)
	}

	u.logger.Debug("dtmf via sip info", "call_id", callID, "digit", info.Signal)
	if u.onInfoDigit != nil {
		u.onInfoDigit(callID, info.Signal)
	}
}

// handleOptions answers keepalive pings from the PBX.
func (u *UserAgent) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
	if err := tx.Respond(res); err != nil {
		u.logger.Warn("failed to respond to options", "error", err)
	}
}

// getResponse waits for the first response from a SIP client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}
