package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/dialcast/dialcast/internal/config"
)

// RegistrationStatus is the registrar client's externally visible state.
type RegistrationStatus string

const (
	StatusUnregistered RegistrationStatus = "unregistered"
	StatusRegistering  RegistrationStatus = "registering"
	StatusRegistered   RegistrationStatus = "registered"
	StatusFailed       RegistrationStatus = "failed"
)

// Retry delays after a failed registration: a quick first retry, then a
// slow steady cadence.
const (
	firstRetryDelay  = 5 * time.Second
	steadyRetryDelay = 60 * time.Second
)

// ErrRegistrationRejected marks a permanent registration failure (bad
// credentials or unknown account). The refresh loop stops on it.
var ErrRegistrationRejected = errors.New("registration rejected by pbx")

// RegistrationState is a snapshot of the registrar client's state.
type RegistrationState struct {
	Status       RegistrationStatus
	LastError    string
	RetryAttempt int
	RegisteredAt *time.Time
	ExpiresAt    *time.Time
}

// Registrar maintains the engine's registration with the upstream PBX:
// initial REGISTER with digest auth, refresh at 80% of the granted expiry,
// and retry on transient failure.
type Registrar struct {
	ua       *UserAgent
	cfg      config.SIPConfig
	logger   *slog.Logger
	onChange func(RegistrationState)

	mu    sync.RWMutex
	state RegistrationState

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistrar creates a registrar client for the configured PBX.
func NewRegistrar(ua *UserAgent, cfg config.SIPConfig, logger *slog.Logger) *Registrar {
	return &Registrar{
		ua:     ua,
		cfg:    cfg,
		logger: logger.With("subsystem", "registrar"),
		state:  RegistrationState{Status: StatusUnregistered},
		done:   make(chan struct{}),
	}
}

// OnStatusChange registers a callback invoked on every state transition.
// Must be set before Start.
func (r *Registrar) OnStatusChange(fn func(RegistrationState)) {
	r.onChange = fn
}

// State returns a snapshot of the current registration state.
func (r *Registrar) State() RegistrationState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Start performs the initial registration synchronously and, on success,
// launches the background refresh loop. A permanent rejection (403/404)
// returns ErrRegistrationRejected; transient failures are retried within
// ctx before giving up.
func (r *Registrar) Start(ctx context.Context) error {
	r.setStatus(StatusRegistering, "", 0)

	attempt := 0
	for {
		granted, err := r.sendRegister(ctx, r.cfg.RegisterExpires)
		if err == nil {
			r.registered(granted)
			loopCtx, cancel := context.WithCancel(context.Background())
			r.cancel = cancel
			go r.refreshLoop(loopCtx, granted)
			return nil
		}

		if errors.Is(err, ErrRegistrationRejected) {
			r.setStatus(StatusFailed, err.Error(), attempt)
			return err
		}
		if ctx.Err() != nil {
			r.setStatus(StatusFailed, err.Error(), attempt)
			return fmt.Errorf("initial registration: %w", err)
		}

		delay := retryDelay(attempt)
		attempt++
		r.logger.Error("registration failed, retrying",
			"error", err,
			"attempt", attempt,
			"retry_in", delay.String(),
		)
		r.setStatus(StatusFailed, err.Error(), attempt)

		select {
		case <-ctx.Done():
			return fmt.Errorf("initial registration: %w", err)
		case <-time.After(delay):
		}
	}
}

// Stop cancels the refresh loop and sends a best-effort un-register.
func (r *Registrar) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done

	if r.State().Status == StatusRegistered {
		unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := r.sendRegister(unregCtx, 0); err != nil {
			r.logger.Warn("failed to un-register", "error", err)
		}
	}
	r.setStatus(StatusUnregistered, "", 0)
	r.logger.Info("registrar stopped")
}

// refreshLoop re-registers at 80% of the granted expiry and retries on
// transient failure. A permanent rejection ends the loop.
func (r *Registrar) refreshLoop(ctx context.Context, granted int) {
	defer close(r.done)

	attempt := 0
	for {
		// Refresh before expiry; 80% of the granted window leaves room
		// for network delays.
		wait := time.Duration(float64(granted)*0.8) * time.Second
		if r.State().Status != StatusRegistered {
			wait = retryDelay(attempt)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		newGranted, err := r.sendRegister(ctx, r.cfg.RegisterExpires)
		switch {
		case err == nil:
			attempt = 0
			granted = newGranted
			r.registered(granted)
		case errors.Is(err, ErrRegistrationRejected):
			r.logger.Error("registration permanently rejected, stopping refresh", "error", err)
			r.setStatus(StatusFailed, err.Error(), attempt)
			return
		case ctx.Err() != nil:
			return
		default:
			attempt++
			r.logger.Error("re-registration failed",
				"error", err,
				"attempt", attempt,
				"retry_in", retryDelay(attempt-1).String(),
			)
			r.setStatus(StatusFailed, err.Error(), attempt)
		}
	}
}

// sendRegister sends one REGISTER, following a digest challenge if the
// PBX issues one. It returns the server-granted expiry.
func (r *Registrar) sendRegister(ctx context.Context, expiry int) (int, error) {
	recipientStr := r.ua.ServerURI()
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(r.ua.Transport())

	aor := fmt.Sprintf("<sip:%s@%s>", r.cfg.Username, r.cfg.Server)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))

	contactURI := fmt.Sprintf("<sip:%s@%s:%d>", r.cfg.Username, r.ua.ua.Hostname(), r.cfg.LocalPort)
	req.AppendHeader(sip.NewHeader("Contact", contactURI))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := r.ua.Client().TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = r.answerChallenge(ctx, req, res, recipientStr)
		if err != nil {
			return 0, err
		}
	}

	switch {
	case res.StatusCode == 200:
		// fall through to expiry parsing below
	case res.StatusCode == 403 || res.StatusCode == 404:
		return 0, fmt.Errorf("%w: %d %s", ErrRegistrationRejected, res.StatusCode, res.Reason)
	default:
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	// The registrar may shorten the requested expiry (RFC 3261 §10.2.4).
	// Prefer the Contact expires param, then the Expires header.
	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed, err := strconv.Atoi(strings.TrimSpace(expiresHdr.Value())); err == nil && parsed > 0 {
			granted = parsed
		}
	}
	return granted, nil
}

// answerChallenge recomputes the request with digest credentials after a
// 401/407 and returns the final response.
func (r *Registrar) answerChallenge(ctx context.Context, req *sip.Request, challenge *sip.Response, uri string) (*sip.Response, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, fmt.Errorf("received %d but no %s header", challenge.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: r.cfg.Username,
		Password: r.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := r.ua.Client().TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, fmt.Errorf("sending authenticated register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return nil, fmt.Errorf("waiting for authenticated register response: %w", err)
	}
	return res, nil
}

// registered updates state after a successful registration.
func (r *Registrar) registered(granted int) {
	now := time.Now()
	expiresAt := now.Add(time.Duration(granted) * time.Second)

	r.mu.Lock()
	r.state = RegistrationState{
		Status:       StatusRegistered,
		RegisteredAt: &now,
		ExpiresAt:    &expiresAt,
	}
	state := r.state
	r.mu.Unlock()

	r.logger.Info("registered with pbx", "expires_in", granted)
	if r.onChange != nil {
		r.onChange(state)
	}
}

// setStatus updates state and notifies the status callback.
func (r *Registrar) setStatus(status RegistrationStatus, lastErr string, attempt int) {
	r.mu.Lock()
	r.state.Status = status
	r.state.LastError = lastErr
	r.state.RetryAttempt = attempt
	if status != StatusRegistered {
		r.state.RegisteredAt = nil
		r.state.ExpiresAt = nil
	}
	state := r.state
	r.mu.Unlock()

	if r.onChange != nil {
		r.onChange(state)
	}
}

// retryDelay returns the wait before retry n (0-based): 5 s for the first
// retry, then 60 s.
func retryDelay(attempt int) time.Duration {
	if attempt == 0 {
		return firstRetryDelay
	}
	return steadyRetryDelay
}

// parseContactExpires extracts the expires parameter from a Contact header
// value such as "<sip:user@host>;expires=3600". Returns 0 if absent.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}
