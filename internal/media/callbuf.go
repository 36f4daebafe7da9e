package media

import (
	"log/slog"
	"sync"
)

// digitChanSize is the capacity of the per-call digit channel. Generous
// enough that a sender never blocks under normal conditions.
const digitChanSize = 32

// DigitRouter fans DTMF digits from both sources (the RFC 2833 decoder on
// the media path, the SIP INFO handler on the signaling path) into a single
// per-call channel that a DigitBuffer reads from.
//
// Lifecycle per call:
//
//  1. The call handler opens a channel with Open(callID) when the call is
//     answered.
//  2. Both DTMF sources push digits via Route(callID, digit).
//  3. DigitBuffer.Collect reads from the channel during IVR steps.
//  4. The call handler calls Close(callID) on teardown, which closes the
//     channel and unblocks any in-flight collection.
//
// All methods are safe for concurrent use.
type DigitRouter struct {
	logger *slog.Logger

	mu    sync.RWMutex
	calls map[string]chan string
}

// NewDigitRouter creates an empty router.
func NewDigitRouter(logger *slog.Logger) *DigitRouter {
	return &DigitRouter{
		logger: logger.With("subsystem", "digit-router"),
		calls:  make(map[string]chan string),
	}
}

// Open creates the digit channel for a call and returns it. If the call
// already has a channel, the existing one is returned.
func (r *DigitRouter) Open(callID string) <-chan string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.calls[callID]; ok {
		return ch
	}
	ch := make(chan string, digitChanSize)
	r.calls[callID] = ch
	r.logger.Debug("digit channel opened", "call_id", callID)
	return ch
}

// Route delivers a digit to the call's channel. Digits for unknown calls
// are dropped, as are digits when the channel is full; neither may block
// the SIP or RTP receive path.
func (r *DigitRouter) Route(callID, digit string) {
	r.mu.RLock()
	ch, ok := r.calls[callID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case ch <- digit:
		r.logger.Debug("digit routed", "call_id", callID, "digit", digit)
	default:
		r.logger.Warn("digit channel full, digit dropped", "call_id", callID, "digit", digit)
	}
}

// Close removes the call's channel and closes it, unblocking any reader.
// Safe to call for a call that was never opened or already closed.
func (r *DigitRouter) Close(callID string) {
	r.mu.Lock()
	ch, ok := r.calls[callID]
	if ok {
		delete(r.calls, callID)
	}
	r.mu.Unlock()

	if ok {
		close(ch)
		r.logger.Debug("digit channel closed", "call_id", callID)
	}
}

// ActiveCount returns the number of calls with open digit channels.
func (r *DigitRouter) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Shutdown closes every open channel. Used during engine shutdown.
func (r *DigitRouter) Shutdown() {
	r.mu.Lock()
	calls := r.calls
	r.calls = make(map[string]chan string)
	r.mu.Unlock()

	for _, ch := range calls {
		close(ch)
	}
	if len(calls) > 0 {
		r.logger.Info("closed all digit channels", "count", len(calls))
	}
}
