package media

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Default timing constants for DTMF digit collection.
const (
	// DefaultFirstDigitTimeout is the maximum time to wait for the first
	// digit before declaring a timeout.
	DefaultFirstDigitTimeout = 5 * time.Second

	// DefaultInterDigitTimeout is the maximum time to wait between
	// consecutive digits before delivering the collected input.
	DefaultInterDigitTimeout = 3 * time.Second
)

// CollectOptions configures one digit collection operation.
type CollectOptions struct {
	// MaxDigits ends collection once this many digits are buffered.
	// 0 means unlimited.
	MaxDigits int

	// FirstDigitTimeout bounds the wait for the first digit. Zero uses
	// DefaultFirstDigitTimeout.
	FirstDigitTimeout time.Duration

	// InterDigitTimeout bounds the wait between consecutive digits. Zero
	// uses DefaultInterDigitTimeout.
	InterDigitTimeout time.Duration

	// TerminationDigits lists digits that end collection early, e.g. "#".
	// The terminating digit is not included in the collected digits.
	TerminationDigits string
}

// CollectResult holds the outcome of a digit collection operation.
type CollectResult struct {
	// Digits is the collected DTMF input, without any terminating digit.
	Digits string

	// TimedOut is true if the first-digit timeout expired with no input,
	// or the inter-digit timeout expired before MaxDigits was reached.
	// Partial input may still be present in Digits.
	TimedOut bool

	// MaxReached is true if collection ended because MaxDigits was hit.
	MaxReached bool

	// TerminatedBy holds the termination digit that ended collection,
	// empty otherwise.
	TerminatedBy string
}

// DigitBuffer accumulates DTMF digits from a source channel and applies
// the two-phase timeout logic used for multi-digit input: a first-digit
// timeout while the buffer is empty, then an inter-digit timeout between
// key presses. The source is typically the per-call channel fed by the
// RFC 2833 decoder and the SIP INFO handler.
//
// The buffer is drained at the start of every Collect call so that stale
// digits pressed before the prompt cannot leak into the result.
type DigitBuffer struct {
	source <-chan string
	logger *slog.Logger
}

// NewDigitBuffer creates a buffer reading from the given digit source.
func NewDigitBuffer(source <-chan string, logger *slog.Logger) *DigitBuffer {
	return &DigitBuffer{
		source: source,
		logger: logger.With("subsystem", "digit-buffer"),
	}
}

// Collect blocks until digit collection completes:
//   - MaxDigits reached (MaxReached=true)
//   - a termination digit received (TerminatedBy set)
//   - the first-digit timeout expires with no input (TimedOut=true)
//   - the inter-digit timeout expires after input (TimedOut=true, partial digits)
//   - the source channel closes (whatever was collected is returned)
//   - the context is cancelled (TimedOut=true)
func (b *DigitBuffer) Collect(ctx context.Context, opts CollectOptions) *CollectResult {
	firstTimeout := opts.FirstDigitTimeout
	if firstTimeout <= 0 {
		firstTimeout = DefaultFirstDigitTimeout
	}
	interTimeout := opts.InterDigitTimeout
	if interTimeout <= 0 {
		interTimeout = DefaultInterDigitTimeout
	}

	// Drain stale digits from before this collection started.
	for {
		select {
		case _, ok := <-b.source:
			if !ok {
				return &CollectResult{}
			}
			continue
		default:
		}
		break
	}

	var digits []byte

	timer := time.NewTimer(firstTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return &CollectResult{Digits: string(digits), TimedOut: true}

		case digit, ok := <-b.source:
			if !ok {
				// Source closed (call torn down mid-collection).
				return &CollectResult{Digits: string(digits)}
			}

			if opts.TerminationDigits != "" && strings.Contains(opts.TerminationDigits, digit) {
				b.logger.Debug("termination digit received",
					"digit", digit,
					"buffer", string(digits),
				)
				return &CollectResult{Digits: string(digits), TerminatedBy: digit}
			}

			digits = append(digits, digit[0])
			b.logger.Debug("digit buffered", "digit", digit, "buffer", string(digits))

			if opts.MaxDigits > 0 && len(digits) >= opts.MaxDigits {
				b.logger.Debug("max digits reached", "max", opts.MaxDigits)
				return &CollectResult{Digits: string(digits), MaxReached: true}
			}

			// Switch to the inter-digit timeout after the first digit.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(interTimeout)

		case <-timer.C:
			return &CollectResult{Digits: string(digits), TimedOut: true}
		}
	}
}
