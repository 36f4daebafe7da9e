package media

import (
	"log/slog"
	"sync"
)

// DefaultJitterDepth is the default jitter buffer capacity in samples:
// 200 ms of audio at 8 kHz.
const DefaultJitterDepth = 1600

// JitterBuffer is a fixed-depth circular buffer of 16-bit PCM samples
// sitting between the RTP receive path and audio consumers (AMD, DTMF
// passthrough). Writers never block: when the buffer is full the oldest
// samples are overwritten. Readers never block: when fewer samples are
// available than requested, only the available ones are returned.
//
// Safe for one concurrent writer and one concurrent reader.
type JitterBuffer struct {
	logger *slog.Logger

	mu    sync.Mutex
	buf   []int16
	head  int // next write position
	tail  int // next read position
	count int // samples currently buffered
}

// NewJitterBuffer creates a jitter buffer holding depth samples.
// A depth of 0 uses DefaultJitterDepth.
func NewJitterBuffer(depth int, logger *slog.Logger) *JitterBuffer {
	if depth <= 0 {
		depth = DefaultJitterDepth
	}
	return &JitterBuffer{
		logger: logger.With("subsystem", "jitter"),
		buf:    make([]int16, depth),
	}
}

// Write appends samples to the buffer. If the buffer overflows, the oldest
// samples are overwritten and the overflow is logged at debug level.
func (j *JitterBuffer) Write(samples []int16) {
	if len(samples) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	depth := len(j.buf)

	// If the incoming chunk alone exceeds the depth, only the newest
	// depth samples survive.
	if len(samples) >= depth {
		copy(j.buf, samples[len(samples)-depth:])
		j.head = 0
		j.tail = 0
		j.count = depth
		j.logger.Debug("jitter buffer overwritten by oversized write", "samples", len(samples))
		return
	}

	overflow := j.count + len(samples) - depth
	for _, s := range samples {
		j.buf[j.head] = s
		j.head = (j.head + 1) % depth
	}
	if overflow > 0 {
		j.tail = (j.tail + overflow) % depth
		j.count = depth
		j.logger.Debug("jitter buffer overflow, oldest samples dropped", "dropped", overflow)
	} else {
		j.count += len(samples)
	}
}

// Read removes and returns up to n samples. On underflow the returned slice
// is shorter than n, possibly empty.
func (j *JitterBuffer) Read(n int) []int16 {
	j.mu.Lock()
	defer j.mu.Unlock()

	if n > j.count {
		n = j.count
	}
	out := make([]int16, n)
	depth := len(j.buf)
	for i := 0; i < n; i++ {
		out[i] = j.buf[j.tail]
		j.tail = (j.tail + 1) % depth
	}
	j.count -= n
	return out
}

// Available returns the number of samples currently buffered.
func (j *JitterBuffer) Available() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// Depth returns the buffer capacity in samples.
func (j *JitterBuffer) Depth() int {
	return len(j.buf)
}
