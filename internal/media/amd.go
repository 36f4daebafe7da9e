package media

import (
	"log/slog"
	"math"
	"math/cmplx"
	"time"
)

// AMD outcomes.
const (
	AMDResultHuman   = "human"
	AMDResultMachine = "machine"
	AMDResultBeep    = "beep"
	AMDResultSilence = "silence"
	AMDResultUnknown = "unknown"
)

// Beep detection constants. Answering machine beeps sit in the 800-2400 Hz
// band; a sustained tone shows up as a spectral peak at least ten times the
// mean bin energy over a one second window.
const (
	beepBandLow   = 800.0
	beepBandHigh  = 2400.0
	beepPeakRatio = 10.0

	amdSampleRate = 8000
	amdFFTSize    = 8192 // one second of 8 kHz audio, zero-padded to a power of two
)

// AMDConfig tunes the analyzer thresholds.
type AMDConfig struct {
	Timeout          time.Duration // analysis window from answer, default 5 s
	VoiceThreshold   float64       // per-frame RMS above this is voice
	SilenceThreshold float64       // per-frame RMS below this is silence
	MinEnergy        float64       // mean RMS below this is dead air
}

// AMDResult is the analyzer's verdict.
type AMDResult struct {
	Verdict       string
	Confidence    float64
	SpeakingRatio float64
	Duration      time.Duration
	BeepDetected  bool
}

// AMDAnalyzer classifies the first seconds of answered-call audio as human
// or machine. Feed it decoded PCM frames from the jitter buffer; it
// accumulates per-frame RMS statistics and the first second of raw samples
// for beep detection. The analysis is pure arithmetic over the input
// stream, so a given stream always yields the same verdict.
//
// Not safe for concurrent use; one analyzer serves one call.
type AMDAnalyzer struct {
	cfg    AMDConfig
	logger *slog.Logger

	totalFrames int
	voiceFrames int
	energySum   float64

	firstSecond []int16
	beep        bool
	beepChecked bool
}

// NewAMDAnalyzer creates an analyzer for one call.
func NewAMDAnalyzer(cfg AMDConfig, logger *slog.Logger) *AMDAnalyzer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &AMDAnalyzer{
		cfg:         cfg,
		logger:      logger.With("subsystem", "amd"),
		firstSecond: make([]int16, 0, amdSampleRate),
	}
}

// Feed consumes one PCM frame. It returns true once enough audio has been
// analyzed (the timeout window is full or a beep was found) and Decide can
// be called for the final verdict.
func (a *AMDAnalyzer) Feed(pcm []int16) bool {
	if len(pcm) == 0 {
		return a.done()
	}

	rms := frameRMS(pcm)
	a.totalFrames++
	a.energySum += rms
	if rms > a.cfg.VoiceThreshold {
		a.voiceFrames++
	}

	if len(a.firstSecond) < amdSampleRate {
		room := amdSampleRate - len(a.firstSecond)
		if room > len(pcm) {
			room = len(pcm)
		}
		a.firstSecond = append(a.firstSecond, pcm[:room]...)
	}

	// Run beep detection once the first second is complete.
	if !a.beepChecked && len(a.firstSecond) >= amdSampleRate {
		a.beepChecked = true
		a.beep = detectBeep(a.firstSecond)
		if a.beep {
			a.logger.Debug("answering machine beep detected")
		}
	}

	return a.done()
}

// done reports whether the analysis window is complete.
func (a *AMDAnalyzer) done() bool {
	if a.beep {
		return true
	}
	return a.AnalyzedDuration() >= a.cfg.Timeout
}

// AnalyzedDuration returns how much audio has been consumed.
func (a *AMDAnalyzer) AnalyzedDuration() time.Duration {
	return time.Duration(a.totalFrames) * FrameDuration
}

// Decide returns the verdict for the audio consumed so far:
//
//	mean energy below MinEnergy          -> silence
//	beep found                           -> beep
//	>= 4 s analyzed and ratio > 0.8      -> machine
//	otherwise                            -> human
func (a *AMDAnalyzer) Decide() *AMDResult {
	dur := a.AnalyzedDuration()

	res := &AMDResult{
		Duration:     dur,
		BeepDetected: a.beep,
	}
	if a.totalFrames > 0 {
		res.SpeakingRatio = float64(a.voiceFrames) / float64(a.totalFrames)
	}
	meanEnergy := 0.0
	if a.totalFrames > 0 {
		meanEnergy = a.energySum / float64(a.totalFrames)
	}

	switch {
	case a.totalFrames == 0:
		res.Verdict = AMDResultUnknown
		res.Confidence = 0
	case meanEnergy < a.cfg.MinEnergy:
		res.Verdict = AMDResultSilence
		res.Confidence = 0.9
	case a.beep:
		res.Verdict = AMDResultBeep
		res.Confidence = 0.95
	case dur >= 4*time.Second && res.SpeakingRatio > 0.8:
		res.Verdict = AMDResultMachine
		res.Confidence = 0.8
	case dur < 3*time.Second && res.SpeakingRatio < 0.7:
		res.Verdict = AMDResultHuman
		res.Confidence = 0.7
	default:
		res.Verdict = AMDResultHuman
		res.Confidence = 0.5
	}

	a.logger.Debug("amd verdict",
		"verdict", res.Verdict,
		"speaking_ratio", res.SpeakingRatio,
		"mean_energy", meanEnergy,
		"duration", dur,
		"beep", a.beep,
	)
	return res
}

// frameRMS computes the root mean square amplitude of a PCM frame.
func frameRMS(pcm []int16) float64 {
	var sum float64
	for _, s := range pcm {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

// detectBeep looks for a sustained tone in the beep band: a spectral peak
// between 800 and 2400 Hz whose energy is at least beepPeakRatio times the
// mean bin energy across the spectrum.
func detectBeep(samples []int16) bool {
	buf := make([]complex128, amdFFTSize)
	n := len(samples)
	if n > amdFFTSize {
		n = amdFFTSize
	}
	for i := 0; i < n; i++ {
		buf[i] = complex(float64(samples[i]), 0)
	}

	fft(buf)

	// Only the first half of the spectrum is meaningful for real input.
	half := amdFFTSize / 2
	binHz := float64(amdSampleRate) / float64(amdFFTSize)

	var total float64
	var peak float64
	for i := 1; i < half; i++ {
		e := cmplx.Abs(buf[i])
		e *= e
		total += e

		freq := float64(i) * binHz
		if freq >= beepBandLow && freq <= beepBandHigh && e > peak {
			peak = e
		}
	}
	if total == 0 {
		return false
	}
	mean := total / float64(half-1)
	return peak >= beepPeakRatio*mean
}

// fft performs an in-place iterative radix-2 Cooley-Tukey transform.
// len(buf) must be a power of two.
func fft(buf []complex128) {
	n := len(buf)

	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			buf[i], buf[j] = buf[j], buf[i]
		}
	}

	for length := 2; length <= n; length <<= 1 {
		angle := -2 * math.Pi / float64(length)
		wl := cmplx.Rect(1, angle)
		for i := 0; i < n; i += length {
			w := complex(1, 0)
			for j := 0; j < length/2; j++ {
				u := buf[i+j]
				v := buf[i+j+length/2] * w
				buf[i+j] = u + v
				buf[i+j+length/2] = u - v
				w *= wl
			}
		}
	}
}
