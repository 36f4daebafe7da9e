package media

import (
	"context"
	"log/slog"
	"time"
)

// Player streams a loaded prompt over an RTP session in 20 ms frames with
// wall-clock pacing. A fresh Player can be created per playback; it holds
// no state beyond its session reference.
type Player struct {
	session *Session
	logger  *slog.Logger
}

// NewPlayer creates a player sending through the given session.
func NewPlayer(session *Session, logger *slog.Logger) *Player {
	return &Player{
		session: session,
		logger:  logger.With("subsystem", "player"),
	}
}

// PlayResult holds the outcome of a playback operation.
type PlayResult struct {
	FramesSent int
	Duration   time.Duration
}

// Play streams the prompt to the remote endpoint. The first frame carries
// the RTP marker bit. The context cancels playback early (digit pressed,
// call hung up); cancellation returns the partial result and ctx.Err().
//
// If the prompt's G.711 variant differs from the negotiated codec, each
// frame is re-encoded on the fly. The last frame is padded with silence to
// a full 160 samples.
func (p *Player) Play(ctx context.Context, prompt *Prompt) (*PlayResult, error) {
	pt := p.session.PayloadType()
	data := prompt.Data

	p.logger.Debug("starting playback",
		"prompt_bytes", len(data),
		"prompt_pt", prompt.PayloadType,
		"send_pt", pt,
	)

	frame := make([]byte, SamplesPerFrame)
	sent := 0
	start := time.Now()
	marker := true

	for off := 0; off < len(data); off += SamplesPerFrame {
		select {
		case <-ctx.Done():
			p.logger.Debug("playback cancelled",
				"frames_sent", sent,
				"remaining_bytes", len(data)-off,
			)
			return &PlayResult{FramesSent: sent, Duration: time.Since(start)}, ctx.Err()
		default:
		}

		n := copy(frame, data[off:])
		for i := n; i < SamplesPerFrame; i++ {
			frame[i] = SilenceByte(prompt.PayloadType)
		}

		payload := frame
		if prompt.PayloadType != pt {
			pcm, err := DecodeFrame(prompt.PayloadType, frame)
			if err != nil {
				return nil, err
			}
			payload, err = EncodeFrame(pt, pcm)
			if err != nil {
				return nil, err
			}
		}

		p.session.SendFrame(payload, marker)
		marker = false
		sent++

		// Wall-clock pacing avoids drift from processing overhead.
		elapsed := time.Since(start)
		expected := time.Duration(sent) * FrameDuration
		if sleep := expected - elapsed; sleep > 0 {
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return &PlayResult{FramesSent: sent, Duration: time.Since(start)}, ctx.Err()
			}
		}
	}

	duration := time.Since(start)
	p.logger.Debug("playback complete", "frames_sent", sent, "duration", duration)
	return &PlayResult{FramesSent: sent, Duration: duration}, nil
}
