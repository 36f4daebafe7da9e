package media

import (
	"fmt"
	"time"

	"github.com/zaf/g711"
)

// Static RTP payload types advertised in offers.
const (
	PayloadPCMU = 0 // G.711 u-law
	PayloadPCMA = 8 // G.711 a-law
	PayloadG722 = 9 // advertise-only, never sourced locally
)

// Audio framing constants. All media runs at 8 kHz narrowband with 20 ms
// packetization, so every RTP packet carries 160 samples (160 bytes of G.711).
const (
	// SamplesPerFrame is the number of audio samples per RTP packet.
	SamplesPerFrame = 160

	// FrameDuration is the duration of one RTP packet.
	FrameDuration = 20 * time.Millisecond

	// TimestampIncrement is the RTP timestamp increment per packet.
	// At 8 kHz clock rate with 20 ms ptime: 8000 * 0.020 = 160.
	TimestampIncrement = 160

	// SilencePCMU is the G.711 u-law encoding of digital silence.
	SilencePCMU = 0xFF

	// SilencePCMA is the G.711 a-law encoding of digital silence.
	SilencePCMA = 0xD5
)

// CodecName returns the SDP name for a supported payload type.
func CodecName(pt int) string {
	switch pt {
	case PayloadPCMU:
		return "PCMU"
	case PayloadPCMA:
		return "PCMA"
	case PayloadG722:
		return "G722"
	default:
		return fmt.Sprintf("PT%d", pt)
	}
}

// PayloadTypeForCodec maps a lower-case codec name from config to its
// static payload type.
func PayloadTypeForCodec(name string) (int, error) {
	switch name {
	case "pcmu":
		return PayloadPCMU, nil
	case "pcma":
		return PayloadPCMA, nil
	case "g722":
		return PayloadG722, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", name)
	}
}

// SilenceByte returns the G.711 silence encoding for the payload type.
func SilenceByte(pt int) byte {
	if pt == PayloadPCMA {
		return SilencePCMA
	}
	return SilencePCMU
}

// EncodeFrame converts 16-bit signed PCM samples to a G.711 payload for the
// given payload type.
func EncodeFrame(pt int, pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm))
	switch pt {
	case PayloadPCMU:
		for i, s := range pcm {
			out[i] = g711.EncodeUlawFrame(s)
		}
	case PayloadPCMA:
		for i, s := range pcm {
			out[i] = g711.EncodeAlawFrame(s)
		}
	default:
		return nil, fmt.Errorf("cannot encode payload type %d", pt)
	}
	return out, nil
}

// DecodeFrame converts a G.711 payload to 16-bit signed PCM samples.
func DecodeFrame(pt int, payload []byte) ([]int16, error) {
	out := make([]int16, len(payload))
	switch pt {
	case PayloadPCMU:
		for i, b := range payload {
			out[i] = g711.DecodeUlawFrame(b)
		}
	case PayloadPCMA:
		for i, b := range payload {
			out[i] = g711.DecodeAlawFrame(b)
		}
	default:
		return nil, fmt.Errorf("cannot decode payload type %d", pt)
	}
	return out, nil
}
