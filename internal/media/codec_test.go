package media

import (
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pcm := make([]int16, SamplesPerFrame)
	for i := range pcm {
		pcm[i] = int16((i - 80) * 100)
	}

	for _, pt := range []int{PayloadPCMU, PayloadPCMA} {
		t.Run(CodecName(pt), func(t *testing.T) {
			enc, err := EncodeFrame(pt, pcm)
			if err != nil {
				t.Fatalf("EncodeFrame: %v", err)
			}
			if len(enc) != SamplesPerFrame {
				t.Fatalf("encoded length = %d, want %d", len(enc), SamplesPerFrame)
			}
			dec, err := DecodeFrame(pt, enc)
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			// G.711 is lossy; check the reconstruction stays within the
			// codec's quantization error for mid-range amplitudes.
			for i := range pcm {
				diff := int(pcm[i]) - int(dec[i])
				if diff < 0 {
					diff = -diff
				}
				if diff > 512 {
					t.Fatalf("sample %d: decoded %d too far from original %d", i, dec[i], pcm[i])
				}
			}
		})
	}
}

func TestEncodeFrameUnsupportedPT(t *testing.T) {
	if _, err := EncodeFrame(PayloadG722, make([]int16, 160)); err == nil {
		t.Error("expected error encoding G.722, got nil")
	}
}

func TestPayloadTypeForCodec(t *testing.T) {
	tests := []struct {
		name    string
		want    int
		wantErr bool
	}{
		{"pcmu", PayloadPCMU, false},
		{"pcma", PayloadPCMA, false},
		{"g722", PayloadG722, false},
		{"opus", 0, true},
	}
	for _, tt := range tests {
		got, err := PayloadTypeForCodec(tt.name)
		if tt.wantErr {
			if err == nil {
				t.Errorf("PayloadTypeForCodec(%q): expected error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("PayloadTypeForCodec(%q): %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("PayloadTypeForCodec(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestSilenceByte(t *testing.T) {
	if got := SilenceByte(PayloadPCMU); got != SilencePCMU {
		t.Errorf("SilenceByte(PCMU) = %#x, want %#x", got, SilencePCMU)
	}
	if got := SilenceByte(PayloadPCMA); got != SilencePCMA {
		t.Errorf("SilenceByte(PCMA) = %#x, want %#x", got, SilencePCMA)
	}
}
