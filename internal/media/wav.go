package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// WAV format codes for G.711 codecs.
const (
	wavFormatPCMA = 6 // G.711 a-law
	wavFormatPCMU = 7 // G.711 u-law
)

// Prompt is a fully loaded audio prompt: raw G.711 payload bytes plus the
// payload type they are encoded as. Prompts are pre-rendered to 8 kHz mono
// G.711; there is no runtime transcoding.
type Prompt struct {
	PayloadType int
	Data        []byte
}

// Duration returns the playback length of the prompt. One byte is one
// sample at 8 kHz.
func (p *Prompt) Duration() time.Duration {
	return time.Duration(len(p.Data)) * time.Second / 8000
}

// wavHeader holds the parsed fields needed for playback validation.
type wavHeader struct {
	AudioFormat   uint16 // 6 = a-law, 7 = u-law
	NumChannels   uint16
	SampleRate    uint32
	BitsPerSample uint16
	DataSize      uint32
}

// parseWAVHeader reads and validates a WAV header, leaving the reader
// positioned at the start of the data chunk.
func parseWAVHeader(r io.ReadSeeker) (*wavHeader, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" {
		return nil, errors.New("not a RIFF file")
	}
	if string(riff[8:12]) != "WAVE" {
		return nil, errors.New("not a WAVE file")
	}

	hdr := &wavHeader{}
	foundFmt := false
	foundData := false

	for !foundData {
		var chunkID [4]byte
		var chunkSize uint32

		if _, err := io.ReadFull(r, chunkID[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("reading chunk id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("reading chunk size: %w", err)
		}

		switch string(chunkID[:]) {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
			}
			var byteRate uint32
			var blockAlign uint16
			for _, field := range []any{
				&hdr.AudioFormat, &hdr.NumChannels, &hdr.SampleRate,
				&byteRate, &blockAlign, &hdr.BitsPerSample,
			} {
				if err := binary.Read(r, binary.LittleEndian, field); err != nil {
					return nil, fmt.Errorf("reading fmt chunk: %w", err)
				}
			}
			if chunkSize > 16 {
				if _, err := r.Seek(int64(chunkSize-16), io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("skipping extra fmt data: %w", err)
				}
			}
			foundFmt = true

		case "data":
			hdr.DataSize = chunkSize
			foundData = true

		default:
			// Skip unknown chunks, padded to an even boundary.
			skip := int64(chunkSize)
			if chunkSize%2 != 0 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skipping chunk %q: %w", string(chunkID[:]), err)
			}
		}
	}

	if !foundFmt {
		return nil, errors.New("wav file missing fmt chunk")
	}
	if !foundData {
		return nil, errors.New("wav file missing data chunk")
	}
	return hdr, nil
}

// validateWAVHeader checks the header describes 8 kHz mono 8-bit G.711 and
// returns the RTP payload type for the format.
func validateWAVHeader(hdr *wavHeader) (int, error) {
	var pt int
	switch hdr.AudioFormat {
	case wavFormatPCMU:
		pt = PayloadPCMU
	case wavFormatPCMA:
		pt = PayloadPCMA
	default:
		return 0, fmt.Errorf("unsupported wav format %d: only G.711 a-law (6) and u-law (7) are supported", hdr.AudioFormat)
	}
	if hdr.NumChannels != 1 {
		return 0, fmt.Errorf("wav file must be mono, got %d channels", hdr.NumChannels)
	}
	if hdr.SampleRate != 8000 {
		return 0, fmt.Errorf("wav file must be 8000 Hz, got %d Hz", hdr.SampleRate)
	}
	if hdr.BitsPerSample != 8 {
		return 0, fmt.Errorf("wav file must be 8-bit, got %d-bit", hdr.BitsPerSample)
	}
	return pt, nil
}

// LoadPromptFile reads a G.711 WAV file into memory as a Prompt.
func LoadPromptFile(path string) (*Prompt, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening prompt file: %w", err)
	}
	defer f.Close()

	hdr, err := parseWAVHeader(f)
	if err != nil {
		return nil, fmt.Errorf("parsing wav header: %w", err)
	}
	pt, err := validateWAVHeader(hdr)
	if err != nil {
		return nil, err
	}

	data := make([]byte, hdr.DataSize)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("reading prompt data: %w", err)
	}
	return &Prompt{PayloadType: pt, Data: data}, nil
}

// LoadPromptData parses in-memory WAV bytes into a Prompt.
func LoadPromptData(raw []byte) (*Prompt, error) {
	r := bytes.NewReader(raw)
	hdr, err := parseWAVHeader(r)
	if err != nil {
		return nil, fmt.Errorf("parsing wav header: %w", err)
	}
	pt, err := validateWAVHeader(hdr)
	if err != nil {
		return nil, err
	}
	data := make([]byte, hdr.DataSize)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading prompt data: %w", err)
	}
	return &Prompt{PayloadType: pt, Data: data}, nil
}

// ValidateWAVData checks that in-memory WAV bytes are a supported G.711
// prompt without retaining the data.
func ValidateWAVData(raw []byte) error {
	r := bytes.NewReader(raw)
	hdr, err := parseWAVHeader(r)
	if err != nil {
		return fmt.Errorf("invalid wav: %w", err)
	}
	_, err = validateWAVHeader(hdr)
	return err
}
