package media

import (
	"errors"
	"strconv"
	"strings"

	"github.com/pion/rtp"
)

// PayloadTelephoneEvent is the dynamic RTP payload type advertised for
// RFC 2833 telephone-event (DTMF). Negotiated as 101 by convention.
const PayloadTelephoneEvent = 101

// dtmfPayloadSize is the size of an RFC 2833 telephone-event payload.
const dtmfPayloadSize = 4

// DTMFEvent represents an RFC 2833 telephone-event payload.
// The payload format (RFC 4733 §2.3) is:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type DTMFEvent struct {
	Event    uint8  // 0-9 = digits, 10 = *, 11 = #, 12-15 = A-D
	End      bool   // E bit: marks end of event
	Volume   uint8  // power level in dBm0 (0-63)
	Duration uint16 // event duration in timestamp units
}

// ParseDTMFEvent parses an RFC 2833 telephone-event payload.
// Returns nil if the payload is too short.
func ParseDTMFEvent(payload []byte) *DTMFEvent {
	if len(payload) < dtmfPayloadSize {
		return nil
	}
	return &DTMFEvent{
		Event:    payload[0],
		End:      payload[1]&0x80 != 0,
		Volume:   payload[1] & 0x3F,
		Duration: uint16(payload[2])<<8 | uint16(payload[3]),
	}
}

// DTMFEventName returns the digit character for a DTMF event code.
func DTMFEventName(event uint8) string {
	switch {
	case event <= 9:
		return string(rune('0' + event))
	case event == 10:
		return "*"
	case event == 11:
		return "#"
	case event >= 12 && event <= 15:
		return string(rune('A' + event - 12))
	default:
		return "?"
	}
}

// TelephoneEventDecoder extracts completed DTMF digits from a stream of
// RTP packets. RFC 2833 senders transmit multiple redundant packets per key
// press with increasing duration and retransmit the final packet up to
// three times; the decoder emits a digit only on the first packet with the
// End bit set for a given (event, timestamp) pair.
//
// Not safe for concurrent use; feed it from the session's receive callback.
type TelephoneEventDecoder struct {
	lastEvent uint8
	lastTS    uint32
	hadEvent  bool
}

// Feed inspects one inbound RTP packet. If the packet completes a DTMF key
// press, the digit is returned with ok=true. Non-DTMF packets and
// intermediate or duplicate event packets return ok=false.
func (d *TelephoneEventDecoder) Feed(pkt *rtp.Packet) (digit string, ok bool) {
	if pkt.PayloadType != PayloadTelephoneEvent {
		return "", false
	}
	ev := ParseDTMFEvent(pkt.Payload)
	if ev == nil || !ev.End {
		return "", false
	}
	if d.hadEvent && ev.Event == d.lastEvent && pkt.Timestamp == d.lastTS {
		return "", false
	}
	d.lastEvent = ev.Event
	d.lastTS = pkt.Timestamp
	d.hadEvent = true
	return DTMFEventName(ev.Event), true
}

// SIP INFO DTMF fallback
//
// Some endpoints send DTMF via SIP INFO instead of RFC 2833. Two body
// formats are common:
//
//  1. Content-Type: application/dtmf-relay
//     Signal=5\r\nDuration=160\r\n
//
//  2. Content-Type: application/dtmf
//     5

// DTMFInfo represents a DTMF digit received via SIP INFO request.
type DTMFInfo struct {
	Signal   string // "0"-"9", "*", "#", "A"-"D"
	Duration int    // milliseconds, 0 if not specified
}

// ErrInvalidDTMFInfo is returned when a SIP INFO body cannot be parsed as DTMF.
var ErrInvalidDTMFInfo = errors.New("invalid dtmf info body")

// validDTMFSignals is the set of valid DTMF signal characters.
var validDTMFSignals = map[string]bool{
	"0": true, "1": true, "2": true, "3": true, "4": true,
	"5": true, "6": true, "7": true, "8": true, "9": true,
	"*": true, "#": true,
	"A": true, "B": true, "C": true, "D": true,
}

// ParseDTMFInfoRelay parses an application/dtmf-relay body:
//
//	Signal=<digit>\r\nDuration=<ms>\r\n
//
// Signal is required. Duration defaults to 0 if missing or unparseable.
func ParseDTMFInfoRelay(body []byte) (*DTMFInfo, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil, ErrInvalidDTMFInfo
	}

	info := &DTMFInfo{}
	foundSignal := false

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch strings.ToLower(key) {
		case "signal":
			sig := strings.ToUpper(value)
			if !validDTMFSignals[sig] {
				return nil, ErrInvalidDTMFInfo
			}
			info.Signal = sig
			foundSignal = true
		case "duration":
			if d, err := strconv.Atoi(value); err == nil && d >= 0 {
				info.Duration = d
			}
		}
	}

	if !foundSignal {
		return nil, ErrInvalidDTMFInfo
	}
	return info, nil
}

// ParseDTMFInfoBody parses an application/dtmf body holding a single digit.
func ParseDTMFInfoBody(body []byte) (*DTMFInfo, error) {
	sig := strings.ToUpper(strings.TrimSpace(string(body)))
	if !validDTMFSignals[sig] {
		return nil, ErrInvalidDTMFInfo
	}
	return &DTMFInfo{Signal: sig}, nil
}

// ParseSIPInfoDTMF detects and parses DTMF from a SIP INFO request body
// based on the Content-Type header. Returns ErrInvalidDTMFInfo if the
// content type is unsupported or the body cannot be parsed.
func ParseSIPInfoDTMF(contentType string, body []byte) (*DTMFInfo, error) {
	ct := strings.TrimSpace(strings.ToLower(contentType))
	// Strip any parameters (e.g., charset).
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}

	switch ct {
	case "application/dtmf-relay":
		return ParseDTMFInfoRelay(body)
	case "application/dtmf":
		return ParseDTMFInfoBody(body)
	default:
		return nil, ErrInvalidDTMFInfo
	}
}
