package media

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/pion/sdp/v3"
)

// rtpmap values for the payload types this engine can advertise.
var rtpmapByPT = map[int]string{
	PayloadPCMU:           "PCMU/8000",
	PayloadPCMA:           "PCMA/8000",
	PayloadG722:           "G722/8000",
	PayloadTelephoneEvent: "telephone-event/8000",
}

// AnswerInfo holds the fields extracted from a remote SDP answer.
type AnswerInfo struct {
	Address      string // from the c= line (media-level wins over session-level)
	Port         int    // from the first m=audio line
	PayloadTypes []int  // formats of that m=audio line, in answer order
}

// Supports reports whether the answer lists the given payload type.
func (a *AnswerInfo) Supports(pt int) bool {
	for _, p := range a.PayloadTypes {
		if p == pt {
			return true
		}
	}
	return false
}

// BuildOffer constructs the SDP offer for an outbound call: one audio
// stream advertising G.711 u-law/a-law, G.722, and RFC 2833
// telephone-event, 20 ms packetization, sendrecv.
func BuildOffer(mediaIP string, rtpPort int, sessionName string) ([]byte, error) {
	formats := []string{
		strconv.Itoa(PayloadPCMU),
		strconv.Itoa(PayloadPCMA),
		strconv.Itoa(PayloadG722),
		strconv.Itoa(PayloadTelephoneEvent),
	}

	attrs := make([]sdp.Attribute, 0, len(formats)+3)
	for _, f := range formats {
		pt, _ := strconv.Atoi(f)
		if rm, ok := rtpmapByPT[pt]; ok {
			attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: f + " " + rm})
		}
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "fmtp", Value: strconv.Itoa(PayloadTelephoneEvent) + " 0-15"},
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
	)

	sessionID := uint64(rand.Uint32())
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "dialcast",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: mediaIP,
		},
		SessionName: sdp.SessionName(sessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: mediaIP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: rtpPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshalling sdp offer: %w", err)
	}
	return body, nil
}

// ParseAnswer extracts the remote media address, port, and payload types
// from an SDP answer body.
func ParseAnswer(body []byte) (*AnswerInfo, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing sdp answer: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return nil, errors.New("sdp answer has no audio media")
	}
	if audio.MediaName.Port.Value == 0 {
		return nil, errors.New("sdp answer rejected the audio stream (port 0)")
	}

	info := &AnswerInfo{Port: audio.MediaName.Port.Value}

	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		info.Address = audio.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		info.Address = desc.ConnectionInformation.Address.Address
	}
	if info.Address == "" {
		return nil, errors.New("sdp answer has no connection address")
	}

	for _, f := range audio.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		info.PayloadTypes = append(info.PayloadTypes, pt)
	}
	if len(info.PayloadTypes) == 0 {
		return nil, errors.New("sdp answer lists no payload types")
	}

	return info, nil
}

// SelectPayloadType picks the first codec from the preference list that the
// answer supports. Only G.711 variants can actually be sourced, so G.722 in
// the preference order is skipped when selecting a send codec.
func SelectPayloadType(answer *AnswerInfo, preference []string) (int, error) {
	for _, name := range preference {
		pt, err := PayloadTypeForCodec(name)
		if err != nil {
			continue
		}
		if pt == PayloadG722 {
			continue
		}
		if answer.Supports(pt) {
			return pt, nil
		}
	}
	// Fall back to whichever G.711 variant the answer offers.
	for _, pt := range answer.PayloadTypes {
		if pt == PayloadPCMU || pt == PayloadPCMA {
			return pt, nil
		}
	}
	return 0, errors.New("no mutually supported codec in sdp answer")
}
