package media

import (
	"strings"
	"testing"
)

func TestBuildOfferContents(t *testing.T) {
	body, err := BuildOffer("203.0.113.5", 10200, "dialcast call")
	if err != nil {
		t.Fatalf("BuildOffer: %v", err)
	}
	offer := string(body)

	for _, want := range []string{
		"m=audio 10200 RTP/AVP 0 8 9 101",
		"c=IN IP4 203.0.113.5",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:8 PCMA/8000",
		"a=rtpmap:9 G722/8000",
		"a=rtpmap:101 telephone-event/8000",
		"a=fmtp:101 0-15",
		"a=ptime:20",
		"a=sendrecv",
	} {
		if !strings.Contains(offer, want) {
			t.Errorf("offer missing %q:\n%s", want, offer)
		}
	}
}

func TestParseAnswer(t *testing.T) {
	answer := "v=0\r\n" +
		"o=pbx 123 456 IN IP4 198.51.100.9\r\n" +
		"s=call\r\n" +
		"c=IN IP4 198.51.100.9\r\n" +
		"t=0 0\r\n" +
		"m=audio 14000 RTP/AVP 8 101\r\n" +
		"a=rtpmap:8 PCMA/8000\r\n" +
		"a=rtpmap:101 telephone-event/8000\r\n"

	info, err := ParseAnswer([]byte(answer))
	if err != nil {
		t.Fatalf("ParseAnswer: %v", err)
	}
	if info.Address != "198.51.100.9" {
		t.Errorf("Address = %q, want 198.51.100.9", info.Address)
	}
	if info.Port != 14000 {
		t.Errorf("Port = %d, want 14000", info.Port)
	}
	if !info.Supports(8) || !info.Supports(101) {
		t.Errorf("PayloadTypes = %v, want 8 and 101 supported", info.PayloadTypes)
	}
	if info.Supports(0) {
		t.Error("Supports(0) = true, want false")
	}
}

func TestParseAnswerMediaLevelConnection(t *testing.T) {
	answer := "v=0\r\n" +
		"o=pbx 1 1 IN IP4 192.0.2.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 192.0.2.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 9000 RTP/AVP 0\r\n" +
		"c=IN IP4 192.0.2.77\r\n"

	info, err := ParseAnswer([]byte(answer))
	if err != nil {
		t.Fatalf("ParseAnswer: %v", err)
	}
	if info.Address != "192.0.2.77" {
		t.Errorf("Address = %q, want media-level 192.0.2.77", info.Address)
	}
}

func TestParseAnswerRejectedStream(t *testing.T) {
	answer := "v=0\r\n" +
		"o=pbx 1 1 IN IP4 192.0.2.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 192.0.2.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 0 RTP/AVP 0\r\n"

	if _, err := ParseAnswer([]byte(answer)); err == nil {
		t.Fatal("expected error for port 0 answer, got nil")
	}
}

func TestParseAnswerNoAudio(t *testing.T) {
	answer := "v=0\r\n" +
		"o=pbx 1 1 IN IP4 192.0.2.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 192.0.2.1\r\n" +
		"t=0 0\r\n"

	if _, err := ParseAnswer([]byte(answer)); err == nil {
		t.Fatal("expected error for answer with no audio media, got nil")
	}
}

func TestSelectPayloadType(t *testing.T) {
	tests := []struct {
		name       string
		answerPTs  []int
		preference []string
		want       int
		wantErr    bool
	}{
		{"preference order wins", []int{0, 8}, []string{"pcma", "pcmu"}, PayloadPCMA, false},
		{"first supported wins", []int{8}, []string{"pcmu", "pcma"}, PayloadPCMA, false},
		{"g722 skipped for send", []int{9, 0}, []string{"g722", "pcmu"}, PayloadPCMU, false},
		{"fallback to answer order", []int{101, 0}, []string{"g722"}, PayloadPCMU, false},
		{"no g711 at all", []int{18, 101}, []string{"pcmu", "pcma"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &AnswerInfo{Address: "192.0.2.1", Port: 9000, PayloadTypes: tt.answerPTs}
			got, err := SelectPayloadType(info, tt.preference)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("SelectPayloadType: %v", err)
			}
			if got != tt.want {
				t.Errorf("SelectPayloadType = %d, want %d", got, tt.want)
			}
		})
	}
}
