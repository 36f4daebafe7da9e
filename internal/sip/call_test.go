package sip

import (
	"log/slog"
	"testing"

	"github.com/emiago/sipgo/sip"
)

func TestCauseForStatus(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{486, CauseBusy},
		{600, CauseBusy},
		{603, CauseDeclined},
		{404, CauseNotFound},
		{408, CauseNoAnswer},
		{480, CauseNoAnswer},
		{487, CauseNoAnswer},
		{500, CauseCongestion},
		{503, CauseCongestion},
		{403, CauseFailed},
		{488, CauseFailed},
	}
	for _, tt := range tests {
		if got := causeForStatus(tt.code); got != tt.want {
			t.Errorf("causeForStatus(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func testUserAgent() *UserAgent {
	return &UserAgent{
		logger: slog.New(slog.DiscardHandler),
		calls:  make(map[string]*Call),
	}
}

func TestCallStateTransitions(t *testing.T) {
	c := NewCall(testUserAgent(), slog.New(slog.DiscardHandler))
	if c.State() != CallStateIdle {
		t.Fatalf("initial state = %q, want %q", c.State(), CallStateIdle)
	}

	c.fire(eventDial)
	if c.State() != CallStateCalling {
		t.Errorf("after dial state = %q, want %q", c.State(), CallStateCalling)
	}

	c.fire(eventRing)
	if c.State() != CallStateRinging {
		t.Errorf("after ring state = %q, want %q", c.State(), CallStateRinging)
	}

	c.fire(eventAnswer)
	if c.State() != CallStateAnswered {
		t.Errorf("after answer state = %q, want %q", c.State(), CallStateAnswered)
	}

	c.fire(eventHangup)
	if c.State() != CallStateEnded {
		t.Errorf("after hangup state = %q, want %q", c.State(), CallStateEnded)
	}
}

func TestCallAnswerWithoutRinging(t *testing.T) {
	c := NewCall(testUserAgent(), slog.New(slog.DiscardHandler))
	c.fire(eventDial)
	c.fire(eventAnswer)
	if c.State() != CallStateAnswered {
		t.Errorf("state = %q, want %q", c.State(), CallStateAnswered)
	}
}

func TestCallInvalidTransitionIgnored(t *testing.T) {
	c := NewCall(testUserAgent(), slog.New(slog.DiscardHandler))
	c.fire(eventDial)
	c.fire(eventFail)
	if c.State() != CallStateFailed {
		t.Fatalf("state = %q, want %q", c.State(), CallStateFailed)
	}

	// A failed call cannot be answered.
	c.fire(eventAnswer)
	if c.State() != CallStateFailed {
		t.Errorf("state = %q after answer on failed call, want %q", c.State(), CallStateFailed)
	}
}

func TestCallFinishClosesDoneOnce(t *testing.T) {
	ua := testUserAgent()
	c := NewCall(ua, slog.New(slog.DiscardHandler))
	ua.track(c)
	c.fire(eventDial)
	c.fire(eventAnswer)

	c.remoteHangup()
	select {
	case <-c.Done():
	default:
		t.Fatal("Done() not closed after remote hangup")
	}

	// Second terminal event must not panic on the closed channel.
	c.remoteHangup()

	if ua.ActiveCalls() != 0 {
		t.Errorf("ActiveCalls() = %d after hangup, want 0", ua.ActiveCalls())
	}
}

func newTestInvite(t *testing.T) *sip.Request {
	t.Helper()

	var recipient sip.Uri
	if err := sip.ParseUri("sip:15551234567@pbx.example.com:5060", &recipient); err != nil {
		t.Fatalf("ParseUri: %v", err)
	}
	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport("UDP")

	var fromURI sip.Uri
	if err := sip.ParseUri("sip:dialer@10.0.0.5:5070", &fromURI); err != nil {
		t.Fatalf("ParseUri: %v", err)
	}
	from := &sip.FromHeader{Address: fromURI, Params: sip.NewParams()}
	from.Params.Add("tag", "local-tag-1")
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: recipient, Params: sip.NewParams()}
	req.AppendHeader(to)

	callID := sip.CallIDHeader("test-call-id-1")
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: 10, MethodName: sip.INVITE})
	return req
}

func newTest2xx(t *testing.T, req *sip.Request) *sip.Response {
	t.Helper()

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if to := res.To(); to != nil {
		to.Params.Add("tag", "remote-tag-9")
	}

	var contactURI sip.Uri
	if err := sip.ParseUri("sip:15551234567@192.168.7.7:5080", &contactURI); err != nil {
		t.Fatalf("ParseUri: %v", err)
	}
	res.AppendHeader(&sip.ContactHeader{Address: contactURI, Params: sip.NewParams()})
	return res
}

func TestBuildACKFor2xx(t *testing.T) {
	req := newTestInvite(t)
	res := newTest2xx(t, req)

	ack := buildACKFor2xx(req, res)

	if ack.Method != sip.ACK {
		t.Errorf("Method = %v, want ACK", ack.Method)
	}
	if ack.Recipient.Host != "192.168.7.7" {
		t.Errorf("Recipient.Host = %q, want contact host 192.168.7.7", ack.Recipient.Host)
	}

	cseq := ack.CSeq()
	if cseq == nil {
		t.Fatal("ACK missing CSeq")
	}
	if cseq.SeqNo != 10 {
		t.Errorf("CSeq.SeqNo = %d, want invite's 10", cseq.SeqNo)
	}
	if cseq.MethodName != sip.ACK {
		t.Errorf("CSeq.MethodName = %v, want ACK", cseq.MethodName)
	}

	from := ack.From()
	if from == nil {
		t.Fatal("ACK missing From")
	}
	if tag, _ := from.Params.Get("tag"); tag != "local-tag-1" {
		t.Errorf("From tag = %q, want local-tag-1", tag)
	}

	to := ack.To()
	if to == nil {
		t.Fatal("ACK missing To")
	}
	if tag, _ := to.Params.Get("tag"); tag != "remote-tag-9" {
		t.Errorf("To tag = %q, want remote-tag-9", tag)
	}

	if cid := ack.CallID(); cid == nil || cid.Value() != "test-call-id-1" {
		t.Errorf("Call-ID = %v, want test-call-id-1", cid)
	}
}

func TestBuildACKFallsBackToInviteRecipient(t *testing.T) {
	req := newTestInvite(t)
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)

	ack := buildACKFor2xx(req, res)
	if ack.Recipient.Host != "pbx.example.com" {
		t.Errorf("Recipient.Host = %q, want pbx.example.com", ack.Recipient.Host)
	}
}

func TestBuildCANCEL(t *testing.T) {
	req := newTestInvite(t)
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "10.0.0.5",
		Port:            5070,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", "z9hG4bK-invite-1")
	req.AppendHeader(via)

	cancelReq := buildCANCEL(req)

	if cancelReq.Method != sip.CANCEL {
		t.Errorf("Method = %v, want CANCEL", cancelReq.Method)
	}
	// CANCEL targets the INVITE's Request-URI, not the Contact.
	if cancelReq.Recipient.Host != "pbx.example.com" {
		t.Errorf("Recipient.Host = %q, want pbx.example.com", cancelReq.Recipient.Host)
	}

	gotVia := cancelReq.Via()
	if gotVia == nil {
		t.Fatal("CANCEL missing Via")
	}
	if branch, _ := gotVia.Params.Get("branch"); branch != "z9hG4bK-invite-1" {
		t.Errorf("Via branch = %q, want the invite's z9hG4bK-invite-1", branch)
	}

	cseq := cancelReq.CSeq()
	if cseq == nil {
		t.Fatal("CANCEL missing CSeq")
	}
	if cseq.SeqNo != 10 {
		t.Errorf("CSeq.SeqNo = %d, want invite's 10", cseq.SeqNo)
	}
	if cseq.MethodName != sip.CANCEL {
		t.Errorf("CSeq.MethodName = %v, want CANCEL", cseq.MethodName)
	}

	if cid := cancelReq.CallID(); cid == nil || cid.Value() != "test-call-id-1" {
		t.Errorf("Call-ID = %v, want test-call-id-1", cid)
	}
	if tag, _ := cancelReq.From().Params.Get("tag"); tag != "local-tag-1" {
		t.Errorf("From tag = %q, want local-tag-1", tag)
	}
	if cancelReq.To() == nil {
		t.Error("CANCEL missing To")
	}
}

func TestBuildBYE(t *testing.T) {
	req := newTestInvite(t)
	res := newTest2xx(t, req)

	bye := buildBYE(req, res)

	if bye.Method != sip.BYE {
		t.Errorf("Method = %v, want BYE", bye.Method)
	}
	if bye.Recipient.Host != "192.168.7.7" {
		t.Errorf("Recipient.Host = %q, want contact host 192.168.7.7", bye.Recipient.Host)
	}

	cseq := bye.CSeq()
	if cseq == nil {
		t.Fatal("BYE missing CSeq")
	}
	if cseq.SeqNo != 11 {
		t.Errorf("CSeq.SeqNo = %d, want invite's + 1 = 11", cseq.SeqNo)
	}
	if cseq.MethodName != sip.BYE {
		t.Errorf("CSeq.MethodName = %v, want BYE", cseq.MethodName)
	}

	if tag, _ := bye.From().Params.Get("tag"); tag != "local-tag-1" {
		t.Errorf("From tag = %q, want local-tag-1", tag)
	}
	if tag, _ := bye.To().Params.Get("tag"); tag != "remote-tag-9" {
		t.Errorf("To tag = %q, want remote-tag-9", tag)
	}
	if cid := bye.CallID(); cid == nil || cid.Value() != "test-call-id-1" {
		t.Errorf("Call-ID = %v, want test-call-id-1", cid)
	}
}
