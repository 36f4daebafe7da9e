package ivr

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

// scriptedSession plays back a scripted sequence of digit inputs: each
// PlayPrompt or CollectDigit call consumes the next entry. An entry of ""
// means no digit (playback ran to completion / collection timed out).
type scriptedSession struct {
	inputs  []string
	pos     int
	played  []int64
	playErr error
}

func (s *scriptedSession) next() string {
	if s.pos >= len(s.inputs) {
		return ""
	}
	d := s.inputs[s.pos]
	s.pos++
	return d
}

func (s *scriptedSession) PlayPrompt(_ context.Context, audioID int64, interruptDigits string) (string, error) {
	if s.playErr != nil {
		return "", s.playErr
	}
	s.played = append(s.played, audioID)
	if interruptDigits == "" {
		return "", nil
	}
	return s.next(), nil
}

func (s *scriptedSession) CollectDigit(context.Context, time.Duration) (string, error) {
	return s.next(), nil
}

type recordingHooks struct {
	hangups int
	optOuts []string
}

func (h *recordingHooks) Hangup(context.Context) error {
	h.hangups++
	return nil
}

func (h *recordingHooks) OptOut(_ context.Context, reason string) error {
	h.optOuts = append(h.optOuts, reason)
	return nil
}

func newTestExecutor(sess Session, hooks Hooks) *Executor {
	return NewExecutor(sess, hooks, Options{
		DefaultDTMFTimeout: 100 * time.Millisecond,
		DefaultMaxRetries:  3,
	}, slog.New(slog.DiscardHandler))
}

// Flow used by several tests: greeting, then a two-option menu.
func menuFlow() *Flow {
	return &Flow{
		StartNode: "n0",
		Nodes: map[string]Node{
			"n0": {ID: "n0", Type: NodePlayAudio, Data: map[string]any{"audio_file_id": float64(10)}},
			"n1": {ID: "n1", Type: NodeMenu, Data: map[string]any{
				"prompt_audio_id": float64(11),
				"timeout":         float64(3),
				"max_retries":     float64(2),
				"options":         map[string]any{"1": "n2", "2": "n3", "timeout": "n4"},
			}},
			"n2": {ID: "n2", Type: NodeHangup},
			"n3": {ID: "n3", Type: NodeHangup},
			"n4": {ID: "n4", Type: NodeHangup},
		},
		Edges: []Edge{{Source: "n0", Target: "n1"}},
	}
}

func TestMenuRoutesOnDigit(t *testing.T) {
	sess := &scriptedSession{inputs: []string{"2"}}
	hooks := &recordingHooks{}
	res := newTestExecutor(sess, hooks).Run(context.Background(), menuFlow(), nil)

	if res.State != StateCompleted {
		t.Errorf("State = %q, want %q", res.State, StateCompleted)
	}
	if res.LastNodeID != "n3" {
		t.Errorf("LastNodeID = %q, want n3", res.LastNodeID)
	}
	if len(res.DTMFInputs) != 1 || res.DTMFInputs[0] != "2" {
		t.Errorf("DTMFInputs = %v, want [2]", res.DTMFInputs)
	}
	if res.OptedOut {
		t.Error("OptedOut = true, want false")
	}
	if hooks.hangups != 1 {
		t.Errorf("hangups = %d, want 1", hooks.hangups)
	}
	// Greeting then menu prompt.
	if len(sess.played) != 2 || sess.played[0] != 10 || sess.played[1] != 11 {
		t.Errorf("played = %v, want [10 11]", sess.played)
	}
}

func TestMenuRetriesThenTimeoutRoute(t *testing.T) {
	// Two attempts, no digit either time: prompt + collect per attempt.
	sess := &scriptedSession{inputs: []string{"", "", "", ""}}
	res := newTestExecutor(sess, &recordingHooks{}).Run(context.Background(), menuFlow(), nil)

	if res.LastNodeID != "n4" {
		t.Errorf("LastNodeID = %q, want timeout route n4", res.LastNodeID)
	}
	if len(res.DTMFInputs) != 0 {
		t.Errorf("DTMFInputs = %v, want empty", res.DTMFInputs)
	}
}

func TestMenuInvalidDigitRoutesToInvalidNode(t *testing.T) {
	f := menuFlow()
	n1 := f.Nodes["n1"]
	n1.Data["invalid_node"] = "n2"
	f.Nodes["n1"] = n1

	sess := &scriptedSession{inputs: []string{"9"}}
	res := newTestExecutor(sess, &recordingHooks{}).Run(context.Background(), f, nil)

	if res.LastNodeID != "n2" {
		t.Errorf("LastNodeID = %q, want invalid route n2", res.LastNodeID)
	}
}

func TestSurveyRecordsAnswer(t *testing.T) {
	f := &Flow{
		StartNode: "q1",
		Nodes: map[string]Node{
			"q1": {ID: "q1", Type: NodeSurveyQuestion, Data: map[string]any{
				"question_id":     "satisfaction",
				"prompt_audio_id": float64(20),
				"valid_inputs":    "12345",
				"timeout":         float64(3),
				"max_retries":     float64(2),
			}},
			"end": {ID: "end", Type: NodeHangup},
		},
		Edges: []Edge{{Source: "q1", Target: "end"}},
	}

	sess := &scriptedSession{inputs: []string{"4"}}
	res := newTestExecutor(sess, &recordingHooks{}).Run(context.Background(), f, nil)

	if got := res.SurveyResponses["satisfaction"]; got != "4" {
		t.Errorf("SurveyResponses[satisfaction] = %q, want 4", got)
	}
	if res.LastNodeID != "end" {
		t.Errorf("LastNodeID = %q, want end", res.LastNodeID)
	}
}

func TestSurveyExhaustionRecordsEmptyAnswer(t *testing.T) {
	f := &Flow{
		StartNode: "q1",
		Nodes: map[string]Node{
			"q1": {ID: "q1", Type: NodeSurveyQuestion, Data: map[string]any{
				"question_id":     "age_range",
				"prompt_audio_id": float64(20),
				"valid_inputs":    "123",
				"timeout":         float64(1),
				"max_retries":     float64(2),
			}},
			"end": {ID: "end", Type: NodeHangup},
		},
		Edges: []Edge{{Source: "q1", Target: "end"}},
	}

	// Invalid digit then nothing.
	sess := &scriptedSession{inputs: []string{"9", "", ""}}
	res := newTestExecutor(sess, &recordingHooks{}).Run(context.Background(), f, nil)

	got, ok := res.SurveyResponses["age_range"]
	if !ok {
		t.Fatal("no answer recorded for exhausted question")
	}
	if got != "" {
		t.Errorf("answer = %q, want empty", got)
	}
}

func TestConditionalOperators(t *testing.T) {
	tests := []struct {
		name     string
		operator string
		value    string
		vars     map[string]string
		want     string // expected branch node
	}{
		{"equals match", "equals", "east", map[string]string{"region": "east"}, "t"},
		{"equals mismatch", "equals", "west", map[string]string{"region": "east"}, "f"},
		{"not_equals", "not_equals", "west", map[string]string{"region": "east"}, "t"},
		{"contains", "contains", "as", map[string]string{"region": "east"}, "t"},
		{"exists", "exists", "", map[string]string{"region": "east"}, "t"},
		{"exists missing", "exists", "", nil, "f"},
		{"empty on missing", "empty", "", nil, "t"},
		{"empty on set", "empty", "", map[string]string{"region": "east"}, "f"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Flow{
				StartNode: "c",
				Nodes: map[string]Node{
					"c": {ID: "c", Type: NodeConditional, Data: map[string]any{
						"variable":   "region",
						"operator":   tt.operator,
						"value":      tt.value,
						"true_node":  "t",
						"false_node": "f",
					}},
					"t": {ID: "t", Type: NodeHangup},
					"f": {ID: "f", Type: NodeHangup},
				},
			}
			res := newTestExecutor(&scriptedSession{}, &recordingHooks{}).Run(context.Background(), f, tt.vars)
			if res.LastNodeID != tt.want {
				t.Errorf("LastNodeID = %q, want %q", res.LastNodeID, tt.want)
			}
		})
	}
}

func TestSetVariableThenConditional(t *testing.T) {
	f := &Flow{
		StartNode: "set",
		Nodes: map[string]Node{
			"set": {ID: "set", Type: NodeSetVariable, Data: map[string]any{"variable": "lang", "value": "es"}},
			"c": {ID: "c", Type: NodeConditional, Data: map[string]any{
				"variable": "lang", "operator": "equals", "value": "es",
				"true_node": "t", "false_node": "f",
			}},
			"t": {ID: "t", Type: NodeHangup},
			"f": {ID: "f", Type: NodeHangup},
		},
		Edges: []Edge{{Source: "set", Target: "c"}},
	}
	res := newTestExecutor(&scriptedSession{}, &recordingHooks{}).Run(context.Background(), f, nil)
	if res.LastNodeID != "t" {
		t.Errorf("LastNodeID = %q, want t", res.LastNodeID)
	}
	if res.Variables["lang"] != "es" {
		t.Errorf("Variables[lang] = %q, want es", res.Variables["lang"])
	}
}

func TestOptOutHangsUpByDefault(t *testing.T) {
	f := &Flow{
		StartNode: "o",
		Nodes: map[string]Node{
			"o": {ID: "o", Type: NodeOptOut, Data: map[string]any{
				"reason":                "caller request",
				"confirmation_audio_id": float64(30),
			}},
		},
	}
	sess := &scriptedSession{}
	hooks := &recordingHooks{}
	res := newTestExecutor(sess, hooks).Run(context.Background(), f, nil)

	if !res.OptedOut {
		t.Error("OptedOut = false, want true")
	}
	if len(hooks.optOuts) != 1 || hooks.optOuts[0] != "caller request" {
		t.Errorf("optOuts = %v, want [caller request]", hooks.optOuts)
	}
	if hooks.hangups != 1 {
		t.Errorf("hangups = %d, want 1", hooks.hangups)
	}
	if len(sess.played) != 1 || sess.played[0] != 30 {
		t.Errorf("played = %v, want [30]", sess.played)
	}
}

func TestOptOutWithoutHangupContinues(t *testing.T) {
	f := &Flow{
		StartNode: "o",
		Nodes: map[string]Node{
			"o":   {ID: "o", Type: NodeOptOut, Data: map[string]any{"hangup_after": false}},
			"end": {ID: "end", Type: NodeHangup},
		},
		Edges: []Edge{{Source: "o", Target: "end"}},
	}
	hooks := &recordingHooks{}
	res := newTestExecutor(&scriptedSession{}, hooks).Run(context.Background(), f, nil)

	if res.LastNodeID != "end" {
		t.Errorf("LastNodeID = %q, want end", res.LastNodeID)
	}
	if hooks.hangups != 1 {
		t.Errorf("hangups = %d, want 1 (from end node)", hooks.hangups)
	}
}

func TestUnknownNodeTypeFollowsDefaultEdge(t *testing.T) {
	f := &Flow{
		StartNode: "x",
		Nodes: map[string]Node{
			"x":   {ID: "x", Type: "HOLOGRAM"},
			"end": {ID: "end", Type: NodeHangup},
		},
		Edges: []Edge{{Source: "x", Target: "end"}},
	}
	res := newTestExecutor(&scriptedSession{}, &recordingHooks{}).Run(context.Background(), f, nil)
	if res.LastNodeID != "end" {
		t.Errorf("LastNodeID = %q, want end", res.LastNodeID)
	}
}

func TestUnknownNodeTypeWithoutDefaultEndsAbnormally(t *testing.T) {
	f := &Flow{
		StartNode: "x",
		Nodes:     map[string]Node{"x": {ID: "x", Type: "HOLOGRAM"}},
	}
	res := newTestExecutor(&scriptedSession{}, &recordingHooks{}).Run(context.Background(), f, nil)
	if res.State != StateCompleted {
		t.Errorf("State = %q, want %q", res.State, StateCompleted)
	}
	if res.CompletedNormally {
		t.Error("CompletedNormally = true, want false")
	}
}

func TestCancellationBetweenNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := newTestExecutor(&scriptedSession{}, &recordingHooks{}).Run(ctx, menuFlow(), nil)
	if res.State != StateCancelled {
		t.Errorf("State = %q, want %q", res.State, StateCancelled)
	}
	if res.CompletedNormally {
		t.Error("CompletedNormally = true, want false")
	}
}

func TestMediaErrorFailsFlow(t *testing.T) {
	sess := &scriptedSession{playErr: errors.New("rtp session closed")}
	res := newTestExecutor(sess, &recordingHooks{}).Run(context.Background(), menuFlow(), nil)
	if res.State != StateFailed {
		t.Errorf("State = %q, want %q", res.State, StateFailed)
	}
}

func TestCyclicFlowTerminates(t *testing.T) {
	f := &Flow{
		StartNode: "a",
		Nodes: map[string]Node{
			"a": {ID: "a", Type: NodeStart},
			"b": {ID: "b", Type: NodeStart},
		},
		Edges: []Edge{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
	}
	res := newTestExecutor(&scriptedSession{}, &recordingHooks{}).Run(context.Background(), f, nil)
	if res.State != StateFailed {
		t.Errorf("State = %q, want %q", res.State, StateFailed)
	}
}
