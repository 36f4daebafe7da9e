package ivr

import (
	"strings"
	"testing"
)

func validFlow() *Flow {
	return &Flow{
		StartNode: "start",
		Nodes: map[string]Node{
			"start": {ID: "start", Type: NodeStart},
			"menu": {ID: "menu", Type: NodeMenu, Data: map[string]any{
				"prompt_audio_id": float64(1),
				"timeout":         float64(5),
				"max_retries":     float64(3),
				"options":         map[string]any{"1": "bye"},
			}},
			"bye": {ID: "bye", Type: NodeHangup},
		},
		Edges: []Edge{
			{Source: "start", Target: "menu"},
			{Source: "menu", Target: "bye"},
		},
	}
}

func hasError(result *ValidationResult, substr string) bool {
	for _, issue := range result.Issues {
		if issue.Severity == SeverityError && strings.Contains(issue.Message, substr) {
			return true
		}
	}
	return false
}

func TestValidateAcceptsGoodFlow(t *testing.T) {
	result := Validate(validFlow())
	if !result.Valid {
		t.Errorf("Valid = false, issues: %+v", result.Issues)
	}
}

func TestValidateEmptyFlow(t *testing.T) {
	result := Validate(&Flow{})
	if result.Valid {
		t.Error("Valid = true for empty flow")
	}
	if !hasError(result, "no nodes") {
		t.Errorf("missing 'no nodes' error, issues: %+v", result.Issues)
	}
}

func TestValidateMissingStartNode(t *testing.T) {
	f := validFlow()
	f.StartNode = "ghost"
	result := Validate(f)
	if result.Valid {
		t.Error("Valid = true with missing start node")
	}
	if !hasError(result, "start node") {
		t.Errorf("missing start node error, issues: %+v", result.Issues)
	}
}

func TestValidateDanglingEdge(t *testing.T) {
	f := validFlow()
	f.Edges = append(f.Edges, Edge{Source: "menu", Target: "nowhere"})
	result := Validate(f)
	if result.Valid {
		t.Error("Valid = true with dangling edge")
	}
}

func TestValidateMissingRequiredField(t *testing.T) {
	f := validFlow()
	menu := f.Nodes["menu"]
	delete(menu.Data, "options")
	f.Nodes["menu"] = menu

	result := Validate(f)
	if result.Valid {
		t.Error("Valid = true with menu missing options")
	}
	if !hasError(result, "options") {
		t.Errorf("missing required-field error, issues: %+v", result.Issues)
	}
}

func TestValidateMenuOptionTarget(t *testing.T) {
	f := validFlow()
	menu := f.Nodes["menu"]
	menu.Data["options"] = map[string]any{"1": "ghost"}
	f.Nodes["menu"] = menu

	result := Validate(f)
	if result.Valid {
		t.Error("Valid = true with menu option pointing at missing node")
	}
}

func TestValidateUnknownOperator(t *testing.T) {
	f := &Flow{
		StartNode: "c",
		Nodes: map[string]Node{
			"c": {ID: "c", Type: NodeConditional, Data: map[string]any{
				"variable":   "x",
				"operator":   "matches_regex",
				"true_node":  "end",
				"false_node": "end",
			}},
			"end": {ID: "end", Type: NodeHangup},
		},
	}
	result := Validate(f)
	if result.Valid {
		t.Error("Valid = true with unknown operator")
	}
}

func TestValidateUnknownTypeIsWarning(t *testing.T) {
	f := validFlow()
	f.Nodes["extra"] = Node{ID: "extra", Type: "HOLOGRAM"}
	f.Edges = append(f.Edges, Edge{Source: "menu", Target: "extra"})

	result := Validate(f)
	if !result.Valid {
		t.Errorf("Valid = false, unknown type should only warn, issues: %+v", result.Issues)
	}
	found := false
	for _, issue := range result.Issues {
		if issue.Severity == SeverityWarning && strings.Contains(issue.Message, "unknown node type") {
			found = true
		}
	}
	if !found {
		t.Errorf("no unknown-type warning, issues: %+v", result.Issues)
	}
}

func TestParseFlowBackfillsNodeIDs(t *testing.T) {
	data := []byte(`{
		"start_node": "a",
		"nodes": {
			"a": {"type": "START"},
			"b": {"type": "HANGUP"}
		},
		"edges": [{"source": "a", "target": "b"}]
	}`)
	f, err := ParseFlow(data)
	if err != nil {
		t.Fatalf("ParseFlow: %v", err)
	}
	if f.Nodes["a"].ID != "a" {
		t.Errorf("node ID = %q, want a", f.Nodes["a"].ID)
	}
	if got := f.DefaultNext("a"); got != "b" {
		t.Errorf("DefaultNext(a) = %q, want b", got)
	}
	if !Validate(f).Valid {
		t.Error("parsed flow failed validation")
	}
}

func TestParseFlowBadJSON(t *testing.T) {
	if _, err := ParseFlow([]byte("{nope")); err == nil {
		t.Error("ParseFlow accepted invalid json")
	}
}
