package ivr

import "fmt"

// ValidationSeverity indicates the severity of a validation issue.
type ValidationSeverity string

const (
	// SeverityError indicates a problem that prevents the flow from running.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning indicates a potential issue worth surfacing at publish.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue describes a single problem found during flow validation.
type ValidationIssue struct {
	Severity ValidationSeverity `json:"severity"`
	NodeID   string             `json:"node_id,omitempty"`
	Message  string             `json:"message"`
}

// ValidationResult holds the outcome of validating a flow graph.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Issues []ValidationIssue `json:"issues"`
}

// requiredFields lists the data fields each node type must carry.
var requiredFields = map[string][]string{
	NodePlayAudio:      {"audio_file_id"},
	NodeMenu:           {"prompt_audio_id", "timeout", "max_retries", "options"},
	NodeSurveyQuestion: {"question_id", "prompt_audio_id", "valid_inputs", "timeout", "max_retries"},
	NodeConditional:    {"variable", "operator", "true_node", "false_node"},
	NodeSetVariable:    {"variable", "value"},
	NodeTransfer:       {"transfer_to"},
}

// conditionalOperators is the closed operator set for CONDITIONAL nodes.
var conditionalOperators = map[string]bool{
	"equals":     true,
	"not_equals": true,
	"contains":   true,
	"exists":     true,
	"empty":      true,
}

// Validate checks a flow for structural and referential integrity: a
// present start node, edge endpoints that exist, required per-type data
// fields, and in-graph targets for typed routes. Flows are validated at
// publish; the executor treats violations found at runtime as fail-closed
// ends.
func Validate(f *Flow) *ValidationResult {
	result := &ValidationResult{Valid: true, Issues: []ValidationIssue{}}
	fail := func(nodeID, format string, args ...any) {
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityError,
			NodeID:   nodeID,
			Message:  fmt.Sprintf(format, args...),
		})
	}
	warn := func(nodeID, format string, args ...any) {
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityWarning,
			NodeID:   nodeID,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	if len(f.Nodes) == 0 {
		fail("", "flow has no nodes")
		result.Valid = false
		return result
	}

	if f.StartNode == "" {
		fail("", "flow has no start node")
	} else if _, ok := f.Nodes[f.StartNode]; !ok {
		fail("", "start node %q not found in flow", f.StartNode)
	}

	for _, edge := range f.Edges {
		if _, ok := f.Nodes[edge.Source]; !ok {
			fail("", "edge references non-existent source node %q", edge.Source)
		}
		if _, ok := f.Nodes[edge.Target]; !ok {
			fail("", "edge references non-existent target node %q", edge.Target)
		}
	}

	checkTarget := func(nodeID, field, target string) {
		if target == "" {
			return
		}
		if _, ok := f.Nodes[target]; !ok {
			fail(nodeID, "%s references non-existent node %q", field, target)
		}
	}

	for id, node := range f.Nodes {
		for _, field := range requiredFields[node.Type] {
			if _, ok := node.Data[field]; !ok {
				fail(id, "node type %s missing required field %q", node.Type, field)
			}
		}

		switch node.Type {
		case NodeStart, NodePlayAudio, NodeMenu, NodeSurveyQuestion,
			NodeConditional, NodeSetVariable, NodeHangup, NodeTransfer,
			NodeRecord, NodeOptOut:
		default:
			warn(id, "unknown node type %q", node.Type)
		}

		switch node.Type {
		case NodeMenu:
			for digit, target := range node.optionsField("options") {
				checkTarget(id, fmt.Sprintf("menu option %q", digit), target)
			}
			if target, _ := node.stringField("invalid_node"); target != "" {
				checkTarget(id, "invalid_node", target)
			}
			if target, _ := node.stringField("timeout_node"); target != "" {
				checkTarget(id, "timeout_node", target)
			}
		case NodePlayAudio:
			for digit, target := range node.optionsField("options") {
				checkTarget(id, fmt.Sprintf("dtmf option %q", digit), target)
			}
		case NodeConditional:
			tn, _ := node.stringField("true_node")
			fn, _ := node.stringField("false_node")
			checkTarget(id, "true_node", tn)
			checkTarget(id, "false_node", fn)
			if op, _ := node.stringField("operator"); op != "" && !conditionalOperators[op] {
				fail(id, "unknown conditional operator %q", op)
			}
		case NodeHangup:
			// Terminal; no outgoing edge needed.
		default:
			if f.DefaultNext(id) == "" && node.Type != NodeOptOut && node.Type != NodeConditional {
				warn(id, "node type %s has no outgoing edge (dead end)", node.Type)
			}
		}
	}

	for _, issue := range result.Issues {
		if issue.Severity == SeverityError {
			result.Valid = false
			break
		}
	}
	return result
}
