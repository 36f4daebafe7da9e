// Package ivr parses, validates, and executes campaign IVR flows. A flow
// is a directed graph of typed nodes stored as JSON; the executor walks it
// over a live call, playing prompts and collecting digits.
package ivr

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Node types.
const (
	NodeStart          = "START"
	NodePlayAudio      = "PLAY_AUDIO"
	NodeMenu           = "MENU"
	NodeSurveyQuestion = "SURVEY_QUESTION"
	NodeConditional    = "CONDITIONAL"
	NodeSetVariable    = "SET_VARIABLE"
	NodeHangup         = "HANGUP"
	NodeTransfer       = "TRANSFER"
	NodeRecord         = "RECORD"
	NodeOptOut         = "OPT_OUT"
)

// Node is one step of a flow graph. Data holds the type-specific
// configuration exactly as stored in the flow JSON.
type Node struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Edge connects two nodes. Edges carry no routing labels; typed routes
// (menu options, conditional branches) name their target node directly in
// the node data, and the first outgoing edge is the default next hop.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Flow is a parsed IVR graph.
type Flow struct {
	StartNode string          `json:"start_node"`
	Nodes     map[string]Node `json:"nodes"`
	Edges     []Edge          `json:"edges"`
}

// ParseFlow decodes the flow JSON stored in ivr_flows.flow_data. Node IDs
// in the map are backfilled onto the nodes themselves.
func ParseFlow(flowData []byte) (*Flow, error) {
	var f Flow
	if err := json.Unmarshal(flowData, &f); err != nil {
		return nil, fmt.Errorf("unmarshaling flow: %w", err)
	}
	for id, n := range f.Nodes {
		if n.ID == "" {
			n.ID = id
			f.Nodes[id] = n
		}
	}
	return &f, nil
}

// DefaultNext returns the target of the first outgoing edge from nodeID,
// or "" if the node has no outgoing edges.
func (f *Flow) DefaultNext(nodeID string) string {
	for _, e := range f.Edges {
		if e.Source == nodeID {
			return e.Target
		}
	}
	return ""
}

// Data accessors. Flow JSON decodes numbers as float64 and option maps as
// map[string]any; these normalize without panicking on absent or mistyped
// fields.

func (n Node) stringField(key string) (string, bool) {
	v, ok := n.Data[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (n Node) intField(key string) (int, bool) {
	v, ok := n.Data[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case string:
		i, err := strconv.Atoi(t)
		return i, err == nil
	}
	return 0, false
}

func (n Node) int64Field(key string) (int64, bool) {
	i, ok := n.intField(key)
	return int64(i), ok
}

func (n Node) boolField(key string) (bool, bool) {
	v, ok := n.Data[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// optionsField normalizes a digit-to-node map such as {"1": "node-a"}.
func (n Node) optionsField(key string) map[string]string {
	v, ok := n.Data[key]
	if !ok {
		return nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

// stringsField accepts either a string of digits ("123") or a JSON list
// (["1","2","3"]) and returns the concatenated digit set.
func (n Node) stringsField(key string) string {
	v, ok := n.Data[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []any:
		out := ""
		for _, item := range t {
			if s, ok := item.(string); ok {
				out += s
			}
		}
		return out
	}
	return ""
}
