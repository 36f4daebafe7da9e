package ivr

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Executor outcome states.
const (
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// allDigits is the interrupt allow-set when any digit routes.
const allDigits = "0123456789*#"

// maxNodeVisits bounds graph traversal so a cyclic flow cannot hold a
// call forever.
const maxNodeVisits = 1000

// Session is the media surface the executor drives: prompt playback and
// digit collection over the live call.
type Session interface {
	// PlayPrompt plays the audio prompt to completion. If interruptDigits
	// is non-empty and the caller presses one of them, playback stops and
	// the digit is returned.
	PlayPrompt(ctx context.Context, audioID int64, interruptDigits string) (digit string, err error)

	// CollectDigit waits up to timeout for a single digit. Returns "" on
	// timeout.
	CollectDigit(ctx context.Context, timeout time.Duration) (digit string, err error)
}

// Hooks is the closed action set a flow can trigger on the engine.
type Hooks interface {
	// Hangup terminates the call.
	Hangup(ctx context.Context) error

	// OptOut records a do-not-call entry for the contact on this call.
	OptOut(ctx context.Context, reason string) error
}

// Options carries executor defaults from configuration.
type Options struct {
	DefaultDTMFTimeout time.Duration
	DefaultMaxRetries  int
}

// Result is the outcome of one flow execution over a call.
type Result struct {
	State             string
	SurveyResponses   map[string]string
	DTMFInputs        []string
	Variables         map[string]string
	Duration          time.Duration
	LastNodeID        string
	OptedOut          bool
	CompletedNormally bool
}

// Executor walks a validated flow over a live call session.
type Executor struct {
	session Session
	hooks   Hooks
	opts    Options
	logger  *slog.Logger

	// onNode, if set, is called before each node executes.
	onNode func(nodeID, nodeType string)
}

// NewExecutor creates an executor bound to one call's media session.
func NewExecutor(session Session, hooks Hooks, opts Options, logger *slog.Logger) *Executor {
	if opts.DefaultDTMFTimeout <= 0 {
		opts.DefaultDTMFTimeout = 5 * time.Second
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = 3
	}
	return &Executor{
		session: session,
		hooks:   hooks,
		opts:    opts,
		logger:  logger.With("subsystem", "ivr"),
	}
}

// OnNode registers a progress callback invoked before each node. Must be
// set before Run.
func (e *Executor) OnNode(fn func(nodeID, nodeType string)) { e.onNode = fn }

// Run walks the flow from its start node until a terminal node, a dead
// end, cancellation, or an unrecoverable media error. Initial variables
// seed the executor variable map (contact fields, campaign fields).
func (e *Executor) Run(ctx context.Context, flow *Flow, initialVars map[string]string) *Result {
	started := time.Now()
	res := &Result{
		State:             StateCompleted,
		SurveyResponses:   make(map[string]string),
		Variables:         make(map[string]string, len(initialVars)),
		CompletedNormally: true,
	}
	for k, v := range initialVars {
		res.Variables[k] = v
	}

	nodeID := flow.StartNode
	visits := 0
	for nodeID != "" {
		if ctx.Err() != nil {
			res.State = StateCancelled
			res.CompletedNormally = false
			break
		}
		visits++
		if visits > maxNodeVisits {
			e.logger.Error("flow exceeded node visit limit", "node_id", nodeID)
			res.State = StateFailed
			res.CompletedNormally = false
			break
		}

		node, ok := flow.Nodes[nodeID]
		if !ok {
			e.logger.Error("flow references missing node", "node_id", nodeID)
			res.State = StateFailed
			res.CompletedNormally = false
			break
		}
		res.LastNodeID = nodeID
		if e.onNode != nil {
			e.onNode(nodeID, node.Type)
		}
		e.logger.Debug("executing node", "node_id", nodeID, "node_type", node.Type)

		next, err := e.execNode(ctx, flow, node, res)
		if err != nil {
			if ctx.Err() != nil {
				res.State = StateCancelled
			} else {
				e.logger.Error("node execution failed", "node_id", nodeID, "error", err)
				res.State = StateFailed
			}
			res.CompletedNormally = false
			break
		}
		nodeID = next
	}

	res.Duration = time.Since(started)
	e.logger.Info("flow finished",
		"state", res.State,
		"last_node", res.LastNodeID,
		"opted_out", res.OptedOut,
		"duration", res.Duration.Round(time.Millisecond).String(),
	)
	return res
}

// execNode runs one node and returns the next node ID, or "" to end the
// walk.
func (e *Executor) execNode(ctx context.Context, flow *Flow, node Node, res *Result) (string, error) {
	switch node.Type {
	case NodeStart:
		return flow.DefaultNext(node.ID), nil
	case NodePlayAudio:
		return e.execPlayAudio(ctx, flow, node, res)
	case NodeMenu:
		return e.execMenu(ctx, flow, node, res)
	case NodeSurveyQuestion:
		return e.execSurveyQuestion(ctx, flow, node, res)
	case NodeConditional:
		return e.execConditional(node, res)
	case NodeSetVariable:
		variable, _ := node.stringField("variable")
		value, _ := node.stringField("value")
		if variable != "" {
			res.Variables[variable] = value
		}
		return flow.DefaultNext(node.ID), nil
	case NodeHangup:
		return "", e.execHangup(ctx, node)
	case NodeTransfer:
		to, _ := node.stringField("transfer_to")
		e.logger.Warn("transfer not supported in direct sip mode, continuing", "node_id", node.ID, "transfer_to", to)
		return flow.DefaultNext(node.ID), nil
	case NodeRecord:
		e.logger.Warn("record node reserved, continuing", "node_id", node.ID)
		return flow.DefaultNext(node.ID), nil
	case NodeOptOut:
		return e.execOptOut(ctx, flow, node, res)
	default:
		// Unknown types follow the default edge so a newer flow degrades
		// instead of stranding the call.
		e.logger.Warn("unknown node type, following default edge", "node_id", node.ID, "node_type", node.Type)
		next := flow.DefaultNext(node.ID)
		if next == "" {
			res.CompletedNormally = false
		}
		return next, nil
	}
}

func (e *Executor) execPlayAudio(ctx context.Context, flow *Flow, node Node, res *Result) (string, error) {
	audioID, ok := node.int64Field("audio_file_id")
	if !ok {
		e.logger.Warn("play_audio node missing audio_file_id, following default edge", "node_id", node.ID)
		return e.defaultOrEnd(flow, node, res), nil
	}

	waitForDTMF, _ := node.boolField("wait_for_dtmf")
	options := node.optionsField("options")

	interrupt := ""
	if waitForDTMF {
		interrupt = digitSet(options)
	}

	digit, err := e.session.PlayPrompt(ctx, audioID, interrupt)
	if err != nil {
		return "", err
	}
	if digit != "" {
		res.DTMFInputs = append(res.DTMFInputs, digit)
		if target, ok := options[digit]; ok {
			return target, nil
		}
	}
	return flow.DefaultNext(node.ID), nil
}

func (e *Executor) execMenu(ctx context.Context, flow *Flow, node Node, res *Result) (string, error) {
	promptID, ok := node.int64Field("prompt_audio_id")
	if !ok {
		e.logger.Warn("menu node missing prompt_audio_id, following default edge", "node_id", node.ID)
		return e.defaultOrEnd(flow, node, res), nil
	}

	options := node.optionsField("options")
	timeout := e.nodeTimeout(node)
	maxRetries := e.nodeMaxRetries(node)
	invalidNode, _ := node.stringField("invalid_node")
	timeoutNode, _ := node.stringField("timeout_node")
	if timeoutNode == "" {
		timeoutNode = options["timeout"]
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		digit, err := e.session.PlayPrompt(ctx, promptID, allDigits)
		if err != nil {
			return "", err
		}
		if digit == "" {
			digit, err = e.session.CollectDigit(ctx, timeout)
			if err != nil {
				return "", err
			}
		}

		if digit == "" {
			continue
		}
		res.DTMFInputs = append(res.DTMFInputs, digit)
		if target, ok := options[digit]; ok {
			return target, nil
		}
		e.logger.Debug("invalid menu digit", "node_id", node.ID, "digit", digit, "attempt", attempt+1)
		if invalidNode != "" {
			return invalidNode, nil
		}
	}

	if timeoutNode != "" {
		return timeoutNode, nil
	}
	return e.defaultOrEnd(flow, node, res), nil
}

func (e *Executor) execSurveyQuestion(ctx context.Context, flow *Flow, node Node, res *Result) (string, error) {
	questionID, _ := node.stringField("question_id")
	promptID, ok := node.int64Field("prompt_audio_id")
	if questionID == "" || !ok {
		e.logger.Warn("survey node missing question_id or prompt_audio_id, following default edge", "node_id", node.ID)
		return e.defaultOrEnd(flow, node, res), nil
	}

	validInputs := node.stringsField("valid_inputs")
	timeout := e.nodeTimeout(node)
	maxRetries := e.nodeMaxRetries(node)

	for attempt := 0; attempt < maxRetries; attempt++ {
		digit, err := e.session.PlayPrompt(ctx, promptID, validInputs)
		if err != nil {
			return "", err
		}
		if digit == "" {
			digit, err = e.session.CollectDigit(ctx, timeout)
			if err != nil {
				return "", err
			}
		}

		if digit == "" {
			continue
		}
		res.DTMFInputs = append(res.DTMFInputs, digit)
		if containsDigit(validInputs, digit) {
			res.SurveyResponses[questionID] = digit
			return flow.DefaultNext(node.ID), nil
		}
		e.logger.Debug("invalid survey answer", "node_id", node.ID, "digit", digit, "attempt", attempt+1)
	}

	// Exhausted retries: record an empty answer and move on.
	res.SurveyResponses[questionID] = ""
	return flow.DefaultNext(node.ID), nil
}

func (e *Executor) execConditional(node Node, res *Result) (string, error) {
	variable, _ := node.stringField("variable")
	operator, _ := node.stringField("operator")
	value, _ := node.stringField("value")
	trueNode, _ := node.stringField("true_node")
	falseNode, _ := node.stringField("false_node")

	current, exists := res.Variables[variable]

	var match bool
	switch operator {
	case "equals":
		match = exists && current == value
	case "not_equals":
		match = !exists || current != value
	case "contains":
		match = exists && value != "" && strings.Contains(current, value)
	case "exists":
		match = exists
	case "empty":
		match = !exists || current == ""
	default:
		e.logger.Warn("unknown conditional operator, taking false branch", "node_id", node.ID, "operator", operator)
	}

	if match {
		return trueNode, nil
	}
	return falseNode, nil
}

func (e *Executor) execHangup(ctx context.Context, node Node) error {
	if audioID, ok := node.int64Field("goodbye_audio_id"); ok {
		if _, err := e.session.PlayPrompt(ctx, audioID, ""); err != nil {
			e.logger.Warn("goodbye playback failed", "node_id", node.ID, "error", err)
		}
	}
	return e.hooks.Hangup(ctx)
}

func (e *Executor) execOptOut(ctx context.Context, flow *Flow, node Node, res *Result) (string, error) {
	reason, _ := node.stringField("reason")
	res.OptedOut = true
	if err := e.hooks.OptOut(ctx, reason); err != nil {
		e.logger.Error("recording opt-out failed", "node_id", node.ID, "error", err)
	}

	if audioID, ok := node.int64Field("confirmation_audio_id"); ok {
		if _, err := e.session.PlayPrompt(ctx, audioID, ""); err != nil {
			e.logger.Warn("opt-out confirmation playback failed", "node_id", node.ID, "error", err)
		}
	}

	hangupAfter := true
	if v, ok := node.boolField("hangup_after"); ok {
		hangupAfter = v
	}
	if hangupAfter {
		return "", e.hooks.Hangup(ctx)
	}
	return flow.DefaultNext(node.ID), nil
}

// defaultOrEnd follows the default edge; a missing default ends the walk
// with completed_normally=false.
func (e *Executor) defaultOrEnd(flow *Flow, node Node, res *Result) string {
	next := flow.DefaultNext(node.ID)
	if next == "" {
		res.CompletedNormally = false
	}
	return next
}

func (e *Executor) nodeTimeout(node Node) time.Duration {
	if secs, ok := node.intField("timeout"); ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return e.opts.DefaultDTMFTimeout
}

func (e *Executor) nodeMaxRetries(node Node) int {
	if n, ok := node.intField("max_retries"); ok && n > 0 {
		return n
	}
	return e.opts.DefaultMaxRetries
}

// digitSet concatenates the digit keys of an options map, skipping
// non-digit route labels such as "timeout".
func digitSet(options map[string]string) string {
	out := ""
	for k := range options {
		if len(k) == 1 && containsDigit(allDigits, k) {
			out += k
		}
	}
	return out
}

func containsDigit(set, digit string) bool {
	return digit != "" && strings.Contains(set, digit)
}
