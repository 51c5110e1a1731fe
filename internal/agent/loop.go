package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/novasolve/ci-auto-rescue-sub001/internal/llm"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/runstate"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/sandbox"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/tools"
)

// OutcomeReason enumerates why a run ended.
type OutcomeReason string

const (
	ReasonSuccess            OutcomeReason = "success"
	ReasonTestsFailing       OutcomeReason = "tests_failing"
	ReasonIterationCap       OutcomeReason = "iteration_cap"
	ReasonToolCallCap        OutcomeReason = "tool_call_cap"
	ReasonDeadline           OutcomeReason = "deadline"
	ReasonStuck              OutcomeReason = "stuck"
	ReasonModelUnavailable   OutcomeReason = "model_unavailable"
	ReasonSandboxUnavailable OutcomeReason = "sandbox_unavailable"
	ReasonInterrupted        OutcomeReason = "interrupted"
)

// Outcome is what Run returns: the terminal state of the repair loop.
type Outcome struct {
	Reason     OutcomeReason
	Iterations int
	ToolCalls  int
	LastResult sandbox.TestResult
}

// Sink is the subset of telemetry the loop needs; runstate.Sink satisfies it.
type Sink interface {
	Emit(kind runstate.EventKind, payload map[string]any) error
}

// Loop drives one repair run's model conversation.
type Loop struct {
	Client       *llm.Client
	Capabilities *llm.CapabilityRegistry
	Registry     *Registry
	State        *runstate.State
	Sink         Sink

	Provider         string
	Model            string
	FallbackProvider string
	FallbackModel    string
	Temperature      float64
	SystemPrompt     string

	messages []llm.Message

	usedFallback        bool
	lastWasSuccessApply bool
	sawFirstRunTests    bool
	lastRunResult       sandbox.TestResult
	haveLastRunResult   bool
	fatalErr            error
}

// NewLoop constructs a Loop ready to Run. systemPrompt should state the
// workflow invariants; BuildSystemPrompt returns a default one.
func NewLoop(client *llm.Client, caps *llm.CapabilityRegistry, reg *Registry, st *runstate.State, sink Sink, provider, model, fallbackProvider, fallbackModel, systemPrompt string) *Loop {
	return &Loop{
		Client:           client,
		Capabilities:     caps,
		Registry:         reg,
		State:            st,
		Sink:             sink,
		Provider:         provider,
		Model:            model,
		FallbackProvider: fallbackProvider,
		FallbackModel:    fallbackModel,
		SystemPrompt:     systemPrompt,
	}
}

// BuildSystemPrompt renders the default system prompt embedding the
// workflow invariants and the tool catalog the model may call.
func BuildSystemPrompt(failing []sandbox.Failure) string {
	var sb strings.Builder
	sb.WriteString("You are an automated repair agent. You may only use the provided tools.\n")
	sb.WriteString("Rules:\n")
	sb.WriteString("1. Your first action must be run_tests, to materialize the failing-test set.\n")
	sb.WriteString("2. plan_todo records your plan but is never your last action; after planning, take a concrete step.\n")
	sb.WriteString("3. Before apply_patch on a file, you must have read_file'd it in the current epoch.\n")
	sb.WriteString("4. After a successful apply_patch, your next action must be run_tests.\n")
	sb.WriteString("5. Only stop once run_tests reports zero failures. Propose the smallest patch that fixes the failing tests; never touch test files, CI config, or secrets.\n")
	if len(failing) > 0 {
		sb.WriteString("\nFailing tests known so far:\n")
		for _, f := range failing {
			fmt.Fprintf(&sb, "- %s: %s\n", f.ID, f.Message)
		}
	}
	return sb.String()
}

// Run drives the conversation until a terminal outcome is reached.
// userGoal is the initial user-turn instruction (e.g. naming the
// repository and the task).
func (l *Loop) Run(ctx context.Context, userGoal string) (Outcome, error) {
	l.messages = []llm.Message{llm.System(l.SystemPrompt), llm.User(userGoal)}

	for {
		if l.State.DeadlineExceeded() {
			return l.finish(ReasonDeadline), nil
		}
		if ctx.Err() != nil {
			return l.finish(ReasonInterrupted), nil
		}

		iteration, ok := l.State.BeginIteration()
		if !ok {
			return l.finish(ReasonIterationCap), nil
		}
		l.emit(runstate.EventIterationStart, map[string]any{"iteration": iteration})

		resp, err := l.converse(ctx)
		if err != nil {
			if llm.IsCapabilityMismatch(err) && !l.usedFallback && l.FallbackModel != "" {
				l.usedFallback = true
				l.emit(runstate.EventModelFallback, map[string]any{
					"from":   fmt.Sprintf("%s/%s", l.Provider, l.Model),
					"to":     fmt.Sprintf("%s/%s", l.FallbackProvider, l.FallbackModel),
					"reason": err.Error(),
				})
				l.Provider, l.Model = l.FallbackProvider, l.FallbackModel
				resp, err = l.converse(ctx)
			}
			if err != nil {
				return l.finish(ReasonModelUnavailable), fmt.Errorf("model call failed: %w", err)
			}
		}

		l.messages = append(l.messages, resp.Message)

		calls := resp.ToolCalls()
		if len(calls) == 0 {
			// Textual-protocol fallback: parse a thought/action transcript
			// out of the assistant's plain text.
			if tc, ok := parseTextualAction(resp.Text()); ok {
				calls = []llm.ToolCallData{tc}
			}
		}
		if len(calls) == 0 {
			// No tool call at all this turn: nudge the agent rather than
			// silently terminating, consuming one iteration.
			l.messages = append(l.messages, llm.User("No tool call was recognized. Respond with exactly one tool invocation."))
			continue
		}

		done, outcome := l.dispatchTurn(ctx, calls)
		if done {
			return outcome, l.fatalErr
		}
	}
}

// dispatchTurn executes every tool call the model requested this turn, in
// order and one at a time, and enforces the workflow invariants and caps
// that gate each call before it reaches the tool layer.
func (l *Loop) dispatchTurn(ctx context.Context, calls []llm.ToolCallData) (done bool, outcome Outcome) {
	for _, call := range calls {
		if violation := l.checkWorkflowInvariant(call); violation != "" {
			l.messages = append(l.messages, llm.ToolResultNamed(call.ID, call.Name, "ERROR: "+violation, true))
			continue
		}

		if _, ok := l.State.RecordToolCall(); !ok {
			return true, l.finish(ReasonToolCallCap)
		}

		result := l.Registry.Execute(ctx, call)
		if result.Fatal != nil {
			// The only fatal tool failure is the strict-mode sandbox that
			// cannot start; it ends the run with an infrastructure outcome
			// instead of feeding the agent an observation it cannot act on.
			l.fatalErr = result.Fatal
			return true, l.finish(ReasonSandboxUnavailable)
		}
		l.messages = append(l.messages, llm.ToolResultNamed(call.ID, call.Name, result.Output, result.IsError))

		l.trackInvariantState(call.Name, result)

		if call.Name == tools.RunTests && !result.IsError {
			var tr sandbox.TestResult
			if err := json.Unmarshal([]byte(result.FullOutput), &tr); err == nil {
				l.haveLastRunResult = true
				l.lastRunResult = tr
				l.sawFirstRunTests = true
				if tr.Clean() {
					return true, l.finish(ReasonSuccess)
				}
			}
		}

		if l.State.ConsecutiveSkips() >= 3 {
			return true, l.finish(ReasonStuck)
		}
	}
	return false, Outcome{}
}

// checkWorkflowInvariant enforces the ordering rules that the tool
// layer itself cannot see (it has no notion of "the previous call"):
// invariant 1 (must open with run_tests) and invariant 4 (must follow a
// successful apply_patch with run_tests). Invariant 3 (read-before-write) is
// enforced inside the tool layer itself (runstate.HasReadSinceEpoch).
func (l *Loop) checkWorkflowInvariant(call llm.ToolCallData) string {
	if !l.sawFirstRunTests && call.Name != tools.RunTests {
		return "the repair loop must begin with run_tests before any other tool"
	}
	if l.lastWasSuccessApply && call.Name != tools.RunTests {
		return "the previous apply_patch succeeded; the next action must be run_tests"
	}
	return ""
}

func (l *Loop) trackInvariantState(name string, result ToolExecResult) {
	l.lastWasSuccessApply = name == tools.ApplyPatch && !result.IsError
}

// converse issues one model turn, applying the capability registry's
// parameter restrictions and choosing the structured tool-call
// protocol only when the current model advertises support for it.
func (l *Loop) converse(ctx context.Context) (llm.Response, error) {
	cap := l.Capabilities.Lookup(l.Model)
	req := llm.Request{
		Provider:    l.Provider,
		Model:       l.Model,
		Messages:    l.messages,
		Temperature: &l.Temperature,
	}
	if cap.SupportsToolCalls {
		req.Tools = l.Registry.Definitions()
	}
	req = llm.ApplyCapability(req, cap)
	policy := llm.ExecutionPolicy(l.Provider)
	req = llm.ApplyExecutionPolicy(req, policy)
	// Transient provider errors (rate limit, 5xx) are retried once within
	// the turn; anything else surfaces immediately.
	return llm.Retry(ctx, llm.DefaultRetryPolicy(), nil, nil, func() (llm.Response, error) {
		if policy.ForceStream {
			// Providers whose policy forces streaming still yield one
			// completed turn; the stream is drained to its final response.
			return llm.CollectStream(l.Client.Stream(ctx, req))
		}
		return l.Client.Complete(ctx, req)
	})
}

func (l *Loop) finish(reason OutcomeReason) Outcome {
	o := Outcome{Reason: reason}
	snap := l.State.Snapshot()
	o.Iterations = snap.Iteration
	o.ToolCalls = snap.ToolCallCount
	if l.haveLastRunResult {
		o.LastResult = l.lastRunResult
	}
	// Budget/stuck terminals that happen after at least one test run still
	// showed failures are reported as "tests still failing" (exit
	// code 1) rather than a budget-exhaustion exit — the loop prefers the
	// more specific outcome when it has evidence for it.
	if (reason == ReasonIterationCap || reason == ReasonToolCallCap || reason == ReasonStuck) &&
		l.haveLastRunResult && !l.lastRunResult.Clean() {
		o.Reason = ReasonTestsFailing
	}
	return o
}

func (l *Loop) emit(kind runstate.EventKind, payload map[string]any) {
	if l.Sink != nil {
		_ = l.Sink.Emit(kind, payload)
	}
}

// parseTextualAction implements the textual thought/action/action-
// input protocol for models whose capability entry reports no native tool
// calling: it truncates the model's output at the first "Action Input:"
// line and discards any model-fabricated "Observation:" content, since real
// observations are inserted by the loop only.
func parseTextualAction(text string) (llm.ToolCallData, bool) {
	lines := strings.Split(text, "\n")
	var action string
	var inputLines []string
	inputStart := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if inputStart >= 0 {
			// Everything after "Action Input:" belongs to the argument
			// (a diff spans many lines) until a fabricated observation.
			if strings.HasPrefix(trimmed, "Observation:") {
				break
			}
			inputLines = append(inputLines, line)
			continue
		}
		switch {
		case strings.HasPrefix(trimmed, "Action:"):
			action = strings.TrimSpace(strings.TrimPrefix(trimmed, "Action:"))
		case strings.HasPrefix(trimmed, "Action Input:"):
			if rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "Action Input:")); rest != "" {
				inputLines = append(inputLines, rest)
			}
			inputStart = i
		}
	}
	if action == "" || inputStart < 0 {
		return llm.ToolCallData{}, false
	}
	input := strings.TrimRight(strings.Join(inputLines, "\n"), "\n")
	input = strings.TrimSpace(input)
	argJSON := textualArgumentToJSON(action, input)
	return llm.ToolCallData{ID: "", Name: action, Arguments: argJSON}, true
}

// textualArgumentToJSON wraps a textual-protocol action input back into the
// JSON-object shape registeredTool.Execute expects, matching each tool's
// single declared parameter.
func textualArgumentToJSON(toolName, input string) json.RawMessage {
	var obj map[string]any
	switch toolName {
	case tools.ReadFile:
		obj = map[string]any{"path": input}
	case tools.ApplyPatch, tools.CriticReview:
		obj = map[string]any{"diff": input}
	case tools.RunTests:
		obj = map[string]any{"selectors": input}
	case tools.PlanTodo:
		obj = map[string]any{"plan": input}
	case tools.WriteFile:
		// write_file's textual form is the JSON {path, new_content} itself.
		var v map[string]any
		if err := json.Unmarshal([]byte(input), &v); err == nil {
			obj = v
		} else {
			obj = map[string]any{}
		}
	default:
		obj = map[string]any{}
	}
	b, _ := json.Marshal(obj)
	return b
}
