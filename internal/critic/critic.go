// Package critic implements the two-stage patch review: a deterministic
// Guard pass, then — only if the guard approves — a semantic review
// delegated to the model adapter.
package critic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/novasolve/ci-auto-rescue-sub001/internal/guard"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/llm"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/sandbox"
)

// Verdict is the normalized model output of the semantic stage: `{decision,
// rationale}`.
type Verdict struct {
	Decision  string `json:"decision"` // "approve" | "reject"
	Rationale string `json:"rationale"`
}

func (v Verdict) Approved() bool { return strings.EqualFold(v.Decision, "approve") }

// Review is the outcome a full patch review returns.
type Review struct {
	Approved    bool
	Rationale   string
	GuardResult guard.Result
}

// Critic combines a Guard with a model client for the semantic stage.
type Critic struct {
	Guard    *guard.Guard
	Client   *llm.Client
	Model    string
	Provider string
}

// New constructs a Critic.
func New(g *guard.Guard, client *llm.Client, provider, model string) *Critic {
	return &Critic{Guard: g, Client: client, Provider: provider, Model: model}
}

// Review runs the guard stage, then (only on guard approval) the semantic
// stage. failing is the failing-test context the
// semantic stage compares the patch against.
func (c *Critic) Review(ctx context.Context, rawPatch string, failing []sandbox.Failure) (Review, error) {
	gr := c.Guard.Validate(rawPatch)
	if !gr.OK {
		return Review{Approved: false, Rationale: strings.Join(gr.Violations, "; "), GuardResult: gr}, nil
	}

	verdict, err := c.semanticReview(ctx, gr.NormalizedText, failing)
	if err != nil {
		return Review{}, fmt.Errorf("semantic review: %w", err)
	}
	return Review{Approved: verdict.Approved(), Rationale: verdict.Rationale, GuardResult: gr}, nil
}

func (c *Critic) semanticReview(ctx context.Context, patchText string, failing []sandbox.Failure) (Verdict, error) {
	var sb strings.Builder
	sb.WriteString("Failing tests before this patch:\n")
	for _, f := range failing {
		fmt.Fprintf(&sb, "- %s: %s", f.ID, f.Message)
		if f.File != "" {
			fmt.Fprintf(&sb, " (%s:%d)", f.File, f.Line)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nCandidate patch:\n")
	sb.WriteString(patchText)
	sb.WriteString("\n\nThe change must be the minimal fix needed to address the failing tests above, must not touch test files, CI configuration, or secrets, and must not introduce unrelated behavior. Respond with a JSON object {\"decision\": \"approve\"|\"reject\", \"rationale\": \"...\"} and nothing else.")

	lowTemp := 0.0
	req := llm.Request{
		Provider:    c.Provider,
		Model:       c.Model,
		Temperature: &lowTemp, // semantic stage runs at fixed low temperature
		Messages: []llm.Message{
			llm.System("You are a strict, conservative code reviewer for an automated repair system. You only approve minimal, targeted fixes."),
			llm.User(sb.String()),
		},
	}
	resp, err := llm.Retry(ctx, llm.DefaultRetryPolicy(), nil, nil, func() (llm.Response, error) {
		return c.Client.Complete(ctx, req)
	})
	if err != nil {
		return Verdict{}, err
	}

	var v Verdict
	text := extractJSONObject(resp.Text())
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return Verdict{}, fmt.Errorf("model did not return a normalized verdict: %w", err)
	}
	if !v.Approved() && !strings.EqualFold(v.Decision, "reject") {
		return Verdict{}, fmt.Errorf("model returned unrecognized decision %q", v.Decision)
	}
	return v, nil
}

// extractJSONObject trims any leading/trailing prose around a model's JSON
// reply down to the outermost {...} block.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
