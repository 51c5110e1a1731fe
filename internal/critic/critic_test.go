package critic

import (
	"context"
	"testing"

	"github.com/novasolve/ci-auto-rescue-sub001/internal/guard"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/llm"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/sandbox"
)

const addFixPatch = `diff --git a/src/calc.py b/src/calc.py
--- a/src/calc.py
+++ b/src/calc.py
@@ -1,2 +1,2 @@
 def add(a, b):
-    return a - b
+    return a + b
`

const testFilePatch = `diff --git a/tests/test_calc.py b/tests/test_calc.py
--- a/tests/test_calc.py
+++ b/tests/test_calc.py
@@ -1,2 +1,2 @@
 def test_add():
-    assert add(2, 3) == 5
+    assert add(2, 3) == 6
`

type scriptedAdapter struct {
	name string
	text string
	err  error
}

func (a *scriptedAdapter) Name() string { return a.name }
func (a *scriptedAdapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if a.err != nil {
		return llm.Response{}, a.err
	}
	return llm.Response{Provider: a.name, Message: llm.Assistant(a.text)}, nil
}
func (a *scriptedAdapter) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	resp, err := a.Complete(ctx, req)
	return llm.NewOneShotStream(resp, err), nil
}

func newClient(text string) *llm.Client {
	c := llm.NewClient()
	c.Register(&scriptedAdapter{name: "test-provider", text: text})
	return c
}

func TestCritic_Review_GuardStageShortCircuitsOnRejection(t *testing.T) {
	// The model is never called when the guard rejects: a scripted adapter
	// that errors proves no Complete call happened.
	client := llm.NewClient()
	client.Register(&scriptedAdapter{name: "test-provider", err: context.Canceled})

	c := New(guard.New(guard.DefaultPolicy()), client, "test-provider", "m")
	review, err := c.Review(context.Background(), testFilePatch, nil)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if review.Approved {
		t.Fatal("expected rejection for a test-file patch at the guard stage")
	}
	if review.GuardResult.OK {
		t.Fatal("expected GuardResult.OK to be false")
	}
}

func TestCritic_Review_ApprovesOnModelApprove(t *testing.T) {
	client := newClient(`{"decision": "approve", "rationale": "minimal fix"}`)
	c := New(guard.New(guard.DefaultPolicy()), client, "test-provider", "m")

	failing := []sandbox.Failure{{ID: "test_add", Message: "AssertionError: 5 != -1"}}
	review, err := c.Review(context.Background(), addFixPatch, failing)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if !review.Approved {
		t.Fatalf("expected approval, rationale=%q", review.Rationale)
	}
}

func TestCritic_Review_RejectsOnModelReject(t *testing.T) {
	client := newClient(`{"decision": "reject", "rationale": "unrelated change"}`)
	c := New(guard.New(guard.DefaultPolicy()), client, "test-provider", "m")

	review, err := c.Review(context.Background(), addFixPatch, nil)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if review.Approved {
		t.Fatal("expected rejection")
	}
	if review.Rationale != "unrelated change" {
		t.Fatalf("rationale = %q", review.Rationale)
	}
}

func TestCritic_Review_ToleratesProseAroundJSON(t *testing.T) {
	client := newClient("Sure, here's my verdict:\n{\"decision\": \"approve\", \"rationale\": \"ok\"}\nThanks!")
	c := New(guard.New(guard.DefaultPolicy()), client, "test-provider", "m")

	review, err := c.Review(context.Background(), addFixPatch, nil)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if !review.Approved {
		t.Fatal("expected approval after stripping prose around the JSON verdict")
	}
}

func TestCritic_Review_ErrorsOnUnrecognizedDecision(t *testing.T) {
	client := newClient(`{"decision": "maybe", "rationale": "unsure"}`)
	c := New(guard.New(guard.DefaultPolicy()), client, "test-provider", "m")

	if _, err := c.Review(context.Background(), addFixPatch, nil); err == nil {
		t.Fatal("expected an error for an unrecognized decision value")
	}
}
