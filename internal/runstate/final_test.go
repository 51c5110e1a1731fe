package runstate

import (
	"path/filepath"
	"testing"
)

func TestWriteLoadFinalOutcome_RoundTrips(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run-1")
	doc := FinalOutcome{RunID: "run-1", Status: "success", Reason: "success", Iterations: 3, ToolCalls: 7, BranchName: "repair/20260729T000000Z"}

	if err := WriteFinalOutcome(dir, doc); err != nil {
		t.Fatalf("WriteFinalOutcome: %v", err)
	}
	got, err := LoadFinalOutcome(dir)
	if err != nil {
		t.Fatalf("LoadFinalOutcome: %v", err)
	}
	if got != doc {
		t.Fatalf("LoadFinalOutcome() = %+v, want %+v", got, doc)
	}
}

func TestLoadFinalOutcome_MissingFileIsAnError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run-missing")
	if _, err := LoadFinalOutcome(dir); err == nil {
		t.Fatal("expected an error when final.json does not exist")
	}
}
