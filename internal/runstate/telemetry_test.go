package runstate

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSink_Emit_WritesAppendOnlyJSONL(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewSink(filepath.Join(dir, "run-1"))
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	defer sink.Close()

	if err := sink.Emit(EventRunStart, map[string]any{"run_id": "r1"}); err != nil {
		t.Fatalf("Emit run_start: %v", err)
	}
	if err := sink.Emit(EventToolCall, map[string]any{"name": "read_file"}); err != nil {
		t.Fatalf("Emit tool_call: %v", err)
	}
	if err := sink.Emit(EventRunEnd, map[string]any{"outcome": "success"}); err != nil {
		t.Fatalf("Emit run_end: %v", err)
	}

	f, err := os.Open(sink.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var kinds []EventKind
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("unmarshal event line: %v", err)
		}
		kinds = append(kinds, ev.Kind)
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}

	want := []EventKind{EventRunStart, EventToolCall, EventRunEnd}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d = %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestSink_Path(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewSink(filepath.Join(dir, "run-1"))
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()
	if filepath.Base(sink.Path()) != "events.jsonl" {
		t.Fatalf("Path() = %q", sink.Path())
	}
}
