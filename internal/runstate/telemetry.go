package runstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventKind enumerates the telemetry kinds the event stream can carry.
type EventKind string

const (
	EventRunStart         EventKind = "run_start"
	EventRunEnd           EventKind = "run_end"
	EventIterationStart   EventKind = "iteration_start"
	EventToolCall         EventKind = "tool_call"
	EventPatchRejected    EventKind = "patch_rejected"
	EventPatchApplied     EventKind = "patch_applied"
	EventPatchApplyFailed EventKind = "patch_apply_failed"
	EventTestRunCompleted EventKind = "test_run_completed"
	EventSandboxFallback  EventKind = "sandbox_fallback"
	EventModelFallback    EventKind = "model_fallback"
	EventRollback         EventKind = "rollback"
)

// Event is the single wire shape for the append-only telemetry stream:
// (timestamp, kind, payload).
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      EventKind      `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Sink is the single-writer, append-only JSONL event stream persisted
// under the repository's private metadata directory
// (`run-<timestamp>/events.jsonl`). Writes are serialized by an internal
// mutex since tools may be invoked from code paths that also handle
// interruption concurrently.
type Sink struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// NewSink opens (creating parent directories as needed) the events.jsonl
// file for a run. The file is opened for append so a crash mid-run leaves a
// valid prefix of complete JSON lines.
func NewSink(runDir string) (*Sink, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	path := filepath.Join(runDir, "events.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event sink: %w", err)
	}
	return &Sink{f: f, path: path}, nil
}

// Emit appends one event and syncs immediately, so the stream on disk is
// always a valid prefix of the run.
func (s *Sink) Emit(kind EventKind, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := Event{Timestamp: time.Now(), Kind: kind, Payload: payload}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	b = append(b, '\n')
	if _, err := s.f.Write(b); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return s.f.Sync()
}

// Close closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Path returns the events.jsonl path for diagnostics and for the
// pointer to the event log in single-line user-visible failure messages.
func (s *Sink) Path() string {
	return s.path
}
