// Package runstate holds the per-run mutable record for one repair run: the
// iteration counter, the used-actions memo for loop detection, and the file
// cache keyed by the modifications clock.
package runstate

import (
	"sync"
	"time"
)

// UsedAction is the loop-prevention key: a tool
// invocation is considered a repeat when name, normalized argument, and the
// modifications clock all match a prior invocation.
type UsedAction struct {
	Name                string
	NormalizedArgument  string
	ModificationsAtCall int
}

type fileCacheKey struct {
	Path                string
	ModificationsAtRead int
}

// State is the run-scoped record for a single repair run. It is owned by the
// agent loop; tools receive a borrowed pointer and mutate it under the
// single-threaded-per-run discipline. State itself still serializes
// access with a mutex so that a future concurrent caller
// (e.g. a cancellation-triggered rollback running on a separate goroutine)
// cannot corrupt it.
type State struct {
	mu sync.Mutex

	RunID          string
	Iteration      int
	IterationCap   int
	ToolCallCount  int
	ToolCallCap    int
	StartedAt      time.Time
	Deadline       time.Time
	ModsCount      int
	AppliedCommits []string

	used        map[UsedAction]struct{}
	consecutive int // run length of trailing repeat (SKIP) actions
	fileCache   map[fileCacheKey]string
}

// New creates a run state with the given caps and deadline. A zero Deadline
// means no wall-clock limit.
func New(runID string, iterationCap, toolCallCap int, deadline time.Time) *State {
	return &State{
		RunID:        runID,
		IterationCap: iterationCap,
		ToolCallCap:  toolCallCap,
		StartedAt:    time.Now(),
		Deadline:     deadline,
		used:         make(map[UsedAction]struct{}),
		fileCache:    make(map[fileCacheKey]string),
	}
}

// DeadlineExceeded reports whether the run-global wall clock has tripped.
func (s *State) DeadlineExceeded() bool {
	if s.Deadline.IsZero() {
		return false
	}
	return time.Now().After(s.Deadline)
}

// BeginIteration increments the iteration counter and reports whether the
// cap allows another one.
func (s *State) BeginIteration() (iteration int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.IterationCap > 0 && s.Iteration >= s.IterationCap {
		return s.Iteration, false
	}
	s.Iteration++
	return s.Iteration, true
}

// RecordToolCall increments the tool-call counter and reports whether the
// cap allows it. Call before dispatching the tool.
func (s *State) RecordToolCall() (count int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ToolCallCap > 0 && s.ToolCallCount >= s.ToolCallCap {
		return s.ToolCallCount, false
	}
	s.ToolCallCount++
	return s.ToolCallCount, true
}

// Seen reports whether (name, arg) has already been invoked at the current
// modifications clock, and records it either way. The returned bool mirrors
// the loop-prevention protocol: true means the caller should return
// a SKIP observation instead of re-executing the tool.
func (s *State) Seen(name, normalizedArg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := UsedAction{Name: name, NormalizedArgument: normalizedArg, ModificationsAtCall: s.ModsCount}
	_, seen := s.used[key]
	s.used[key] = struct{}{}
	if seen {
		s.consecutive++
	} else {
		s.consecutive = 0
	}
	return seen
}

// ConsecutiveSkips reports the current run length of trailing repeat (SKIP)
// actions. The agent loop uses this to terminate as stuck after three
// consecutive SKIP observations.
func (s *State) ConsecutiveSkips() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutive
}

// CacheRead stores file content read at the current modifications clock.
func (s *State) CacheRead(path, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileCache[fileCacheKey{Path: path, ModificationsAtRead: s.ModsCount}] = content
}

// CachedRead returns content previously cached for path at the current
// modifications clock, if any.
func (s *State) CachedRead(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.fileCache[fileCacheKey{Path: path, ModificationsAtRead: s.ModsCount}]
	return c, ok
}

// HasReadSinceEpoch reports whether path has been read (and therefore
// cached) at the current modifications clock: a
// write target must have been read in the current epoch before patching.
func (s *State) HasReadSinceEpoch(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.fileCache[fileCacheKey{Path: path, ModificationsAtRead: s.ModsCount}]
	return ok
}

// RecordModification advances the logical clock. All callers that write or
// apply a patch successfully must call this exactly once per mutation; stale
// file-cache entries are implicitly invalidated because their key embeds the
// pre-mutation clock value.
func (s *State) RecordModification(commitID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ModsCount++
	if commitID != "" {
		s.AppliedCommits = append(s.AppliedCommits, commitID)
	}
	return s.ModsCount
}

// Snapshot is a read-only copy of counters useful for telemetry payloads.
type Snapshot struct {
	RunID          string
	Iteration      int
	ToolCallCount  int
	ModsCount      int
	AppliedCommits []string
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	commits := make([]string, len(s.AppliedCommits))
	copy(commits, s.AppliedCommits)
	return Snapshot{
		RunID:          s.RunID,
		Iteration:      s.Iteration,
		ToolCallCount:  s.ToolCallCount,
		ModsCount:      s.ModsCount,
		AppliedCommits: commits,
	}
}
