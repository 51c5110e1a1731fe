// Package sandbox implements the Sandbox Test Runner: executes a
// repository's test command either inside a resource-isolated environment
// or, as a local fallback, in a plain child process, and parses its output
// into a structured TestResult.
package sandbox

// Failure is one failing test record.
type Failure struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`
}

// TestResult is the structured record produced by run_tests and returned
// to the agent as JSON verbatim.
type TestResult struct {
	ExitCode   int       `json:"exit_code"`
	Passed     int       `json:"passed"`
	Failed     int       `json:"failed"`
	Failing    []Failure `json:"failing"`
	DurationMS int64     `json:"duration_ms"`
	RawTail    string    `json:"raw_tail"`

	// RunnerError carries a startup diagnostic (missing interpreter,
	// malformed command, container failed to launch) when the test command
	// never ran at all. Such failures are reported in the result rather
	// than raised, so the agent sees them as an observation.
	RunnerError string `json:"runner_error,omitempty"`
}

// Clean reports whether the result represents a fully passing suite — the
// precondition for the agent loop's only success-termination path.
func (r TestResult) Clean() bool {
	return r.RunnerError == "" && r.ExitCode == 0 && r.Failed == 0 && len(r.Failing) == 0
}
