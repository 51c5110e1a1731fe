package sandbox

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// machineResult is the shape a test command may emit when asked for
// machine-readable output (e.g. `pytest --json-report`, `go test -json`
// summarized upstream into this shape by the repository's test command
// wrapper). Parsing prefers this over scraping human output.
type machineResult struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Failing []struct {
		ID      string `json:"id"`
		Message string `json:"message"`
		File    string `json:"file"`
		Line    int    `json:"line"`
		Excerpt string `json:"excerpt"`
	} `json:"failing"`
}

// ParseOutput builds a TestResult from a test command's combined output and
// exit code. It first looks for a single trailing JSON object matching
// machineResult; failing that, it falls back to anchor-based scraping of
// common human-readable failure separators.
func ParseOutput(exitCode int, combined string, duration int64) TestResult {
	if mr, ok := tryMachineResult(combined); ok {
		return TestResult{
			ExitCode:   exitCode,
			Passed:     mr.Passed,
			Failed:     mr.Failed,
			Failing:    toFailures(mr),
			DurationMS: duration,
			RawTail:    tail(combined, 200),
		}
	}
	return parseHumanOutput(exitCode, combined, duration)
}

func toFailures(mr machineResult) []Failure {
	out := make([]Failure, 0, len(mr.Failing))
	for _, f := range mr.Failing {
		out = append(out, Failure{ID: f.ID, Message: f.Message, File: f.File, Line: f.Line, Excerpt: f.Excerpt})
	}
	return out
}

func tryMachineResult(combined string) (machineResult, bool) {
	trimmed := strings.TrimSpace(combined)
	// Scan from the last line backwards for a line that parses as JSON —
	// tolerates a JSON summary line trailing ordinary stdout.
	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0 && i >= len(lines)-5; i-- {
		candidate := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(candidate, "{") {
			continue
		}
		var mr machineResult
		if err := json.Unmarshal([]byte(candidate), &mr); err == nil {
			return mr, true
		}
	}
	return machineResult{}, false
}

var (
	pytestFailureLine = regexp.MustCompile(`^FAILED (\S+) - (.*)$`)
	goTestFailureLine = regexp.MustCompile(`^--- FAIL: (\S+)`)
	goTestFileLine    = regexp.MustCompile(`^\s*(\S+\.go):(\d+):`)
	pytestSeparator   = regexp.MustCompile(`^_{5,} .+ _{5,}$`)
	tracebackEnd      = regexp.MustCompile(`^(E\s|Error:|AssertionError)`)
)

// parseHumanOutput applies the anchor-based fallback: failure
// separators for pytest-style output and "--- FAIL:" markers for go test
// output. On ambiguity (neither anchor recognized but the exit
// code is nonzero) it reports failed conservatively high.
func parseHumanOutput(exitCode int, combined string, duration int64) TestResult {
	lines := strings.Split(combined, "\n")
	var failing []Failure

	for i, l := range lines {
		if m := pytestFailureLine.FindStringSubmatch(l); m != nil {
			failing = append(failing, Failure{ID: m[1], Message: m[2]})
			continue
		}
		if m := goTestFailureLine.FindStringSubmatch(l); m != nil {
			f := Failure{ID: m[1]}
			for j := i + 1; j < len(lines) && j < i+15; j++ {
				if fm := goTestFileLine.FindStringSubmatch(lines[j]); fm != nil {
					f.File = fm[1]
					if n, err := strconv.Atoi(fm[2]); err == nil {
						f.Line = n
					}
					f.Message = strings.TrimSpace(lines[j])
					break
				}
			}
			failing = append(failing, f)
			continue
		}
		if pytestSeparator.MatchString(l) && i+1 < len(lines) {
			msg := strings.TrimSpace(lines[i+1])
			for j := i + 1; j < len(lines) && j < i+20; j++ {
				if tracebackEnd.MatchString(lines[j]) {
					msg = strings.TrimSpace(lines[j])
					break
				}
			}
			failing = append(failing, Failure{ID: strings.Trim(l, "_ "), Message: msg})
		}
	}

	result := TestResult{
		ExitCode:   exitCode,
		Failing:    failing,
		Failed:     len(failing),
		DurationMS: duration,
		RawTail:    tail(combined, 200),
	}
	if exitCode == 0 && len(failing) == 0 {
		return result
	}
	if exitCode != 0 && len(failing) == 0 {
		// Ambiguous: nonzero exit but no recognized failure anchor. Report
		// conservatively high rather than claiming success.
		result.Failed = 1
		result.Failing = []Failure{{ID: "unknown", Message: "test command exited nonzero with unrecognized output format"}}
	}
	return result
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
