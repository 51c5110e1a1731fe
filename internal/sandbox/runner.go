package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/novasolve/ci-auto-rescue-sub001/internal/errkind"
)

// Config configures a Runner's resource caps and backend selection
// (the use_sandbox / test_timeout_seconds knobs).
type Config struct {
	UseSandbox    bool
	AllowFallback bool // strict mode forbids fallback when the sandbox can't start
	TestTimeout   time.Duration
	CPULimit      string // e.g. "1" cpu
	MemoryLimit   string // e.g. "1g"
	PIDsLimit     int
	Image         string // container image providing the repo's toolchain
}

// DefaultConfig supplies the documented defaults (test_timeout_seconds is left to
// the caller; a config package supplies it).
func DefaultConfig() Config {
	return Config{
		UseSandbox:    true,
		AllowFallback: true,
		TestTimeout:   5 * time.Minute,
		CPULimit:      "1",
		MemoryLimit:   "1g",
		PIDsLimit:     256,
		Image:         "",
	}
}

// unavailableError signals the isolated backend could not start and
// fallback is forbidden (exit code 3 scenario). It wraps the
// underlying startup error and reports TransientInfra so the CLI maps it to
// the "unrecoverable infrastructure error" exit code rather than treating it
// as a normal test failure.
type unavailableError struct {
	cause error
}

func (e *unavailableError) Error() string      { return "sandbox unavailable and fallback forbidden: " + e.cause.Error() }
func (e *unavailableError) Unwrap() error      { return e.cause }
func (e *unavailableError) Kind() errkind.Kind { return errkind.TransientInfra }

// ErrSandboxUnavailable is the sentinel matched via errors.Is against the
// error returned when the sandbox cannot start and fallback is forbidden.
var ErrSandboxUnavailable = errors.New("sandbox unavailable and fallback forbidden")

func newUnavailableError(cause error) error {
	return &unavailableError{cause: fmt.Errorf("%w: %v", ErrSandboxUnavailable, cause)}
}

// FallbackEvent is emitted when the runner falls back to local execution
// (telemetry kind sandbox_fallback).
type FallbackEvent struct {
	Reason string
}

// Runner executes a repository's test command via two back-ends: an
// isolated container, then a local child process when the container
// cannot start and fallback is allowed.
type Runner struct {
	Config Config
	// OnFallback, if set, is called when backend (2) is used after (1)
	// failed to start. Wired to telemetry by callers.
	OnFallback func(FallbackEvent)
}

// New constructs a Runner.
func New(cfg Config) *Runner {
	return &Runner{Config: cfg}
}

// Run executes command (argv, already split) in repoDir, rooted at the
// run's wall-clock and resource policy, returning a structured TestResult.
// A context deadline shorter than r.Config.TestTimeout further bounds
// execution (the run-global deadline).
func (r *Runner) Run(ctx context.Context, repoDir string, command []string) (TestResult, error) {
	if len(command) == 0 {
		return TestResult{}, fmt.Errorf("empty test command")
	}

	ctx, cancel := context.WithTimeout(ctx, r.Config.TestTimeout)
	defer cancel()

	if r.Config.UseSandbox {
		result, err := r.runIsolated(ctx, repoDir, command)
		if err == nil {
			return result, nil
		}
		if !r.Config.AllowFallback {
			return TestResult{}, newUnavailableError(err)
		}
		if r.OnFallback != nil {
			r.OnFallback(FallbackEvent{Reason: err.Error()})
		}
	}
	return r.runLocal(ctx, repoDir, command)
}

// runIsolated shells out to `docker run` with resource caps: CPU, memory,
// and process limits, no network, and a read-write bind of the working
// tree only. Docker is invoked via its CLI rather than its client SDK; a
// plain os/exec call already provides everything the lifecycle needs.
func (r *Runner) runIsolated(ctx context.Context, repoDir string, command []string) (TestResult, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return TestResult{}, fmt.Errorf("docker not available: %w", err)
	}
	image := r.Config.Image
	if image == "" {
		return TestResult{}, fmt.Errorf("no sandbox image configured")
	}

	args := []string{
		"run", "--rm",
		"--network", "none",
		"--cpus", orDefault(r.Config.CPULimit, "1"),
		"--memory", orDefault(r.Config.MemoryLimit, "1g"),
		"--pids-limit", fmt.Sprintf("%d", orDefaultInt(r.Config.PIDsLimit, 256)),
		"-v", repoDir + ":" + repoDir,
		"-w", repoDir,
		image,
	}
	args = append(args, command...)

	start := time.Now()
	cmd := exec.CommandContext(ctx, "docker", args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	duration := time.Since(start).Milliseconds()

	if ctx.Err() != nil {
		return TestResult{ExitCode: -1, RawTail: tail(buf.String(), 200), DurationMS: duration}, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return ParseOutput(exitErr.ExitCode(), buf.String(), duration), nil
		}
		// Startup failure (image missing, daemon unreachable): not a test
		// failure, a runner error reported in the result.
		return TestResult{
			ExitCode:    -1,
			RunnerError: fmt.Sprintf("docker run failed to start: %v", err),
			RawTail:     tail(buf.String(), 200),
			DurationMS:  duration,
		}, nil
	}
	return ParseOutput(0, buf.String(), duration), nil
}

// runLocal spawns the test command directly in the working tree with no
// resource isolation, only the wall-clock timeout. On
// timeout it escalates from SIGTERM to SIGKILL after a grace period,
// polite then forceful.
func (r *Runner) runLocal(ctx context.Context, repoDir string, command []string) (TestResult, error) {
	start := time.Now()
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = repoDir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Start(); err != nil {
		// Missing interpreter, malformed command: reported in the result
		// rather than raised.
		return TestResult{
			ExitCode:    -1,
			RunnerError: fmt.Sprintf("test command failed to start: %v", err),
		}, nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		duration := time.Since(start).Milliseconds()
		if err == nil {
			return ParseOutput(0, buf.String(), duration), nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return ParseOutput(exitErr.ExitCode(), buf.String(), duration), nil
		}
		return TestResult{
			ExitCode:    -1,
			RunnerError: fmt.Sprintf("test command failed: %v", err),
			RawTail:     tail(buf.String(), 200),
			DurationMS:  duration,
		}, nil
	case <-ctx.Done():
		escalateKill(cmd, done)
		return TestResult{ExitCode: -1, RawTail: tail(buf.String(), 200), DurationMS: time.Since(start).Milliseconds()}, nil
	}
}

// escalateKill sends SIGTERM, waits a short grace period, then SIGKILL —
// the polite-then-forceful sequence applied at every suspension
// point when a cancellation signal is observed.
func escalateKill(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(3 * time.Second):
		_ = cmd.Process.Signal(syscall.SIGKILL)
		<-done
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultInt(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
