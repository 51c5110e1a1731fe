// Command kilroy-repair drives one automated test-repair run: it opens a
// dedicated branch on a target repository, then lets the agent loop observe
// failing tests, propose and apply a patch, and re-test until the suite is
// clean or a budget/safety limit ends the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/novasolve/ci-auto-rescue-sub001/internal/agent"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/clilog"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/config"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/critic"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/errkind"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/guard"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/llm"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/patch"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/repo"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/runstate"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/sandbox"
	"github.com/novasolve/ci-auto-rescue-sub001/internal/tools"

	// Blank imports register each provider's env-credential adapter
	// factory; llm.NewFromEnv only sees what has been imported somewhere
	// in the program.
	_ "github.com/novasolve/ci-auto-rescue-sub001/internal/llm/providers/anthropic"
	_ "github.com/novasolve/ci-auto-rescue-sub001/internal/llm/providers/google"
	_ "github.com/novasolve/ci-auto-rescue-sub001/internal/llm/providers/openai"
	_ "github.com/novasolve/ci-auto-rescue-sub001/internal/llm/providers/openaicompat"
)

// Process exit codes.
const (
	exitSuccess           = 0
	exitTestsStillFailing = 1
	exitSafetyOrBudget    = 2
	exitInfra             = 3
	exitInterrupted       = 130
)

const metaDirName = ".kilroy-repair"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("kilroy-repair", flag.ContinueOnError)
	repoPath := fs.String("repo", ".", "path to the repository to repair")
	configPath := fs.String("config", "", "path to a .kilroy-repair.yaml config file")
	testCmd := fs.String("test-cmd", "", "shell test command, e.g. \"go test ./...\" (required)")
	goal := fs.String("goal", "", "task description shown to the agent; defaults to a generic repair instruction")
	provider := fs.String("provider", "", "model provider (overrides config)")
	model := fs.String("model", "", "model id (overrides config model_id)")
	fallbackProvider := fs.String("fallback-provider", "", "fallback provider (overrides config)")
	fallbackModel := fs.String("fallback-model", "", "fallback model id (overrides config model_fallback_id)")
	maxIterations := fs.Int("max-iterations", 0, "overrides config max_iterations")
	globalTimeout := fs.Int("global-timeout-seconds", 0, "overrides config global_timeout_seconds")
	useSandbox := fs.Bool("use-sandbox", true, "run tests in the isolated backend when available")
	sandboxImage := fs.String("sandbox-image", "", "container image for the isolated test backend")
	modelCatalog := fs.String("model-catalog", "", "path to an OpenRouter models JSON dump extending the capability registry")
	verbose := fs.Bool("v", false, "verbose progress output")
	branchPrefix := fs.String("branch-prefix", "kilroy-repair/run", "repair branch name prefix")

	if err := fs.Parse(args); err != nil {
		return exitInfra
	}

	log := clilog.New(os.Stderr, *verbose)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorf("", "load config: %v", err)
		return exitInfra
	}
	applyFlagOverrides(&cfg, fs, *provider, *model, *fallbackProvider, *fallbackModel, *maxIterations, *globalTimeout, *sandboxImage)
	if *modelCatalog != "" {
		cfg.ModelCatalogPath = *modelCatalog
	}
	cfg.UseSandbox = *useSandbox
	cfg.Verbose = *verbose

	if strings.TrimSpace(*testCmd) == "" {
		log.Errorf("", "--test-cmd is required")
		return exitInfra
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		log.Errorf("", "--model or config model_id is required")
		return exitInfra
	}

	absRepo, err := filepath.Abs(*repoPath)
	if err != nil {
		log.Errorf("", "resolve repo path: %v", err)
		return exitInfra
	}

	code, err := runRepair(absRepo, cfg, strings.Fields(*testCmd), *goal, *branchPrefix, log)
	if err != nil {
		log.Errorf("", "%v", err)
	}
	return code
}

func applyFlagOverrides(cfg *config.Config, fs *flag.FlagSet, provider, model, fallbackProvider, fallbackModel string, maxIterations, globalTimeout int, sandboxImage string) {
	seen := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { seen[f.Name] = true })
	if seen["provider"] {
		cfg.Provider = provider
	}
	if seen["model"] {
		cfg.ModelID = model
	}
	if seen["fallback-provider"] {
		cfg.FallbackProvider = fallbackProvider
	}
	if seen["fallback-model"] {
		cfg.ModelFallbackID = fallbackModel
	}
	if seen["max-iterations"] {
		cfg.MaxIterations = maxIterations
	}
	if seen["global-timeout-seconds"] {
		cfg.GlobalTimeoutSeconds = globalTimeout
	}
	if seen["sandbox-image"] {
		cfg.SandboxImage = sandboxImage
	}
}

// runRepair wires every component and drives one
// run to a terminal outcome, returning the process exit code.
func runRepair(repoDir string, cfg config.Config, testCmd []string, goal, branchPrefix string, log *clilog.Logger) (int, error) {
	metaDir := filepath.Join(repoDir, metaDirName)

	lock, err := runstate.Acquire(metaDir)
	if err != nil {
		return exitCodeForSetupError(err), err
	}
	defer lock.Release()

	ctrl, err := repo.Open(repoDir, branchPrefix, time.Now())
	if err != nil {
		return exitCodeForSetupError(err), fmt.Errorf("open repository: %w", err)
	}

	runID := ulid.Make().String()
	runDir := filepath.Join(metaDir, "run-"+runID)
	sink, err := runstate.NewSink(runDir)
	if err != nil {
		return exitInfra, fmt.Errorf("open telemetry sink: %w", err)
	}
	defer sink.Close()

	ctx, cancel := ctrl.WithInterruptRollback(context.Background())
	defer cancel()

	deadline := time.Time{}
	if cfg.GlobalTimeoutSeconds > 0 {
		deadline = time.Now().Add(time.Duration(cfg.GlobalTimeoutSeconds) * time.Second)
	}
	state := runstate.New(runID, cfg.MaxIterations, cfg.AgentMaxToolCalls, deadline)

	_ = sink.Emit(runstate.EventRunStart, map[string]any{"run_id": runID, "repo": repoDir, "branch": ctrl.BranchName})

	policy := guard.DefaultPolicy()
	policy.MaxPatchLines = cfg.MaxPatchLines
	policy.MaxFiles = cfg.MaxFiles
	if cfg.MaxFileReadBytes > 0 {
		policy.MaxFileReadBytes = cfg.MaxFileReadBytes
	}
	if cfg.MaxFileWriteBytes > 0 {
		policy.MaxFileWriteBytes = cfg.MaxFileWriteBytes
	}
	g := guard.New(policy)

	sandboxCfg := sandbox.DefaultConfig()
	sandboxCfg.UseSandbox = cfg.UseSandbox
	sandboxCfg.AllowFallback = cfg.AllowFallback
	if cfg.TestTimeoutSeconds > 0 {
		sandboxCfg.TestTimeout = time.Duration(cfg.TestTimeoutSeconds) * time.Second
	}
	if cfg.SandboxImage != "" {
		sandboxCfg.Image = cfg.SandboxImage
	}
	runner := sandbox.New(sandboxCfg)
	runner.OnFallback = func(ev sandbox.FallbackEvent) {
		_ = sink.Emit(runstate.EventSandboxFallback, map[string]any{"reason": ev.Reason})
	}

	applier := patch.NewApplier(repoDir, metaDir, ctrl)

	client, err := llm.NewFromEnv()
	if err != nil {
		return exitCodeForSetupError(err), fmt.Errorf("configure model providers: %w", err)
	}
	if cfg.Provider != "" {
		client.SetDefaultProvider(cfg.Provider)
	}
	provider := cfg.Provider
	if provider == "" {
		names := client.ProviderNames()
		if len(names) > 0 {
			provider = names[0]
		}
	}

	cr := critic.New(g, client, provider, cfg.ModelID)

	layer := tools.New(repoDir, state, g, cr, applier, runner, testCmd)
	layer.AllowTestRead = cfg.AllowTestFileRead
	if cfg.MaxFileReadBytes > 0 {
		layer.MaxReadBytes = cfg.MaxFileReadBytes
	}
	if cfg.MaxFileWriteBytes > 0 {
		layer.MaxWriteBytes = cfg.MaxFileWriteBytes
	}
	layer.OnEvent(func(kind string, payload map[string]any) {
		_ = sink.Emit(runstate.EventKind(kind), payload)
	})

	registry, err := agent.NewRegistry(layer)
	if err != nil {
		return exitCodeForSetupError(err), fmt.Errorf("build tool registry: %w", err)
	}

	var catalog *llm.ModelCatalog
	if cfg.ModelCatalogPath != "" {
		catalog, err = llm.LoadModelCatalogFromOpenRouterJSON(cfg.ModelCatalogPath)
		if err != nil {
			// Metadata only; a bad catalog narrows capability coverage but
			// never blocks the run.
			log.Errorf(sink.Path(), "load model catalog: %v", err)
			catalog = nil
		}
	}
	caps := llm.NewCapabilityRegistry(catalog)

	systemPrompt := agent.BuildSystemPrompt(nil)
	loop := agent.NewLoop(client, caps, registry, state, sinkAdapter{sink}, provider, cfg.ModelID, cfg.FallbackProvider, cfg.ModelFallbackID, systemPrompt)
	loop.Temperature = cfg.Temperature

	userGoal := goal
	if strings.TrimSpace(userGoal) == "" {
		userGoal = fmt.Sprintf("Repair the failing tests in %s. Make the smallest possible change.", repoDir)
	}

	outcome, runErr := loop.Run(ctx, userGoal)
	_ = sink.Emit(runstate.EventRunEnd, map[string]any{"reason": string(outcome.Reason), "iterations": outcome.Iterations, "tool_calls": outcome.ToolCalls})

	return finish(ctrl, state, sink, log, runID, runDir, outcome, runErr)
}

// finalStatus collapses an OutcomeReason into the three-way status a CI
// job branches on: passed, failing, or aborted.
func finalStatus(reason agent.OutcomeReason) string {
	switch reason {
	case agent.ReasonSuccess:
		return "passed"
	case agent.ReasonTestsFailing, agent.ReasonStuck:
		return "failing"
	default:
		return "aborted"
	}
}

// sinkAdapter narrows *runstate.Sink to the agent.Sink interface.
type sinkAdapter struct{ sink *runstate.Sink }

func (s sinkAdapter) Emit(kind runstate.EventKind, payload map[string]any) error {
	return s.sink.Emit(kind, payload)
}

// exitCodeForSetupError maps a pre-loop setup failure's errkind to the process
// exit codes: an integrity violation (lock held, dirty tree) and a plain
// infrastructure failure (no provider configured) both exit 3, since no
// mutation has happened yet and no rollback is required either way.
func exitCodeForSetupError(err error) int {
	if k, ok := errkind.Of(err); ok {
		switch k {
		case errkind.IntegrityViolation, errkind.TransientInfra, errkind.CapabilityMismatch:
			return exitInfra
		}
	}
	return exitInfra
}

// finish maps the loop's terminal Outcome (and any error) onto the process
// exit codes, running the correct rollback/cleanup policy for each case,
// and records a final.json summary alongside events.jsonl so a CI job can
// read the outcome without replaying the event stream.
func finish(ctrl *repo.Controller, state *runstate.State, sink *runstate.Sink, log *clilog.Logger, runID, runDir string, outcome agent.Outcome, runErr error) (int, error) {
	defer func() {
		doc := runstate.FinalOutcome{
			RunID:      runID,
			Status:     finalStatus(outcome.Reason),
			Reason:     string(outcome.Reason),
			Iterations: outcome.Iterations,
			ToolCalls:  outcome.ToolCalls,
			BranchName: ctrl.BranchName,
		}
		if runErr != nil {
			doc.FailureReason = runErr.Error()
		}
		if err := runstate.WriteFinalOutcome(runDir, doc); err != nil {
			log.Errorf(sink.Path(), "write final outcome: %v", err)
		}
	}()

	switch outcome.Reason {
	case agent.ReasonSuccess:
		if err := ctrl.Cleanup(); err != nil {
			log.Errorf(sink.Path(), "post-success cleanup: %v", err)
		}
		log.Printf("repair succeeded after %d iteration(s); branch %s", outcome.Iterations, ctrl.BranchName)
		return exitSuccess, nil

	case agent.ReasonTestsFailing, agent.ReasonStuck:
		if err := ctrl.RollbackAll(); err != nil {
			log.Errorf(sink.Path(), "rollback after %s: %v", outcome.Reason, err)
		}
		log.Printf("run ended (%s) after %d iteration(s); tests still failing", outcome.Reason, outcome.Iterations)
		return exitTestsStillFailing, runErr

	case agent.ReasonIterationCap, agent.ReasonToolCallCap, agent.ReasonDeadline:
		if err := ctrl.RollbackAll(); err != nil {
			log.Errorf(sink.Path(), "rollback after %s: %v", outcome.Reason, err)
		}
		log.Printf("run ended (%s): budget exhausted", outcome.Reason)
		return exitSafetyOrBudget, runErr

	case agent.ReasonInterrupted:
		// Rollback already ran from WithInterruptRollback's handler.
		log.Printf("run interrupted")
		return exitInterrupted, runErr

	case agent.ReasonModelUnavailable, agent.ReasonSandboxUnavailable:
		if err := ctrl.RollbackAll(); err != nil {
			log.Errorf(sink.Path(), "rollback after %s: %v", outcome.Reason, err)
		}
		log.Errorf(sink.Path(), "%s: %v", outcome.Reason, runErr)
		return exitInfra, runErr

	default:
		if err := ctrl.RollbackAll(); err != nil {
			log.Errorf(sink.Path(), "rollback after unknown outcome %q: %v", outcome.Reason, err)
		}
		return exitInfra, fmt.Errorf("unrecognized outcome reason %q", outcome.Reason)
	}
}
