// Command thence-supervisor drives a single run's control loop to
// completion. It is started by "thence run"/"thence resume" as a
// detached background process and exits once the run reaches a
// terminal state or is killed.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/David-Factor/thence/internal/cliexit"
	"github.com/David-Factor/thence/internal/config"
	"github.com/David-Factor/thence/internal/domain"
	"github.com/David-Factor/thence/internal/errs"
	"github.com/David-Factor/thence/internal/eventstore"
	"github.com/David-Factor/thence/internal/lease"
	"github.com/David-Factor/thence/internal/orchestrator"
	"github.com/David-Factor/thence/internal/projector"
	"github.com/David-Factor/thence/internal/run"
	"github.com/David-Factor/thence/internal/scheduler"
	"github.com/David-Factor/thence/internal/telemetry"
	"github.com/David-Factor/thence/internal/worktree"
)

func main() {
	var (
		repoRoot          string
		runID             string
		agentCmd          string
		maxAttempts       int64
		maxWorkers        int
		maxReviewers      int
		integrationBranch string
		allowPartial      bool
		tickInterval      time.Duration
		otlpEndpoint      string
	)
	fs := flag.NewFlagSet("thence-supervisor", flag.ExitOnError)
	fs.StringVar(&repoRoot, "repo", ".", "repository root")
	fs.StringVar(&runID, "run", "", "run id to drive (required)")
	fs.StringVar(&agentCmd, "agent-cmd", "", "override agent command (defaults to [agent].command in config)")
	fs.Int64Var(&maxAttempts, "max-attempts", 0, "per-task retry budget (defaults to the scheduler default of 3)")
	fs.IntVar(&maxWorkers, "workers", 1, "max concurrent implementer subprocesses")
	fs.IntVar(&maxReviewers, "reviewers", 1, "max concurrent reviewer subprocesses")
	fs.StringVar(&integrationBranch, "integration-branch", "main", "branch the merge queue integrates onto")
	fs.BoolVar(&allowPartial, "allow-partial", false, "let the run complete with some tasks failed terminally")
	fs.DurationVar(&tickInterval, "tick-interval", 2*time.Second, "sleep between ticks that produced no terminal state")
	fs.StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP trace exporter endpoint (defaults to http://127.0.0.1:4318)")
	_ = fs.Parse(os.Args[1:])

	if runID == "" {
		fmt.Fprintln(os.Stderr, "thence-supervisor: --run is required")
		os.Exit(2)
	}

	if err := godotenv.Load(filepath.Join(repoRoot, ".env")); err != nil {
		log.Printf("supervisor %s: no .env loaded: %v", runID, err)
	}

	ctx := context.Background()
	shutdown, err := telemetryInit(ctx, telemetry.Config{
		ServiceName:  "thence-supervisor",
		OTLPEndpoint: otlpEndpoint,
	})
	if err != nil {
		log.Printf("supervisor %s: tracing disabled: %v", runID, err)
		shutdown = func(context.Context) error { return nil }
	}

	code, superviseErr := supervise(repoRoot, runID, agentCmd, maxAttempts, maxWorkers, maxReviewers, integrationBranch, allowPartial, tickInterval)
	if superviseErr != nil {
		log.Printf("supervisor %s: %v", runID, superviseErr)
	}
	if err := shutdown(context.Background()); err != nil {
		log.Printf("supervisor %s: tracer shutdown: %v", runID, err)
	}
	os.Exit(code)
}

// telemetryInit is a package var, not a direct call to telemetry.Init, so
// tests can install an in-memory exporter without reaching the network.
var telemetryInit = telemetry.Init

func supervise(repoRoot, runID, agentCmdOverride string, maxAttempts int64, maxWorkers, maxReviewers int, integrationBranch string, allowPartial bool, tickInterval time.Duration) (int, error) {
	dbPath, err := ensureDBPath(repoRoot)
	if err != nil {
		return cliexit.ForError(fmt.Errorf("%w: %v", errs.ErrConfiguration, err)), err
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", dbPath))
	if err != nil {
		return cliexit.ForError(fmt.Errorf("%w: open db: %v", errs.ErrStorage, err)), err
	}
	defer db.Close()

	store, err := eventstore.Open(db)
	if err != nil {
		return cliexit.ForError(err), err
	}

	if _, err := store.GetRun(context.Background(), runID); err != nil {
		return cliexit.ForError(err), fmt.Errorf("load run %s: %w", runID, err)
	}

	if err := recoverOrphans(repoRoot, runID, store); err != nil {
		return cliexit.ForError(err), err
	}

	loadRes := config.Load(repoRoot)
	if loadRes.ParseError != nil {
		err := fmt.Errorf("%w: %v", errs.ErrConfiguration, loadRes.ParseError)
		return cliexit.ForError(err), err
	}
	cfg := loadRes.Config

	agentArgv := strings.Fields(agentCmdOverride)
	if len(agentArgv) == 0 {
		agentArgv = strings.Fields(cfg.Agent.Command)
	}
	if len(agentArgv) == 0 {
		err := fmt.Errorf("%w: no agent command configured: pass --agent-cmd or set [agent].command", errs.ErrConfiguration)
		return cliexit.ForError(err), err
	}

	if maxAttempts == 0 {
		maxAttempts = scheduler.DefaultMaxAttempts
	}

	loop := run.New(run.Options{
		RepoRoot:          repoRoot,
		RunID:             runID,
		AgentArgv:         agentArgv,
		MaxAttempts:       maxAttempts,
		MaxWorkers:        maxWorkers,
		MaxReviewers:      maxReviewers,
		IntegrationBranch: integrationBranch,
		AllowPartial:      allowPartial,
		Provision:         cfg.Worktree.Provision.Files,
		ReviewerPrompt:    cfg.Prompts.Reviewer,
	}, store, &orchestrator.RealCommandRunner{}, &worktree.RealExecRunner{}, &worktree.RealExecRunner{})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := loop.Run(ctx, tickInterval); err != nil {
		return cliexit.ForError(err), err
	}
	return cliexit.OK, nil
}

// recoverOrphans inspects every unclosed, unfailed task with an
// in-flight latest attempt and decides whether it was abandoned by a
// crashed supervisor (interrupt it so the next tick reclaims it) or is
// still plausibly owned by a live one (refuse to start a second).
func recoverOrphans(repoRoot, runID string, store *eventstore.Store) error {
	events, err := store.LoadSince(context.Background(), runID, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	state := projector.Project(events)
	for taskID, task := range state.Tasks {
		if task.Closed || task.TerminalFailed || task.LatestAttempt == 0 || !task.Claimed {
			continue
		}
		decision, err := lease.EvaluateOrphanAttempt(repoRoot, runID, taskID, task.LatestAttempt)
		if err != nil {
			return fmt.Errorf("%w: evaluate orphan lease for %s: %v", errs.ErrStorage, taskID, err)
		}
		if !decision.Interrupt {
			return fmt.Errorf("%w: %s", errs.ErrDoubleSupervisor, decision.Reason)
		}
		log.Printf("reclaiming orphaned attempt %d of task %s: %s", task.LatestAttempt, taskID, decision.Reason)
		payload, _ := json.Marshal(map[string]string{"reason": decision.Reason})
		ev := domain.NewEvent{
			Type: domain.EventAttemptInterrupted, TaskID: taskID, Attempt: task.LatestAttempt,
			PayloadJSON: string(payload),
			DedupeKey:   fmt.Sprintf("recover-interrupt-%s-%d", taskID, task.LatestAttempt),
		}
		if _, _, err := store.Append(context.Background(), runID, ev); err != nil {
			return fmt.Errorf("%w: append recovery interrupt: %v", errs.ErrStorage, err)
		}
	}
	return nil
}

func ensureDBPath(repoRoot string) (string, error) {
	dir := filepath.Join(repoRoot, ".thence")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "thence.db"), nil
}
