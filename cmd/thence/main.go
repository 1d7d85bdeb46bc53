// Command thence is the human-facing client: it starts runs, answers
// the human-input gates the control loop opens, and inspects progress.
// The control loop itself runs out-of-process in thence-supervisor,
// mirroring the client/server split the molecular/silicon pair uses.
package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "modernc.org/sqlite"

	"github.com/David-Factor/thence/internal/config"
	"github.com/David-Factor/thence/internal/domain"
	"github.com/David-Factor/thence/internal/errs"
	"github.com/David-Factor/thence/internal/eventstore"
	"github.com/David-Factor/thence/internal/orchestrator"
	"github.com/David-Factor/thence/internal/projector"
	"github.com/David-Factor/thence/internal/question"
)

var rootCmd = &cobra.Command{
	Use:   "thence",
	Short: "thence drives AI-agent implementation tasks from an approved spec to a merged, reviewed result",
	Long: `thence supervises implementer/reviewer/checks-proposer agent subprocesses
against one Markdown spec, recording every decision as an append-only
event log so a crashed or restarted supervisor can always resume from
exactly where it left off.

Core concepts:
- Run: one spec translated into tasks and driven to completion, failure, or cancellation.
- Task: one unit of work with an objective, acceptance criteria, and a retry budget.
- Attempt: one implementer/reviewer/checks cycle against a task.
- Question: a human-input gate (spec clarification, checks approval, finding escalation) that pauses the run until answered.
- Event log: the run's diary; inspect it with 'thence inspect'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("THENCE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	repo := viper.GetString("repo")
	if repo == "" {
		repo = "."
	}
	if err := godotenv.Load(filepath.Join(repo, ".env")); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: could not load .env: %v\n", err)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("repo", "r", ".", "repository root")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON instead of a table")
	_ = viper.BindPFlag("repo", rootCmd.PersistentFlags().Lookup("repo"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(questionsCmd())
	rootCmd.AddCommand(answerCmd())
	rootCmd.AddCommand(inspectCmd())
}

func openStore(repoRoot string) (*sql.DB, *eventstore.Store, error) {
	dir := filepath.Join(repoRoot, ".thence")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errs.ErrConfiguration, err)
	}
	dbPath := filepath.Join(dir, "thence.db")
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", dbPath))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open db: %v", errs.ErrStorage, err)
	}
	store, err := eventstore.Open(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, store, nil
}

func printJSONOrTable(v any, render func()) error {
	if viper.GetBool("json") {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	}
	render()
	return nil
}

func runCmd() *cobra.Command {
	var (
		runID        string
		agentCmd     string
		autoApprove  bool
		maxWorkers   int
		maxReviewers int
		checks       []string
	)
	cmd := &cobra.Command{
		Use:   "run <spec-file>",
		Short: "translate a spec into tasks and start driving them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot := viper.GetString("repo")
			specPath := args[0]

			specBytes, err := os.ReadFile(specPath)
			if err != nil {
				return fmt.Errorf("read spec file: %w", err)
			}
			sum := sha256.Sum256(specBytes)

			if runID == "" {
				runID = uuid.New().String()
			}

			_, store, err := openStore(repoRoot)
			if err != nil {
				return err
			}

			loadRes := config.Load(repoRoot)
			if loadRes.ParseError != nil {
				return fmt.Errorf("%w: %v", errs.ErrConfiguration, loadRes.ParseError)
			}
			cfg := loadRes.Config

			// An unresolved checks gate at run start is not fatal: it can
			// still be approved later via 'thence approve checks'.
			resolvedChecks, _ := config.ResolveChecks(checks, cfg)

			configJSON, _ := json.Marshal(cfg)
			ctx := context.Background()
			if err := store.CreateRun(ctx, domain.Run{
				ID:         runID,
				PlanPath:   specPath,
				PlanSHA256: hex.EncodeToString(sum[:]),
				CreatedAt:  time.Now().UTC(),
				Status:     domain.RunStatusRunning,
				ConfigJSON: string(configJSON),
			}); err != nil {
				return err
			}

			agentArgv := strings.Fields(agentCmd)
			if len(agentArgv) == 0 {
				agentArgv = strings.Fields(cfg.Agent.Command)
			}
			if len(agentArgv) == 0 {
				return fmt.Errorf("%w: no agent command configured: pass --agent-cmd or set [agent].command", errs.ErrConfiguration)
			}

			if err := translatePlan(ctx, store, runID, repoRoot, specPath, agentArgv); err != nil {
				return err
			}

			if autoApprove {
				if _, _, err := store.Append(ctx, runID, domain.NewEvent{Type: domain.EventSpecApproved, DedupeKey: "spec_approved-" + runID}); err != nil {
					return err
				}
				if len(resolvedChecks) > 0 {
					payload, _ := json.Marshal(map[string]any{"commands": resolvedChecks})
					if _, _, err := store.Append(ctx, runID, domain.NewEvent{Type: domain.EventChecksApproved, PayloadJSON: string(payload), DedupeKey: "checks_approved-" + runID}); err != nil {
						return err
					}
				}
			}

			pid, err := spawnSupervisor(repoRoot, runID, agentCmd, maxWorkers, maxReviewers)
			if err != nil {
				return fmt.Errorf("start supervisor: %w", err)
			}
			fmt.Printf("run %s started (supervisor pid %d)\n", runID, pid)
			if !autoApprove {
				fmt.Println("waiting on 'thence approve spec' and 'thence approve checks' before work can be claimed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id to use (defaults to a generated uuid)")
	cmd.Flags().StringVar(&agentCmd, "agent-cmd", "", "override agent command")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "approve the spec and checks immediately instead of waiting for 'thence approve'")
	cmd.Flags().IntVar(&maxWorkers, "workers", 1, "max concurrent implementer subprocesses")
	cmd.Flags().IntVar(&maxReviewers, "reviewers", 1, "max concurrent reviewer subprocesses")
	cmd.Flags().StringSliceVar(&checks, "checks", nil, "check commands to run per attempt (repeatable)")
	return cmd
}

// translatePlan dispatches the plan-translator role against the spec
// file and registers the tasks it returns as task_registered events.
func translatePlan(ctx context.Context, store *eventstore.Store, runID, repoRoot, specPath string, agentArgv []string) error {
	workDir := filepath.Join(repoRoot, ".thence", "runs", runID, "translate")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	absSpec, err := filepath.Abs(specPath)
	if err != nil {
		return err
	}
	promptFile := filepath.Join(workDir, "prompt.json")
	promptBody, _ := json.Marshal(map[string]string{"spec_path": absSpec})
	if err := os.WriteFile(promptFile, promptBody, 0o644); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}

	d := orchestrator.Dispatch{
		Role:       orchestrator.RolePlanTranslator,
		Argv:       agentArgv,
		Worktree:   repoRoot,
		PromptFile: promptFile,
		ResultFile: filepath.Join(workDir, "result.json"),
		Timeout:    orchestrator.DefaultTimeout(orchestrator.RolePlanTranslator),
	}
	outcome, err := orchestrator.Run(ctx, &orchestrator.RealCommandRunner{}, d)
	if err != nil {
		return fmt.Errorf("%w: run plan translator: %v", errs.ErrTranslation, err)
	}
	if outcome.TimedOut || outcome.ResultBytes == nil {
		return fmt.Errorf("%w: plan translator produced no result", errs.ErrTranslation)
	}
	result, err := orchestrator.DecodePlanTranslatorResult(outcome.ResultBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTranslation, err)
	}

	if _, _, err := store.Append(ctx, runID, domain.NewEvent{Type: domain.EventPlanTranslated, DedupeKey: "plan_translated-" + runID}); err != nil {
		return err
	}
	if _, _, err := store.Append(ctx, runID, domain.NewEvent{Type: domain.EventPlanValidated, DedupeKey: "plan_validated-" + runID}); err != nil {
		return err
	}
	for _, t := range result.Tasks {
		payload, _ := json.Marshal(map[string]any{
			"task_id": t.ID, "objective": t.Objective, "acceptance": t.Acceptance,
			"dependencies": t.Dependencies, "checks": t.Checks,
		})
		if _, _, err := store.Append(ctx, runID, domain.NewEvent{
			Type: domain.EventTaskRegistered, TaskID: t.ID, PayloadJSON: string(payload),
			DedupeKey: "task_registered-" + t.ID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func spawnSupervisor(repoRoot, runID, agentCmd string, maxWorkers, maxReviewers int) (int, error) {
	self, err := os.Executable()
	if err != nil {
		return 0, err
	}
	supervisorPath := filepath.Join(filepath.Dir(self), "thence-supervisor")
	args := []string{
		"--repo", repoRoot,
		"--run", runID,
		"--workers", fmt.Sprintf("%d", maxWorkers),
		"--reviewers", fmt.Sprintf("%d", maxReviewers),
	}
	if agentCmd != "" {
		args = append(args, "--agent-cmd", agentCmd)
	}
	logPath := filepath.Join(repoRoot, ".thence", "runs", runID, "supervisor.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}

	cmd := exec.Command(supervisorPath, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Dir = repoRoot
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, err
	}
	go func() {
		_ = cmd.Wait()
		logFile.Close()
	}()
	return cmd.Process.Pid, nil
}

func resumeCmd() *cobra.Command {
	var agentCmd string
	var maxWorkers, maxReviewers int
	cmd := &cobra.Command{
		Use:   "resume --run <id>",
		Short: "restart the supervisor for a run that is not already being driven",
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot := viper.GetString("repo")
			runID, _ := cmd.Flags().GetString("run")
			if runID == "" {
				return fmt.Errorf("--run is required")
			}
			pid, err := spawnSupervisor(repoRoot, runID, agentCmd, maxWorkers, maxReviewers)
			if err != nil {
				return err
			}
			fmt.Printf("run %s resumed (supervisor pid %d)\n", runID, pid)
			return nil
		},
	}
	cmd.Flags().String("run", "", "run id to resume")
	cmd.Flags().StringVar(&agentCmd, "agent-cmd", "", "override agent command")
	cmd.Flags().IntVar(&maxWorkers, "workers", 1, "max concurrent implementer subprocesses")
	cmd.Flags().IntVar(&maxReviewers, "reviewers", 1, "max concurrent reviewer subprocesses")
	return cmd
}

func approveCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "approve", Short: "approve the spec or the checks gating a run"}
	cmd.AddCommand(approveSpecCmd())
	cmd.AddCommand(approveChecksCmd())
	return cmd
}

func approveSpecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spec --run <id>",
		Short: "approve the spec gate, unblocking claim dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, _ := cmd.Flags().GetString("run")
			if runID == "" {
				return fmt.Errorf("--run is required")
			}
			_, store, err := openStore(viper.GetString("repo"))
			if err != nil {
				return err
			}
			_, _, err = store.Append(context.Background(), runID, domain.NewEvent{
				Type: domain.EventSpecApproved, DedupeKey: "spec_approved-" + runID,
			})
			return err
		},
	}
	cmd.Flags().String("run", "", "run id")
	return cmd
}

func approveChecksCmd() *cobra.Command {
	var checks []string
	var agentCmd string
	cmd := &cobra.Command{
		Use:   "checks --run <id> [--checks <cmd,...>]",
		Short: "approve the checks gate, optionally having the checks-proposer agent suggest commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, _ := cmd.Flags().GetString("run")
			if runID == "" {
				return fmt.Errorf("--run is required")
			}
			repoRoot := viper.GetString("repo")
			resolved := checks
			if len(resolved) == 0 {
				proposed, err := proposeChecks(repoRoot, agentCmd)
				if err != nil {
					return err
				}
				resolved = proposed
				fmt.Printf("checks-proposer suggested: %s\n", strings.Join(resolved, "; "))
			}
			_, store, err := openStore(repoRoot)
			if err != nil {
				return err
			}
			payload, _ := json.Marshal(map[string]any{"commands": resolved})
			_, _, err = store.Append(context.Background(), runID, domain.NewEvent{
				Type: domain.EventChecksApproved, PayloadJSON: string(payload), DedupeKey: "checks_approved-" + runID,
			})
			return err
		},
	}
	cmd.Flags().String("run", "", "run id")
	cmd.Flags().StringSliceVar(&checks, "checks", nil, "check commands (repeatable); when omitted, the checks-proposer agent is asked to suggest a list")
	cmd.Flags().StringVar(&agentCmd, "agent-cmd", "", "override agent command used for the checks-proposer")
	return cmd
}

// proposeChecks asks the checks-proposer role for a command list when
// the human approving the gate did not supply one via --checks. This is
// the only place the checks-proposer role runs: once approved, the
// control loop executes the approved commands itself rather than
// asking an agent to run them.
func proposeChecks(repoRoot, agentCmd string) ([]string, error) {
	loadRes := config.Load(repoRoot)
	if loadRes.ParseError != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConfiguration, loadRes.ParseError)
	}
	argv := strings.Fields(agentCmd)
	if len(argv) == 0 {
		argv = strings.Fields(loadRes.Config.Agent.Command)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: no agent command configured: pass --agent-cmd or set [agent].command", errs.ErrConfiguration)
	}

	workDir := filepath.Join(repoRoot, ".thence", "checks-proposer")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	promptFile := filepath.Join(workDir, "prompt.json")
	if err := os.WriteFile(promptFile, []byte(`{"task":"propose check commands for this repository"}`), 0o644); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}

	d := orchestrator.Dispatch{
		Role:       orchestrator.RoleChecksProposer,
		Argv:       argv,
		Worktree:   repoRoot,
		PromptFile: promptFile,
		ResultFile: filepath.Join(workDir, "result.json"),
		Timeout:    orchestrator.DefaultTimeout(orchestrator.RoleChecksProposer),
	}
	outcome, err := orchestrator.Run(context.Background(), &orchestrator.RealCommandRunner{}, d)
	if err != nil {
		return nil, fmt.Errorf("%w: run checks-proposer: %v", errs.ErrConfiguration, err)
	}
	if outcome.TimedOut || outcome.ResultBytes == nil {
		return nil, fmt.Errorf("%w: checks-proposer produced no result", errs.ErrConfiguration)
	}
	result, err := orchestrator.DecodeChecksProposerResult(outcome.ResultBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConfiguration, err)
	}
	return result.Commands, nil
}

func questionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "questions --run <id>",
		Short: "list open human-input questions for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, _ := cmd.Flags().GetString("run")
			if runID == "" {
				return fmt.Errorf("--run is required")
			}
			_, store, err := openStore(viper.GetString("repo"))
			if err != nil {
				return err
			}
			events, err := store.LoadSince(context.Background(), runID, 0)
			if err != nil {
				return err
			}
			state := projector.Project(events)
			return printJSONOrTable(state.OpenQuestions, func() {
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Question ID", "Prompt"})
				for id, prompt := range state.OpenQuestions {
					tw.AppendRow(table.Row{id, prompt})
				}
				tw.Render()
			})
		},
	}
	cmd.Flags().String("run", "", "run id")
	return cmd
}

func answerCmd() *cobra.Command {
	var kind, text string
	cmd := &cobra.Command{
		Use:   "answer --run <id> --question <qid> --kind <kind> --text <answer>",
		Short: "resolve an open question, unpausing the run",
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, _ := cmd.Flags().GetString("run")
			questionID, _ := cmd.Flags().GetString("question")
			if runID == "" || questionID == "" || kind == "" {
				return fmt.Errorf("--run, --question, and --kind are all required")
			}
			events, err := question.ResolveEvents(questionID, domain.QuestionKind(kind), text)
			if err != nil {
				return err
			}
			_, store, err := openStore(viper.GetString("repo"))
			if err != nil {
				return err
			}
			ctx := context.Background()
			for _, ev := range events {
				if _, _, err := store.Append(ctx, runID, ev); err != nil {
					return err
				}
			}
			history, err := store.LoadSince(ctx, runID, 0)
			if err != nil {
				return err
			}
			if state := projector.Project(history); state.Paused && len(state.OpenQuestions) == 0 {
				resume := domain.NewEvent{Type: domain.EventRunResumed, DedupeKey: "run_resumed-" + questionID}
				if _, _, err := store.Append(ctx, runID, resume); err != nil {
					return err
				}
			}
			fmt.Printf("question %s resolved\n", questionID)
			return nil
		},
	}
	cmd.Flags().String("run", "", "run id")
	cmd.Flags().String("question", "", "question id")
	cmd.Flags().StringVar(&kind, "kind", "", "question kind: spec_clarification, checks_approval, reviewer_finding_escalation")
	cmd.Flags().StringVar(&text, "text", "", "answer text")
	return cmd
}

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect --run <id>",
		Short: "show per-task progress for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, _ := cmd.Flags().GetString("run")
			if runID == "" {
				return fmt.Errorf("--run is required")
			}
			_, store, err := openStore(viper.GetString("repo"))
			if err != nil {
				return err
			}
			events, err := store.LoadSince(context.Background(), runID, 0)
			if err != nil {
				return err
			}
			state := projector.Project(events)
			return printJSONOrTable(state.Tasks, func() {
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Status", "Attempts", "Latest Attempt"})
				for id, t := range state.Tasks {
					status := "open"
					switch {
					case t.Closed:
						status = "closed"
					case t.TerminalFailed:
						status = "failed_terminal"
					case t.Claimed:
						status = "claimed"
					}
					tw.AppendRow(table.Row{id, status, t.Attempts, t.LatestAttempt})
				}
				tw.Render()
				if state.Terminal != "" {
					fmt.Printf("run terminal state: %s\n", state.Terminal)
				} else if state.Paused {
					fmt.Println("run paused: open questions pending")
				}
			})
		},
	}
	cmd.Flags().String("run", "", "run id")
	return cmd
}
