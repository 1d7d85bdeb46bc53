package run_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/David-Factor/thence/internal/domain"
	"github.com/David-Factor/thence/internal/eventstore"
	"github.com/David-Factor/thence/internal/mergequeue"
	"github.com/David-Factor/thence/internal/orchestrator"
	"github.com/David-Factor/thence/internal/run"
)

// fakeRunner plays the part of every subprocess role by inspecting the
// env it was handed and writing the result file the real agent would.
// Check commands run with no ROLE env set (they are executed directly,
// not dispatched as an agent role); checksFail makes every one of them
// report a non-zero exit.
type fakeRunner struct {
	reviewApprove bool
	checksFail    bool
}

func envVal(env []string, key string) string {
	prefix := key + "="
	for _, e := range env {
		if len(e) > len(prefix) && e[:len(prefix)] == prefix {
			return e[len(prefix):]
		}
	}
	return ""
}

func (f *fakeRunner) Run(ctx context.Context, dir string, argv []string, env []string, stdout, stderr io.Writer) (int, error) {
	role := envVal(env, "ROLE")
	if role == "" {
		if f.checksFail {
			return 1, nil
		}
		return 0, nil
	}
	resultFile := envVal(env, "RESULT_FILE")
	if err := os.MkdirAll(filepath.Dir(resultFile), 0o755); err != nil {
		return -1, err
	}

	var body []byte
	switch role {
	case orchestrator.RoleImplementer:
		body, _ = json.Marshal(orchestrator.ImplementerResult{Submitted: true})
	case orchestrator.RoleReviewer:
		result := orchestrator.ReviewerResult{Approved: f.reviewApprove}
		if !f.reviewApprove {
			result.Findings = []string{"acceptance criteria not met"}
		}
		body, _ = json.Marshal(result)
	default:
		return -1, fmt.Errorf("unexpected role %q", role)
	}
	if err := os.WriteFile(resultFile, body, 0o644); err != nil {
		return -1, err
	}
	return 0, nil
}

type fakeMerge struct {
	calls    [][]string
	conflict bool
}

func (f *fakeMerge) Run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.conflict && name == "git" && len(args) >= 2 && args[0] == "merge" && args[1] != "--abort" {
		return "", fmt.Errorf("CONFLICT (content): merge conflict in file.go")
	}
	return "", nil
}

// fakeWorktreeExec stands in for git worktree add: it creates the
// target directory so the rest of the loop can write prompt/result
// files into it, without touching a real git repository.
type fakeWorktreeExec struct{}

func (f *fakeWorktreeExec) Run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	if name == "git" && len(args) >= 2 && args[0] == "worktree" && args[1] == "add" {
		target := args[len(args)-2]
		if err := os.MkdirAll(target, 0o755); err != nil {
			return "", err
		}
	}
	return "", nil
}

func openTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := eventstore.Open(db)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func seedRun(t *testing.T, store *eventstore.Store, runID string) {
	t.Helper()
	ctx := context.Background()
	if err := store.CreateRun(ctx, domain.Run{ID: runID, CreatedAt: time.Now().UTC(), Status: domain.RunStatusRunning}); err != nil {
		t.Fatal(err)
	}
	seed := []domain.NewEvent{
		{Type: domain.EventSpecApproved},
		{Type: domain.EventChecksApproved, PayloadJSON: `{"commands":["go test ./..."]}`},
		{Type: domain.EventTaskRegistered, TaskID: "task-a", PayloadJSON: `{"task_id":"task-a","objective":"do it","acceptance":"works"}`},
	}
	for _, ev := range seed {
		if _, _, err := store.Append(ctx, runID, ev); err != nil {
			t.Fatal(err)
		}
	}
}

func drainUntilTerminal(t *testing.T, loop *run.Loop, maxTicks int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < maxTicks; i++ {
		done, err := loop.Tick(ctx)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if done {
			return
		}
		// Goroutines dispatched this tick need a moment to write their
		// result files before the next tick's collect phase runs.
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run did not reach a terminal state within %d ticks", maxTicks)
}

func TestLoopDrivesTaskToMerge(t *testing.T) {
	repoRoot := t.TempDir()
	store := openTestStore(t)
	seedRun(t, store, "run-1")

	loop := run.New(run.Options{
		RepoRoot:          repoRoot,
		RunID:             "run-1",
		AgentArgv:         []string{"fake-agent"},
		MaxAttempts:       3,
		MaxWorkers:        1,
		MaxReviewers:      1,
		IntegrationBranch: "main",
	}, store, &fakeRunner{reviewApprove: true}, &fakeMerge{}, &fakeWorktreeExec{})

	drainUntilTerminal(t, loop, 40)

	events, err := store.LoadSince(context.Background(), "run-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	var sawClosed, sawCompleted bool
	for _, ev := range events {
		if ev.Type == domain.EventTaskClosed {
			sawClosed = true
		}
		if ev.Type == domain.EventRunCompleted {
			sawCompleted = true
		}
	}
	if !sawClosed {
		t.Fatal("expected task_closed event")
	}
	if !sawCompleted {
		t.Fatal("expected run_completed once the only task closed")
	}
}

func TestLoopReworksOnReviewerRejection(t *testing.T) {
	repoRoot := t.TempDir()
	store := openTestStore(t)
	seedRun(t, store, "run-2")

	loop := run.New(run.Options{
		RepoRoot:     repoRoot,
		RunID:        "run-2",
		AgentArgv:    []string{"fake-agent"},
		MaxAttempts:  2,
		MaxWorkers:   1,
		MaxReviewers: 1,
	}, store, &fakeRunner{reviewApprove: false}, &fakeMerge{}, &fakeWorktreeExec{})

	drainUntilTerminal(t, loop, 40)

	events, err := store.LoadSince(context.Background(), "run-2", 0)
	if err != nil {
		t.Fatal(err)
	}
	var sawIssues, sawFailedTerminal bool
	for _, ev := range events {
		if ev.Type == domain.EventReviewFoundIssues {
			sawIssues = true
		}
		if ev.Type == domain.EventTaskFailedTerminal {
			sawFailedTerminal = true
		}
	}
	if !sawIssues {
		t.Fatal("expected review_found_issues event")
	}
	if !sawFailedTerminal {
		t.Fatal("expected task_failed_terminal once the retry budget is exhausted")
	}
}

func TestLoopReopensTaskOnMergeConflict(t *testing.T) {
	repoRoot := t.TempDir()
	store := openTestStore(t)
	seedRun(t, store, "run-3")

	loop := run.New(run.Options{
		RepoRoot:          repoRoot,
		RunID:             "run-3",
		AgentArgv:         []string{"fake-agent"},
		MaxAttempts:       2,
		MaxWorkers:        1,
		MaxReviewers:      1,
		IntegrationBranch: "main",
	}, store, &fakeRunner{reviewApprove: true}, &fakeMerge{conflict: true}, &fakeWorktreeExec{})

	drainUntilTerminal(t, loop, 60)

	events, err := store.LoadSince(context.Background(), "run-3", 0)
	if err != nil {
		t.Fatal(err)
	}
	var claims, conflicts int
	var sawReopen, sawFailedTerminal bool
	for _, ev := range events {
		switch ev.Type {
		case domain.EventTaskClaimed:
			claims++
		case domain.EventMergeConflict:
			conflicts++
		case domain.EventReviewFoundIssues:
			if ev.ActorID == "merge-queue" {
				sawReopen = true
			}
		case domain.EventTaskFailedTerminal:
			sawFailedTerminal = true
		}
	}
	if conflicts == 0 {
		t.Fatal("expected at least one merge_conflict event")
	}
	if !sawReopen {
		t.Fatal("expected a review_found_issues event from merge-queue reopening the task")
	}
	if claims < 2 {
		t.Fatalf("expected the conflict to drive a second claim (attempt counter bump), got %d claims", claims)
	}
	if !sawFailedTerminal {
		t.Fatal("expected task_failed_terminal once every retry also conflicts and the budget is exhausted")
	}
}

func TestLoopReopensTaskOnChecksFailure(t *testing.T) {
	repoRoot := t.TempDir()
	store := openTestStore(t)
	seedRun(t, store, "run-4")

	loop := run.New(run.Options{
		RepoRoot:          repoRoot,
		RunID:             "run-4",
		AgentArgv:         []string{"fake-agent"},
		MaxAttempts:       2,
		MaxWorkers:        1,
		MaxReviewers:      1,
		IntegrationBranch: "main",
	}, store, &fakeRunner{reviewApprove: true, checksFail: true}, &fakeMerge{}, &fakeWorktreeExec{})

	drainUntilTerminal(t, loop, 60)

	events, err := store.LoadSince(context.Background(), "run-4", 0)
	if err != nil {
		t.Fatal(err)
	}
	var claims int
	var sawFailedChecks, sawReopen, sawFailedTerminal, sawMerged bool
	for _, ev := range events {
		switch ev.Type {
		case domain.EventTaskClaimed:
			claims++
		case domain.EventChecksReported:
			var payload struct {
				Passed bool `json:"passed"`
			}
			_ = json.Unmarshal([]byte(ev.PayloadJSON), &payload)
			if !payload.Passed {
				sawFailedChecks = true
			}
		case domain.EventReviewFoundIssues:
			if ev.ActorID == "checks-gate" {
				sawReopen = true
			}
		case domain.EventTaskFailedTerminal:
			sawFailedTerminal = true
		case domain.EventMergeSucceeded:
			sawMerged = true
		}
	}
	if !sawFailedChecks {
		t.Fatal("expected a checks_reported event with passed=false")
	}
	if !sawReopen {
		t.Fatal("expected a review_found_issues event from checks-gate reopening the task")
	}
	if claims < 2 {
		t.Fatalf("expected checks failure to drive a second claim (attempt counter bump), got %d claims", claims)
	}
	if !sawFailedTerminal {
		t.Fatal("expected task_failed_terminal once every retry also fails checks and the budget is exhausted")
	}
	if sawMerged {
		t.Fatal("a task whose checks never pass must never merge")
	}
}

var _ mergequeue.ExecRunner = &fakeMerge{}
