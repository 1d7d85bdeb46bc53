package orchestrator_test

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/David-Factor/thence/internal/orchestrator"
)

type fakeRunner struct {
	exitCode int
	err      error
	sleep    time.Duration
	onRun    func(env []string)
}

func (f *fakeRunner) Run(ctx context.Context, dir string, argv []string, env []string, stdout, stderr io.Writer) (int, error) {
	if f.onRun != nil {
		f.onRun(env)
	}
	if f.sleep > 0 {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(f.sleep):
		}
	}
	return f.exitCode, f.err
}

func TestRunWritesCapsuleAndEnv(t *testing.T) {
	dir := t.TempDir()
	resultFile := filepath.Join(dir, "result.json")
	capsuleFile := filepath.Join(dir, "capsule.json")

	var seenEnv []string
	runner := &fakeRunner{onRun: func(env []string) {
		seenEnv = env
		_ = os.WriteFile(resultFile, []byte(`{"submitted":true}`), 0o644)
	}}

	d := orchestrator.Dispatch{
		Role:        orchestrator.RoleImplementer,
		Argv:        []string{"agent"},
		Worktree:    dir,
		PromptFile:  filepath.Join(dir, "prompt.json"),
		ResultFile:  resultFile,
		CapsuleFile: capsuleFile,
		Capsule:     &orchestrator.Capsule{Objective: "do the thing"},
		Timeout:     time.Second,
	}
	out, err := orchestrator.Run(context.Background(), runner, d)
	if err != nil {
		t.Fatal(err)
	}
	if out.ExitCode != 0 || out.TimedOut {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if _, err := os.Stat(capsuleFile); err != nil {
		t.Fatalf("expected capsule file written: %v", err)
	}

	found := map[string]bool{}
	for _, kv := range seenEnv {
		found[kv] = true
	}
	wantPrefixes := []string{"ROLE=implementer", "WORKTREE=", "PROMPT_FILE=", "RESULT_FILE=", "CAPSULE_FILE=", "TIMEOUT_SECS="}
	for _, prefix := range wantPrefixes {
		ok := false
		for kv := range found {
			if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
				ok = true
				break
			}
		}
		if !ok {
			t.Fatalf("expected env containing prefix %q, got %v", prefix, seenEnv)
		}
	}

	result, err := orchestrator.DecodeImplementerResult(out.ResultBytes)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Submitted {
		t.Fatal("expected submitted=true")
	}
}

func TestRunTimesOut(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{sleep: 200 * time.Millisecond}
	d := orchestrator.Dispatch{
		Role:       orchestrator.RoleReviewer,
		Argv:       []string{"agent"},
		Worktree:   dir,
		PromptFile: filepath.Join(dir, "prompt.json"),
		ResultFile: filepath.Join(dir, "result.json"),
		Timeout:    20 * time.Millisecond,
	}
	out, err := orchestrator.Run(context.Background(), runner, d)
	if err != nil {
		t.Fatal(err)
	}
	if !out.TimedOut {
		t.Fatal("expected timeout")
	}
}

func TestDefaultTimeouts(t *testing.T) {
	cases := map[string]time.Duration{
		orchestrator.RoleImplementer:    45 * time.Minute,
		orchestrator.RoleReviewer:       20 * time.Minute,
		orchestrator.RoleChecksProposer: 10 * time.Minute,
		orchestrator.RolePlanTranslator: 10 * time.Minute,
	}
	for role, want := range cases {
		if got := orchestrator.DefaultTimeout(role); got != want {
			t.Fatalf("role %s: got %v want %v", role, got, want)
		}
	}
}

func TestDecodeResultsRejectMalformed(t *testing.T) {
	if _, err := orchestrator.DecodeImplementerResult([]byte(`{"submitted":false}`)); err == nil {
		t.Fatal("expected error for submitted=false")
	}
	if _, err := orchestrator.DecodePlanTranslatorResult([]byte(`{"spl":"","tasks":[]}`)); err == nil {
		t.Fatal("expected error for empty spl/tasks")
	}
	if _, err := orchestrator.DecodeChecksProposerResult([]byte(`{"commands":[]}`)); err == nil {
		t.Fatal("expected error for empty commands")
	}
	valid := fmt.Sprintf(`{"approved":true,"findings":[]}`)
	if _, err := orchestrator.DecodeReviewerResult([]byte(valid)); err != nil {
		t.Fatalf("approved result with no findings should be valid: %v", err)
	}
}

func TestWriteJSONAtomicRejectsEmptyPath(t *testing.T) {
	if err := orchestrator.WriteJSONAtomic("", map[string]string{"a": "b"}); err == nil {
		t.Fatal("expected error for empty path")
	}
}
