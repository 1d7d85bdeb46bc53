package mergequeue_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/David-Factor/thence/internal/mergequeue"
)

type fakeExec struct {
	conflictOn string
	calls      []string
}

func (f *fakeExec) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	f.calls = append(f.calls, fmt.Sprintf("%s %v", name, args))
	if len(args) >= 4 && args[0] == "merge" && args[3] == f.conflictOn {
		return "", fmt.Errorf("CONFLICT (content): merge conflict in file.go")
	}
	return "", nil
}

func TestNextCandidatePicksLowestSeq(t *testing.T) {
	candidates := []mergequeue.Candidate{
		{TaskID: "T2", ReviewApprovedSeq: 5},
		{TaskID: "T1", ReviewApprovedSeq: 3},
	}
	got, ok := mergequeue.NextCandidate(candidates)
	if !ok || got.TaskID != "T1" {
		t.Fatalf("expected T1, got %v ok=%v", got, ok)
	}
}

func TestNextCandidateEmpty(t *testing.T) {
	if _, ok := mergequeue.NextCandidate(nil); ok {
		t.Fatal("expected no candidate from empty input")
	}
}

func TestIntegrateSuccess(t *testing.T) {
	exe := &fakeExec{}
	out, err := mergequeue.Integrate(context.Background(), exe, "/repo",
		mergequeue.Candidate{TaskID: "T1", Attempt: 1, TaskBranch: "thence/T1"}, "main")
	if err != nil {
		t.Fatal(err)
	}
	if out.Conflict {
		t.Fatal("expected no conflict")
	}
}

func TestIntegrateConflictAbortsAndReportsOutcome(t *testing.T) {
	exe := &fakeExec{conflictOn: "thence/T1"}
	out, err := mergequeue.Integrate(context.Background(), exe, "/repo",
		mergequeue.Candidate{TaskID: "T1", Attempt: 1, TaskBranch: "thence/T1"}, "main")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Conflict {
		t.Fatal("expected conflict outcome")
	}
	found := false
	for _, c := range exe.calls {
		if c == "git [merge --abort]" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected merge --abort to be called, calls=%v", exe.calls)
	}
}
