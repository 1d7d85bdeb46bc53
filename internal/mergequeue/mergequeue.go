// Package mergequeue implements the strictly-serial merge executor: one
// integration attempt at a time against the run's integration branch,
// with exactly two outcomes (merge_succeeded or merge_conflict).
package mergequeue

import (
	"context"
	"fmt"
	"strings"
)

// ExecRunner abstracts running git against a worktree so tests can
// inject fakes, mirroring the ExecRunner shape used for worktree setup.
type ExecRunner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (string, error)
}

// Candidate is one merge-ready task eligible for the next integration
// attempt.
type Candidate struct {
	TaskID            string
	Attempt           int64
	TaskBranch        string
	ReviewApprovedSeq int64
}

// NextCandidate picks the closable-first-in-time candidate: the one
// whose review_approved event has the lowest seq. Ties (equal seq,
// which should not occur in practice) fall back
// to lexicographic task id for determinism.
func NextCandidate(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.ReviewApprovedSeq < best.ReviewApprovedSeq ||
			(c.ReviewApprovedSeq == best.ReviewApprovedSeq && c.TaskID < best.TaskID) {
			best = c
		}
	}
	return best, true
}

// Outcome is the result of one integration attempt. The merge executor
// is stateless between items: nothing here carries over to the next
// candidate.
type Outcome struct {
	TaskID   string
	Attempt  int64
	Conflict bool
}

// Integrate attempts to merge taskBranch into integrationBranch inside
// repoRoot. On success it returns Outcome{Conflict: false}; on conflict
// it aborts the in-progress merge and returns Outcome{Conflict: true}
// rather than erroring, since a conflict is an expected, handled
// outcome, not a failure of the merge queue itself.
func Integrate(ctx context.Context, exe ExecRunner, repoRoot string, candidate Candidate, integrationBranch string) (Outcome, error) {
	out := Outcome{TaskID: candidate.TaskID, Attempt: candidate.Attempt}

	if _, err := exe.Run(ctx, repoRoot, "git", "checkout", integrationBranch); err != nil {
		return out, fmt.Errorf("checkout integration branch %s: %w", integrationBranch, err)
	}

	mergeOutput, err := exe.Run(ctx, repoRoot, "git", "merge", "--no-ff", "--no-edit", candidate.TaskBranch)
	if err == nil {
		return out, nil
	}

	if !looksLikeConflict(mergeOutput, err) {
		return out, fmt.Errorf("merge %s into %s: %w", candidate.TaskBranch, integrationBranch, err)
	}

	if _, abortErr := exe.Run(ctx, repoRoot, "git", "merge", "--abort"); abortErr != nil {
		return out, fmt.Errorf("merge conflict on %s, then merge --abort also failed: %w", candidate.TaskBranch, abortErr)
	}
	out.Conflict = true
	return out, nil
}

// looksLikeConflict distinguishes a merge conflict (git exits non-zero
// with "CONFLICT" in its output) from any other failure (missing
// branch, dirty worktree, disk error) that should propagate as a real
// error instead of being folded into the rework loop.
func looksLikeConflict(output string, err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(output+"\n"+err.Error()), "CONFLICT")
}
