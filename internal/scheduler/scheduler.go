// Package scheduler chooses what to dispatch next from the current
// RunState and policy Snapshot: which task to claim, which attempt to
// review or check, and which closable task to merge. It is stateless
// per tick; all state lives in RunState and worker-pool occupancy passed
// in by the caller.
package scheduler

import (
	"sort"

	"github.com/David-Factor/thence/internal/policy"
	"github.com/David-Factor/thence/internal/projector"
)

// DefaultMaxAttempts is the retry budget applied when a run does not
// override it.
const DefaultMaxAttempts = 3

// NextClaimableTask picks the lexicographically-earliest claimable task
// under the attempt budget. Ties among multiple claimable tasks are
// broken by sorted task_id, which is also a valid topological order
// because a task can only be claimable once its dependencies are closed.
func NextClaimableTask(state *projector.RunState, snap policy.Snapshot, maxAttempts int64) (string, bool) {
	ids := make([]string, 0, len(state.Tasks))
	for id := range state.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		task := state.Tasks[id]
		gate := snap.Gates[id]
		if gate.Claimable && task.Attempts < maxAttempts {
			return id, true
		}
	}
	return "", false
}

// Decision is one dispatch action for the current tick.
type Decision struct {
	Kind   DecisionKind
	TaskID string
	Attempt int64
}

// DecisionKind enumerates the dispatchable action shapes.
type DecisionKind string

const (
	DecisionClaim       DecisionKind = "claim"        // claim task for role implementer
	DecisionReview      DecisionKind = "review"        // dispatch reviewer on attempt
	DecisionRunChecks   DecisionKind = "run_checks"    // run checks on attempt
	DecisionMerge       DecisionKind = "merge"         // merge task
	DecisionFailTerminal DecisionKind = "fail_terminal" // attempt budget exhausted
)

// PoolOccupancy reports how many workers/reviewers are currently busy so
// the scheduler can respect --workers/--reviewers limits.
type PoolOccupancy struct {
	BusyWorkers   int
	MaxWorkers    int
	BusyReviewers int
	MaxReviewers  int
	MergeInFlight bool
}

// Plan computes the bounded set of dispatch decisions for one tick.
// Never dispatches while snap.RunPaused. Merge dispatch is one-at-a-time
// (strictly serialized run-wide, per the merge queue's single-threaded
// contract); reviewer dispatch respects the reviewer pool size and claim
// dispatch respects the worker pool size.
func Plan(state *projector.RunState, snap policy.Snapshot, occ PoolOccupancy, maxAttempts int64) []Decision {
	var decisions []Decision
	if snap.RunPaused || state.Terminal != "" {
		return decisions
	}

	// Attempt-budget exhaustion takes priority: a task past its budget,
	// with no attempt still in flight, moves to failed-terminal before
	// anything else is considered for it.
	ids := sortedTaskIDs(state)
	for _, id := range ids {
		task := state.Tasks[id]
		if task.TerminalFailed || task.Closed {
			continue
		}
		if task.Attempts >= maxAttempts && !task.Claimed && !hasClosableAttempt(task) {
			decisions = append(decisions, Decision{Kind: DecisionFailTerminal, TaskID: id})
		}
	}

	// Merge queue: strictly one at a time, ordered by seq of the
	// enabling review_approved event — callers pass tasks to Plan in
	// that order already reflected by iteration over state.Tasks keyed
	// by id; the true seq-ordering tie-break is applied by the merge
	// queue component itself (internal/mergequeue) which receives all
	// merge-ready candidates, not just the first.
	if !occ.MergeInFlight {
		for _, id := range ids {
			if snap.Gates[id].MergeReady {
				decisions = append(decisions, Decision{Kind: DecisionMerge, TaskID: id})
				break
			}
		}
	}

	// Checks: any attempt with review approved but not yet checked.
	for _, id := range ids {
		task := state.Tasks[id]
		gate := snap.Gates[id]
		if gate.Closable || task.LatestAttempt == 0 {
			continue
		}
		if task.ReviewApprovedAttempts[task.LatestAttempt] && !task.ChecksPassedAttempts[task.LatestAttempt] &&
			!task.UnresolvedFindingsAttempts[task.LatestAttempt] {
			decisions = append(decisions, Decision{Kind: DecisionRunChecks, TaskID: id, Attempt: task.LatestAttempt})
		}
	}

	// Reviewer dispatch, bounded by --reviewers.
	busyReviewers := occ.BusyReviewers
	for _, id := range ids {
		if occ.MaxReviewers > 0 && busyReviewers >= occ.MaxReviewers {
			break
		}
		gate := snap.Gates[id]
		task := state.Tasks[id]
		if gate.Reviewable && task.LatestAttempt > 0 &&
			!task.ReviewApprovedAttempts[task.LatestAttempt] &&
			!task.UnresolvedFindingsAttempts[task.LatestAttempt] {
			decisions = append(decisions, Decision{Kind: DecisionReview, TaskID: id, Attempt: task.LatestAttempt})
			busyReviewers++
		}
	}

	// Claim dispatch, bounded by --workers.
	busyWorkers := occ.BusyWorkers
	if occ.MaxWorkers <= 0 || busyWorkers < occ.MaxWorkers {
		if id, ok := NextClaimableTask(state, snap, maxAttempts); ok {
			decisions = append(decisions, Decision{Kind: DecisionClaim, TaskID: id})
		}
	}

	return decisions
}

func hasClosableAttempt(task *projector.TaskProjection) bool {
	if task.LatestAttempt == 0 {
		return false
	}
	return task.ReviewApprovedAttempts[task.LatestAttempt] &&
		task.ChecksPassedAttempts[task.LatestAttempt] &&
		!task.UnresolvedFindingsAttempts[task.LatestAttempt]
}

func sortedTaskIDs(state *projector.RunState) []string {
	ids := make([]string, 0, len(state.Tasks))
	for id := range state.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReviewerFor picks a reviewer actor id distinct from the attempt's
// implementer. When the run has only one configured reviewer identity,
// callers must supply a distinct role identifier; this function only
// enforces the inequality, it does not allocate identity.
func ReviewerFor(implementerActorID string, candidates []string) (string, bool) {
	for _, c := range candidates {
		if c != implementerActorID {
			return c, true
		}
	}
	return "", false
}
