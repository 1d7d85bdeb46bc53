// Package policy composes the static rule bundle, the per-run translated
// rules, and the current tick's projected facts into a spl.Theory, and
// queries it for the gate literals the scheduler consumes. Evaluation is
// non-monotonic: it runs fresh every tick from the current RunState, with
// no memoization carried across ticks.
package policy

import (
	"fmt"

	"github.com/David-Factor/thence/internal/domain"
	"github.com/David-Factor/thence/internal/policy/spl"
	"github.com/David-Factor/thence/internal/projector"
)

// TranslatedRules is the per-run rule/fact bundle produced by the plan
// translator. Dependency and task-existence facts are derived from
// RunState directly (the translator's own output is already folded into
// the task projections by the time policy runs); TranslatedRules is the
// extension point for rule programs the translator may emit beyond
// plain dependency facts.
type TranslatedRules struct {
	Apply func(th *spl.Theory)
}

// Snapshot is the per-tick result of policy evaluation: the run-level
// pause gate plus the derived GateLiterals for every task.
type Snapshot struct {
	RunPaused bool
	Gates     map[string]domain.GateLiterals
}

func addStaticRules(th *spl.Theory) {
	// claimable(T) <= task(T), ready(T), spec-approved, checks-approved,
	// no-open-questions, run-active, unclaimed(T), unclosed(T), unfailed(T).
	th.Always("policy-claimable",
		spl.L("claimable", "?t"),
		spl.L("task", "?t"), spl.L("ready", "?t"),
		spl.L("spec-approved"), spl.L("checks-approved"), spl.L("no-open-questions"), spl.L("run-active"),
		spl.L("unclaimed", "?t"), spl.L("unclosed", "?t"), spl.L("unfailed", "?t"),
	)

	// closable(T) <= task(T), latest-attempt(T,A), review-approved(T,A),
	// checks-passed(T,A), findings-clear(T,A).
	th.Always("policy-closable",
		spl.L("closable", "?t"),
		spl.L("task", "?t"), spl.L("latest-attempt", "?t", "?a"),
		spl.L("review-approved", "?t", "?a"), spl.L("checks-passed", "?t", "?a"), spl.L("findings-clear", "?t", "?a"),
	)

	// merge-ready(T) <= closable(T), no-open-questions, run-active.
	th.Always("policy-merge-ready",
		spl.L("merge-ready", "?t"),
		spl.L("closable", "?t"), spl.L("no-open-questions"), spl.L("run-active"),
	)

	// reviewable(T) <= task(T), submitted(T), reviewer-eligible(T).
	// submitted(T) is given for a claimed task with an attempt, and
	// reviewer-eligible(T) for every task, so reviewer identity plays no
	// part in this rule.
	th.Always("policy-reviewable",
		spl.L("reviewable", "?t"),
		spl.L("task", "?t"), spl.L("submitted", "?t"), spl.L("reviewer-eligible", "?t"),
	)

	// needs-human(T) <= open-question-affecting(T).
	th.Always("policy-needs-human",
		spl.L("needs-human", "?t"),
		spl.L("task", "?t"), spl.L("open-question-affecting", "?t"),
	)

	// blocked-ambiguity(T) <= task(T), ambiguous(T).
	th.Always("policy-blocked-ambiguity",
		spl.L("blocked-ambiguity", "?t"),
		spl.L("task", "?t"), spl.L("ambiguous", "?t"),
	)

	// rework-required(T) <= task(T), latest-attempt(T,A), findings-open(T,A).
	th.Always("policy-rework-required",
		spl.L("rework-required", "?t"),
		spl.L("task", "?t"), spl.L("latest-attempt", "?t", "?a"), spl.L("findings-open", "?t", "?a"),
	)
}

// Derive builds the composed theory for one tick and returns the gate
// literals for every task in state. translated may be nil.
func Derive(state *projector.RunState, translated *TranslatedRules) (Snapshot, error) {
	th := spl.NewTheory()
	addStaticRules(th)
	if translated != nil && translated.Apply != nil {
		translated.Apply(th)
	}

	runPaused := state.Paused || len(state.OpenQuestions) > 0

	if state.SpecApproved {
		th.Given("spec-approved")
	}
	if state.ChecksApproved {
		th.Given("checks-approved")
	}
	if len(state.OpenQuestions) == 0 {
		th.Given("no-open-questions")
	}
	if !state.Paused && state.Terminal == "" {
		th.Given("run-active")
	}

	for taskID, task := range state.Tasks {
		th.Given("task", taskID)

		depsClosed := true
		for _, dep := range task.Dependencies {
			depTask, ok := state.Tasks[dep]
			if !ok || !depTask.Closed {
				depsClosed = false
				break
			}
		}
		if depsClosed {
			th.Given("ready", taskID)
		}
		if !task.Claimed {
			th.Given("unclaimed", taskID)
		} else {
			th.Given("claimed", taskID)
		}
		if !task.Closed {
			th.Given("unclosed", taskID)
		} else {
			th.Given("closed", taskID)
		}
		if !task.TerminalFailed {
			th.Given("unfailed", taskID)
		} else {
			th.Given("terminal-failed", taskID)
		}

		if task.LatestAttempt > 0 {
			a := attemptTag(task.LatestAttempt)
			th.Given("latest-attempt", taskID, a)
			if !task.UnresolvedFindingsAttempts[task.LatestAttempt] {
				th.Given("findings-clear", taskID, a)
			}
			if task.Claimed {
				th.Given("submitted", taskID)
			}
		}
		for attempt := range task.ReviewApprovedAttempts {
			th.Given("review-approved", taskID, attemptTag(attempt))
		}
		for attempt := range task.ChecksPassedAttempts {
			th.Given("checks-passed", taskID, attemptTag(attempt))
		}
		for attempt := range task.UnresolvedFindingsAttempts {
			th.Given("findings-open", taskID, attemptTag(attempt))
		}

		if len(state.OpenQuestions) > 0 {
			// Open questions are not task-scoped in the event model;
			// while any is open every task is affected, mirroring the
			// run-level pause's effect on claim/merge.
			th.Given("open-question-affecting", taskID)
		}

		th.Given("reviewer-eligible", taskID)
	}

	th.Derive()

	gates := make(map[string]domain.GateLiterals, len(state.Tasks))
	for taskID := range state.Tasks {
		gates[taskID] = domain.GateLiterals{
			Ready:            th.Provable("ready", taskID),
			Claimable:        th.Provable("claimable", taskID),
			Reviewable:       th.Provable("reviewable", taskID),
			ReworkRequired:   th.Provable("rework-required", taskID),
			ChecksPassed:     th.Provable("checks-passed", taskID),
			Closable:         th.Provable("closable", taskID),
			MergeReady:       th.Provable("merge-ready", taskID),
			NeedsHuman:       th.Provable("needs-human", taskID),
			BlockedAmbiguity: th.Provable("blocked-ambiguity", taskID),
		}
	}

	return Snapshot{RunPaused: runPaused, Gates: gates}, nil
}

func attemptTag(attempt int64) string {
	return fmt.Sprintf("a%d", attempt)
}

// ReviewerMayApprove reports whether reviewerActorID differs from the
// actor that claimed the task's current attempt (always true when no
// claimant is recorded). Derive does not call it, so "reviewable" is
// derived without regard to reviewer identity; a reviewer equal to the
// implementer is rejected only at append time, by internal/transitions.
func ReviewerMayApprove(task *projector.TaskProjection, reviewerActorID string) bool {
	return task.ClaimedByActorID == "" || task.ClaimedByActorID != reviewerActorID
}
