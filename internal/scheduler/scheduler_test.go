package scheduler_test

import (
	"testing"

	"github.com/David-Factor/thence/internal/domain"
	"github.com/David-Factor/thence/internal/policy"
	"github.com/David-Factor/thence/internal/projector"
	"github.com/David-Factor/thence/internal/scheduler"
)

func TestNextClaimableTaskPicksLexicographicEarliest(t *testing.T) {
	events := []domain.Event{
		{Type: domain.EventTaskRegistered, TaskID: "Tb", PayloadJSON: `{"task_id":"Tb"}`},
		{Type: domain.EventTaskRegistered, TaskID: "Ta", PayloadJSON: `{"task_id":"Ta"}`},
		{Type: domain.EventSpecApproved},
		{Type: domain.EventChecksApproved, PayloadJSON: `{"commands":["x"]}`},
	}
	state := projector.Project(events)
	snap, err := policy.Derive(state, nil)
	if err != nil {
		t.Fatal(err)
	}
	id, ok := scheduler.NextClaimableTask(state, snap, scheduler.DefaultMaxAttempts)
	if !ok || id != "Ta" {
		t.Fatalf("expected Ta, got %q ok=%v", id, ok)
	}
}

func TestPlanNoDispatchWhilePaused(t *testing.T) {
	events := []domain.Event{
		{Type: domain.EventTaskRegistered, TaskID: "T1", PayloadJSON: `{"task_id":"T1"}`},
		{Type: domain.EventSpecApproved},
		{Type: domain.EventChecksApproved, PayloadJSON: `{"commands":["x"]}`},
		{Type: domain.EventHumanInputRequested},
		{Type: domain.EventSpecQuestionOpened, PayloadJSON: `{"question_id":"q1"}`},
	}
	state := projector.Project(events)
	snap, err := policy.Derive(state, nil)
	if err != nil {
		t.Fatal(err)
	}
	decisions := scheduler.Plan(state, snap, scheduler.PoolOccupancy{MaxWorkers: 1, MaxReviewers: 1}, scheduler.DefaultMaxAttempts)
	if len(decisions) != 0 {
		t.Fatalf("expected no decisions while paused, got %v", decisions)
	}
}

func TestPlanFailsTerminalAfterBudgetExhausted(t *testing.T) {
	events := []domain.Event{
		{Type: domain.EventTaskRegistered, TaskID: "T1", PayloadJSON: `{"task_id":"T1"}`},
		{Type: domain.EventSpecApproved},
		{Type: domain.EventChecksApproved, PayloadJSON: `{"commands":["x"]}`},
		{Type: domain.EventTaskClaimed, TaskID: "T1", Attempt: 1},
		{Type: domain.EventReviewFoundIssues, TaskID: "T1", Attempt: 1},
		{Type: domain.EventTaskClaimed, TaskID: "T1", Attempt: 2},
		{Type: domain.EventReviewFoundIssues, TaskID: "T1", Attempt: 2},
		{Type: domain.EventTaskClaimed, TaskID: "T1", Attempt: 3},
		{Type: domain.EventReviewFoundIssues, TaskID: "T1", Attempt: 3},
	}
	state := projector.Project(events)
	snap, err := policy.Derive(state, nil)
	if err != nil {
		t.Fatal(err)
	}
	decisions := scheduler.Plan(state, snap, scheduler.PoolOccupancy{MaxWorkers: 1, MaxReviewers: 1}, 3)
	found := false
	for _, d := range decisions {
		if d.Kind == scheduler.DecisionFailTerminal && d.TaskID == "T1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fail_terminal decision for T1, got %v", decisions)
	}
}

func TestReviewerForExcludesImplementer(t *testing.T) {
	reviewer, ok := scheduler.ReviewerFor("agent-a", []string{"agent-a", "agent-b"})
	if !ok || reviewer != "agent-b" {
		t.Fatalf("expected agent-b, got %q ok=%v", reviewer, ok)
	}
	if _, ok := scheduler.ReviewerFor("agent-a", []string{"agent-a"}); ok {
		t.Fatal("expected no reviewer available when only the implementer identity exists")
	}
}
