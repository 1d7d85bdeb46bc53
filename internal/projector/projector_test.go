package projector_test

import (
	"testing"

	"github.com/David-Factor/thence/internal/domain"
	"github.com/David-Factor/thence/internal/projector"
)

func ev(typ domain.EventType, taskID string, attempt int64, payload string) domain.Event {
	return domain.Event{Type: typ, TaskID: taskID, Attempt: attempt, PayloadJSON: payload}
}

func TestProjectIsDeterministic(t *testing.T) {
	events := []domain.Event{
		ev(domain.EventRunStarted, "", 0, "{}"),
		ev(domain.EventTaskRegistered, "T1", 0, `{"task_id":"T1","objective":"do it"}`),
		ev(domain.EventSpecApproved, "", 0, "{}"),
		ev(domain.EventChecksApproved, "", 0, `{"commands":["go test ./..."]}`),
		ev(domain.EventTaskClaimed, "T1", 1, "{}"),
	}
	s1 := projector.Project(events)
	s2 := projector.Project(events)
	if s1.Tasks["T1"].Attempts != s2.Tasks["T1"].Attempts {
		t.Fatal("projection is not deterministic")
	}
	if !s1.SpecApproved || !s1.ChecksApproved {
		s1needs := s1
		t.Fatalf("expected gates cleared, got %+v", s1needs)
	}
}

func TestHappyPathProjection(t *testing.T) {
	events := []domain.Event{
		ev(domain.EventRunStarted, "", 0, "{}"),
		ev(domain.EventTaskRegistered, "T1", 0, `{"task_id":"T1"}`),
		ev(domain.EventSpecApproved, "", 0, "{}"),
		ev(domain.EventChecksApproved, "", 0, `{"commands":["x"]}`),
		ev(domain.EventTaskClaimed, "T1", 1, "{}"),
		ev(domain.EventReviewApproved, "T1", 1, "{}"),
		ev(domain.EventChecksReported, "T1", 1, `{"passed":true}`),
		ev(domain.EventMergeSucceeded, "T1", 1, "{}"),
		ev(domain.EventTaskClosed, "T1", 1, "{}"),
		ev(domain.EventRunCompleted, "", 0, "{}"),
	}
	s := projector.Project(events)
	task := s.Tasks["T1"]
	if task == nil {
		t.Fatal("expected task T1 to be projected")
	}
	if !task.Closed {
		t.Fatal("expected task closed")
	}
	if task.Claimed {
		t.Fatal("expected task not claimed after close")
	}
	if s.Terminal != domain.EventRunCompleted {
		t.Fatalf("expected run_completed terminal, got %q", s.Terminal)
	}
}

func TestReworkClearsClaimAndTracksFindings(t *testing.T) {
	events := []domain.Event{
		ev(domain.EventTaskRegistered, "T1", 0, `{"task_id":"T1"}`),
		ev(domain.EventTaskClaimed, "T1", 1, "{}"),
		ev(domain.EventReviewFoundIssues, "T1", 1, "{}"),
	}
	s := projector.Project(events)
	task := s.Tasks["T1"]
	if task.Claimed {
		t.Fatal("rework should clear claimed")
	}
	if !task.UnresolvedFindingsAttempts[1] {
		t.Fatal("expected unresolved findings recorded for attempt 1")
	}
}

func TestQuestionOpenAndResolveTracking(t *testing.T) {
	events := []domain.Event{
		ev(domain.EventHumanInputRequested, "", 0, "{}"),
		ev(domain.EventSpecQuestionOpened, "", 0, `{"question_id":"q1","question":"what?"}`),
	}
	s := projector.Project(events)
	if !s.Paused {
		t.Fatal("expected run paused while question open")
	}
	if _, ok := s.OpenQuestions["q1"]; !ok {
		t.Fatal("expected open question q1")
	}

	events = append(events,
		ev(domain.EventHumanInputProvided, "", 0, `{"question_id":"q1"}`),
		ev(domain.EventSpecQuestionResolved, "", 0, `{"question_id":"q1"}`),
		ev(domain.EventRunResumed, "", 0, "{}"),
	)
	s = projector.Project(events)
	if s.Paused {
		t.Fatal("expected run resumed after resolving last question")
	}
	if len(s.OpenQuestions) != 0 {
		t.Fatalf("expected no open questions, got %v", s.OpenQuestions)
	}
}
