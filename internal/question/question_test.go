package question_test

import (
	"testing"

	"github.com/David-Factor/thence/internal/domain"
	"github.com/David-Factor/thence/internal/projector"
	"github.com/David-Factor/thence/internal/question"
)

func TestOpenEventsPauseAndProject(t *testing.T) {
	events, err := question.OpenEvents("q1", domain.QuestionSpecClarification, "what does X mean?")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].Type != domain.EventSpecQuestionOpened {
		t.Fatalf("expected spec_question_opened, got %s", events[1].Type)
	}

	state := projector.Project(toDomainEvents(events))
	if !state.Paused {
		t.Fatal("expected run paused after opening a question")
	}
	if _, ok := state.OpenQuestions["q1"]; !ok {
		t.Fatal("expected q1 to be tracked as open")
	}
}

func TestResolveEventsClearOpenQuestion(t *testing.T) {
	open, err := question.OpenEvents("q1", domain.QuestionChecksApproval, "which commands?")
	if err != nil {
		t.Fatal(err)
	}
	resolve, err := question.ResolveEvents("q1", domain.QuestionChecksApproval, "approved")
	if err != nil {
		t.Fatal(err)
	}
	if resolve[1].Type != domain.EventChecksApproved {
		t.Fatalf("checks_approval must resolve via checks_approved, got %s", resolve[1].Type)
	}

	all := append(open, resolve...)
	state := projector.Project(toDomainEvents(all))
	if len(state.OpenQuestions) != 0 {
		t.Fatalf("expected no open questions after resolve, got %v", state.OpenQuestions)
	}
}

func TestFindingEscalationRoundtrip(t *testing.T) {
	open, err := question.OpenEvents("q2", domain.QuestionReviewerFindingEscalation, "accept finding?")
	if err != nil {
		t.Fatal(err)
	}
	if open[1].Type != domain.EventFindingEscalationOpened {
		t.Fatalf("expected finding_escalation_opened, got %s", open[1].Type)
	}
	resolve, err := question.ResolveEvents("q2", domain.QuestionReviewerFindingEscalation, "accepted")
	if err != nil {
		t.Fatal(err)
	}
	if resolve[1].Type != domain.EventFindingEscalationResolved {
		t.Fatalf("expected finding_escalation_resolved, got %s", resolve[1].Type)
	}
}

func TestUnknownKindRejected(t *testing.T) {
	if _, err := question.OpenEvents("q3", domain.QuestionKind("bogus"), "??"); err == nil {
		t.Fatal("expected error for unknown question kind")
	}
}

func toDomainEvents(news []domain.NewEvent) []domain.Event {
	events := make([]domain.Event, len(news))
	for i, n := range news {
		events[i] = domain.Event{
			Type:        n.Type,
			TaskID:      n.TaskID,
			ActorRole:   n.ActorRole,
			ActorID:     n.ActorID,
			Attempt:     n.Attempt,
			PayloadJSON: n.PayloadJSON,
			DedupeKey:   n.DedupeKey,
			Seq:         int64(i) + 1,
		}
	}
	return events
}
