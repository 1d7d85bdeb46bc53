// Package question implements the human-input gate subsystem: opening
// and resolving the three question kinds, and the open/resolve
// bookkeeping that drives the run-level pause.
package question

import (
	"encoding/json"
	"fmt"

	"github.com/David-Factor/thence/internal/domain"
)

// OpenEventFor returns the kind-specific "opened" event type that
// accompanies a human_input_requested event, mirroring the pairing the
// run-level pause bookkeeping in original_source/src/events/store.rs
// relies on to recognize a question by kind.
func OpenEventFor(kind domain.QuestionKind) (domain.EventType, error) {
	switch kind {
	case domain.QuestionSpecClarification:
		return domain.EventSpecQuestionOpened, nil
	case domain.QuestionChecksApproval:
		return domain.EventChecksQuestionOpened, nil
	case domain.QuestionReviewerFindingEscalation:
		return domain.EventFindingEscalationOpened, nil
	default:
		return "", fmt.Errorf("unknown question kind %q", kind)
	}
}

// ResolveEventFor returns the kind-specific resolution event type that
// accompanies a human_input_provided event.
func ResolveEventFor(kind domain.QuestionKind) (domain.EventType, error) {
	switch kind {
	case domain.QuestionSpecClarification:
		return domain.EventSpecQuestionResolved, nil
	case domain.QuestionChecksApproval:
		return domain.EventChecksApproved, nil
	case domain.QuestionReviewerFindingEscalation:
		return domain.EventFindingEscalationResolved, nil
	default:
		return "", fmt.Errorf("unknown question kind %q", kind)
	}
}

// OpenPayload is the JSON payload shape for human_input_requested plus
// its kind-specific opened event.
type OpenPayload struct {
	QuestionID string              `json:"question_id"`
	Kind       domain.QuestionKind `json:"kind"`
	Prompt     string              `json:"question"`
}

// ResolvePayload is the JSON payload shape for human_input_provided
// plus its kind-specific resolution event.
type ResolvePayload struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// ChecksApprovalPayload is the payload carried on the checks_approved
// event when it resolves a checks_approval question (as opposed to
// being satisfied directly from config/CLI without ever opening one).
type ChecksApprovalPayload struct {
	Commands []string `json:"commands"`
}

// OpenEvents builds the pair of NewEvents (human_input_requested plus
// the kind-specific opened event) needed to open a question. Both must
// be appended under the same tick per the causal-pair ordering
// guarantee in the concurrency model.
func OpenEvents(questionID string, kind domain.QuestionKind, prompt string) ([]domain.NewEvent, error) {
	openType, err := OpenEventFor(kind)
	if err != nil {
		return nil, err
	}
	payload := mustMarshal(OpenPayload{QuestionID: questionID, Kind: kind, Prompt: prompt})
	return []domain.NewEvent{
		{Type: domain.EventHumanInputRequested, PayloadJSON: payload, DedupeKey: "human_input_requested-" + questionID},
		{Type: openType, PayloadJSON: payload, DedupeKey: "question_opened-" + questionID},
	}, nil
}

// ResolveEvents builds the pair of NewEvents needed to resolve a
// question: human_input_provided plus the kind-specific resolution
// event.
func ResolveEvents(questionID string, kind domain.QuestionKind, answer string) ([]domain.NewEvent, error) {
	resolveType, err := ResolveEventFor(kind)
	if err != nil {
		return nil, err
	}
	payload := mustMarshal(ResolvePayload{QuestionID: questionID, Answer: answer})
	return []domain.NewEvent{
		{Type: domain.EventHumanInputProvided, PayloadJSON: payload, DedupeKey: "human_input_provided-" + questionID},
		{Type: resolveType, PayloadJSON: payload, DedupeKey: "question_resolved-" + questionID},
	}, nil
}

func mustMarshal(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		// payload shapes here are all plain structs of strings/slices;
		// a marshal failure would be a programming error, not a runtime
		// condition callers can recover from.
		panic(err)
	}
	return string(raw)
}
