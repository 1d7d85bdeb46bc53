// Package projector implements the pure fold from an ordered event
// sequence to the current RunState. It performs no I/O and makes no
// decisions; it only remembers what the event log already says.
package projector

import (
	"encoding/json"

	"github.com/David-Factor/thence/internal/domain"
)

// TaskProjection is the per-task slice of RunState.
type TaskProjection struct {
	ID                         string
	Objective                  string
	Acceptance                 string
	Dependencies               []string
	RequiredChecks             []string
	Attempts                   int64
	Claimed                    bool
	LatestAttempt              int64
	ClaimedByActorID           string
	ReviewApprovedAttempts     map[int64]bool
	ReviewApprovedSeq          map[int64]int64
	ChecksPassedAttempts       map[int64]bool
	UnresolvedFindingsAttempts map[int64]bool
	MergedAttempts             map[int64]bool
	Closed                     bool
	TerminalFailed             bool
}

func newTaskProjection(id string) *TaskProjection {
	return &TaskProjection{
		ID:                         id,
		ReviewApprovedAttempts:     map[int64]bool{},
		ReviewApprovedSeq:          map[int64]int64{},
		ChecksPassedAttempts:       map[int64]bool{},
		UnresolvedFindingsAttempts: map[int64]bool{},
		MergedAttempts:             map[int64]bool{},
	}
}

// RunState is the immutable snapshot the rest of the supervisor reads
// from on each tick.
type RunState struct {
	RunID          string
	SpecApproved   bool
	ChecksApproved bool
	ChecksCommands []string
	Paused         bool
	Terminal       domain.EventType // empty if not terminal
	Tasks          map[string]*TaskProjection
	OpenQuestions  map[string]string // question_id -> prompt text
}

func newRunState() *RunState {
	return &RunState{
		Tasks:         map[string]*TaskProjection{},
		OpenQuestions: map[string]string{},
	}
}

type taskRegisteredPayload struct {
	TaskID       string   `json:"task_id"`
	Objective    string   `json:"objective"`
	Acceptance   string   `json:"acceptance"`
	Dependencies []string `json:"dependencies"`
	Checks       []string `json:"checks"`
}

type checksApprovedPayload struct {
	Commands   []string `json:"commands"`
	QuestionID string   `json:"question_id"`
}

type questionPayload struct {
	QuestionID string `json:"question_id"`
	Question   string `json:"question"`
}

type checksReportedPayload struct {
	Passed bool `json:"passed"`
}

// Project folds the full event history into RunState. It is deterministic:
// projecting the same prefix twice yields an identical state.
func Project(events []domain.Event) *RunState {
	s := newRunState()
	for i := range events {
		applyEvent(s, &events[i])
	}
	return s
}

func applyEvent(s *RunState, ev *domain.Event) {
	s.RunID = ev.RunID
	switch ev.Type {
	case domain.EventTaskRegistered:
		var p taskRegisteredPayload
		_ = json.Unmarshal([]byte(ev.PayloadJSON), &p)
		taskID := ev.TaskID
		if taskID == "" {
			taskID = p.TaskID
		}
		if taskID == "" {
			return
		}
		if _, exists := s.Tasks[taskID]; exists {
			return
		}
		t := newTaskProjection(taskID)
		t.Objective = p.Objective
		t.Acceptance = p.Acceptance
		t.Dependencies = p.Dependencies
		t.RequiredChecks = p.Checks
		s.Tasks[taskID] = t

	case domain.EventSpecApproved:
		s.SpecApproved = true

	case domain.EventChecksApproved:
		s.ChecksApproved = true
		var p checksApprovedPayload
		_ = json.Unmarshal([]byte(ev.PayloadJSON), &p)
		s.ChecksCommands = p.Commands
		if p.QuestionID != "" {
			delete(s.OpenQuestions, p.QuestionID)
		}

	case domain.EventRunPaused, domain.EventHumanInputRequested:
		s.Paused = true

	case domain.EventRunResumed:
		s.Paused = false

	case domain.EventSpecQuestionOpened, domain.EventChecksQuestionOpened, domain.EventFindingEscalationOpened:
		var p questionPayload
		_ = json.Unmarshal([]byte(ev.PayloadJSON), &p)
		if p.QuestionID != "" {
			s.OpenQuestions[p.QuestionID] = p.Question
		}

	case domain.EventSpecQuestionResolved, domain.EventChecksQuestionResolved, domain.EventFindingEscalationResolved:
		var p questionPayload
		_ = json.Unmarshal([]byte(ev.PayloadJSON), &p)
		if p.QuestionID != "" {
			delete(s.OpenQuestions, p.QuestionID)
		}

	case domain.EventTaskClaimed:
		if t, ok := s.Tasks[ev.TaskID]; ok {
			t.Claimed = true
			t.Attempts++
			if ev.Attempt != 0 {
				t.LatestAttempt = ev.Attempt
			} else {
				t.LatestAttempt = t.Attempts
			}
			t.ClaimedByActorID = ev.ActorID
		}

	case domain.EventReviewFoundIssues:
		if t, ok := s.Tasks[ev.TaskID]; ok {
			t.Claimed = false
			attempt := ev.Attempt
			if attempt == 0 {
				attempt = t.LatestAttempt
			}
			t.UnresolvedFindingsAttempts[attempt] = true
		}

	case domain.EventReviewApproved:
		if t, ok := s.Tasks[ev.TaskID]; ok {
			attempt := ev.Attempt
			if attempt == 0 {
				attempt = t.LatestAttempt
			}
			t.ReviewApprovedAttempts[attempt] = true
			t.ReviewApprovedSeq[attempt] = ev.Seq
			delete(t.UnresolvedFindingsAttempts, attempt)
		}

	case domain.EventChecksReported:
		if t, ok := s.Tasks[ev.TaskID]; ok {
			attempt := ev.Attempt
			if attempt == 0 {
				attempt = t.LatestAttempt
			}
			var p checksReportedPayload
			_ = json.Unmarshal([]byte(ev.PayloadJSON), &p)
			if p.Passed {
				t.ChecksPassedAttempts[attempt] = true
			} else {
				delete(t.ChecksPassedAttempts, attempt)
			}
		}

	case domain.EventMergeSucceeded:
		if t, ok := s.Tasks[ev.TaskID]; ok {
			attempt := ev.Attempt
			if attempt == 0 {
				attempt = t.LatestAttempt
			}
			t.MergedAttempts[attempt] = true
		}

	case domain.EventTaskClosed:
		if t, ok := s.Tasks[ev.TaskID]; ok {
			t.Closed = true
			t.Claimed = false
		}

	case domain.EventTaskFailedTerminal:
		if t, ok := s.Tasks[ev.TaskID]; ok {
			t.TerminalFailed = true
			t.Claimed = false
		}

	case domain.EventAttemptInterrupted:
		if t, ok := s.Tasks[ev.TaskID]; ok {
			t.Claimed = false
		}

	case domain.EventRunCompleted, domain.EventRunFailed, domain.EventRunCancelled:
		s.Terminal = ev.Type
	}
}
