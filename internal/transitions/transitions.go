// Package transitions validates a candidate event against the projected
// state of its run's history before the event store appends it. A
// precondition violation here is the model's fail-closed path: the
// projection is refused rather than allowed to become invalid.
package transitions

import (
	"encoding/json"
	"fmt"

	"github.com/David-Factor/thence/internal/domain"
	"github.com/David-Factor/thence/internal/errs"
	"github.com/David-Factor/thence/internal/projector"
)

// Validate checks next against the state implied by history, returning
// errs.ErrPolicyContradiction wrapped with a reason on violation.
func Validate(history []domain.Event, next domain.NewEvent) error {
	state := projector.Project(history)

	if state.Terminal != "" && !domain.TerminalRunEvents[next.Type] {
		return fmt.Errorf("%w: run already terminal", errs.ErrPolicyContradiction)
	}

	if domain.TerminalRunEvents[next.Type] {
		for _, ev := range history {
			if domain.TerminalRunEvents[ev.Type] {
				return fmt.Errorf("%w: run terminal event already exists", errs.ErrPolicyContradiction)
			}
		}
	}

	if (next.Type == domain.EventTaskClaimed || next.Type == domain.EventMergeSucceeded) &&
		(state.Paused || len(state.OpenQuestions) > 0) {
		return fmt.Errorf("%w: run paused or human input pending", errs.ErrPolicyContradiction)
	}

	if next.Type == domain.EventTaskClaimed {
		if next.TaskID == "" {
			return fmt.Errorf("%w: task_claimed missing task_id", errs.ErrPolicyContradiction)
		}
		task, ok := state.Tasks[next.TaskID]
		if !ok {
			return fmt.Errorf("%w: task_claimed references unknown task %q", errs.ErrPolicyContradiction, next.TaskID)
		}
		if !state.SpecApproved || !state.ChecksApproved || len(state.OpenQuestions) > 0 || state.Paused {
			return fmt.Errorf("%w: cannot claim before spec approval/unpaused run", errs.ErrPolicyContradiction)
		}
		if task.Closed || task.TerminalFailed {
			return fmt.Errorf("%w: task already terminal", errs.ErrPolicyContradiction)
		}
	}

	if next.Type == domain.EventReviewApproved && next.ActorRole == domain.ActorRoleImplementer {
		return fmt.Errorf("%w: implementer cannot approve review", errs.ErrPolicyContradiction)
	}

	if next.Type == domain.EventMergeSucceeded && next.ActorRole == domain.ActorRoleReviewer {
		return fmt.Errorf("%w: reviewer cannot emit merge events", errs.ErrPolicyContradiction)
	}

	if next.Type == domain.EventTaskClosed {
		if next.TaskID == "" {
			return fmt.Errorf("%w: task_closed missing task_id", errs.ErrPolicyContradiction)
		}
		if next.Attempt == 0 {
			return fmt.Errorf("%w: task_closed missing attempt", errs.ErrPolicyContradiction)
		}
		merged := false
		for _, ev := range history {
			if ev.Type == domain.EventMergeSucceeded && ev.TaskID == next.TaskID && ev.Attempt == next.Attempt {
				merged = true
				break
			}
		}
		if !merged {
			return fmt.Errorf("%w: task_closed requires merge_succeeded for same attempt", errs.ErrPolicyContradiction)
		}
	}

	if next.Type == domain.EventChecksApproved {
		var payload struct {
			Commands []string `json:"commands"`
		}
		_ = json.Unmarshal([]byte(next.PayloadJSON), &payload)
		if len(payload.Commands) == 0 {
			return fmt.Errorf("%w: checks_approved requires non-empty commands", errs.ErrPolicyContradiction)
		}
	}

	// Reviewer actor identity must differ from the implementer actor
	// identity within the same (task_id, attempt) (invariant 6).
	if next.Type == domain.EventReviewApproved || next.Type == domain.EventReviewFoundIssues {
		implementerID := implementerActorFor(history, next.TaskID, next.Attempt)
		if implementerID != "" && implementerID == next.ActorID {
			return fmt.Errorf("%w: reviewer actor must not equal implementer actor", errs.ErrPolicyContradiction)
		}
	}

	return nil
}

func implementerActorFor(history []domain.Event, taskID string, attempt int64) string {
	for i := len(history) - 1; i >= 0; i-- {
		ev := history[i]
		if ev.Type == domain.EventTaskClaimed && ev.TaskID == taskID && ev.Attempt == attempt {
			return ev.ActorID
		}
	}
	return ""
}
