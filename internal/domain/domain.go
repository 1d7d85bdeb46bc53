// Package domain defines the core types shared across the supervisor:
// runs, events, tasks, attempts, questions, and leases.
package domain

import "time"

// RunStatus is the terminal-or-running state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is the top-level unit of work: one Markdown spec driven to
// completion, failure, or cancellation.
type Run struct {
	ID          string
	PlanPath    string
	PlanSHA256  string
	SPLPlanPath string
	CreatedAt   time.Time
	Status      RunStatus
	ConfigJSON  string
}

// ActorRole identifies who emitted or is bound to an event or attempt.
type ActorRole string

const (
	ActorRoleImplementer ActorRole = "implementer"
	ActorRoleReviewer    ActorRole = "reviewer"
	ActorRoleSupervisor  ActorRole = "supervisor"
	ActorRoleHuman       ActorRole = "human"
)

// EventType is the closed set of event kinds the supervisor appends.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventPlanTranslated EventType = "plan_translated"
	EventPlanValidated  EventType = "plan_validated"
	EventTaskRegistered EventType = "task_registered"
	EventSpecApproved   EventType = "spec_approved"
	EventChecksApproved EventType = "checks_approved"

	EventTaskClaimed         EventType = "task_claimed"
	EventWorkSubmitted       EventType = "work_submitted"
	EventReviewRequested     EventType = "review_requested"
	EventReviewApproved      EventType = "review_approved"
	EventReviewFoundIssues   EventType = "review_found_issues"
	EventChecksReported      EventType = "checks_reported"
	EventMergeSucceeded      EventType = "merge_succeeded"
	EventMergeConflict       EventType = "merge_conflict"
	EventTaskClosed          EventType = "task_closed"
	EventTaskFailedTerminal  EventType = "task_failed_terminal"
	EventAttemptInterrupted  EventType = "attempt_interrupted"

	EventHumanInputRequested EventType = "human_input_requested"
	EventHumanInputProvided  EventType = "human_input_provided"
	EventSpecQuestionOpened       EventType = "spec_question_opened"
	EventSpecQuestionResolved     EventType = "spec_question_resolved"
	EventChecksQuestionOpened     EventType = "checks_question_opened"
	EventChecksQuestionResolved   EventType = "checks_question_resolved"
	EventFindingEscalationOpened  EventType = "finding_escalation_opened"
	EventFindingEscalationResolved EventType = "finding_escalation_resolved"
	EventRunPaused           EventType = "run_paused"
	EventRunResumed          EventType = "run_resumed"

	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
	EventRunCancelled EventType = "run_cancelled"
)

// TerminalRunEvents are the run-level events a run may carry exactly one
// of, over its whole lifetime.
var TerminalRunEvents = map[EventType]bool{
	EventRunCompleted: true,
	EventRunFailed:    true,
	EventRunCancelled: true,
}

// Event is a single immutable record in a run's append-only log.
// Identity is (RunID, Seq); Seq is assigned by the store at append time.
type Event struct {
	Seq         int64
	RunID       string
	Timestamp   time.Time
	Type        EventType
	TaskID      string // optional, empty if not task-scoped
	ActorRole   ActorRole
	ActorID     string
	Attempt     int64 // 1-based; 0 means "not set"
	PayloadJSON string
	DedupeKey   string // optional; empty if not set
}

// NewEvent is the shape callers build before it is assigned a Seq.
type NewEvent struct {
	Type        EventType
	TaskID      string
	ActorRole   ActorRole
	ActorID     string
	Attempt     int64
	PayloadJSON string
	DedupeKey   string
}

// TaskStatus mirrors the lifecycle named in the task model.
type TaskStatus string

const (
	TaskStatusRegistered     TaskStatus = "registered"
	TaskStatusReady          TaskStatus = "ready"
	TaskStatusClaimed        TaskStatus = "claimed"
	TaskStatusSubmitted      TaskStatus = "submitted"
	TaskStatusReviewed       TaskStatus = "reviewed"
	TaskStatusChecked        TaskStatus = "checked"
	TaskStatusMergeReady     TaskStatus = "merge_ready"
	TaskStatusClosed         TaskStatus = "closed"
	TaskStatusFailedTerminal TaskStatus = "failed_terminal"
)

// QuestionKind is the closed set of human-input question kinds.
type QuestionKind string

const (
	QuestionSpecClarification       QuestionKind = "spec_clarification"
	QuestionChecksApproval          QuestionKind = "checks_approval"
	QuestionReviewerFindingEscalation QuestionKind = "reviewer_finding_escalation"
)

// Question is an open or resolved human-input gate.
type Question struct {
	ID         string
	Kind       QuestionKind
	OpenedAt   time.Time
	Prompt     string
	Answer     string
	ResolvedAt *time.Time
}

// LeaseState is whether a lease record is still asserting ownership.
type LeaseState string

const (
	LeaseStateActive   LeaseState = "active"
	LeaseStateReleased LeaseState = "released"
)

// Lease is the crash-safe in-flight marker for one (task, attempt, role).
type Lease struct {
	Version    int
	RunID      string
	TaskID     string
	Attempt    int64
	Role       ActorRole
	OwnerPID   int
	OwnerHost  string
	StartedAt  time.Time
	LastSeenAt time.Time
	State      LeaseState
}

// GateLiterals are the per-task, per-attempt derived policy facts.
type GateLiterals struct {
	Ready            bool
	Claimable        bool
	Reviewable       bool
	ReworkRequired   bool
	ChecksPassed     bool
	Closable         bool
	MergeReady       bool
	NeedsHuman       bool
	BlockedAmbiguity bool
}
