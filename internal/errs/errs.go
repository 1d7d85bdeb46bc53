// Package errs defines the sentinel error taxonomy used across the
// supervisor. The control loop pattern-matches these with errors.Is
// rather than unwinding.
package errs

import "errors"

var (
	// ErrConfiguration covers missing checks, invalid config version, or
	// bad worktree provisioning entries. Fatal at run start.
	ErrConfiguration = errors.New("configuration error")

	// ErrTranslation covers a plan translator returning invalid output
	// or failing validation. Opens a spec_clarification question.
	ErrTranslation = errors.New("translation error")

	// ErrAttemptFailure covers implementer non-zero exit, missing or
	// invalid result file, reviewer rework, checks failure, or merge
	// conflict. Recoverable up to the retry budget.
	ErrAttemptFailure = errors.New("attempt failure")

	// ErrTerminalTaskFailure means the retry budget is exhausted.
	ErrTerminalTaskFailure = errors.New("terminal task failure")

	// ErrStorage covers event store I/O failures. Fatal.
	ErrStorage = errors.New("storage error")

	// ErrDoubleSupervisor means a fresh lease was found at start; a
	// second supervisor refuses to run against the same run.
	ErrDoubleSupervisor = errors.New("double supervisor")

	// ErrPolicyContradiction means the projector detected a
	// precondition violation. Fatal quarantine.
	ErrPolicyContradiction = errors.New("policy contradiction")

	// ErrNotFound is returned by lookups with no matching row.
	ErrNotFound = errors.New("not found")
)
