// Package cliexit maps the error taxonomy in internal/errs to the
// process exit codes the CLI surface must report distinctly, per the
// fatal-path requirements in the error handling design.
package cliexit

import (
	"errors"

	"github.com/David-Factor/thence/internal/errs"
)

const (
	OK                   = 0
	Paused               = 10
	TerminalFailure      = 11
	Configuration        = 20
	Storage              = 21
	DoubleSupervisor     = 22
	PolicyContradiction  = 23
	Unknown              = 1
)

// ForError maps a fatal error to its exit code. Recoverable conditions
// (Translation, AttemptFailure) never reach here; they are absorbed by
// the control loop as events, not process exits.
func ForError(err error) int {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, errs.ErrConfiguration):
		return Configuration
	case errors.Is(err, errs.ErrStorage):
		return Storage
	case errors.Is(err, errs.ErrDoubleSupervisor):
		return DoubleSupervisor
	case errors.Is(err, errs.ErrPolicyContradiction):
		return PolicyContradiction
	case errors.Is(err, errs.ErrTerminalTaskFailure):
		return TerminalFailure
	default:
		return Unknown
	}
}
