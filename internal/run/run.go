// Package run implements the single control loop that drives one
// supervisor process: project the event log, derive policy, schedule
// dispatch decisions, spawn worker subprocesses, and collect their
// results back into new events. No concurrent mutation of the event
// log ever happens outside this loop; worker subprocesses communicate
// only through result files, never the store.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/David-Factor/thence/internal/config"
	"github.com/David-Factor/thence/internal/domain"
	"github.com/David-Factor/thence/internal/errs"
	"github.com/David-Factor/thence/internal/eventstore"
	"github.com/David-Factor/thence/internal/lease"
	"github.com/David-Factor/thence/internal/mergequeue"
	"github.com/David-Factor/thence/internal/ndjson"
	"github.com/David-Factor/thence/internal/orchestrator"
	"github.com/David-Factor/thence/internal/paths"
	"github.com/David-Factor/thence/internal/policy"
	"github.com/David-Factor/thence/internal/projector"
	"github.com/David-Factor/thence/internal/scheduler"
	"github.com/David-Factor/thence/internal/transitions"
	"github.com/David-Factor/thence/internal/worktree"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options configures one control loop instance.
type Options struct {
	RepoRoot          string
	RunID             string
	AgentArgv         []string // argv used to launch every role's subprocess
	MaxAttempts       int64
	MaxWorkers        int
	MaxReviewers      int
	IntegrationBranch string
	AllowPartial      bool
	Provision         []config.ProvisionFile
	ReviewerPrompt    string // overrides the reviewer role's default prompt template when non-empty
}

// Loop is one supervisor's control loop for one run. It owns no
// goroutines of its own until a tick dispatches work.
type Loop struct {
	opts     Options
	store    *eventstore.Store
	runner   orchestrator.CommandRunner
	merge    mergequeue.ExecRunner
	wt       worktree.ExecRunner
	mu       sync.Mutex
	pending  map[string]*pendingAttempt // keyed by task id
	mergePending *pendingMerge
}

type pendingAttempt struct {
	taskID  string
	attempt int64
	role    string
	done    chan attemptCompletion
	result  attemptCompletion
	span    trace.Span
}

type attemptCompletion struct {
	outcome orchestrator.Outcome
	checks  orchestrator.ChecksResult
	err     error
}

// roleChecks marks a pendingAttempt as a real check-command execution
// rather than an agent subprocess dispatch. It is local to this
// package: checks never run under the ROLE-keyed subprocess contract.
const roleChecks = "checks"

type pendingMerge struct {
	candidate mergequeue.Candidate
	done      chan mergeCompletion
}

type mergeCompletion struct {
	outcome mergequeue.Outcome
	err     error
}

// New builds a Loop ready to run.
func New(opts Options, store *eventstore.Store, runner orchestrator.CommandRunner, merge mergequeue.ExecRunner, wt worktree.ExecRunner) *Loop {
	return &Loop{
		opts:    opts,
		store:   store,
		runner:  runner,
		merge:   merge,
		wt:      wt,
		pending: map[string]*pendingAttempt{},
	}
}

// Run drives ticks until the run reaches a terminal state or ctx is
// cancelled, waiting tickInterval after every tick that did not reach a
// terminal state.
func (l *Loop) Run(ctx context.Context, tickInterval time.Duration) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		done, err := l.Tick(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(tickInterval):
		}
	}
}

// Tick runs exactly one iteration of collect -> project -> policy ->
// schedule -> dispatch, appending whatever events that iteration
// produces. It returns done=true once the run has reached a terminal
// run event.
func (l *Loop) Tick(ctx context.Context) (bool, error) {
	if err := l.collect(ctx); err != nil {
		return false, err
	}

	state, err := l.project(ctx)
	if err != nil {
		return false, err
	}
	if state.Terminal != "" {
		return true, nil
	}

	snap, err := policy.Derive(state, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrPolicyContradiction, err)
	}

	occ := l.occupancy()
	decisions := scheduler.Plan(state, snap, occ, l.opts.MaxAttempts)

	for _, d := range decisions {
		if err := l.dispatch(ctx, state, snap, d); err != nil {
			return false, err
		}
	}

	state, err = l.project(ctx)
	if err != nil {
		return false, err
	}
	if state.Terminal != "" {
		return true, nil
	}
	if err := l.maybeCompleteRun(ctx, state); err != nil {
		return false, err
	}
	state, err = l.project(ctx)
	if err != nil {
		return false, err
	}
	return state.Terminal != "", nil
}

// maybeCompleteRun appends run_completed once every registered task has
// either closed or, with --allow-partial-completion, failed terminally.
// A task_failed_terminal without AllowPartial already produced
// run_failed in appendFailTerminal, so this never races it.
func (l *Loop) maybeCompleteRun(ctx context.Context, state *projector.RunState) error {
	if len(state.Tasks) == 0 {
		return nil
	}
	for _, t := range state.Tasks {
		if t.Closed {
			continue
		}
		if l.opts.AllowPartial && t.TerminalFailed {
			continue
		}
		return nil
	}
	_, _, err := l.append(ctx, domain.NewEvent{Type: domain.EventRunCompleted, DedupeKey: "run_completed-" + l.opts.RunID})
	return err
}

func (l *Loop) project(ctx context.Context) (*projector.RunState, error) {
	events, err := l.store.LoadSince(ctx, l.opts.RunID, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	return projector.Project(events), nil
}

func (l *Loop) occupancy() scheduler.PoolOccupancy {
	l.mu.Lock()
	defer l.mu.Unlock()
	busyWorkers, busyReviewers := 0, 0
	for _, p := range l.pending {
		if p.role == orchestrator.RoleImplementer {
			busyWorkers++
		} else if p.role == orchestrator.RoleReviewer {
			busyReviewers++
		}
	}
	return scheduler.PoolOccupancy{
		BusyWorkers:   busyWorkers,
		MaxWorkers:    l.opts.MaxWorkers,
		BusyReviewers: busyReviewers,
		MaxReviewers:  l.opts.MaxReviewers,
		MergeInFlight: l.mergePending != nil,
	}
}

func (l *Loop) dispatch(ctx context.Context, state *projector.RunState, snap policy.Snapshot, d scheduler.Decision) error {
	switch d.Kind {
	case scheduler.DecisionFailTerminal:
		return l.appendFailTerminal(ctx, state, d.TaskID)
	case scheduler.DecisionClaim:
		task := state.Tasks[d.TaskID]
		return l.dispatchRole(ctx, state, d.TaskID, task.LatestAttempt+1, orchestrator.RoleImplementer)
	case scheduler.DecisionReview:
		return l.dispatchRole(ctx, state, d.TaskID, d.Attempt, orchestrator.RoleReviewer)
	case scheduler.DecisionRunChecks:
		return l.dispatchChecks(ctx, state, d.TaskID, d.Attempt)
	case scheduler.DecisionMerge:
		return l.dispatchMerge(ctx, state, snap)
	}
	return nil
}

func (l *Loop) dispatchRole(ctx context.Context, state *projector.RunState, taskID string, attempt int64, role string) error {
	l.mu.Lock()
	if _, busy := l.pending[taskID]; busy {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	task := state.Tasks[taskID]

	if role == orchestrator.RoleImplementer {
		if err := l.appendClaim(ctx, taskID, attempt); err != nil {
			return err
		}
	}

	leasePath, err := lease.Init(l.opts.RepoRoot, l.opts.RunID, taskID, attempt, role)
	if err != nil {
		return fmt.Errorf("%w: init lease: %v", errs.ErrStorage, err)
	}
	ticker := lease.StartTicker(leasePath, lease.TickInterval)

	wtPath, err := worktree.Ensure(ctx, l.wt, l.opts.RepoRoot, l.opts.RunID, taskID, attempt, role, l.opts.IntegrationBranch)
	if err != nil {
		_ = lease.Release(leasePath)
		return fmt.Errorf("%w: ensure worktree: %v", errs.ErrStorage, err)
	}
	if err := worktree.Provision(l.opts.RepoRoot, wtPath, l.opts.Provision); err != nil {
		_ = lease.Release(leasePath)
		return fmt.Errorf("%w: provision worktree: %v", errs.ErrConfiguration, err)
	}

	capsuleRel, err := paths.CapsuleFile(l.opts.RunID, taskID, attempt, role)
	if err != nil {
		return err
	}
	capsuleFile, err := paths.SafeJoin(l.opts.RepoRoot, capsuleRel)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}

	d := orchestrator.Dispatch{
		Role:        role,
		Argv:        l.opts.AgentArgv,
		Worktree:    wtPath,
		PromptFile:  filepath.Join(wtPath, "prompt.json"),
		ResultFile:  filepath.Join(wtPath, "result.json"),
		CapsuleFile: capsuleFile,
		Timeout:     orchestrator.DefaultTimeout(role),
	}
	if role == orchestrator.RoleImplementer || role == orchestrator.RoleReviewer {
		d.Capsule = &orchestrator.Capsule{
			Objective:  task.Objective,
			Acceptance: task.Acceptance,
			Checks:     task.RequiredChecks,
		}
		if role == orchestrator.RoleReviewer {
			d.Capsule.PromptOverride = l.opts.ReviewerPrompt
		}
	}

	_, span := otel.Tracer("thence").Start(ctx, "thence.attempt",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Int64("attempt", attempt),
			attribute.String("role", role),
		))
	span.AddEvent(role + ".dispatched")

	done := make(chan attemptCompletion, 1)
	l.mu.Lock()
	l.pending[taskID] = &pendingAttempt{taskID: taskID, attempt: attempt, role: role, done: done, span: span}
	l.mu.Unlock()

	go func() {
		defer ticker.Stop()
		outcome, runErr := orchestrator.Run(ctx, l.runner, d)
		_ = lease.Release(leasePath)
		done <- attemptCompletion{outcome: outcome, err: runErr}
	}()
	return nil
}

// dispatchChecks runs the resolved check commands for an approved
// attempt directly, against the implementer's worktree for that
// attempt, rather than asking an agent to propose what to run.
func (l *Loop) dispatchChecks(ctx context.Context, state *projector.RunState, taskID string, attempt int64) error {
	l.mu.Lock()
	if _, busy := l.pending[taskID]; busy {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	wtPath, err := worktree.Ensure(ctx, l.wt, l.opts.RepoRoot, l.opts.RunID, taskID, attempt, orchestrator.RoleImplementer, l.opts.IntegrationBranch)
	if err != nil {
		return fmt.Errorf("%w: ensure worktree: %v", errs.ErrStorage, err)
	}

	commands := state.ChecksCommands
	if len(commands) == 0 {
		commands = state.Tasks[taskID].RequiredChecks
	}

	_, span := otel.Tracer("thence").Start(ctx, "thence.attempt",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Int64("attempt", attempt),
			attribute.String("role", roleChecks),
		))
	span.AddEvent(roleChecks + ".dispatched")

	done := make(chan attemptCompletion, 1)
	l.mu.Lock()
	l.pending[taskID] = &pendingAttempt{taskID: taskID, attempt: attempt, role: roleChecks, done: done, span: span}
	l.mu.Unlock()

	go func() {
		result := orchestrator.RunChecks(ctx, l.runner, wtPath, commands)
		done <- attemptCompletion{checks: result}
	}()
	return nil
}

// dispatchMerge gathers every merge-ready task and picks the
// closable-first-in-time candidate by review_approved seq, rather than
// trusting the scheduler's single arbitrary pick.
func (l *Loop) dispatchMerge(ctx context.Context, state *projector.RunState, snap policy.Snapshot) error {
	l.mu.Lock()
	if l.mergePending != nil {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	var candidates []mergequeue.Candidate
	for id, task := range state.Tasks {
		if !snap.Gates[id].MergeReady || task.LatestAttempt == 0 {
			continue
		}
		candidates = append(candidates, mergequeue.Candidate{
			TaskID:            id,
			Attempt:           task.LatestAttempt,
			TaskBranch:        fmt.Sprintf("thence/%s/attempt%d/%s", id, task.LatestAttempt, orchestrator.RoleImplementer),
			ReviewApprovedSeq: task.ReviewApprovedSeq[task.LatestAttempt],
		})
	}
	candidate, ok := mergequeue.NextCandidate(candidates)
	if !ok {
		return nil
	}

	done := make(chan mergeCompletion, 1)
	l.mu.Lock()
	l.mergePending = &pendingMerge{candidate: candidate, done: done}
	l.mu.Unlock()

	go func() {
		outcome, err := mergequeue.Integrate(ctx, l.merge, l.opts.RepoRoot, candidate, l.opts.IntegrationBranch)
		done <- mergeCompletion{outcome: outcome, err: err}
	}()
	return nil
}

// collect drains any finished attempt/merge goroutines without
// blocking, translating each into its corresponding event(s).
func (l *Loop) collect(ctx context.Context) error {
	l.mu.Lock()
	ready := make([]*pendingAttempt, 0)
	for _, p := range l.pending {
		select {
		case c := <-p.done:
			ready = append(ready, p)
			p.result = c
		default:
		}
	}
	var mergeReady *pendingMerge
	var mergeResult mergeCompletion
	if l.mergePending != nil {
		select {
		case c := <-l.mergePending.done:
			mergeReady = l.mergePending
			mergeResult = c
		default:
		}
	}
	l.mu.Unlock()

	for _, p := range ready {
		if err := l.collectAttempt(ctx, p); err != nil {
			return err
		}
		l.mu.Lock()
		delete(l.pending, p.taskID)
		l.mu.Unlock()
	}
	if mergeReady != nil {
		if err := l.collectMerge(ctx, mergeReady.candidate, mergeResult); err != nil {
			return err
		}
		l.mu.Lock()
		l.mergePending = nil
		l.mu.Unlock()
	}
	return nil
}

func (l *Loop) collectAttempt(ctx context.Context, p *pendingAttempt) error {
	c := p.result
	defer p.span.End()

	if p.role == roleChecks {
		return l.collectChecks(ctx, p, c.checks)
	}

	if c.outcome.TimedOut {
		p.span.AddEvent(p.role + ".timed_out")
		p.span.SetStatus(codes.Error, "timeout")
		return l.appendInterrupted(ctx, p.taskID, p.attempt, "timeout")
	}
	if c.err != nil && c.outcome.ResultBytes == nil {
		p.span.RecordError(c.err)
		p.span.SetStatus(codes.Error, c.err.Error())
		return l.appendInterrupted(ctx, p.taskID, p.attempt, c.err.Error())
	}

	switch p.role {
	case orchestrator.RoleImplementer:
		if _, err := orchestrator.DecodeImplementerResult(c.outcome.ResultBytes); err != nil {
			p.span.RecordError(err)
			p.span.SetStatus(codes.Error, err.Error())
			return l.appendInterrupted(ctx, p.taskID, p.attempt, err.Error())
		}
		p.span.AddEvent("work_submitted")
		p.span.SetStatus(codes.Ok, "")
		_, _, err := l.append(ctx, domain.NewEvent{
			Type: domain.EventWorkSubmitted, TaskID: p.taskID, Attempt: p.attempt,
			ActorRole: domain.ActorRoleImplementer,
		})
		return err

	case orchestrator.RoleReviewer:
		result, err := orchestrator.DecodeReviewerResult(c.outcome.ResultBytes)
		if err != nil {
			p.span.RecordError(err)
			p.span.SetStatus(codes.Error, err.Error())
			return l.appendInterrupted(ctx, p.taskID, p.attempt, err.Error())
		}
		if result.Approved {
			p.span.AddEvent("review_approved")
			p.span.SetStatus(codes.Ok, "")
			_, _, err := l.append(ctx, domain.NewEvent{
				Type: domain.EventReviewApproved, TaskID: p.taskID, Attempt: p.attempt,
				ActorRole: domain.ActorRoleReviewer,
			})
			return err
		}
		p.span.AddEvent("review_found_issues", trace.WithAttributes(attribute.Int("findings.count", len(result.Findings))))
		p.span.SetStatus(codes.Ok, "")
		payload, _ := json.Marshal(map[string]any{"findings": result.Findings})
		_, _, err = l.append(ctx, domain.NewEvent{
			Type: domain.EventReviewFoundIssues, TaskID: p.taskID, Attempt: p.attempt,
			ActorRole: domain.ActorRoleReviewer, PayloadJSON: string(payload),
		})
		return err
	}
	return nil
}

// collectChecks turns an actually-executed ChecksResult into
// checks_reported, reopening the task via review_found_issues when a
// command failed, the same reopen mechanism a merge conflict uses.
func (l *Loop) collectChecks(ctx context.Context, p *pendingAttempt, result orchestrator.ChecksResult) error {
	p.span.AddEvent("checks_reported", trace.WithAttributes(attribute.Bool("passed", result.Passed)))
	payload, _ := json.Marshal(map[string]any{"passed": result.Passed, "results": result.Results})
	if _, _, err := l.append(ctx, domain.NewEvent{
		Type: domain.EventChecksReported, TaskID: p.taskID, Attempt: p.attempt, PayloadJSON: string(payload),
	}); err != nil {
		p.span.RecordError(err)
		p.span.SetStatus(codes.Error, err.Error())
		return err
	}
	if result.Passed {
		p.span.SetStatus(codes.Ok, "")
		return nil
	}

	reason := "checks failed"
	for _, r := range result.Results {
		if !r.Passed {
			reason = fmt.Sprintf("checks failed: %s", r.Command)
			break
		}
	}
	p.span.SetStatus(codes.Error, reason)
	reopenPayload, _ := json.Marshal(map[string]string{"reason": reason, "source": "checks_gate"})
	_, _, err := l.append(ctx, domain.NewEvent{
		Type: domain.EventReviewFoundIssues, TaskID: p.taskID, Attempt: p.attempt,
		ActorRole: domain.ActorRoleSupervisor, ActorID: "checks-gate", PayloadJSON: string(reopenPayload),
	})
	return err
}

func (l *Loop) collectMerge(ctx context.Context, candidate mergequeue.Candidate, c mergeCompletion) error {
	if c.err != nil {
		return fmt.Errorf("%w: merge integration: %v", errs.ErrStorage, c.err)
	}
	if c.outcome.Conflict {
		if _, _, err := l.append(ctx, domain.NewEvent{Type: domain.EventMergeConflict, TaskID: candidate.TaskID, Attempt: candidate.Attempt}); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]string{"reason": "merge conflict; reopen"})
		_, _, err := l.append(ctx, domain.NewEvent{
			Type: domain.EventReviewFoundIssues, TaskID: candidate.TaskID, Attempt: candidate.Attempt,
			ActorRole: domain.ActorRoleSupervisor, ActorID: "merge-queue", PayloadJSON: string(payload),
		})
		return err
	}
	if _, _, err := l.append(ctx, domain.NewEvent{Type: domain.EventMergeSucceeded, TaskID: candidate.TaskID, Attempt: candidate.Attempt}); err != nil {
		return err
	}
	_, _, err := l.append(ctx, domain.NewEvent{Type: domain.EventTaskClosed, TaskID: candidate.TaskID, Attempt: candidate.Attempt})
	return err
}

func (l *Loop) appendClaim(ctx context.Context, taskID string, attempt int64) error {
	_, _, err := l.append(ctx, domain.NewEvent{
		Type: domain.EventTaskClaimed, TaskID: taskID, Attempt: attempt,
		ActorRole: domain.ActorRoleImplementer, ActorID: "implementer-1",
		DedupeKey: fmt.Sprintf("claim-%s-%d", taskID, attempt),
	})
	return err
}

func (l *Loop) appendInterrupted(ctx context.Context, taskID string, attempt int64, reason string) error {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	_, _, err := l.append(ctx, domain.NewEvent{
		Type: domain.EventAttemptInterrupted, TaskID: taskID, Attempt: attempt, PayloadJSON: string(payload),
	})
	return err
}

func (l *Loop) appendFailTerminal(ctx context.Context, state *projector.RunState, taskID string) error {
	task := state.Tasks[taskID]
	if _, _, err := l.append(ctx, domain.NewEvent{
		Type: domain.EventTaskFailedTerminal, TaskID: taskID, Attempt: task.LatestAttempt,
		DedupeKey: "fail_terminal-" + taskID,
	}); err != nil {
		return err
	}
	if l.opts.AllowPartial {
		return nil
	}
	_, _, err := l.append(ctx, domain.NewEvent{Type: domain.EventRunFailed, DedupeKey: "run_failed-" + l.opts.RunID})
	return err
}

func (l *Loop) append(ctx context.Context, ev domain.NewEvent) (int64, bool, error) {
	history, err := l.store.LoadSince(ctx, l.opts.RunID, 0)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	if err := transitions.Validate(history, ev); err != nil {
		return 0, false, err
	}

	seq, dup, err := l.store.Append(ctx, l.opts.RunID, ev)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	if !dup {
		mirror := domain.Event{
			Seq: seq, RunID: l.opts.RunID, Timestamp: time.Now().UTC(),
			Type: ev.Type, TaskID: ev.TaskID, Attempt: ev.Attempt,
		}
		if runDir, pathErr := paths.RunDir(l.opts.RunID); pathErr == nil {
			if mirrorPath, joinErr := paths.SafeJoin(l.opts.RepoRoot, filepath.Join(runDir, "events.ndjson")); joinErr == nil {
				_ = ndjson.MirrorEvent(mirrorPath, mirror)
			}
		}
	}
	return seq, dup, nil
}
