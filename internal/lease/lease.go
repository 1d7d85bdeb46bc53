// Package lease implements the crash-safe in-flight attempt markers on
// disk: one JSON file per (run, task, attempt, role), refreshed
// periodically while a worker subprocess is running and consulted on
// resume to decide whether an in-flight attempt is still owned by a
// live supervisor or was orphaned by a crash.
package lease

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/David-Factor/thence/internal/domain"
	"github.com/David-Factor/thence/internal/paths"
)

// SchemaVersion is the lease record format version.
const SchemaVersion = 1

// TickInterval is how often an active lease's last-seen timestamp is
// refreshed while its worker subprocess runs.
const TickInterval = 15 * time.Second

// StaleAfter is the age past which an active lease with no response is
// considered orphaned rather than merely slow.
const StaleAfter = 90 * time.Second

// Path returns the on-disk path for a lease file.
func Path(repoRoot, runID, taskID string, attempt int64, role string) (string, error) {
	rel, err := paths.LeaseFile(runID, taskID, attempt, role)
	if err != nil {
		return "", err
	}
	return filepath.Join(repoRoot, rel), nil
}

// Init creates a fresh active lease file for the given attempt and role,
// owned by the current process.
func Init(repoRoot, runID, taskID string, attempt int64, role string) (string, error) {
	path, err := Path(repoRoot, runID, taskID, attempt, role)
	if err != nil {
		return "", err
	}
	host, _ := os.Hostname()
	now := time.Now().UTC()
	record := domain.Lease{
		Version:    SchemaVersion,
		RunID:      runID,
		TaskID:     taskID,
		Attempt:    attempt,
		Role:       domain.ActorRole(role),
		OwnerPID:   os.Getpid(),
		OwnerHost:  host,
		StartedAt:  now,
		LastSeenAt: now,
		State:      domain.LeaseStateActive,
	}
	if err := write(path, record); err != nil {
		return "", err
	}
	return path, nil
}

// Tick refreshes an active lease's LastSeenAt. A released lease is left
// untouched.
func Tick(path string) error {
	record, err := read(path)
	if err != nil {
		return err
	}
	if record.State != domain.LeaseStateActive {
		return nil
	}
	record.LastSeenAt = time.Now().UTC()
	return write(path, record)
}

// Release marks a lease released. Missing files are treated as already
// released.
func Release(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	record, err := read(path)
	if err != nil {
		return err
	}
	record.State = domain.LeaseStateReleased
	record.LastSeenAt = time.Now().UTC()
	return write(path, record)
}

// Decision is the outcome of evaluating an orphaned attempt's leases on
// resume.
type Decision struct {
	Interrupt bool
	Reason    string
}

// EvaluateOrphanAttempt inspects the implementer and reviewer lease
// files for (task, attempt) and decides whether the attempt should be
// interrupted (reopened for a fresh claim) or is still likely owned by
// a live supervisor (refuse to proceed).
func EvaluateOrphanAttempt(repoRoot, runID, taskID string, attempt int64) (Decision, error) {
	return evaluateOrphanAttemptAt(repoRoot, runID, taskID, attempt, time.Now().UTC())
}

func evaluateOrphanAttemptAt(repoRoot, runID, taskID string, attempt int64, now time.Time) (Decision, error) {
	type parsed struct {
		path       string
		record     domain.Lease
		ageSecs    int64
		ownerAlive bool
	}
	var leases []parsed

	for _, role := range []string{"implementer", "reviewer"} {
		path, err := Path(repoRoot, runID, taskID, attempt, role)
		if err != nil {
			return Decision{}, err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		record, err := read(path)
		if err != nil {
			return Decision{}, fmt.Errorf("read lease for %s attempt %d role %s: %w", taskID, attempt, role, err)
		}
		age := int64(now.Sub(record.LastSeenAt).Seconds())
		if age < 0 {
			age = 0
		}
		leases = append(leases, parsed{
			path:       path,
			record:     record,
			ageSecs:    age,
			ownerAlive: ProcessAlive(record.OwnerPID),
		})
	}

	if len(leases) == 0 {
		return Decision{
			Interrupt: true,
			Reason:    "orphaned in-flight attempt detected on resume (no lease found)",
		}, nil
	}

	newest := leases[0]
	for _, l := range leases[1:] {
		if l.record.LastSeenAt.After(newest.record.LastSeenAt) {
			newest = l
		}
	}

	if newest.record.State == domain.LeaseStateReleased {
		return Decision{
			Interrupt: true,
			Reason:    "orphaned in-flight attempt detected on resume (lease released without terminal event)",
		}, nil
	}

	if newest.ageSecs <= int64(StaleAfter.Seconds()) {
		reason := fmt.Sprintf(
			"run has recent active lease for task '%s' attempt %d (owner pid %d not alive; age=%ds). wait until stale window (%ds) before resuming",
			taskID, attempt, newest.record.OwnerPID, newest.ageSecs, int64(StaleAfter.Seconds()),
		)
		if newest.ownerAlive {
			reason = fmt.Sprintf(
				"run appears active: recent active lease for task '%s' attempt %d (owner pid %d alive; age=%ds)",
				taskID, attempt, newest.record.OwnerPID, newest.ageSecs,
			)
		}
		return Decision{Interrupt: false, Reason: reason}, nil
	}

	return Decision{
		Interrupt: true,
		Reason:    fmt.Sprintf("orphaned in-flight attempt detected on resume (stale lease age=%ds)", newest.ageSecs),
	}, nil
}

// ProcessAlive reports whether pid names a live process, via a signal-0
// liveness probe.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil
}

func read(path string) (domain.Lease, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Lease{}, fmt.Errorf("read lease %s: %w", path, err)
	}
	var wire leaseWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return domain.Lease{}, fmt.Errorf("parse lease %s: %w", path, err)
	}
	return wire.toDomain(), nil
}

func write(path string, record domain.Lease) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create lease dir: %w", err)
	}
	raw, err := json.MarshalIndent(fromDomain(record), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	tmp := fmt.Sprintf("%s.tmp-%d", path, os.Getpid())
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write temp lease %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp lease %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// leaseWire is the on-disk JSON shape, kept separate from domain.Lease so
// timestamp formatting stays explicit and stable across versions.
type leaseWire struct {
	Version    int    `json:"version"`
	RunID      string `json:"run_id"`
	TaskID     string `json:"task_id"`
	Attempt    int64  `json:"attempt"`
	Role       string `json:"role"`
	OwnerPID   int    `json:"owner_pid"`
	OwnerHost  string `json:"owner_host"`
	StartedAt  string `json:"started_at"`
	LastSeenAt string `json:"last_seen_at"`
	State      string `json:"state"`
}

func fromDomain(l domain.Lease) leaseWire {
	return leaseWire{
		Version:    l.Version,
		RunID:      l.RunID,
		TaskID:     l.TaskID,
		Attempt:    l.Attempt,
		Role:       string(l.Role),
		OwnerPID:   l.OwnerPID,
		OwnerHost:  l.OwnerHost,
		StartedAt:  l.StartedAt.Format(time.RFC3339Nano),
		LastSeenAt: l.LastSeenAt.Format(time.RFC3339Nano),
		State:      string(l.State),
	}
}

func (w leaseWire) toDomain() domain.Lease {
	started, _ := time.Parse(time.RFC3339Nano, w.StartedAt)
	lastSeen, _ := time.Parse(time.RFC3339Nano, w.LastSeenAt)
	return domain.Lease{
		Version:    w.Version,
		RunID:      w.RunID,
		TaskID:     w.TaskID,
		Attempt:    w.Attempt,
		Role:       domain.ActorRole(w.Role),
		OwnerPID:   w.OwnerPID,
		OwnerHost:  w.OwnerHost,
		StartedAt:  started,
		LastSeenAt: lastSeen,
		State:      domain.LeaseState(w.State),
	}
}

// Ticker periodically refreshes an active lease until stopped.
type Ticker struct {
	stop chan struct{}
	done chan struct{}
}

// StartTicker begins refreshing the lease at path every interval until
// Stop is called.
func StartTicker(path string, interval time.Duration) *Ticker {
	t := &Ticker{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				_ = Tick(path)
			}
		}
	}()
	return t
}

// Stop halts the ticker and waits for its goroutine to exit.
func (t *Ticker) Stop() {
	close(t.stop)
	<-t.done
}
