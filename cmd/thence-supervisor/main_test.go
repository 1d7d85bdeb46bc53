package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/David-Factor/thence/internal/domain"
	"github.com/David-Factor/thence/internal/errs"
	"github.com/David-Factor/thence/internal/eventstore"
	"github.com/David-Factor/thence/internal/lease"
)

func openMemStore(t *testing.T) *eventstore.Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := eventstore.Open(db)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

// TestRecoverOrphansInterruptsDeadLease reproduces a crashed supervisor:
// a task is claimed and its lease file names a pid that cannot be alive,
// so recoverOrphans must append attempt_interrupted so the scheduler can
// reclaim the task on the next tick.
func TestRecoverOrphansInterruptsDeadLease(t *testing.T) {
	repoRoot := t.TempDir()
	store := openMemStore(t)
	runID := "run-recover"
	taskID := "task-a"

	if err := store.CreateRun(context.Background(), domain.Run{ID: runID, Status: domain.RunStatusRunning}); err != nil {
		t.Fatal(err)
	}
	seed := []domain.NewEvent{
		{Type: domain.EventSpecApproved},
		{Type: domain.EventChecksApproved, PayloadJSON: `{"commands":["go test ./..."]}`},
		{Type: domain.EventTaskRegistered, TaskID: taskID, PayloadJSON: `{"task_id":"task-a","objective":"do it","acceptance":"works"}`},
		{Type: domain.EventTaskClaimed, TaskID: taskID, Attempt: 1, ActorRole: domain.ActorRoleImplementer, ActorID: "implementer-1"},
	}
	for _, ev := range seed {
		if _, _, err := store.Append(context.Background(), runID, ev); err != nil {
			t.Fatal(err)
		}
	}

	leasePath, err := lease.Path(repoRoot, runID, taskID, 1, "implementer")
	if err != nil {
		t.Fatalf("lease.Path: %v", err)
	}
	// A lease last seen well past StaleAfter, owned by a pid that will
	// never be alive, reproduces a supervisor that crashed mid-attempt.
	stale := time.Now().UTC().Add(-2 * lease.StaleAfter)
	record := struct {
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
	}{
		Version: lease.SchemaVersion, RunID: runID, TaskID: taskID, Attempt: 1,
		Role: "implementer", OwnerPID: 1 << 30, OwnerHost: "dead-host",
		StartedAt: stale.Format(time.RFC3339Nano), LastSeenAt: stale.Format(time.RFC3339Nano),
		State: "active",
	}
	raw, err := json.Marshal(record)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(leasePath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(leasePath, raw, 0o644); err != nil {
		t.Fatalf("write stale lease: %v", err)
	}

	if err := recoverOrphans(repoRoot, runID, store); err != nil {
		t.Fatalf("recoverOrphans: %v", err)
	}

	events, err := store.LoadSince(context.Background(), runID, 0)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, ev := range events {
		if ev.Type == domain.EventAttemptInterrupted && ev.TaskID == taskID && ev.Attempt == 1 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected recoverOrphans to append attempt_interrupted for the dead lease")
	}
}

func TestEnsureDBPathCreatesThenceDir(t *testing.T) {
	repoRoot := t.TempDir()
	path, err := ensureDBPath(repoRoot)
	if err != nil {
		t.Fatalf("ensureDBPath: %v", err)
	}
	if path == "" {
		t.Fatal("expected a non-empty db path")
	}
}

func TestSuperviseFailsLoudlyOnUnknownRun(t *testing.T) {
	repoRoot := t.TempDir()
	_, err := supervise(repoRoot, "no-such-run", "", 0, 1, 1, "main", false, 0)
	if err == nil {
		t.Fatal("expected an error for a run that was never created")
	}
	if !errorsIsStorageOrEventMissing(err) {
		t.Fatalf("expected a storage/not-found error, got: %v", err)
	}
}

func errorsIsStorageOrEventMissing(err error) bool {
	return errors.Is(err, errs.ErrStorage) || errors.Is(err, errs.ErrConfiguration) || errors.Is(err, errs.ErrNotFound)
}
