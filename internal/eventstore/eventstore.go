// Package eventstore implements the durable, append-only, per-run event
// log with dedupe-key idempotence that the rest of the supervisor treats
// as its single source of truth.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/David-Factor/thence/internal/domain"
	"github.com/David-Factor/thence/internal/errs"
)

const schemaVersion = 1

// Store wraps a *sql.DB holding the runs/events/snapshots tables.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the event store schema against db. Callers own
// the *sql.DB lifetime (open with modernc.org/sqlite and
// "file:%s?cache=shared&_pragma=foreign_keys(1)", as elsewhere in this
// module).
func Open(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			plan_path TEXT NOT NULL,
			plan_sha256 TEXT NOT NULL,
			spl_plan_path TEXT NOT NULL,
			created_at TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('running','completed','failed','cancelled')),
			config_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id),
			ts TEXT NOT NULL,
			event_type TEXT NOT NULL,
			task_id TEXT,
			actor_role TEXT,
			actor_id TEXT,
			attempt INTEGER,
			payload_json TEXT NOT NULL,
			dedupe_key TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_seq ON events(run_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_task_seq ON events(run_id, task_id, seq)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_run_dedupe ON events(run_id, dedupe_key) WHERE dedupe_key IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			state_json TEXT NOT NULL,
			PRIMARY KEY(run_id, seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w: apply schema: %v", errs.ErrStorage, err)
		}
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("%w: set schema version: %v", errs.ErrStorage, err)
	}
	return nil
}

// maxBusyRetries bounds the SQLITE_BUSY backoff loop in Append; the
// other write paths below do not retry.
const maxBusyRetries = 5

func isSQLiteBusy(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SQLITE_BUSY")
}

func retryBackoff(i int) time.Duration {
	return time.Duration(10*(1<<i)) * time.Millisecond
}

// CreateRun inserts a new run row.
func (s *Store) CreateRun(ctx context.Context, run domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, plan_path, plan_sha256, spl_plan_path, created_at, status, config_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.PlanPath, run.PlanSHA256, run.SPLPlanPath,
		run.CreatedAt.UTC().Format(time.RFC3339Nano), string(run.Status), run.ConfigJSON,
	)
	if err != nil {
		return fmt.Errorf("%w: create run: %v", errs.ErrStorage, err)
	}
	return nil
}

// UpdateRunStatus sets a run's status field directly (used only by the
// control loop when appending a terminal run event).
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ? WHERE id = ?`, string(status), runID)
	if err != nil {
		return fmt.Errorf("%w: update run status: %v", errs.ErrStorage, err)
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	var run domain.Run
	var createdAt, status string
	row := s.db.QueryRowContext(ctx,
		`SELECT id, plan_path, plan_sha256, spl_plan_path, created_at, status, config_json
		 FROM runs WHERE id = ?`, runID)
	if err := row.Scan(&run.ID, &run.PlanPath, &run.PlanSHA256, &run.SPLPlanPath, &createdAt, &status, &run.ConfigJSON); err != nil {
		if err == sql.ErrNoRows {
			return domain.Run{}, errs.ErrNotFound
		}
		return domain.Run{}, fmt.Errorf("%w: get run: %v", errs.ErrStorage, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return domain.Run{}, fmt.Errorf("%w: parse run created_at: %v", errs.ErrStorage, err)
	}
	run.CreatedAt = ts
	run.Status = domain.RunStatus(status)
	return run, nil
}

// ListResumableRunIDs returns ids of runs still in the "running" status,
// oldest first.
func (s *Store) ListResumableRunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM runs WHERE status = 'running' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list resumable runs: %v", errs.ErrStorage, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan run id: %v", errs.ErrStorage, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Append atomically assigns the next seq and persists a new event under
// runID. If event.DedupeKey collides with an existing (run_id,
// dedupe_key) pair, it returns the existing seq and duplicate=true
// without appending a new record.
func (s *Store) Append(ctx context.Context, runID string, event domain.NewEvent) (seq int64, duplicate bool, err error) {
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		seq, duplicate, err = s.appendOnce(ctx, runID, event)
		if err == nil || !isSQLiteBusy(err) {
			return seq, duplicate, err
		}
		time.Sleep(retryBackoff(attempt))
	}
	return 0, false, err
}

func (s *Store) appendOnce(ctx context.Context, runID string, event domain.NewEvent) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("%w: begin append tx: %v", errs.ErrStorage, err)
	}
	defer tx.Rollback()

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	var dedupeKey any
	if event.DedupeKey != "" {
		dedupeKey = event.DedupeKey
	}
	var taskID, actorRole, actorID any
	if event.TaskID != "" {
		taskID = event.TaskID
	}
	if event.ActorRole != "" {
		actorRole = string(event.ActorRole)
	}
	if event.ActorID != "" {
		actorID = event.ActorID
	}
	var attemptVal any
	if event.Attempt != 0 {
		attemptVal = event.Attempt
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (run_id, ts, event_type, task_id, actor_role, actor_id, attempt, payload_json, dedupe_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, ts, string(event.Type), taskID, actorRole, actorID, attemptVal, event.PayloadJSON, dedupeKey,
	)
	if err != nil {
		return 0, false, fmt.Errorf("%w: insert event: %v", errs.ErrStorage, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("%w: rows affected: %v", errs.ErrStorage, err)
	}
	if affected == 0 {
		// dedupe collision: look up the existing seq for this key.
		var existingSeq int64
		row := tx.QueryRowContext(ctx,
			`SELECT seq FROM events WHERE run_id = ? AND dedupe_key = ?`, runID, event.DedupeKey)
		if err := row.Scan(&existingSeq); err != nil {
			return 0, false, fmt.Errorf("%w: resolve dedupe collision: %v", errs.ErrStorage, err)
		}
		if err := tx.Commit(); err != nil {
			return 0, false, fmt.Errorf("%w: commit dedupe lookup: %v", errs.ErrStorage, err)
		}
		return existingSeq, true, nil
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("%w: last insert id: %v", errs.ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("%w: commit append: %v", errs.ErrStorage, err)
	}
	return seq, false, nil
}

// LoadSince returns events for runID with seq > afterSeq, ordered
// ascending. Pass afterSeq=0 to load the full history.
func (s *Store) LoadSince(ctx context.Context, runID string, afterSeq int64) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, run_id, ts, event_type, task_id, actor_role, actor_id, attempt, payload_json, dedupe_key
		 FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("%w: load events: %v", errs.ErrStorage, err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			ev                                     domain.Event
			ts                                      string
			taskID, actorRole, actorID, dedupeKey   sql.NullString
			attempt                                 sql.NullInt64
			eventType                               string
		)
		if err := rows.Scan(&ev.Seq, &ev.RunID, &ts, &eventType, &taskID, &actorRole, &actorID, &attempt, &ev.PayloadJSON, &dedupeKey); err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", errs.ErrStorage, err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("%w: parse event ts: %v", errs.ErrStorage, err)
		}
		ev.Timestamp = parsed
		ev.Type = domain.EventType(eventType)
		ev.TaskID = taskID.String
		ev.ActorRole = domain.ActorRole(actorRole.String)
		ev.ActorID = actorID.String
		ev.Attempt = attempt.Int64
		ev.DedupeKey = dedupeKey.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PutSnapshot writes an advisory acceleration-cache snapshot. The
// snapshot must be reproducible from the event log alone; it is never
// required for correctness.
func (s *Store) PutSnapshot(ctx context.Context, runID string, seq int64, state any) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (run_id, seq, state_json) VALUES (?, ?, ?)`,
		runID, seq, string(body))
	if err != nil {
		return fmt.Errorf("%w: put snapshot: %v", errs.ErrStorage, err)
	}
	return nil
}
