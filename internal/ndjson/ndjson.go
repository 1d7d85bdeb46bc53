// Package ndjson mirrors appended events to a plain-text NDJSON file
// for human tailing (tail -f / jq), independent of and never required
// for the correctness of the event store.
package ndjson

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/David-Factor/thence/internal/domain"
)

type line struct {
	Seq     int64  `json:"seq"`
	TS      string `json:"ts"`
	Event   string `json:"event"`
	Task    string `json:"task,omitempty"`
	Attempt int64  `json:"attempt,omitempty"`
}

// MirrorEvent appends one line describing ev to the file at path,
// creating parent directories and the file itself as needed.
func MirrorEvent(path string, ev domain.Event) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create ndjson dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ndjson mirror %s: %w", path, err)
	}
	defer f.Close()

	raw, err := json.Marshal(line{
		Seq:     ev.Seq,
		TS:      ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Event:   string(ev.Type),
		Task:    ev.TaskID,
		Attempt: ev.Attempt,
	})
	if err != nil {
		return fmt.Errorf("marshal ndjson line: %w", err)
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append ndjson line: %w", err)
	}
	return nil
}
