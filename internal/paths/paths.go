// Package paths builds and validates the on-disk run layout under
// <repo>/.thence/runs/<run-id>/, rejecting path-traversal attempts in
// any user-supplied id.
package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidID is returned when a run or task id fails validation.
var ErrInvalidID = errors.New("invalid id")

const maxIDLen = 64

// MaxIDLen returns the maximum allowed run/task id length.
func MaxIDLen() int { return maxIDLen }

var idRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,` + strconv.Itoa(maxIDLen) + `}$`)

// ValidateID returns nil for allowed run/task ids, or ErrInvalidID.
// Only ASCII letters, digits, dot, underscore, and dash are allowed; any
// ".." substring is rejected to prevent traversal via task or run ids
// built into filesystem paths.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("empty id: %w", ErrInvalidID)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("id too long: %w", ErrInvalidID)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("id contains disallowed '..': %w", ErrInvalidID)
	}
	if !idRe.MatchString(id) {
		return fmt.Errorf("id contains invalid characters: %w", ErrInvalidID)
	}
	return nil
}

// RunDir returns the relative run directory, e.g. ".thence/runs/<run-id>".
func RunDir(runID string) (string, error) {
	if err := ValidateID(runID); err != nil {
		return "", err
	}
	return filepath.ToSlash(filepath.Join(".thence", "runs", runID)), nil
}

// CapsuleFile returns the relative capsule file path for a role.
func CapsuleFile(runID, taskID string, attempt int64, role string) (string, error) {
	if err := ValidateID(runID); err != nil {
		return "", err
	}
	if err := ValidateID(taskID); err != nil {
		return "", err
	}
	return filepath.ToSlash(filepath.Join(
		".thence", "runs", runID, "capsules", taskID,
		fmt.Sprintf("attempt%d", attempt), role+".json",
	)), nil
}

// LeaseFile returns the relative lease file path for a role.
func LeaseFile(runID, taskID string, attempt int64, role string) (string, error) {
	if err := ValidateID(runID); err != nil {
		return "", err
	}
	if err := ValidateID(taskID); err != nil {
		return "", err
	}
	return filepath.ToSlash(filepath.Join(
		".thence", "runs", runID, "leases", taskID,
		fmt.Sprintf("attempt%d", attempt), role+".json",
	)), nil
}

// WorktreeDir returns the relative worktree path for an attempt and
// worker id, e.g. ".thence/runs/<run>/worktrees/thence/<task>/v<k>/<worker>".
func WorktreeDir(runID, taskID string, attempt int64, workerID string) (string, error) {
	if err := ValidateID(runID); err != nil {
		return "", err
	}
	if err := ValidateID(taskID); err != nil {
		return "", err
	}
	if err := ValidateID(workerID); err != nil {
		return "", err
	}
	return filepath.ToSlash(filepath.Join(
		".thence", "runs", runID, "worktrees", "thence", taskID,
		fmt.Sprintf("v%d", attempt), workerID,
	)), nil
}

// SafeJoin joins repoRoot with rel and ensures the resulting path is
// inside repoRoot. Returns an error if the result would escape repoRoot
// or if rel is itself absolute.
func SafeJoin(repoRoot, rel string) (string, error) {
	if repoRoot == "" {
		return "", fmt.Errorf("empty repo root")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("relative path expected, got absolute: %s", rel)
	}
	joined := filepath.Join(repoRoot, rel)
	cleaned := filepath.Clean(joined)
	absRoot, err := filepath.Abs(repoRoot)
	if err != nil {
		return "", err
	}
	absCleaned, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	relToRoot, err := filepath.Rel(absRoot, absCleaned)
	if err != nil {
		return "", err
	}
	if relToRoot == ".." || strings.HasPrefix(relToRoot, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes repo root: %s", rel)
	}
	return absCleaned, nil
}
