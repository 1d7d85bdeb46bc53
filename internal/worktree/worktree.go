// Package worktree creates the per-attempt git worktree a subprocess
// runs in and provisions the extra files the run's config asks for.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/David-Factor/thence/internal/config"
	"github.com/David-Factor/thence/internal/paths"
)

// ExecRunner abstracts running git so tests can inject a fake, mirroring
// the shape used by internal/mergequeue for the same purpose.
type ExecRunner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (string, error)
}

// RealExecRunner runs git for real.
type RealExecRunner struct{}

func (r *RealExecRunner) Run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Ensure creates the worktree for one attempt if it does not already
// exist, branching from the run's integration branch, and returns the
// worktree's absolute path. It is idempotent: a second call against an
// existing worktree is a no-op.
func Ensure(ctx context.Context, exe ExecRunner, repoRoot, runID, taskID string, attempt int64, role, baseBranch string) (string, error) {
	rel, err := paths.WorktreeDir(runID, taskID, attempt, role)
	if err != nil {
		return "", err
	}
	abs, err := paths.SafeJoin(repoRoot, rel)
	if err != nil {
		return "", err
	}
	if fi, statErr := os.Stat(abs); statErr == nil && fi.IsDir() {
		return abs, nil
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create worktree parent dir: %w", err)
	}

	branch := fmt.Sprintf("thence/%s/attempt%d/%s", taskID, attempt, role)
	if baseBranch == "" {
		baseBranch = "HEAD"
	}
	if _, err := exe.Run(ctx, repoRoot, "git", "worktree", "add", "-b", branch, abs, baseBranch); err != nil {
		return "", fmt.Errorf("git worktree add: %w", err)
	}
	return abs, nil
}

// Remove tears down the worktree after its attempt finishes, freeing
// the branch for reuse on the next retry.
func Remove(ctx context.Context, exe ExecRunner, repoRoot, worktreePath string) error {
	if _, err := exe.Run(ctx, repoRoot, "git", "worktree", "remove", "--force", worktreePath); err != nil {
		return fmt.Errorf("git worktree remove: %w", err)
	}
	return nil
}

// Provision applies every [[worktree.provision.files]] entry into a
// freshly created worktree: symlinking or copying each From path
// (relative to repoRoot) to its To path (relative to the worktree).
// A missing Required file is an error; a missing optional one is
// skipped.
func Provision(repoRoot, worktreePath string, files []config.ProvisionFile) error {
	for _, f := range files {
		if err := config.ValidateProvisionFile(f); err != nil {
			return fmt.Errorf("provision file %q: %w", f.To, err)
		}

		src := filepath.Join(repoRoot, f.From)
		if _, err := os.Stat(src); err != nil {
			if f.Required {
				return fmt.Errorf("required provision source %q missing: %w", f.From, err)
			}
			continue
		}

		dst, err := paths.SafeJoin(worktreePath, f.To)
		if err != nil {
			return fmt.Errorf("provision destination %q: %w", f.To, err)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create provision dest dir: %w", err)
		}

		switch f.Mode {
		case config.ModeSymlink:
			absSrc, err := filepath.Abs(src)
			if err != nil {
				return err
			}
			_ = os.Remove(dst)
			if err := os.Symlink(absSrc, dst); err != nil {
				return fmt.Errorf("symlink %s -> %s: %w", dst, absSrc, err)
			}
		case config.ModeCopy:
			if err := copyFile(src, dst); err != nil {
				return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
			}
		default:
			return fmt.Errorf("unknown provision mode %q", f.Mode)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
