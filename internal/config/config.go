// Package config loads and merges the run's TOML config file. Callers
// apply command-line overrides (--checks, --agent-cmd) on top of it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// CurrentVersion is the only config version this build understands.
const CurrentVersion = 2

// Config is the parsed, merged config for one run.
type Config struct {
	Version  int            `toml:"version"`
	Agent    AgentConfig    `toml:"agent"`
	Checks   ChecksConfig   `toml:"checks"`
	Prompts  PromptsConfig  `toml:"prompts"`
	Worktree WorktreeConfig `toml:"worktree"`
}

// AgentConfig names the agent provider and the command used to invoke it.
type AgentConfig struct {
	Provider string `toml:"provider"`
	Command  string `toml:"command"`
}

// ChecksConfig carries the config-file source of truth for check commands.
type ChecksConfig struct {
	Commands []string `toml:"commands"`
}

// PromptsConfig holds optional prompt-template overrides per role.
type PromptsConfig struct {
	Reviewer string `toml:"reviewer"`
}

// WorktreeConfig describes files provisioned into every attempt worktree.
type WorktreeConfig struct {
	Provision ProvisionConfig `toml:"provision"`
}

// ProvisionConfig is the [[worktree.provision.files]] array.
type ProvisionConfig struct {
	Files []ProvisionFile `toml:"files"`
}

// ProvisionFile is one provisioned file entry.
type ProvisionFile struct {
	From     string `toml:"from"`
	To       string `toml:"to"`
	Required bool   `toml:"required"`
	Mode     string `toml:"mode"`
}

// ModeSymlink and ModeCopy are the two supported provisioning modes.
const (
	ModeSymlink = "symlink"
	ModeCopy    = "copy"
)

func Default() Config {
	return Config{
		Version: CurrentVersion,
		Agent:   AgentConfig{Provider: "opencode"},
	}
}

var ErrInvalid = errors.New("invalid config")

// LoadResult is the outcome of loading the config file, including
// whether a file was present and any parse error, so callers can decide
// whether a missing file is fine (use defaults) or fatal (exit non-zero).
type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Load reads <repoRoot>/.thence/config.toml, merging it over Default().
// A missing file is not an error; a present-but-unparseable or
// wrong-version file is recorded in ParseError for the caller to surface.
func Load(repoRoot string) LoadResult {
	res := LoadResult{Config: Default()}
	path := filepath.Join(repoRoot, ".thence", "config.toml")
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}
	if parsed.Version != 0 && parsed.Version != CurrentVersion {
		res.ParseError = fmt.Errorf("%w: unsupported config version %d (expected %d)", ErrInvalid, parsed.Version, CurrentVersion)
		return res
	}

	res.Config = merge(Default(), parsed)
	return res
}

func merge(def Config, cfg Config) Config {
	if cfg.Version != 0 {
		def.Version = cfg.Version
	}
	if cfg.Agent.Provider != "" {
		def.Agent.Provider = cfg.Agent.Provider
	}
	if cfg.Agent.Command != "" {
		def.Agent.Command = cfg.Agent.Command
	}
	if len(cfg.Checks.Commands) != 0 {
		def.Checks.Commands = cfg.Checks.Commands
	}
	if cfg.Prompts.Reviewer != "" {
		def.Prompts.Reviewer = cfg.Prompts.Reviewer
	}
	if len(cfg.Worktree.Provision.Files) != 0 {
		def.Worktree.Provision.Files = cfg.Worktree.Provision.Files
	}
	return def
}

// ResolveChecks applies the checks resolution order: CLI
// --checks first, then [checks].commands from the config file. If
// neither is set, it returns an error naming both sources; whether that
// error is fatal is left to the caller.
func ResolveChecks(cliChecks []string, cfg Config) ([]string, error) {
	if len(cliChecks) > 0 {
		return cliChecks, nil
	}
	if len(cfg.Checks.Commands) > 0 {
		return cfg.Checks.Commands, nil
	}
	return nil, fmt.Errorf("no checks configured: pass --checks or set [checks].commands in .thence/config.toml")
}

// ValidateProvisionFile checks one provisioning entry: To must be
// relative and must not escape the worktree, and Mode must be one of
// the two supported values.
func ValidateProvisionFile(f ProvisionFile) error {
	if f.To == "" {
		return fmt.Errorf("provision file missing 'to'")
	}
	if filepath.IsAbs(f.To) {
		return fmt.Errorf("provision file 'to' must be relative: %q", f.To)
	}
	clean := filepath.ToSlash(filepath.Clean(f.To))
	if clean == ".." || len(clean) >= 3 && clean[:3] == "../" {
		return fmt.Errorf("provision file 'to' escapes worktree: %q", f.To)
	}
	switch f.Mode {
	case ModeSymlink, ModeCopy:
	default:
		return fmt.Errorf("provision file has unknown mode %q", f.Mode)
	}
	return nil
}
