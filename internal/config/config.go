// Package config loads and validates the optional .rerun YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the name of the configuration file at the module root.
const FileName = ".rerun"

// Default values for runner and multitest configuration.
const (
	DefaultTimeout   = 5 * time.Minute
	DefaultMaxOutput = 1 << 20 // 1 MB
	DefaultCount     = 100
	DefaultHeartbeat = 500 * time.Millisecond
	DefaultHistory   = ".cache/rerun/history.db"
	DefaultRunsDir   = ".cache/rerun/runs"
	DefaultLockFile  = ".cache/rerun/multitest.lock"
)

// Reporter styles accepted by the test step.
const (
	ReporterSummary = "summary"
	ReporterRaw     = "raw"
)

// Colour modes accepted by the test step and the CLI.
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

// Config holds the parsed .rerun configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Version      int             `yaml:"version"`
	RawTimeout   string          `yaml:"timeout"`    // e.g. "5m", "30s"
	RawMaxOutput int             `yaml:"max_output"` // bytes
	Steps        []string        `yaml:"steps"`      // default: [lint, test]
	Lint         LintConfig      `yaml:"lint"`
	Vet          VetConfig       `yaml:"vet"`
	Test         TestConfig      `yaml:"test"`
	Multitest    MultitestConfig `yaml:"multitest"`
	History      HistoryConfig   `yaml:"history"`
}

// LintConfig controls how golangci-lint is executed.
type LintConfig struct {
	Config string   `yaml:"config"` // path to golangci-lint config file
	Args   []string `yaml:"args"`   // extra flags (e.g. --timeout=5m)
}

// VetConfig controls how go vet is executed.
type VetConfig struct {
	Args []string `yaml:"args"`
}

// TestConfig controls how go test is executed and reported.
type TestConfig struct {
	Packages []string `yaml:"packages"` // default: ./...
	Args     []string `yaml:"args"`     // extra flags appended to go test -json (e.g. -race, -count=1)
	Reporter string   `yaml:"reporter"` // summary or raw
	Color    string   `yaml:"color"`    // auto, always or never
}

// MultitestConfig controls the repeated verification loop.
type MultitestConfig struct {
	Count         *int     `yaml:"count"`     // nil means DefaultCount; 0 is honoured
	RawHeartbeat  string   `yaml:"heartbeat"` // e.g. "500ms"
	Command       []string `yaml:"command"`   // default: the running binary with "test --color=always"
	AllowFailures bool     `yaml:"allow_failures"`
	KeepGoing     bool     `yaml:"keep_going"` // continue past spawn failures
}

// HistoryConfig controls where multitest sessions are recorded.
type HistoryConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// DefaultSteps are used when no steps are configured.
var DefaultSteps = []string{"lint", "test"}

// KnownSteps lists every step the verification engine understands.
var KnownSteps = []string{"lint", "vet", "test"}

// Timeout returns the configured timeout or the default.
func (c *Config) Timeout() time.Duration {
	if c.RawTimeout != "" {
		d, err := time.ParseDuration(c.RawTimeout)
		if err == nil && d > 0 {
			return d
		}
	}
	return DefaultTimeout
}

// MaxOutputBytes returns the configured max output size or the default.
func (c *Config) MaxOutputBytes() int {
	if c.RawMaxOutput > 0 {
		return c.RawMaxOutput
	}
	return DefaultMaxOutput
}

// VerifySteps returns the configured steps, falling back to defaults.
func (c *Config) VerifySteps() []string {
	if len(c.Steps) > 0 {
		return c.Steps
	}
	return DefaultSteps
}

// TestPackages returns the configured package patterns, falling back to ./... .
func (c *Config) TestPackages() []string {
	if len(c.Test.Packages) > 0 {
		return c.Test.Packages
	}
	return []string{"./..."}
}

// Reporter returns the configured test reporter style.
func (c *Config) Reporter() string {
	if c.Test.Reporter == "" {
		return ReporterSummary
	}
	return c.Test.Reporter
}

// ColorMode returns the configured colour mode.
func (c *Config) ColorMode() string {
	if c.Test.Color == "" {
		return ColorAuto
	}
	return c.Test.Color
}

// MultitestCount returns the configured repeat count or DefaultCount.
func (c *Config) MultitestCount() int {
	if c.Multitest.Count != nil {
		return *c.Multitest.Count
	}
	return DefaultCount
}

// HeartbeatInterval returns the configured heartbeat interval or the default.
func (c *Config) HeartbeatInterval() time.Duration {
	if c.Multitest.RawHeartbeat != "" {
		d, err := time.ParseDuration(c.Multitest.RawHeartbeat)
		if err == nil && d > 0 {
			return d
		}
	}
	return DefaultHeartbeat
}

// HistoryPath returns the absolute history database path for root,
// or "" when history is disabled.
func (c *Config) HistoryPath(root string) string {
	if c.History.Disabled {
		return ""
	}
	p := c.History.Path
	if p == "" {
		p = DefaultHistory
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// RunsDir returns the directory holding stored run results for root.
func RunsDir(root string) string {
	return filepath.Join(root, DefaultRunsDir)
}

// MultitestLockPath returns the lock file that serialises multitest
// sessions within root.
func MultitestLockPath(root string) string {
	return filepath.Join(root, DefaultLockFile)
}

// Validate reports configuration values that cannot be used.
func (c *Config) Validate() error {
	switch c.Reporter() {
	case ReporterSummary, ReporterRaw:
	default:
		return fmt.Errorf("test.reporter: unknown reporter %q (want %s or %s)", c.Test.Reporter, ReporterSummary, ReporterRaw)
	}
	if err := ValidateColor(c.ColorMode()); err != nil {
		return fmt.Errorf("test.color: %w", err)
	}
	if c.Multitest.Count != nil && *c.Multitest.Count < 0 {
		return fmt.Errorf("multitest.count: must not be negative, got %d", *c.Multitest.Count)
	}
	for _, s := range c.Steps {
		if !slices.Contains(KnownSteps, s) {
			return fmt.Errorf("steps: unknown step %q", s)
		}
	}
	return nil
}

// ValidateColor checks a colour mode value.
func ValidateColor(mode string) error {
	switch mode {
	case ColorAuto, ColorAlways, ColorNever:
		return nil
	}
	return fmt.Errorf("unknown colour mode %q (want auto, always or never)", mode)
}

// LoadResult holds the parsed config and the discovered repository root.
type LoadResult struct {
	Config   *Config
	RepoRoot string // directory containing go.mod; falls back to workspace
	Path     string // config file that was read; empty when defaults are used
}

// Load reads the .rerun file from the repository root.
// The repository root is discovered by walking upward from workspace
// looking for go.mod. If no .rerun file exists, a default Config is returned.
func Load(workspace string) (*LoadResult, error) {
	root, err := findRepoRoot(workspace)
	if err != nil {
		// No go.mod found; use workspace as root.
		root = workspace
	}
	return LoadFile(filepath.Join(root, FileName), root)
}

// LoadPath reads the configuration at path, which must exist, with the
// repository root discovered from workspace. An empty path behaves like Load.
func LoadPath(workspace, path string) (*LoadResult, error) {
	if path == "" {
		return Load(workspace)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	root, err := findRepoRoot(workspace)
	if err != nil {
		root = workspace
	}
	return LoadFile(path, root)
}

// LoadFile reads configuration from an explicit path. A missing file
// yields the default Config.
func LoadFile(path, root string) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &LoadResult{Config: &Config{}, RepoRoot: root}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return &LoadResult{Config: cfg, RepoRoot: root, Path: path}, nil
}

// findRepoRoot walks upward from dir looking for a directory containing go.mod.
func findRepoRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found")
		}
		dir = parent
	}
}
