// Package config loads and validates the optional .shellcommand.yaml file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/deixis/shellcommand/internal/runner"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up from the working directory
// upward.
const FileName = ".shellcommand.yaml"

// Default values for runner and stream configuration.
const (
	DefaultMaxOutput  = 10 << 20 // 10 MB
	DefaultWindow     = 25 * time.Millisecond
	DefaultRate       = 50
	DefaultBurst      = 16
	DefaultMaxPending = 1024
	DefaultHistory    = 32
)

// Kill policies and history backends accepted by Validate.
var (
	KillPolicies    = []string{"failure", "exit-code"}
	HistoryBackends = []string{"disk", "sqlite"}
	LogFormats      = []string{"console", "json"}
)

// Config holds the parsed configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Version       int               `yaml:"version"`
	Shell         string            `yaml:"shell"`       // default: bash
	ShellArgs     []string          `yaml:"shell_args"`  // e.g. ["--noprofile", "--norc"]
	RawTimeout    string            `yaml:"timeout"`     // default per-request timeout, e.g. "5m"
	RawMaxTimeout string            `yaml:"max_timeout"` // upper bound on any request timeout
	RawMaxOutput  int               `yaml:"max_output"`  // bytes kept per stream
	KillPolicy    string            `yaml:"kill_policy"` // failure | exit-code
	Workspace     string            `yaml:"workspace"`   // base for relative cwd
	Confine       bool              `yaml:"confine"`     // reject cwd outside workspace
	Env           map[string]string `yaml:"env"`         // baseline environment overrides
	Stream        StreamConfig      `yaml:"stream"`
	History       HistoryConfig     `yaml:"history"`
	Log           LogConfig         `yaml:"log"`
}

// StreamConfig controls incremental notification delivery.
type StreamConfig struct {
	RawWindow  string  `yaml:"window"`      // coalescing window, e.g. "25ms"
	Rate       float64 `yaml:"rate"`        // notifications per second; negative disables the limit
	Burst      int     `yaml:"burst"`       // limiter burst
	MaxPending int     `yaml:"max_pending"` // queue length before forced merging
}

// HistoryConfig controls where execution records are kept.
type HistoryConfig struct {
	Capacity     int    `yaml:"capacity"`  // in-memory LRU entries
	Backend      string `yaml:"backend"`   // disk | sqlite
	Path         string `yaml:"path"`      // directory (disk) or database file (sqlite)
	RawRetention string `yaml:"retention"` // sqlite records older than this are pruned at startup
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console | json
}

// Timeout returns the configured default timeout, or zero for none.
func (c *Config) Timeout() time.Duration {
	return parseDuration(c.RawTimeout, 0)
}

// MaxTimeout returns the configured timeout ceiling, or zero for none.
func (c *Config) MaxTimeout() time.Duration {
	return parseDuration(c.RawMaxTimeout, 0)
}

// MaxOutputBytes returns the configured max output size or the default.
func (c *Config) MaxOutputBytes() int {
	if c.RawMaxOutput > 0 {
		return c.RawMaxOutput
	}
	return DefaultMaxOutput
}

// ShellPath returns the configured shell or the default.
func (c *Config) ShellPath() string {
	if c.Shell != "" {
		return c.Shell
	}
	return runner.DefaultShell
}

// Window returns the coalescing window or the default.
func (s StreamConfig) Window() time.Duration {
	return parseDuration(s.RawWindow, DefaultWindow)
}

// RateLimit returns notifications per second; zero means unlimited.
func (s StreamConfig) RateLimit() float64 {
	switch {
	case s.Rate < 0:
		return 0
	case s.Rate == 0:
		return DefaultRate
	}
	return s.Rate
}

// BurstSize returns the limiter burst or the default.
func (s StreamConfig) BurstSize() int {
	if s.Burst > 0 {
		return s.Burst
	}
	return DefaultBurst
}

// PendingLimit returns the forced-merge threshold or the default.
func (s StreamConfig) PendingLimit() int {
	if s.MaxPending > 0 {
		return s.MaxPending
	}
	return DefaultMaxPending
}

// CapacityOrDefault returns the LRU capacity or the default.
func (h HistoryConfig) CapacityOrDefault() int {
	if h.Capacity > 0 {
		return h.Capacity
	}
	return DefaultHistory
}

// Retention returns how long sqlite records are kept, or zero for forever.
func (h HistoryConfig) Retention() time.Duration {
	return parseDuration(h.RawRetention, 0)
}

// BackendOrDefault returns the history backend, defaulting to disk.
func (h HistoryConfig) BackendOrDefault() string {
	if h.Backend != "" {
		return h.Backend
	}
	return "disk"
}

func parseDuration(raw string, def time.Duration) time.Duration {
	if raw != "" {
		d, err := time.ParseDuration(raw)
		if err == nil && d > 0 {
			return d
		}
	}
	return def
}

// Validate rejects values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.KillPolicy != "" && !slices.Contains(KillPolicies, c.KillPolicy) {
		return fmt.Errorf("kill_policy %q: want one of %v", c.KillPolicy, KillPolicies)
	}
	if c.History.Backend != "" && !slices.Contains(HistoryBackends, c.History.Backend) {
		return fmt.Errorf("history.backend %q: want one of %v", c.History.Backend, HistoryBackends)
	}
	if c.Log.Format != "" && !slices.Contains(LogFormats, c.Log.Format) {
		return fmt.Errorf("log.format %q: want one of %v", c.Log.Format, LogFormats)
	}
	for name, raw := range map[string]string{
		"timeout":           c.RawTimeout,
		"max_timeout":       c.RawMaxTimeout,
		"stream.window":     c.Stream.RawWindow,
		"history.retention": c.History.RawRetention,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Confine && c.Workspace == "" {
		return fmt.Errorf("confine requires workspace")
	}
	return nil
}

// LoadResult holds the parsed config and where it came from.
type LoadResult struct {
	Config *Config
	Path   string // file that was read; empty when defaults are used
}

// Load finds FileName by walking upward from dir. If no file exists, a
// default Config is returned.
func Load(dir string) (*LoadResult, error) {
	path, err := findConfig(dir)
	if err != nil {
		return &LoadResult{Config: &Config{}}, nil
	}
	return LoadFile(path)
}

// LoadFile reads and validates the configuration at path. A relative
// workspace is resolved against the file's directory.
func LoadFile(path string) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.Workspace != "" && !filepath.IsAbs(cfg.Workspace) {
		cfg.Workspace = filepath.Join(filepath.Dir(path), cfg.Workspace)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return &LoadResult{Config: cfg, Path: path}, nil
}

// findConfig walks upward from dir looking for FileName.
func findConfig(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found", FileName)
		}
		dir = parent
	}
}
