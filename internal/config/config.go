// internal/config/config.go
//
// This package loads turnstile.yaml: which units to run, how they are split
// across workers, how eagerly workers drain, and what each unit's work is.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/turnstile/internal/turn"
)

const (
	// DefaultFileName is looked up in the working directory when no path is given.
	DefaultFileName = "turnstile.yaml"
	// DefaultLogDir holds turnstile.log and journey.log.
	DefaultLogDir = ".turnstile/logs"

	OrderSorted = "sorted"
	OrderGiven  = "given"

	StrategyRoundRobin = "round-robin"
	StrategyContiguous = "contiguous"

	ProducerSynthetic = "synthetic"
	ProducerArchive   = "archive"
	ProducerScript    = "script"

	defaultWorkers     = 3
	defaultPollTimeout = "1ms"
	defaultDrainEvery  = 4
	defaultPasses      = 2
	defaultLines       = 4
	defaultStatusHost  = "127.0.0.1"
	defaultStatusPort  = 8766
)

const defaultConfigYAML = `# turnstile configuration
version: 1

# Units are flushed in this order. "sorted" sorts names; "given" keeps the list as written.
units: []
order: sorted

workers:
  count: 3
  strategy: round-robin
  # Explicit split; overrides count and strategy.
  # assignments:
  #   - name: worker-0
  #     units: [00.tar, 07.tar]

drain:
  poll_timeout: 1ms
  every: 4

producer:
  kind: synthetic
  passes: 2
  lines: 4
  delay: 0s
  seed: 1

output:
  path: ""
  plain: false

logging:
  dir: .turnstile/logs

status:
  enabled: false
  host: 127.0.0.1
  port: 8766
`

// AssignmentConfig pins units to a named worker.
type AssignmentConfig struct {
	Name  string   `yaml:"name"`
	Units []string `yaml:"units"`
}

// WorkersConfig controls how units are split.
type WorkersConfig struct {
	Count       int                `yaml:"count"`
	Strategy    string             `yaml:"strategy"`
	Assignments []AssignmentConfig `yaml:"assignments,omitempty"`
}

// DrainConfig tunes opportunistic draining.
type DrainConfig struct {
	PollTimeout string `yaml:"poll_timeout"`
	Every       int    `yaml:"every"`

	pollTimeout time.Duration
}

// ProducerConfig selects the work done per unit.
type ProducerConfig struct {
	Kind      string `yaml:"kind"`
	Dir       string `yaml:"dir,omitempty"`
	Passes    int    `yaml:"passes,omitempty"`
	Lines     int    `yaml:"lines,omitempty"`
	Delay     string `yaml:"delay,omitempty"`
	Seed      int64  `yaml:"seed,omitempty"`
	Script    string `yaml:"script,omitempty"`
	ExtractTo string `yaml:"extract_to,omitempty"`

	delay time.Duration
}

// OutputConfig selects sinks in addition to the console.
type OutputConfig struct {
	Path  string `yaml:"path,omitempty"`
	Plain bool   `yaml:"plain"`
}

// LoggingConfig locates log files.
type LoggingConfig struct {
	Dir string `yaml:"dir"`
}

// StatusConfig drives the optional HTTP status server.
type StatusConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// Config models turnstile.yaml.
type Config struct {
	Version  int            `yaml:"version"`
	Units    []string       `yaml:"units"`
	Order    string         `yaml:"order"`
	Workers  WorkersConfig  `yaml:"workers"`
	Drain    DrainConfig    `yaml:"drain"`
	Producer ProducerConfig `yaml:"producer"`
	Output   OutputConfig   `yaml:"output"`
	Logging  LoggingConfig  `yaml:"logging"`
	Status   StatusConfig   `yaml:"status"`

	// BaseDir resolves relative paths; it is the directory holding the file.
	BaseDir string `yaml:"-"`
}

// Default returns the configuration used when no file exists.
func Default(baseDir string) *Config {
	cfg := &Config{BaseDir: baseDir}
	cfg.applyDefaults()
	cfg.normalize()
	return cfg
}

// Load reads path, falling back to defaults when the file is missing, then
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultFileName
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}
	cfg := &Config{}
	data, err := os.ReadFile(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.BaseDir = filepath.Dir(abs)
	cfg.applyDefaults()
	cfg.ApplyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteDefault creates path with the commented default configuration unless
// it already exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: ensure dir: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}

// Save validates the configuration and writes it to path.
func (c *Config) Save(path string) error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.applyDefaults()
	c.normalize()
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: ensure dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides file values with TURNSTILE_* environment variables.
// Unparseable values are ignored.
func (c *Config) ApplyEnv() {
	if n, ok := envInt("TURNSTILE_WORKERS"); ok && n > 0 {
		c.Workers.Count = n
	}
	if dir := envString("TURNSTILE_LOG_DIR"); dir != "" {
		c.Logging.Dir = dir
	}
	if value := envString("TURNSTILE_STATUS_ENABLED"); value != "" {
		if enabled, err := strconv.ParseBool(value); err == nil {
			c.Status.Enabled = &enabled
		}
	}
	if host := envString("TURNSTILE_STATUS_HOST"); host != "" {
		c.Status.Host = host
	}
	if port, ok := envInt("TURNSTILE_STATUS_PORT"); ok && port > 0 && port <= 65535 {
		c.Status.Port = port
	}
}

// StatusEnabled reports whether the HTTP status server should start.
func (c *Config) StatusEnabled() bool {
	return c.Status.Enabled != nil && *c.Status.Enabled
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envInt(key string) (int, bool) {
	value := envString(key)
	if value == "" {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	return n, err == nil
}

// Refresh re-applies defaults and normalization after fields were changed in
// code (CLI flags, --demo) and validates the result.
func (c *Config) Refresh() error {
	c.applyDefaults()
	c.normalize()
	return c.Validate()
}

// UnitIDs returns the configured units in flush order.
func (c *Config) UnitIDs() []turn.UnitID {
	out := make([]turn.UnitID, 0, len(c.Units))
	for _, unit := range c.Units {
		out = append(out, turn.UnitID(unit))
	}
	return out
}

// PollTimeout returns the parsed drain poll timeout.
func (c *Config) PollTimeout() time.Duration {
	return c.Drain.pollTimeout
}

// Delay returns the parsed per-record producer delay.
func (c *Config) Delay() time.Duration {
	return c.Producer.delay
}

// LogDir returns the absolute log directory.
func (c *Config) LogDir() string {
	return resolvePath(c.BaseDir, c.Logging.Dir)
}

// LogPath returns the diagnostic log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.LogDir(), "turnstile.log")
}

// JournalPath returns the run journal file.
func (c *Config) JournalPath() string {
	return filepath.Join(c.LogDir(), "journey.log")
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Order == "" {
		c.Order = OrderSorted
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = defaultWorkers
	}
	if c.Workers.Strategy == "" {
		c.Workers.Strategy = StrategyRoundRobin
	}
	if c.Drain.PollTimeout == "" {
		c.Drain.PollTimeout = defaultPollTimeout
	}
	if c.Drain.Every == 0 {
		c.Drain.Every = defaultDrainEvery
	}
	if c.Producer.Kind == "" {
		c.Producer.Kind = ProducerSynthetic
	}
	if c.Producer.Passes == 0 {
		c.Producer.Passes = defaultPasses
	}
	if c.Producer.Lines == 0 {
		c.Producer.Lines = defaultLines
	}
	if c.Producer.Delay == "" {
		c.Producer.Delay = "0s"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = DefaultLogDir
	}
	if c.Status.Host == "" {
		c.Status.Host = defaultStatusHost
	}
	if c.Status.Port == 0 {
		c.Status.Port = defaultStatusPort
	}
}

func (c *Config) normalize() {
	c.Order = normalizeName(c.Order)
	c.Workers.Strategy = normalizeName(c.Workers.Strategy)
	c.Producer.Kind = normalizeName(c.Producer.Kind)
	for i := range c.Units {
		c.Units[i] = strings.TrimSpace(c.Units[i])
	}
	for i := range c.Workers.Assignments {
		a := &c.Workers.Assignments[i]
		a.Name = strings.TrimSpace(a.Name)
		for j := range a.Units {
			a.Units[j] = strings.TrimSpace(a.Units[j])
		}
	}
	c.Drain.PollTimeout = strings.TrimSpace(c.Drain.PollTimeout)
	c.Drain.pollTimeout, _ = time.ParseDuration(c.Drain.PollTimeout)
	c.Producer.Delay = strings.TrimSpace(c.Producer.Delay)
	c.Producer.delay, _ = time.ParseDuration(c.Producer.Delay)
	c.Producer.Dir = resolvePath(c.BaseDir, c.Producer.Dir)
	c.Producer.Script = resolvePath(c.BaseDir, c.Producer.Script)
	c.Producer.ExtractTo = resolvePath(c.BaseDir, c.Producer.ExtractTo)
	c.Output.Path = resolvePath(c.BaseDir, c.Output.Path)
	c.Status.Host = strings.TrimSpace(c.Status.Host)
}

// Validate reports the first invalid setting as a configuration error.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return &turn.ConfigError{Reason: "config: " + err.Error()}
	}
	return nil
}

func (c *Config) validate() error {
	if c.Version < 1 {
		return fmt.Errorf("version must be >= 1")
	}
	switch c.Order {
	case OrderSorted, OrderGiven:
	default:
		return fmt.Errorf("order must be %q or %q", OrderSorted, OrderGiven)
	}
	for i, unit := range c.Units {
		if unit == "" {
			return fmt.Errorf("units[%d]: name is required", i)
		}
	}
	if err := c.Workers.validate(); err != nil {
		return fmt.Errorf("workers: %w", err)
	}
	if _, err := time.ParseDuration(c.Drain.PollTimeout); err != nil {
		return fmt.Errorf("drain.poll_timeout: %w", err)
	}
	if c.Drain.pollTimeout < 0 {
		return fmt.Errorf("drain.poll_timeout must not be negative")
	}
	if c.Drain.Every < 1 {
		return fmt.Errorf("drain.every must be >= 1")
	}
	if err := c.Producer.validate(); err != nil {
		return fmt.Errorf("producer: %w", err)
	}
	if c.Status.Port < 0 || c.Status.Port > 65535 {
		return fmt.Errorf("status.port must be between 0 and 65535")
	}
	return nil
}

func (w WorkersConfig) validate() error {
	if len(w.Assignments) > 0 {
		seen := map[string]bool{}
		for i, a := range w.Assignments {
			if a.Name == "" {
				return fmt.Errorf("assignments[%d]: name is required", i)
			}
			if seen[a.Name] {
				return fmt.Errorf("assignments[%d]: worker %q listed twice", i, a.Name)
			}
			seen[a.Name] = true
		}
		return nil
	}
	if w.Count < 1 {
		return fmt.Errorf("count must be >= 1")
	}
	switch w.Strategy {
	case StrategyRoundRobin, StrategyContiguous:
		return nil
	default:
		return fmt.Errorf("strategy must be %q or %q", StrategyRoundRobin, StrategyContiguous)
	}
}

func (p ProducerConfig) validate() error {
	if _, err := time.ParseDuration(p.Delay); err != nil {
		return fmt.Errorf("delay: %w", err)
	}
	if p.delay < 0 {
		return fmt.Errorf("delay must not be negative")
	}
	switch p.Kind {
	case ProducerSynthetic:
		if p.Passes < 1 || p.Lines < 1 {
			return fmt.Errorf("passes and lines must be >= 1")
		}
	case ProducerArchive:
	case ProducerScript:
		if p.Script == "" {
			return fmt.Errorf("script is required for kind %q", ProducerScript)
		}
	default:
		return fmt.Errorf("kind must be one of %s, %s, %s", ProducerSynthetic, ProducerArchive, ProducerScript)
	}
	return nil
}

func normalizeName(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) || base == "" {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}
