package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gantrykit/gantry/pkg/conflict"
	"github.com/gantrykit/gantry/pkg/log"
	"github.com/gantrykit/gantry/pkg/optimizer"
	"github.com/gantrykit/gantry/pkg/probe"
	"github.com/gantrykit/gantry/pkg/queue"
	"github.com/gantrykit/gantry/pkg/session"
	"github.com/gantrykit/gantry/pkg/snapshot"
	"github.com/gantrykit/gantry/pkg/types"
)

// Duration wraps time.Duration so YAML values can be written as "30s"
// or "10m" instead of nanosecond integers.
type Duration time.Duration

// UnmarshalYAML accepts both duration strings and bare integers
// (interpreted as nanoseconds, matching the JSON encoding).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw interface{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(v)
		return nil
	case int64:
		*d = Duration(v)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// MarshalYAML renders durations back in the human form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full daemon configuration. Every field has a usable
// default; an empty file is a valid configuration.
type Config struct {
	// DataDir is the persistence root: snapshots, sessions, the
	// transaction log and the execution history database all live here.
	DataDir string `yaml:"data_dir"`

	// AgentID identifies this process in session records.
	AgentID string `yaml:"agent_id"`

	Log       LogConfig                      `yaml:"log"`
	API       APIConfig                      `yaml:"api"`
	Queue     QueueConfig                    `yaml:"queue"`
	Resources map[types.ResourceType]float64 `yaml:"resources"`
	Session   SessionConfig                  `yaml:"session"`
	Snapshot  SnapshotConfig                 `yaml:"snapshot"`
	Conflict  ConflictConfig                 `yaml:"conflict"`
	Optimizer OptimizerConfig                `yaml:"optimizer"`

	// Probes declares named environment checks whose cached verdicts
	// back task preconditions of the same name.
	Probes map[string]ProbeConfig `yaml:"probes"`
}

// LogConfig selects level and output encoding.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// APIConfig configures the HTTP server. Disabled when Addr is empty
// and Enabled is false.
type APIConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`

	// ReadOnly keeps the API up for dashboards while rejecting every
	// mutating request.
	ReadOnly bool `yaml:"read_only"`
}

// QueueConfig mirrors the queue's runtime knobs in file form.
type QueueConfig struct {
	MaxConcurrent int                     `yaml:"max_concurrent"`
	TickInterval  Duration                `yaml:"tick_interval"`
	Algorithm     types.SequenceAlgorithm `yaml:"algorithm"`
	OwnershipTTL  Duration                `yaml:"ownership_ttl"`
}

// SessionConfig sets the liveness timeouts.
type SessionConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	SessionTimeout    Duration `yaml:"session_timeout"`
	CrashTimeout      Duration `yaml:"crash_timeout"`
}

// SnapshotConfig mirrors snapshot cadence and retention.
type SnapshotConfig struct {
	Interval        Duration `yaml:"interval"`
	EveryNOps       int64    `yaml:"every_n_ops"`
	Retention       int      `yaml:"retention"`
	BackupRetention int      `yaml:"backup_retention"`
	Compress        bool     `yaml:"compress"`
}

// ConflictConfig selects the default resolution strategy and window.
type ConflictConfig struct {
	Strategy     types.ResolutionStrategy `yaml:"strategy"`
	Window       Duration                 `yaml:"window"`
	ScanInterval Duration                 `yaml:"scan_interval"`
}

// OptimizerConfig sets the analysis schedule and thresholds.
type OptimizerConfig struct {
	Schedule           string   `yaml:"schedule"`
	PendingAgeLimit    Duration `yaml:"pending_age_limit"`
	BreakdownThreshold Duration `yaml:"breakdown_threshold"`
}

// ProbeConfig declares one background check. Target is a URL for http
// probes and host:port for tcp probes; command probes take an argv.
type ProbeConfig struct {
	Kind             string   `yaml:"kind"`
	Target           string   `yaml:"target"`
	Command          []string `yaml:"command"`
	Interval         Duration `yaml:"interval"`
	Timeout          Duration `yaml:"timeout"`
	FailureThreshold int      `yaml:"failure_threshold"`
	StartPeriod      Duration `yaml:"start_period"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		AgentID: "gantry",
		Log:     LogConfig{Level: "info"},
		API: APIConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		Queue: QueueConfig{
			MaxConcurrent: queue.DefaultMaxConcurrent,
			TickInterval:  Duration(queue.DefaultTickInterval),
			Algorithm:     types.AlgorithmHybrid,
			OwnershipTTL:  Duration(session.DefaultOwnershipTTL),
		},
		Session: SessionConfig{
			HeartbeatInterval: Duration(session.DefaultHeartbeatInterval),
			SessionTimeout:    Duration(session.DefaultSessionTimeout),
			CrashTimeout:      Duration(session.DefaultCrashTimeout),
		},
		Snapshot: SnapshotConfig{
			Interval:        Duration(snapshot.DefaultInterval),
			EveryNOps:       snapshot.DefaultEveryNOps,
			Retention:       snapshot.DefaultRetention,
			BackupRetention: snapshot.DefaultRetention,
		},
		Conflict: ConflictConfig{
			Strategy:     types.ResolveLastWriteWins,
			Window:       Duration(conflict.DefaultWindow),
			ScanInterval: Duration(conflict.DefaultScanInterval),
		},
		Optimizer: OptimizerConfig{
			Schedule:           optimizer.DefaultSchedule,
			PendingAgeLimit:    Duration(optimizer.DefaultPendingAgeLimit),
			BreakdownThreshold: Duration(optimizer.DefaultBreakdownThreshold),
		},
	}
}

// Load reads a YAML configuration file over the defaults. A missing or
// empty file yields the defaults unchanged; a malformed one is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %s does not exist", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the components would otherwise silently
// replace with defaults, so operator typos surface at startup.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if c.Queue.MaxConcurrent < 0 {
		return fmt.Errorf("queue.max_concurrent must be positive, got %d", c.Queue.MaxConcurrent)
	}
	switch c.Queue.Algorithm {
	case "", types.AlgorithmPriority, types.AlgorithmDependencyAware,
		types.AlgorithmResourceOptimal, types.AlgorithmHybrid:
	default:
		return fmt.Errorf("queue.algorithm %q is not one of priority, dependency-aware, resource-optimal, hybrid", c.Queue.Algorithm)
	}
	switch c.Conflict.Strategy {
	case "", types.ResolveLastWriteWins, types.ResolveFirstWriteWins,
		types.ResolveVersionBased, types.ResolveMerge, types.ResolveManual:
	default:
		return fmt.Errorf("conflict.strategy %q is unknown", c.Conflict.Strategy)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	for rt, capacity := range c.Resources {
		if capacity <= 0 {
			return fmt.Errorf("resources.%s capacity must be positive, got %v", rt, capacity)
		}
	}
	if c.API.Enabled && c.API.Addr == "" {
		return errors.New("api.addr must be set when the API is enabled")
	}
	for name, p := range c.Probes {
		switch probe.Kind(p.Kind) {
		case probe.KindHTTP, probe.KindTCP:
			if p.Target == "" {
				return fmt.Errorf("probes.%s: %s probes need a target", name, p.Kind)
			}
		case probe.KindCommand:
			if len(p.Command) == 0 {
				return fmt.Errorf("probes.%s: command probes need a command", name)
			}
		default:
			return fmt.Errorf("probes.%s: kind %q is not one of http, tcp, command", name, p.Kind)
		}
	}
	return nil
}

// LogConfigValue converts the file section into the logging package's
// runtime config.
func (c *Config) LogConfigValue() log.Config {
	return log.Config{
		Level:      log.Level(c.Log.Level),
		JSONOutput: c.Log.JSON,
	}
}

// QueueConfigValue converts the file section into the queue's runtime
// config.
func (c *Config) QueueConfigValue() queue.Config {
	return queue.Config{
		MaxConcurrent: c.Queue.MaxConcurrent,
		TickInterval:  c.Queue.TickInterval.Std(),
		Algorithm:     c.Queue.Algorithm,
		OwnershipTTL:  c.Queue.OwnershipTTL.Std(),
	}
}

// SnapshotConfigValue converts the file section into the snapshot
// manager's runtime config.
func (c *Config) SnapshotConfigValue() snapshot.Config {
	return snapshot.Config{
		Interval:        c.Snapshot.Interval.Std(),
		EveryNOps:       c.Snapshot.EveryNOps,
		Retention:       c.Snapshot.Retention,
		BackupRetention: c.Snapshot.BackupRetention,
		Compress:        c.Snapshot.Compress,
	}
}

// ConflictConfigValue converts the file section into the resolver's
// runtime config.
func (c *Config) ConflictConfigValue() conflict.Config {
	return conflict.Config{
		Strategy:     c.Conflict.Strategy,
		Window:       c.Conflict.Window.Std(),
		ScanInterval: c.Conflict.ScanInterval.Std(),
	}
}

// OptimizerConfigValue converts the file section into the analyzer's
// runtime config. The concurrency ceiling is shared with the queue.
func (c *Config) OptimizerConfigValue() optimizer.Config {
	return optimizer.Config{
		Schedule:           c.Optimizer.Schedule,
		MaxConcurrent:      c.Queue.MaxConcurrent,
		PendingAgeLimit:    c.Optimizer.PendingAgeLimit.Std(),
		BreakdownThreshold: c.Optimizer.BreakdownThreshold.Std(),
	}
}

// ProbeSpecs converts the probes section into monitor specs, sorted by
// name so startup order is deterministic.
func (c *Config) ProbeSpecs() []probe.Spec {
	if len(c.Probes) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.Probes))
	for name := range c.Probes {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]probe.Spec, 0, len(names))
	for _, name := range names {
		p := c.Probes[name]
		specs = append(specs, probe.Spec{
			Name:             name,
			Kind:             probe.Kind(p.Kind),
			Target:           p.Target,
			Command:          p.Command,
			Interval:         p.Interval.Std(),
			Timeout:          p.Timeout.Std(),
			FailureThreshold: p.FailureThreshold,
			StartPeriod:      p.StartPeriod.Std(),
		})
	}
	return specs
}

// Capacities returns the resource pool sizes, falling back to the
// built-in defaults when the file names none.
func (c *Config) Capacities() map[types.ResourceType]float64 {
	if len(c.Resources) == 0 {
		return nil
	}
	out := make(map[types.ResourceType]float64, len(c.Resources))
	for rt, capacity := range c.Resources {
		out[rt] = capacity
	}
	return out
}
