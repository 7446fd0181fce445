package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrykit/gantry/pkg/probe"
	"github.com/gantrykit/gantry/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gantry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "./data", cfg.DataDir)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, types.AlgorithmHybrid, cfg.Queue.Algorithm)
	assert.Equal(t, types.ResolveLastWriteWins, cfg.Conflict.Strategy)
	assert.Equal(t, 5*time.Minute, cfg.SnapshotConfigValue().Interval)
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/gantry
agent_id: agent-7
log:
  level: debug
  json: true
api:
  enabled: true
  addr: 127.0.0.1:9090
  cors_origins: ["https://ops.example.com"]
queue:
  max_concurrent: 3
  tick_interval: 250ms
  algorithm: priority
resources:
  cpu: 4
  memory: 8
session:
  heartbeat_interval: 10s
  crash_timeout: 2m
snapshot:
  interval: 90s
  retention: 5
  compress: true
conflict:
  strategy: version-based
  window: 3s
optimizer:
  schedule: "*/5 * * * *"
  pending_age_limit: 15m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/gantry", cfg.DataDir)
	assert.Equal(t, "agent-7", cfg.AgentID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, "127.0.0.1:9090", cfg.API.Addr)
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.API.CORSOrigins)

	qc := cfg.QueueConfigValue()
	assert.Equal(t, 3, qc.MaxConcurrent)
	assert.Equal(t, 250*time.Millisecond, qc.TickInterval)
	assert.Equal(t, types.AlgorithmPriority, qc.Algorithm)

	assert.Equal(t, map[types.ResourceType]float64{
		types.ResourceCPU:    4,
		types.ResourceMemory: 8,
	}, cfg.Capacities())

	assert.Equal(t, 10*time.Second, cfg.Session.HeartbeatInterval.Std())
	assert.Equal(t, 2*time.Minute, cfg.Session.CrashTimeout.Std())
	// Untouched keys keep their defaults.
	assert.Equal(t, 30*time.Minute, cfg.Session.SessionTimeout.Std())

	sc := cfg.SnapshotConfigValue()
	assert.Equal(t, 90*time.Second, sc.Interval)
	assert.Equal(t, 5, sc.Retention)
	assert.True(t, sc.Compress)

	cc := cfg.ConflictConfigValue()
	assert.Equal(t, types.ResolveVersionBased, cc.Strategy)
	assert.Equal(t, 3*time.Second, cc.Window)

	oc := cfg.OptimizerConfigValue()
	assert.Equal(t, "*/5 * * * *", oc.Schedule)
	assert.Equal(t, 15*time.Minute, oc.PendingAgeLimit)
	assert.Equal(t, 3, oc.MaxConcurrent, "optimizer shares the queue ceiling")
}

func TestLoadProbesSection(t *testing.T) {
	path := writeConfig(t, `
probes:
  db-ready:
    kind: tcp
    target: 127.0.0.1:5432
    interval: 10s
    timeout: 3s
    failure_threshold: 2
  api-live:
    kind: http
    target: http://127.0.0.1:8081/healthz
    start_period: 1m
  tools:
    kind: command
    command: ["pg_isready", "-q"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	specs := cfg.ProbeSpecs()
	require.Len(t, specs, 3)
	// Sorted by name.
	assert.Equal(t, "api-live", specs[0].Name)
	assert.Equal(t, "db-ready", specs[1].Name)
	assert.Equal(t, "tools", specs[2].Name)

	assert.Equal(t, probe.KindHTTP, specs[0].Kind)
	assert.Equal(t, time.Minute, specs[0].StartPeriod)
	assert.Equal(t, probe.KindTCP, specs[1].Kind)
	assert.Equal(t, "127.0.0.1:5432", specs[1].Target)
	assert.Equal(t, 10*time.Second, specs[1].Interval)
	assert.Equal(t, 2, specs[1].FailureThreshold)
	assert.Equal(t, []string{"pg_isready", "-q"}, specs[2].Command)

	assert.Nil(t, Default().ProbeSpecs())
}

func TestLoadEmptyFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := writeConfig(t, "queue: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestDurationAcceptsIntegerNanoseconds(t *testing.T) {
	path := writeConfig(t, "snapshot:\n  interval: 60000000000\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Snapshot.Interval.Std())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty data dir",
			mutate:  func(c *Config) { c.DataDir = "" },
			wantErr: "data_dir",
		},
		{
			name:    "unknown algorithm",
			mutate:  func(c *Config) { c.Queue.Algorithm = "fifo" },
			wantErr: "queue.algorithm",
		},
		{
			name:    "unknown strategy",
			mutate:  func(c *Config) { c.Conflict.Strategy = "coin-flip" },
			wantErr: "conflict.strategy",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: "log.level",
		},
		{
			name: "non-positive capacity",
			mutate: func(c *Config) {
				c.Resources = map[types.ResourceType]float64{types.ResourceCPU: 0}
			},
			wantErr: "capacity",
		},
		{
			name: "api enabled without addr",
			mutate: func(c *Config) {
				c.API.Enabled = true
				c.API.Addr = ""
			},
			wantErr: "api.addr",
		},
		{
			name: "probe with unknown kind",
			mutate: func(c *Config) {
				c.Probes = map[string]ProbeConfig{"db": {Kind: "dns", Target: "x"}}
			},
			wantErr: "probes.db",
		},
		{
			name: "tcp probe without target",
			mutate: func(c *Config) {
				c.Probes = map[string]ProbeConfig{"db": {Kind: "tcp"}}
			},
			wantErr: "need a target",
		},
		{
			name: "command probe without command",
			mutate: func(c *Config) {
				c.Probes = map[string]ProbeConfig{"tools": {Kind: "command"}}
			},
			wantErr: "need a command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
