// Package config loads and validates the daemon configuration file.
//
// # Architecture
//
// Configuration is a single YAML document overlaid on built-in
// defaults: Load starts from Default() and unmarshals the file over it,
// so an empty or missing section keeps its defaults and an empty file
// is a complete, valid configuration.
//
// Durations are written in human form ("30s", "10m") through the
// Duration wrapper; bare integers are accepted as nanoseconds to match
// the JSON encoding used elsewhere.
//
// # Core Components
//
// Config: the file schema, one section per subsystem (log, api, queue,
// resources, session, snapshot, conflict, optimizer).
//
// Validate: rejects values the components would otherwise silently
// replace with defaults, so operator typos surface at startup instead
// of being papered over.
//
// Converters: each section converts into the owning package's runtime
// config (QueueConfigValue, SnapshotConfigValue, ...); components
// never import this package, only the other way around.
//
// # Integration Points
//
//   - cmd/gantry: --config flag feeds Load
//   - pkg/engine: consumes the converted runtime configs
package config
