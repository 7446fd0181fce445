// Package probe runs named environment checks in the background and
// caches their verdicts for task preconditions.
//
// # Why a cache
//
// Precondition predicates are evaluated inside the queue's coordination
// lock, so they must be cheap and side-effect free. A probe that dials
// a socket or runs a command is neither. The Monitor moves the
// expensive part off the admission path: each configured probe is
// checked on its own interval in a background goroutine, and the
// predicate handed to the executor registry only reads the cached
// verdict.
//
//	config `probes:` ──▶ Monitor ──▶ per-probe check loop
//	                        │              │
//	                        │        Checker.Check (HTTP/TCP/command)
//	                        │              │
//	                        └── verdict cache ◀── Status.Update
//	                               ▲
//	                               │ read-only, lock-cheap
//	                        Condition(name)
//
// # Flap damping
//
// A probe starts healthy and stays healthy until FailureThreshold
// consecutive checks fail; a single success restores it. StartPeriod
// suppresses failure counting while a slow dependency warms up.
//
// # Integration Points
//
//   - pkg/engine: builds the Monitor from config, registers one
//     condition per probe, starts and stops the loops
//   - pkg/executor: the registry serves cached verdicts to the queue's
//     admission gate
//   - pkg/api: GET /v1/probes exposes the live statuses
//   - pkg/metrics: check counts and per-probe health gauges
package probe
