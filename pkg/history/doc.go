// Package history is the durable execution archive. While snapshots keep
// the last twenty execution records per task in engine state, this
// package retains the full record stream plus a compact per-category
// outcome ring in a BoltDB file, surviving snapshot retention and
// transaction log truncation.
//
// # Architecture
//
//	┌──────────────┐  RecordExecution  ┌───────────────────────────┐
//	│ pkg/executor │──────────────────►│        history.db         │
//	└──────────────┘                   │ ┌───────────────────────┐ │
//	                                   │ │ executions            │ │
//	┌──────────────┐  SuccessRate      │ │  <taskID>/<execID>    │ │
//	│ pkg/priority │◄──────────────────│ └───────────────────────┘ │
//	└──────────────┘                   │ ┌───────────────────────┐ │
//	                                   │ │ outcomes              │ │
//	┌──────────────┐  RecentRecords    │ │  <category> → ring    │ │
//	│ pkg/engine   │◄──────────────────│ └───────────────────────┘ │
//	└──────────────┘                   └───────────────────────────┘
//
// # Core Components
//
// executions bucket: one entry per attempt, keyed <taskID>/<executionID>
// so a cursor prefix scan retrieves a task's full attempt history.
//
// outcomes bucket: per category, the last twenty OutcomeSample values
// (success, duration, priority at dispatch). This bounded ring is what
// the priority engine's executionHistory factor reads, and it doubles as
// the sample store for the adaptive learning hook.
//
// # Usage
//
//	hist, err := history.Open(store.HistoryPath())
//	if err != nil {
//		return err
//	}
//	defer hist.Close()
//
//	// After an attempt finishes:
//	if err := hist.RecordExecution(task, record); err != nil {
//		logger.Error().Err(err).Msg("Failed to archive execution record")
//	}
//
//	// Inside priority recomputation:
//	if rate, ok := hist.SuccessRate(task.Category, 20); ok {
//		factor = 0.8 + 0.4*rate
//	}
//
// # Integration Points
//
//   - pkg/executor: archives every ExecutionRecord
//   - pkg/priority: SuccessRate feeds the executionHistory factor;
//     Samples feeds Model.Observe
//   - pkg/engine: RecentRecords backs Status queries older than the
//     in-memory window
//   - pkg/storage: HistoryPath decides where the database lives
package history
