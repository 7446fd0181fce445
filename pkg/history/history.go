package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/gantrykit/gantry/pkg/types"
)

var (
	// Bucket names
	bucketExecutions = []byte("executions")
	bucketOutcomes   = []byte("outcomes")
)

// maxOutcomeSamples bounds the per-category outcome ring
const maxOutcomeSamples = 20

// OutcomeSample is one completed attempt reduced to the features the
// priority engine and learning hook consume
type OutcomeSample struct {
	TaskID   string             `json:"taskId"`
	Category types.TaskCategory `json:"category"`
	Success  bool               `json:"success"`
	Duration time.Duration      `json:"duration"`
	Priority float64            `json:"priority"`
	At       time.Time          `json:"at"`
}

// History is the durable execution archive backed by BoltDB. Execution
// records accumulate per task; outcome samples keep a bounded
// per-category ring that feeds the executionHistory priority factor.
type History struct {
	db *bolt.DB
}

// Open creates or opens the history database at path
func Open(path string) (*History, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketExecutions, bucketOutcomes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &History{db: db}, nil
}

// Close closes the database
func (h *History) Close() error {
	return h.db.Close()
}

// RecordExecution archives one attempt and folds it into the outcome
// ring for the task's category
func (h *History) RecordExecution(task *types.Task, rec *types.ExecutionRecord) error {
	return h.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal execution record: %w", err)
		}
		if err := b.Put(executionKey(rec.TaskID, rec.ExecutionID), data); err != nil {
			return err
		}

		sample := OutcomeSample{
			TaskID:   rec.TaskID,
			Category: task.Category,
			Success:  rec.Status == types.TaskStatusCompleted,
			Duration: rec.Duration,
			Priority: task.DynamicPriority,
			At:       rec.EndedAt,
		}
		return h.appendOutcome(tx, sample)
	})
}

func (h *History) appendOutcome(tx *bolt.Tx, sample OutcomeSample) error {
	b := tx.Bucket(bucketOutcomes)
	key := []byte(sample.Category)

	var ring []OutcomeSample
	if data := b.Get(key); data != nil {
		if err := json.Unmarshal(data, &ring); err != nil {
			// A damaged ring is rebuilt rather than blocking new outcomes.
			ring = nil
		}
	}

	ring = append(ring, sample)
	if len(ring) > maxOutcomeSamples {
		ring = ring[len(ring)-maxOutcomeSamples:]
	}

	data, err := json.Marshal(ring)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome ring: %w", err)
	}
	return b.Put(key, data)
}

// SuccessRate returns the fraction of the last n outcomes in the
// category that completed successfully. ok is false when no outcomes
// exist yet, in which case callers fall back to a neutral factor.
func (h *History) SuccessRate(category types.TaskCategory, n int) (rate float64, ok bool) {
	samples, err := h.Samples(category, n)
	if err != nil || len(samples) == 0 {
		return 0, false
	}

	succeeded := 0
	for _, s := range samples {
		if s.Success {
			succeeded++
		}
	}
	return float64(succeeded) / float64(len(samples)), true
}

// Samples returns up to the last n outcome samples for a category,
// newest last
func (h *History) Samples(category types.TaskCategory, n int) ([]OutcomeSample, error) {
	var ring []OutcomeSample
	err := h.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutcomes)
		data := b.Get([]byte(category))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &ring)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read outcome samples: %w", err)
	}

	if n > 0 && len(ring) > n {
		ring = ring[len(ring)-n:]
	}
	return ring, nil
}

// RecentRecords returns up to n execution records for a task, most
// recent first
func (h *History) RecentRecords(taskID string, n int) ([]*types.ExecutionRecord, error) {
	var records []*types.ExecutionRecord
	err := h.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketExecutions).Cursor()
		prefix := []byte(taskID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec types.ExecutionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal execution record %s: %w", k, err)
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	if n > 0 && len(records) > n {
		records = records[:n]
	}
	return records, nil
}

func executionKey(taskID, executionID string) []byte {
	return []byte(taskID + "/" + executionID)
}
