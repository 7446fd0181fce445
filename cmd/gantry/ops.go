package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gantrykit/gantry/pkg/snapshot"
	"github.com/gantrykit/gantry/pkg/storage"
	"github.com/gantrykit/gantry/pkg/types"
)

// Snapshot commands
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage state snapshots",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		snaps, err := c.Snapshots()
		if err != nil {
			return fmt.Errorf("failed to list snapshots: %v", err)
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots found")
			return nil
		}

		fmt.Printf("%-36s  %-20s  %-14s  %6s  %s\n", "ID", "TIMESTAMP", "KIND", "TASKS", "SIZE")
		for _, s := range snaps {
			fmt.Printf("%-36s  %-20s  %-14s  %6d  %s\n",
				s.ID, s.Timestamp.Format("2006-01-02 15:04:05"), s.Kind, s.TaskCount, fmtBytes(s.Size))
		}
		return nil
	},
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Take a snapshot now",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		meta, err := c.CreateSnapshot()
		if err != nil {
			return fmt.Errorf("failed to create snapshot: %v", err)
		}
		fmt.Printf("✓ Snapshot created: %s (%d tasks, %s)\n", meta.ID, meta.TaskCount, fmtBytes(meta.Size))
		return nil
	},
}

var snapshotVerifyCmd = &cobra.Command{
	Use:   "verify ID",
	Short: "Check a snapshot's integrity hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		if err := c.VerifySnapshot(args[0]); err != nil {
			return fmt.Errorf("verification failed: %v", err)
		}
		fmt.Printf("✓ Snapshot verified: %s\n", args[0])
		return nil
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore ID",
	Short: "Restore the queue to a snapshot's state",
	Long: `Restore the queue to a snapshot's state.

The daemon snapshots its current state before restoring, so a
mistaken restore can itself be restored from.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		meta, err := c.RestoreSnapshot(args[0])
		if err != nil {
			return fmt.Errorf("failed to restore snapshot: %v", err)
		}
		fmt.Printf("✓ Restored snapshot: %s (%d tasks)\n", meta.ID, meta.TaskCount)
		return nil
	},
}

var snapshotInspectCmd = &cobra.Command{
	Use:   "inspect ID",
	Short: "Examine a snapshot file offline and check its integrity",
	Long: `Examine a snapshot file offline and check its integrity.

Reads the file straight from the data directory, so it works without
a running daemon and never modifies anything. The metadata is printed
even when the integrity check fails.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		if _, err := os.Stat(dataDir); err != nil {
			return fmt.Errorf("data directory %s is not readable: %v", dataDir, err)
		}
		store, err := storage.NewFileStore(dataDir)
		if err != nil {
			return err
		}

		snap, verifyErr := snapshot.Inspect(store, args[0])
		if snap == nil {
			return fmt.Errorf("failed to read snapshot: %v", verifyErr)
		}

		meta := snap.Metadata
		fmt.Printf("ID:            %s\n", meta.ID)
		fmt.Printf("Kind:          %s\n", meta.Kind)
		fmt.Printf("Timestamp:     %s\n", meta.Timestamp.Format(time.RFC3339))
		fmt.Printf("Format:        %s\n", meta.Version)
		fmt.Printf("Session:       %s\n", meta.SessionID)
		fmt.Printf("Queue state:   %s\n", meta.QueueState)
		fmt.Printf("Size:          %s", fmtBytes(meta.Size))
		if meta.Compression != "" {
			fmt.Printf(" (%s)", meta.Compression)
		}
		fmt.Println()
		fmt.Printf("Tasks:         %d\n", meta.TaskCount)
		fmt.Printf("Dependencies:  %d\n", len(snap.Dependencies))
		if n := len(meta.ActiveTransactions); n > 0 {
			fmt.Printf("Active txns:   %d\n", n)
		}

		if len(snap.Tasks) > 0 {
			byStatus := make(map[string]int)
			for _, task := range snap.Tasks {
				byStatus[string(task.Status)]++
			}
			statuses := make([]string, 0, len(byStatus))
			for status := range byStatus {
				statuses = append(statuses, status)
			}
			sort.Strings(statuses)
			parts := make([]string, 0, len(statuses))
			for _, status := range statuses {
				parts = append(parts, fmt.Sprintf("%d %s", byStatus[status], status))
			}
			fmt.Printf("By status:     %s\n", strings.Join(parts, ", "))
		}

		fmt.Printf("Hash:          %s\n", meta.IntegrityHash)
		if verifyErr != nil {
			fmt.Println("Integrity:     FAILED")
			return verifyErr
		}
		fmt.Println("Integrity:     ✓ verified")
		return nil
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotVerifyCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
	snapshotCmd.AddCommand(snapshotInspectCmd)

	snapshotInspectCmd.Flags().String("data-dir", "./data", "Data directory holding the snapshot files")
}

// Session commands
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect engine sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, current first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		resp, err := c.Sessions()
		if err != nil {
			return fmt.Errorf("failed to list sessions: %v", err)
		}

		fmt.Printf("%-36s  %-12s  %-11s  %-20s  %5s  %s\n",
			"ID", "AGENT", "STATUS", "STARTED", "TASKS", "CURRENT")
		for _, s := range resp.Sessions {
			current := ""
			if s.ID == resp.Current {
				current = "*"
			}
			fmt.Printf("%-36s  %-12s  %-11s  %-20s  %5d  %s\n",
				s.ID, s.AgentID, s.Status, s.StartedAt.Format("2006-01-02 15:04:05"),
				s.TasksProcessed, current)
		}
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionListCmd)
}

// Conflict commands
var conflictCmd = &cobra.Command{
	Use:   "conflict",
	Short: "Inspect and resolve cross-session conflicts",
}

var conflictListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		pending, _ := cmd.Flags().GetBool("pending")

		c := apiClient(cmd)
		conflicts, err := c.Conflicts(pending)
		if err != nil {
			return fmt.Errorf("failed to list conflicts: %v", err)
		}
		if len(conflicts) == 0 {
			fmt.Println("No conflicts found")
			return nil
		}

		for _, cf := range conflicts {
			state := "pending"
			if cf.Resolved {
				state = fmt.Sprintf("resolved (%s)", cf.Strategy)
			}
			fmt.Printf("%s  %s/%s  %s  %s\n",
				cf.ID, cf.Kind, cf.EntityID, cf.DetectedAt.Format(time.RFC3339), state)
			for _, change := range cf.Changes {
				marker := " "
				if cf.Resolved && change.ID == cf.WinnerID {
					marker = "*"
				}
				fmt.Printf("  %s %s session=%s version=%d at=%s\n",
					marker, change.ID, change.SessionID, change.Version,
					change.Timestamp.Format(time.RFC3339))
			}
		}
		return nil
	},
}

var conflictResolveCmd = &cobra.Command{
	Use:   "resolve CONFLICT_ID WINNER_ID",
	Short: "Resolve a pending conflict by picking the winning change",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		resolved, err := c.ResolveConflict(args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to resolve conflict: %v", err)
		}
		fmt.Printf("✓ Conflict resolved: %s (winner %s)\n", resolved.ID, resolved.WinnerID)
		return nil
	},
}

func init() {
	conflictCmd.AddCommand(conflictListCmd)
	conflictCmd.AddCommand(conflictResolveCmd)

	conflictListCmd.Flags().Bool("pending", false, "Only conflicts awaiting manual resolution")
}

// Status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health, queue counters and resource usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		health, err := c.Health()
		if err != nil {
			return fmt.Errorf("daemon unreachable: %v", err)
		}
		stats, err := c.Stats()
		if err != nil {
			return fmt.Errorf("failed to get stats: %v", err)
		}

		fmt.Printf("Status:    %s (version %s, up %s)\n", health.Status, health.Version, health.Uptime)
		fmt.Printf("Session:   %s\n", health.SessionID)
		fmt.Println()

		q := stats.Queue
		fmt.Printf("Queue:     %d pending, %d queued, %d running, %d blocked\n",
			q.Pending, q.Queued, q.Running, q.Blocked)
		fmt.Printf("Done:      %d completed, %d failed, %d cancelled\n",
			q.Completed, q.Failed, q.Cancelled)
		fmt.Printf("Totals:    %d submitted, %d completed, %d failed, %d retries\n",
			q.TotalSubmitted, q.TotalCompleted, q.TotalFailed, q.TotalRetries)
		if q.AvgWait > 0 || q.AvgRun > 0 {
			fmt.Printf("Latency:   avg wait %s, avg run %s\n",
				q.AvgWait.Round(time.Millisecond), q.AvgRun.Round(time.Millisecond))
		}

		if len(stats.Resources) > 0 {
			fmt.Println()
			fmt.Println("Resources:")
			pools := make([]string, 0, len(stats.Resources))
			for rt := range stats.Resources {
				pools = append(pools, string(rt))
			}
			sort.Strings(pools)
			for _, rt := range pools {
				usage := stats.Resources[types.ResourceType(rt)]
				fmt.Printf("  %-10s %.1f / %.1f\n", rt, usage.Allocated, usage.Capacity)
			}
		}

		probes, err := c.Probes()
		if err != nil {
			return fmt.Errorf("failed to get probes: %v", err)
		}
		if len(probes) > 0 {
			fmt.Println()
			fmt.Println("Probes:")
			names := make([]string, 0, len(probes))
			for name := range probes {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				st := probes[name]
				mark := "✓"
				if !st.Healthy {
					mark = "✗"
				}
				fmt.Printf("  %s %-14s %s\n", mark, name, st.LastResult.Message)
			}
		}
		return nil
	},
}

// Analyze command
var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run an optimizer pass and print its recommendations",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		recs, err := c.Analyze()
		if err != nil {
			return fmt.Errorf("analysis failed: %v", err)
		}
		if len(recs) == 0 {
			fmt.Println("No recommendations")
			return nil
		}

		for _, rec := range recs {
			fmt.Printf("[%s] %s: %s\n", rec.Severity, rec.Kind, rec.Message)
			for k, v := range rec.Details {
				fmt.Printf("    %s: %s\n", k, v)
			}
		}
		return nil
	},
}

func fmtBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKiB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%dB", n)
}
