package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gantrykit/gantry/pkg/api"
	"github.com/gantrykit/gantry/pkg/client"
	"github.com/gantrykit/gantry/pkg/types"
)

// Task commands
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit TITLE",
	Short: "Submit a single task",
	Long: `Submit one task to the daemon.

Examples:
  # Run a command through the built-in shell executor
  gantry task submit "build artifacts" --executor shell --param command=make

  # Park a task behind another one
  gantry task submit "deploy" --executor shell --param command=./deploy.sh \
    --depends-on 4f8b... --priority high`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		executorKey, _ := cmd.Flags().GetString("executor")
		priorityStr, _ := cmd.Flags().GetString("priority")
		category, _ := cmd.Flags().GetString("category")
		description, _ := cmd.Flags().GetString("description")
		dependsOn, _ := cmd.Flags().GetStringSlice("depends-on")
		params, _ := cmd.Flags().GetStringArray("param")
		preconditions, _ := cmd.Flags().GetStringSlice("precondition")
		timeout, _ := cmd.Flags().GetString("timeout")
		estimated, _ := cmd.Flags().GetString("estimated-duration")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")

		priority, err := parsePriority(priorityStr)
		if err != nil {
			return err
		}
		paramMap, err := parseParams(params)
		if err != nil {
			return err
		}

		c := apiClient(cmd)
		id, err := c.Submit(api.SubmitRequest{
			Title:             args[0],
			Description:       description,
			Category:          types.TaskCategory(category),
			Priority:          priority,
			DependsOn:         dependsOn,
			EstimatedDuration: estimated,
			Timeout:           timeout,
			MaxRetries:        maxRetries,
			Executor:          executorKey,
			Params:            paramMap,
			Preconditions:     preconditions,
		})
		if err != nil {
			return fmt.Errorf("failed to submit task: %v", err)
		}

		fmt.Printf("✓ Task submitted: %s (ID: %s)\n", args[0], id)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		c := apiClient(cmd)
		tasks, err := c.Tasks(status)
		if err != nil {
			return fmt.Errorf("failed to list tasks: %v", err)
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks found")
			return nil
		}

		fmt.Printf("%-36s  %-10s  %-10s  %s\n", "ID", "STATUS", "PRIORITY", "TITLE")
		for _, task := range tasks {
			fmt.Printf("%-36s  %-10s  %-10s  %s\n",
				task.ID, task.Status, priorityName(task.Priority), task.Title)
		}
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one task in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		task, err := c.Task(args[0])
		if err != nil {
			return fmt.Errorf("failed to get task: %v", err)
		}

		fmt.Printf("ID:          %s\n", task.ID)
		fmt.Printf("Title:       %s\n", task.Title)
		if task.Description != "" {
			fmt.Printf("Description: %s\n", task.Description)
		}
		fmt.Printf("Status:      %s\n", task.Status)
		fmt.Printf("Category:    %s\n", task.Category)
		fmt.Printf("Priority:    %s (dynamic %.1f)\n", priorityName(task.Priority), task.DynamicPriority)
		fmt.Printf("Executor:    %s\n", task.ExecutorKey)
		fmt.Printf("Created:     %s\n", fmtTime(task.CreatedAt))
		fmt.Printf("Started:     %s\n", fmtTime(task.StartedAt))
		fmt.Printf("Completed:   %s\n", fmtTime(task.CompletedAt))
		if task.Deadline != nil {
			fmt.Printf("Deadline:    %s\n", fmtTime(*task.Deadline))
		}
		if task.ActualDuration > 0 {
			fmt.Printf("Duration:    %s\n", task.ActualDuration.Round(time.Millisecond))
		}
		fmt.Printf("Retries:     %d/%d\n", task.RetryCount, task.MaxRetries)
		if len(task.Dependents) > 0 {
			fmt.Printf("Dependents:  %s\n", strings.Join(task.Dependents, ", "))
		}
		if task.LastError != "" {
			fmt.Printf("Last error:  %s\n", task.LastError)
		}

		records, err := c.Records(task.ID)
		if err != nil {
			return fmt.Errorf("failed to get records: %v", err)
		}
		if len(records) > 0 {
			fmt.Println("\nAttempts:")
			for _, r := range records {
				line := fmt.Sprintf("  #%d %s  %s  %s",
					r.Attempt, r.Status, fmtTime(r.StartedAt), r.Duration.Round(time.Millisecond))
				if r.Error != "" {
					line += "  " + r.Error
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		c := apiClient(cmd)
		if err := c.Cancel(args[0], reason); err != nil {
			return fmt.Errorf("failed to cancel task: %v", err)
		}
		fmt.Printf("✓ Task cancelled: %s\n", args[0])
		return nil
	},
}

var taskPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the planned execution sequence",
	RunE: func(cmd *cobra.Command, args []string) error {
		algorithm, _ := cmd.Flags().GetString("algorithm")

		c := apiClient(cmd)
		seq, err := c.Sequence(algorithm)
		if err != nil {
			return fmt.Errorf("failed to plan sequence: %v", err)
		}
		if seq.TaskCount == 0 {
			fmt.Println("Nothing to schedule")
			return nil
		}

		titles := titleIndex(c)
		fmt.Printf("Sequence (%s, %d tasks, estimated %s):\n",
			seq.Algorithm, seq.TaskCount, seq.EstimatedDuration.Round(time.Second))
		for i, id := range seq.Order {
			fmt.Printf("  %2d. %s  %s\n", i+1, id, titles[id])
		}
		if len(seq.ParallelGroups) > 0 {
			fmt.Printf("\nParallel groups: %d\n", len(seq.ParallelGroups))
		}
		if len(seq.CriticalPath) > 0 {
			fmt.Printf("Critical path: %d tasks\n", len(seq.CriticalPath))
		}
		return nil
	},
}

var taskDependCmd = &cobra.Command{
	Use:   "depend DEPENDENT_ID DEPENDS_ON_ID",
	Short: "Add a dependency between two tasks",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		depType, _ := cmd.Flags().GetString("type")
		optional, _ := cmd.Flags().GetBool("optional")

		c := apiClient(cmd)
		id, err := c.AddDependency(args[0], args[1], types.DependencyType(depType), optional)
		if err != nil {
			return fmt.Errorf("failed to add dependency: %v", err)
		}
		fmt.Printf("✓ Dependency created: %s\n", id)
		return nil
	},
}

var taskUndependCmd = &cobra.Command{
	Use:   "undepend DEPENDENT_ID DEPENDS_ON_ID",
	Short: "Remove a dependency between two tasks",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		if err := c.RemoveDependency(args[0], args[1]); err != nil {
			return fmt.Errorf("failed to remove dependency: %v", err)
		}
		fmt.Println("✓ Dependency removed")
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskPlanCmd)
	taskCmd.AddCommand(taskDependCmd)
	taskCmd.AddCommand(taskUndependCmd)

	// Flags for submit command
	taskSubmitCmd.Flags().String("executor", "", "Capability key that runs the task (required)")
	taskSubmitCmd.Flags().String("priority", "", "critical, high, medium, low or background")
	taskSubmitCmd.Flags().String("category", "", "Task category")
	taskSubmitCmd.Flags().String("description", "", "Task description")
	taskSubmitCmd.Flags().StringSlice("depends-on", nil, "IDs of tasks this one depends on")
	taskSubmitCmd.Flags().StringArray("param", nil, "Executor parameter as key=value (repeatable)")
	taskSubmitCmd.Flags().StringSlice("precondition", nil, "Named preconditions")
	taskSubmitCmd.Flags().String("timeout", "", "Per-attempt timeout, for example 30s")
	taskSubmitCmd.Flags().String("estimated-duration", "", "Estimated duration, for example 5m")
	taskSubmitCmd.Flags().Int("max-retries", 0, "Retry budget for failed attempts")
	_ = taskSubmitCmd.MarkFlagRequired("executor")

	// Flags for list command
	taskListCmd.Flags().String("status", "", "Filter by status")

	// Flags for cancel command
	taskCancelCmd.Flags().String("reason", "", "Reason recorded on the cancellation")

	// Flags for plan command
	taskPlanCmd.Flags().String("algorithm", "", "priority, dependency-aware, resource-optimal or hybrid")

	// Flags for depend command
	taskDependCmd.Flags().String("type", "", "blocks, enables, conflicts or enhances (default blocks)")
	taskDependCmd.Flags().Bool("optional", false, "Dependent may run even if this dependency fails")
}

// parseParams turns repeated key=value flags into an executor params map.
func parseParams(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("param %q must be key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

func priorityName(p types.PriorityBucket) string {
	switch p {
	case types.PriorityCritical:
		return "critical"
	case types.PriorityHigh:
		return "high"
	case types.PriorityMedium:
		return "medium"
	case types.PriorityLow:
		return "low"
	case types.PriorityBackground:
		return "background"
	}
	return fmt.Sprintf("%d", p)
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

// titleIndex maps task ids to titles for readable sequence output.
// Best effort: on error the ids stand alone.
func titleIndex(c *client.Client) map[string]string {
	titles := make(map[string]string)
	tasks, err := c.Tasks("")
	if err != nil {
		return titles
	}
	for _, t := range tasks {
		titles[t.ID] = t.Title
	}
	return titles
}
