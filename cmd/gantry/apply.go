package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gantrykit/gantry/pkg/api"
	"github.com/gantrykit/gantry/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Submit a plan file",
	Long: `Submit every task in a YAML plan file to the daemon.

Tasks are submitted in file order. A dependsOn entry that names the
title of an earlier task in the same plan is resolved to that task's
id; anything else is passed through as a raw task id, so plans can
depend on tasks that already exist.

Examples:
  # Submit a release plan
  gantry apply -f release.yaml

  # Plan file shape
  kind: Plan
  metadata:
    name: release
  tasks:
    - title: build
      executor: shell
      params:
        command: make
    - title: test
      executor: shell
      dependsOn: [build]
      params:
        command: make
        args: [test]`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML plan file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// planFile is the operator-facing YAML shape for a batch of tasks.
type planFile struct {
	APIVersion string       `yaml:"apiVersion"`
	Kind       string       `yaml:"kind"`
	Metadata   planMetadata `yaml:"metadata"`
	Tasks      []planTask   `yaml:"tasks"`
}

type planMetadata struct {
	Name string `yaml:"name"`
}

type planTask struct {
	Title             string                 `yaml:"title"`
	Description       string                 `yaml:"description"`
	Category          string                 `yaml:"category"`
	Priority          string                 `yaml:"priority"`
	Executor          string                 `yaml:"executor"`
	Params            map[string]interface{} `yaml:"params"`
	DependsOn         []string               `yaml:"dependsOn"`
	Resources         map[string]float64     `yaml:"resources"`
	EstimatedDuration string                 `yaml:"estimatedDuration"`
	Deadline          string                 `yaml:"deadline"`
	Timeout           string                 `yaml:"timeout"`
	TimeoutFatal      bool                   `yaml:"timeoutFatal"`
	MaxRetries        int                    `yaml:"maxRetries"`
	Preconditions     []string               `yaml:"preconditions"`
	Postconditions    []string               `yaml:"postconditions"`
	BatchGroup        string                 `yaml:"batchGroup"`
	BatchCompatible   bool                   `yaml:"batchCompatible"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}

	var plan planFile
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return fmt.Errorf("failed to parse YAML: %v", err)
	}
	if plan.Kind != "" && plan.Kind != "Plan" {
		return fmt.Errorf("unsupported resource kind: %s", plan.Kind)
	}
	if len(plan.Tasks) == 0 {
		return fmt.Errorf("plan contains no tasks")
	}

	c := apiClient(cmd)

	if plan.Metadata.Name != "" {
		fmt.Printf("Applying plan: %s (%d tasks)\n", plan.Metadata.Name, len(plan.Tasks))
	}

	// Titles of tasks already submitted from this plan, for dependsOn
	// resolution.
	submitted := make(map[string]string, len(plan.Tasks))
	for i, pt := range plan.Tasks {
		req, err := submitRequest(pt, submitted)
		if err != nil {
			return fmt.Errorf("task %d (%s): %v", i+1, pt.Title, err)
		}
		id, err := c.Submit(req)
		if err != nil {
			return fmt.Errorf("failed to submit task %q: %v", pt.Title, err)
		}
		if pt.Title != "" {
			submitted[pt.Title] = id
		}
		fmt.Printf("✓ Task submitted: %s (ID: %s)\n", pt.Title, id)
	}

	return nil
}

func submitRequest(pt planTask, submitted map[string]string) (api.SubmitRequest, error) {
	priority, err := parsePriority(pt.Priority)
	if err != nil {
		return api.SubmitRequest{}, err
	}

	dependsOn := make([]string, 0, len(pt.DependsOn))
	for _, ref := range pt.DependsOn {
		if id, ok := submitted[ref]; ok {
			ref = id
		}
		dependsOn = append(dependsOn, ref)
	}

	var deadline *time.Time
	if pt.Deadline != "" {
		d, err := time.Parse(time.RFC3339, pt.Deadline)
		if err != nil {
			return api.SubmitRequest{}, fmt.Errorf("deadline must be RFC3339: %v", err)
		}
		deadline = &d
	}

	return api.SubmitRequest{
		Title:             pt.Title,
		Description:       pt.Description,
		Category:          types.TaskCategory(pt.Category),
		Priority:          priority,
		DependsOn:         dependsOn,
		Resources:         resourceRequirements(pt.Resources),
		EstimatedDuration: pt.EstimatedDuration,
		Deadline:          deadline,
		Timeout:           pt.Timeout,
		TimeoutFatal:      pt.TimeoutFatal,
		MaxRetries:        pt.MaxRetries,
		Executor:          pt.Executor,
		Params:            pt.Params,
		Preconditions:     pt.Preconditions,
		Postconditions:    pt.Postconditions,
		BatchGroup:        pt.BatchGroup,
		BatchCompatible:   pt.BatchCompatible,
	}, nil
}

func resourceRequirements(m map[string]float64) []types.ResourceRequirement {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.ResourceRequirement, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.ResourceRequirement{
			Type:  types.ResourceType(k),
			Units: m[k],
		})
	}
	return out
}

// parsePriority accepts the bucket names or a raw positive number.
// Empty means the server default.
func parsePriority(s string) (types.PriorityBucket, error) {
	switch strings.ToLower(s) {
	case "":
		return 0, nil
	case "critical":
		return types.PriorityCritical, nil
	case "high":
		return types.PriorityHigh, nil
	case "medium":
		return types.PriorityMedium, nil
	case "low":
		return types.PriorityLow, nil
	case "background":
		return types.PriorityBackground, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("priority %q is not critical, high, medium, low, background or a positive number", s)
	}
	return types.PriorityBucket(n), nil
}
