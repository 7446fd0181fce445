package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/gantrykit/gantry/pkg/types"
)

// outputLimit caps captured process output per attempt so a chatty
// command cannot bloat execution records.
const outputLimit = 64 * 1024

// Shell executes a process described by task params:
//
//	command: binary to run (required)
//	args:    argument list
//	dir:     working directory
//	env:     variables appended to the process environment
//
// A zero exit status completes the task; anything else fails the
// attempt with the captured output preserved in the result. The
// process is killed when the attempt context fires.
type Shell struct{}

// Validate fails tasks without a command before they ever run.
func (Shell) Validate(task *types.Task) error {
	if stringParam(task, "command") == "" {
		return types.NewError(types.CodeInvalidArgument,
			"task %s: params.command is required", task.ID)
	}
	return nil
}

// Execute implements Capability.
func (Shell) Execute(ctx context.Context, task *types.Task) (*Result, error) {
	command := stringParam(task, "command")

	cmd := exec.CommandContext(ctx, command, stringSliceParam(task, "args")...)
	if dir := stringParam(task, "dir"); dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = os.Environ()
	if env, ok := task.Params["env"].(map[string]interface{}); ok {
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := map[string]interface{}{
		"stdout": clip(stdout.String()),
		"stderr": clip(stderr.String()),
	}
	if cmd.ProcessState != nil {
		output["exitCode"] = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return nil, fmt.Errorf("command %q: %w (stderr: %s)", command, err, clip(stderr.String()))
	}
	return &Result{Output: output}, nil
}

// Sleep parks for params.duration, or the task's estimated duration
// when no param is set. Progress is reported in tenths so event
// consumers have something to watch during drills.
type Sleep struct{}

// Execute implements Capability.
func (Sleep) Execute(ctx context.Context, task *types.Task) (*Result, error) {
	d := task.EstimatedDuration
	if raw := stringParam(task, "duration"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, Fatal(fmt.Errorf("params.duration: %w", err))
		}
		d = parsed
	}
	if d <= 0 {
		return &Result{}, nil
	}

	step := d / 10
	for i := 1; i <= 10; i++ {
		select {
		case <-time.After(step):
			ReportProgress(ctx, float64(i)/10, "sleeping")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &Result{}, nil
}

// clip truncates process output to outputLimit bytes.
func clip(s string) string {
	if len(s) <= outputLimit {
		return s
	}
	return s[:outputLimit] + "... (truncated)"
}

// stringParam reads an optional string task param.
func stringParam(task *types.Task, key string) string {
	if task.Params == nil {
		return ""
	}
	if v, ok := task.Params[key].(string); ok {
		return v
	}
	return ""
}

// stringSliceParam reads a string list param. JSON round-trips turn
// lists into []interface{}, so both shapes are accepted.
func stringSliceParam(task *types.Task, key string) []string {
	if task.Params == nil {
		return nil
	}
	switch v := task.Params[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	default:
		return nil
	}
}
