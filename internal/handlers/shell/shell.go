// Package shell provides a one-time task that runs a local command.
package shell

import (
	"context"
	"fmt"
	"os/exec"

	"dbsched/internal/task"
)

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Task returns the "shell" task definition for registration.
func Task() *task.Task {
	return task.OneTime("shell", task.JSON[Cmd](), run)
}

func run(ctx context.Context, inst task.Instance, _ task.ExecutionContext) error {
	c := inst.Data.(Cmd)
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return nil
}
