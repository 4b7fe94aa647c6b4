package shell

import (
	"context"
	"fmt"
	"os/exec"

	"slotflow/internal/domain"
	"slotflow/internal/pipeline"
)

// Executor runs a configured command and uses its stdout as the artifact.
// Task identity is passed through the environment.
type Executor struct {
	Command string
	Args    []string
}

func (e Executor) Execute(ctx context.Context, cfg pipeline.ExecConfig) ([]byte, error) {
	if e.Command == "" {
		return nil, fmt.Errorf("command is required: %w", domain.ErrValidation)
	}
	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Env = append(cmd.Environ(),
		"SLOTFLOW_TASK_ID="+cfg.TaskID,
		"SLOTFLOW_CONFIG_ID="+cfg.ConfigID,
		"SLOTFLOW_ACCOUNT_ID="+cfg.AccountID,
	)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("shell pipeline: %v; stderr=%s: %w", err, string(ee.Stderr), domain.ErrExecution)
		}
		return nil, fmt.Errorf("shell pipeline: %v: %w", err, domain.ErrExecution)
	}
	return out, nil
}
