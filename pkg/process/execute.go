package process

import (
	"context"
	"io"
	"os"
	"os/exec"

	"github.com/bothive/bothive/pkg/errors"
	"github.com/bothive/bothive/pkg/logging"
)

// ExecutionConfig describes how to spawn one child process.
type ExecutionConfig struct {
	Command          []string `yaml:"command"`
	Environment      []string `yaml:"environment,omitempty"`
	WorkingDirectory string   `yaml:"working_directory,omitempty"`
}

// Handle holds the spawned process and its output streams. Stderr is kept
// separate from stdout so error output can be tagged as such downstream.
type Handle struct {
	Process *os.Process
	Stdout  io.ReadCloser
	Stderr  io.ReadCloser
}

// Execute spawns a child process per the execution config. The process is
// placed in its own process group so termination signals reach the whole
// tree.
func Execute(ctx context.Context, execution ExecutionConfig, id string, logger logging.Logger) (*Handle, error) {
	if ctx == nil {
		return nil, errors.NewValidationError("context cannot be nil", nil).WithContext("id", id)
	}
	if len(execution.Command) == 0 {
		return nil, errors.NewValidationError("command cannot be empty", nil).WithContext("id", id)
	}
	if execution.WorkingDirectory == "" {
		return nil, errors.NewValidationError("working directory cannot be empty", nil).WithContext("id", id)
	}

	logger.Debugf("Executing process, id: %s, command: %v, working directory: '%s'",
		id, execution.Command, execution.WorkingDirectory)

	cmd := exec.CommandContext(ctx, execution.Command[0], execution.Command[1:]...)
	cmd.Dir = execution.WorkingDirectory
	cmd.Env = execution.Environment

	// Platform-specific setup is handled in execute_unix.go or execute_windows.go
	setupProcessAttributes(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.NewProcessError("failed to create stdout pipe", err).WithContext("id", id)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.NewProcessError("failed to create stderr pipe", err).WithContext("id", id)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.NewProcessError("failed to start the process", err).WithContext("id", id).WithContext("command", execution.Command)
	}

	logger.Infof("Successfully executed process, id: %s, PID: %d", id, cmd.Process.Pid)

	return &Handle{
		Process: cmd.Process,
		Stdout:  stdout,
		Stderr:  stderr,
	}, nil
}
