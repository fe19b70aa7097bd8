package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// CommandRequest describes one external command invocation
type CommandRequest struct {
	Command string // full command line, handed to the shell as-is
	Dir     string
	Timeout time.Duration
}

// CommandResult holds what a finished command produced
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner executes a single external command.
// Implementations must return a non-nil error for non-zero exits, spawn
// failures, timeouts and cancellation.
type CommandRunner interface {
	Run(ctx context.Context, req CommandRequest) (CommandResult, error)
}

// CommandError is returned by ShellRunner when a command does not succeed
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Timeout  time.Duration
	Err      error
}

func (e *CommandError) Error() string {
	var msg string
	var exitErr *exec.ExitError
	switch {
	case errors.Is(e.Err, context.DeadlineExceeded):
		msg = fmt.Sprintf("command %q timed out after %s", e.Command, e.Timeout)
	case errors.Is(e.Err, context.Canceled):
		msg = fmt.Sprintf("command %q cancelled", e.Command)
	case errors.As(e.Err, &exitErr):
		msg = fmt.Sprintf("command %q failed with exit code %d", e.Command, e.ExitCode)
	default:
		msg = fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ShellRunner runs commands through "<shell> -c". Every command gets its own
// process group so a timeout or cancellation kills the shell and all of its
// children.
type ShellRunner struct {
	Shell string
}

// NewShellRunner creates a runner for the given shell, "sh" when empty
func NewShellRunner(shell string) *ShellRunner {
	if shell == "" {
		shell = "sh"
	}
	return &ShellRunner{Shell: shell}
}

// Run executes the command and captures stdout and stderr separately
func (r *ShellRunner) Run(ctx context.Context, req CommandRequest) (CommandResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Shell, "-c", req.Command)
	cmd.Dir = req.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	// Orphaned children may keep the pipes open after the group is killed.
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	result := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return result, nil
	}

	cmdErr := &CommandError{
		Command:  req.Command,
		ExitCode: 1,
		Stderr:   result.Stderr,
		Timeout:  timeout,
		Err:      err,
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		cmdErr.Err = ctxErr
	} else {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			cmdErr.ExitCode = exitErr.ExitCode()
		}
	}
	result.ExitCode = cmdErr.ExitCode
	return result, cmdErr
}
