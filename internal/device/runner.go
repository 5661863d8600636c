package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	sharedErrors "github.com/khanhnv2901/seca-pin/internal/shared/errors"
)

const defaultCommandTimeout = 60 * time.Second

// Result holds the captured output of a device command.
type Result struct {
	Stdout []byte
	Stderr []byte
}

// Runner executes device commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// CommandError reports a failed device command.
type CommandError struct {
	Command  string
	Args     []string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Command, strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() []error {
	return []error{sharedErrors.ErrDevice, e.Err}
}

// ExecRunner runs commands on the host with os/exec.
type ExecRunner struct {
	Timeout time.Duration
	Env     map[string]string
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		timeout := r.Timeout
		if timeout <= 0 {
			timeout = defaultCommandTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	for k, v := range r.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("command timed out: %w", err)
	}
	cmdErr := &CommandError{Command: name, Args: args, Stderr: stderr.String(), ExitCode: -1, Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cmdErr.ExitCode = exitErr.ExitCode()
	}
	return res, cmdErr
}

// exitedNonZero reports whether err is a command that ran and exited with a non-zero code.
func exitedNonZero(err error) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr) && cmdErr.ExitCode > 0
}
