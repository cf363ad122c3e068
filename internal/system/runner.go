// Package system provides the execution plumbing shared by every component
// that drives an external tool: a Runner abstraction over os/exec and the
// privilege escalation applied to storage and mount commands.
package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// StdIO describes the standard streams attached to a command started
// through Runner.Attach. Nil fields leave the stream disconnected.
type StdIO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Runner executes external commands. The env slice holds extra KEY=VALUE
// entries appended to the current process environment.
type Runner interface {
	// Run executes the command and returns captured stdout and stderr.
	Run(ctx context.Context, env []string, name string, args ...string) (stdout, stderr []byte, err error)

	// Attach executes the command with the given streams attached, for
	// tools that talk to the terminal (progress meters, prompts).
	Attach(ctx context.Context, env []string, stdio StdIO, name string, args ...string) error
}

type osRunner struct{}

// NewRunner returns a Runner backed by os/exec.
func NewRunner() Runner {
	return osRunner{}
}

func (osRunner) Run(ctx context.Context, env []string, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func (osRunner) Attach(ctx context.Context, env []string, stdio StdIO, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	cmd.Stdin = stdio.Stdin
	cmd.Stdout = stdio.Stdout
	cmd.Stderr = stdio.Stderr

	return cmd.Run()
}

// ExitStatus extracts the exit status from an error returned by Runner.
// The second return is false when the command did not run to completion
// (start failure, signal, context cancellation).
func ExitStatus(err error) (int, bool) {
	if err == nil {
		return 0, true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.Exited() {
		return exitErr.ExitCode(), true
	}
	return 0, false
}

// CommandError builds an error for a failed external command, folding in
// whatever the tool printed on stderr.
func CommandError(action string, err error, stderr []byte) error {
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		return fmt.Errorf("%s: %w", action, err)
	}
	return fmt.Errorf("%s: %w: %s", action, err, msg)
}
