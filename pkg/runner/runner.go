// Package runner executes external tools for the convergence engine, either
// on the local host or on a remote host over SSH, and exposes read-only
// file system access through FileSystemProbe.
package runner

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Command describes a single tool invocation. Argv is never passed through
// a shell.
type Command struct {
	Argv []string

	// Env is merged over the runner's base environment.
	Env map[string]string

	// Timeout bounds the invocation. Zero means the runner default.
	Timeout time.Duration

	// AllowedExitCodes lists non-zero exit codes that still count as
	// success, e.g. 3 for `systemctl is-active` on an inactive unit.
	AllowedExitCodes []int

	// Stdin is written to the process when non-empty.
	Stdin string
}

// String renders the argv for logs.
func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// Tool returns argv[0].
func (c Command) Tool() string {
	if len(c.Argv) == 0 {
		return ""
	}
	return c.Argv[0]
}

func (c Command) allowed(code int) bool {
	if code == 0 {
		return true
	}
	for _, a := range c.AllowedExitCodes {
		if a == code {
			return true
		}
	}
	return false
}

// Result is the captured outcome of a command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner runs commands to completion.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Process is a long-lived child with line-oriented pipes.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader

	// Stop interrupts the child, waits a short grace period and then
	// kills it.
	Stop() error
}

// Spawner starts long-lived processes.
type Spawner interface {
	Spawn(ctx context.Context, argv []string, env map[string]string) (Process, error)
}

// StopGracePeriod is how long Stop waits after an interrupt before killing.
const StopGracePeriod = 3 * time.Second

// ExitError reports a command that exited with a disallowed code or timed
// out. The captured output is preserved.
type ExitError struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

func (e *ExitError) Error() string {
	cmd := strings.Join(e.Argv, " ")
	if e.TimedOut {
		return fmt.Sprintf("%s: timed out", cmd)
	}
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Stdout)
	}
	if msg == "" {
		return fmt.Sprintf("%s: exit status %d", cmd, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", cmd, e.ExitCode, msg)
}

// ToolMissingError reports that the executable could not be found.
type ToolMissingError struct {
	Tool string
	Err  error
}

func (e *ToolMissingError) Error() string {
	return fmt.Sprintf("%s: not found", e.Tool)
}

func (e *ToolMissingError) Unwrap() error {
	return e.Err
}
