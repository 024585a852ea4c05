package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// DefaultTimeout applies when neither the command nor the runner set one.
const DefaultTimeout = 10 * time.Minute

// ExecRunner runs commands on the local host.
type ExecRunner struct {
	// Env is applied to every command on top of the process environment.
	Env map[string]string

	// Timeout is the default per-command timeout.
	Timeout time.Duration

	Metrics *telemetry.Metrics
}

// NewExecRunner creates a local runner that forces the C locale so tool
// output stays parseable.
func NewExecRunner(timeout time.Duration, metrics *telemetry.Metrics) *ExecRunner {
	return &ExecRunner{
		Env:     map[string]string{"LC_ALL": "C", "LANG": "C"},
		Timeout: timeout,
		Metrics: metrics,
	}
}

// Run executes cmd and waits for it.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if len(cmd.Argv) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = r.Timeout
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	// A started command is never interrupted by the caller, only by its
	// timeout.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Env = mergeEnv(os.Environ(), r.Env, cmd.Env)
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	log.Debug().Str("command", cmd.String()).Dur("timeout", timeout).Msg("executing command")

	start := time.Now()
	err := c.Run()
	duration := time.Since(start)

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.ExitCode = -1
			r.Metrics.RecordCommand(cmd.Tool(), "timeout", duration)
			return result, &ExitError{Argv: cmd.Argv, ExitCode: -1, Stdout: result.Stdout, Stderr: result.Stderr, TimedOut: true}
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		case errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist):
			r.Metrics.RecordCommand(cmd.Tool(), "missing", duration)
			return nil, &ToolMissingError{Tool: cmd.Tool(), Err: err}
		default:
			r.Metrics.RecordCommand(cmd.Tool(), "error", duration)
			return nil, fmt.Errorf("failed to execute %s: %w", cmd.Tool(), err)
		}
	}

	log.Debug().
		Str("command", cmd.String()).
		Int("exit_code", result.ExitCode).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", duration).
		Msg("command completed")

	if !cmd.allowed(result.ExitCode) {
		r.Metrics.RecordCommand(cmd.Tool(), "failed", duration)
		return result, &ExitError{Argv: cmd.Argv, ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr}
	}
	r.Metrics.RecordCommand(cmd.Tool(), "success", duration)
	return result, nil
}

// Spawn starts a long-lived local process.
func (r *ExecRunner) Spawn(ctx context.Context, argv []string, env map[string]string) (Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	c := exec.Command(argv[0], argv[1:]...)
	c.Env = mergeEnv(os.Environ(), r.Env, env)
	c.Stderr = os.Stderr

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	// Our own pipe: Wait closes a StdoutPipe, which would drop lines the
	// process wrote just before exiting.
	stdout, w, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	c.Stdout = w

	err = c.Start()
	_ = w.Close()
	if err != nil {
		_ = stdout.Close()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, &ToolMissingError{Tool: argv[0], Err: err}
		}
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	log.Debug().Str("command", strings.Join(argv, " ")).Int("pid", c.Process.Pid).Msg("spawned process")

	p := &execProcess{cmd: c, stdin: stdin, stdout: stdout, done: make(chan struct{})}
	go func() {
		p.waitErr = c.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *os.File
	done    chan struct{}
	waitErr error
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }

// Stop sends SIGINT, waits StopGracePeriod and then kills the process.
func (p *execProcess) Stop() error {
	_ = p.stdin.Close()
	defer p.stdout.Close()

	select {
	case <-p.done:
		return nil
	default:
	}

	_ = p.cmd.Process.Signal(os.Interrupt)
	select {
	case <-p.done:
		return nil
	case <-time.After(StopGracePeriod):
	}

	log.Warn().Int("pid", p.cmd.Process.Pid).Msg("process ignored interrupt, killing")
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	<-p.done
	return nil
}

// mergeEnv overlays maps on a KEY=VALUE list. Later layers win.
func mergeEnv(base []string, layers ...map[string]string) []string {
	env := make(map[string]string, len(base))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	for _, layer := range layers {
		for k, v := range layer {
			env[k] = v
		}
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
