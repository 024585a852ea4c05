package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// SSHAuthMethod selects how SSHRunner authenticates.
type SSHAuthMethod string

const (
	SSHAuthPassword SSHAuthMethod = "password"
	SSHAuthKey      SSHAuthMethod = "key"
)

// SSHConfig holds the connection settings for a remote host.
type SSHConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	User string `yaml:"user" json:"user"`

	AuthMethod           SSHAuthMethod `yaml:"auth_method" json:"auth_method"`
	Password             string        `yaml:"password" json:"password"`
	PrivateKeyPath       string        `yaml:"private_key_path" json:"private_key_path"`
	PrivateKeyPassphrase string        `yaml:"private_key_passphrase" json:"private_key_passphrase"`

	// KnownHostsPath enables host key verification when StrictHostKeyChecking
	// is set.
	KnownHostsPath        string `yaml:"known_hosts_path" json:"known_hosts_path"`
	StrictHostKeyChecking bool   `yaml:"strict_host_key_checking" json:"strict_host_key_checking"`

	ConnectionTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout"`

	// Sudo prefixes every command with `sudo -n`.
	Sudo bool `yaml:"sudo" json:"sudo"`
}

// DefaultSSHConfig returns an SSHConfig with key authentication and strict
// host key checking.
func DefaultSSHConfig(host, user string) *SSHConfig {
	return &SSHConfig{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            SSHAuthKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *SSHConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case SSHAuthPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case SSHAuthKey:
		if c.PrivateKeyPath == "" {
			home := os.Getenv("HOME")
			for _, p := range []string{
				filepath.Join(home, ".ssh", "id_ed25519"),
				filepath.Join(home, ".ssh", "id_rsa"),
				filepath.Join(home, ".ssh", "id_ecdsa"),
			} {
				if _, err := os.Stat(p); err == nil {
					c.PrivateKeyPath = p
					break
				}
			}
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	return nil
}

// Address returns host:port.
func (c *SSHConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ClientConfig builds the x/crypto ssh client configuration.
func (c *SSHConfig) ClientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	switch c.AuthMethod {
	case SSHAuthPassword:
		auth = append(auth, ssh.Password(c.Password))
		// many servers only offer keyboard-interactive for passwords
		auth = append(auth, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))
	case SSHAuthKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// SSHRunner runs commands on a remote host. One connection is shared by
// all sessions.
type SSHRunner struct {
	config *SSHConfig

	// Env and Timeout behave as on ExecRunner.
	Env     map[string]string
	Timeout time.Duration
	Metrics *telemetry.Metrics

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHRunner validates config and returns an unconnected runner.
func NewSSHRunner(config *SSHConfig, timeout time.Duration, metrics *telemetry.Metrics) (*SSHRunner, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &SSHRunner{
		config:  config,
		Env:     map[string]string{"LC_ALL": "C", "LANG": "C"},
		Timeout: timeout,
		Metrics: metrics,
	}, nil
}

// Connect dials the remote host if not already connected.
func (r *SSHRunner) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectLocked(ctx)
}

func (r *SSHRunner) connectLocked(ctx context.Context) error {
	if r.client != nil {
		if _, _, err := r.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return nil
		}
		log.Warn().Str("address", r.config.Address()).Msg("existing connection is dead, reconnecting")
		_ = r.client.Close()
		r.client = nil
	}

	clientConfig, err := r.config.ClientConfig()
	if err != nil {
		return err
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		c, err := ssh.Dial("tcp", r.config.Address(), clientConfig)
		ch <- dialResult{c, err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("connect %s: %w", r.config.Address(), ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("connect %s: %w", r.config.Address(), res.err)
		}
		r.client = res.client
		log.Info().Str("address", r.config.Address()).Msg("SSH connection established")
		return nil
	}
}

// Close closes the connection.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *SSHRunner) session(ctx context.Context) (*ssh.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.connectLocked(ctx); err != nil {
		return nil, err
	}
	s, err := r.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s, nil
}

// Run executes cmd on the remote host.
func (r *SSHRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
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

	session, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if cmd.Stdin != "" {
		session.Stdin = strings.NewReader(cmd.Stdin)
	}

	line := r.commandLine(cmd.Argv, cmd.Env)
	log.Debug().Str("command", line).Str("host", r.config.Host).Msg("executing remote command")

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	var runErr error
	timedOut := false
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		timedOut = true
	case runErr = <-done:
	}
	duration := time.Since(start)

	result := &Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: duration}
	if timedOut {
		result.ExitCode = -1
		r.Metrics.RecordCommand(cmd.Tool(), "timeout", duration)
		return result, &ExitError{Argv: cmd.Argv, ExitCode: -1, Stdout: result.Stdout, Stderr: result.Stderr, TimedOut: true}
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(runErr, &exitErr) {
			r.Metrics.RecordCommand(cmd.Tool(), "error", duration)
			return nil, fmt.Errorf("remote %s: %w", cmd.Tool(), runErr)
		}
		result.ExitCode = exitErr.ExitStatus()
		// 127 is the shell's "command not found"
		if result.ExitCode == 127 {
			r.Metrics.RecordCommand(cmd.Tool(), "missing", duration)
			return nil, &ToolMissingError{Tool: cmd.Tool(), Err: runErr}
		}
	}

	if !cmd.allowed(result.ExitCode) {
		r.Metrics.RecordCommand(cmd.Tool(), "failed", duration)
		return result, &ExitError{Argv: cmd.Argv, ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr}
	}
	r.Metrics.RecordCommand(cmd.Tool(), "success", duration)
	return result, nil
}

// Spawn starts a long-lived remote process bound to a session.
func (r *SSHRunner) Spawn(ctx context.Context, argv []string, env map[string]string) (Process, error) {
	session, err := r.session(ctx)
	if err != nil {
		return nil, err
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	line := r.commandLine(argv, env)
	if err := session.Start(line); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to start remote %s: %w", argv[0], err)
	}

	p := &sshProcess{session: session, stdin: stdin, stdout: stdout, done: make(chan struct{})}
	go func() {
		_ = session.Wait()
		close(p.done)
	}()
	return p, nil
}

type sshProcess struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	done    chan struct{}
}

func (p *sshProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *sshProcess) Stdout() io.Reader     { return p.stdout }

func (p *sshProcess) Stop() error {
	_ = p.stdin.Close()
	_ = p.session.Signal(ssh.SIGINT)
	select {
	case <-p.done:
	case <-time.After(StopGracePeriod):
		_ = p.session.Signal(ssh.SIGKILL)
	}
	return p.session.Close()
}

// commandLine renders argv as a quoted remote shell command with env
// assignments in front.
func (r *SSHRunner) commandLine(argv []string, env map[string]string) string {
	merged := make(map[string]string, len(r.Env)+len(env))
	for k, v := range r.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	if r.config.Sudo {
		parts = append(parts, "sudo", "-n")
	}
	if len(keys) > 0 {
		parts = append(parts, "env")
		for _, k := range keys {
			parts = append(parts, ShellQuote(k+"="+merged[k]))
		}
	}
	for _, a := range argv {
		parts = append(parts, ShellQuote(a))
	}
	return strings.Join(parts, " ")
}

// ShellQuote quotes s for a POSIX shell when needed.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || strings.ContainsRune("-_./:=,+@%", c)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
