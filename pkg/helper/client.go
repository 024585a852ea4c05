package helper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/converge/pkg/parsers"
	"github.com/openfroyo/converge/pkg/runner"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// Defaults for Config.
const (
	DefaultStartupTimeout = 30 * time.Second
	DefaultRequestTimeout = 600 * time.Second
	DefaultMaxAttempts    = 5
)

var (
	// ErrTimeout is returned when the helper does not answer in time.
	ErrTimeout = errors.New("helper request timed out")

	// ErrExited is returned when the helper closes its output.
	ErrExited = errors.New("helper exited")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("helper client is closed")
)

// RemoteError is a failure reported by the helper itself. It is not retried.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("helper: %s: %s", e.Code, e.Message)
}

// Config configures a Client.
type Config struct {
	Spawner runner.Spawner

	// Command is the helper argv, e.g. ["froyo-pkghelper"].
	Command []string
	Env     map[string]string

	StartupTimeout time.Duration
	RequestTimeout time.Duration
	MaxAttempts    int

	Metrics *telemetry.Metrics
}

// Client talks to one helper process at a time. The process is started
// lazily and replaced whenever it dies, times out or sends garbage.
// Requests are serialized.
type Client struct {
	cfg Config

	mu     sync.Mutex
	proc   runner.Process
	enc    *Encoder
	dec    *Decoder
	ready  *ReadyMessage
	closed bool
}

// NewClient validates cfg and returns an unstarted client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Spawner == nil {
		return nil, fmt.Errorf("spawner is required")
	}
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("helper command is required")
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Client{cfg: cfg}, nil
}

// Call sends action with params and decodes the result into result.
// Transport failures restart the helper and retry up to MaxAttempts.
func (c *Client) Call(ctx context.Context, action Action, params, result interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	var raw json.RawMessage
	if params != nil {
		var err error
		if raw, err = json.Marshal(params); err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if c.proc == nil {
			if err := c.startLocked(ctx); err != nil {
				var missing *runner.ToolMissingError
				if errors.As(err, &missing) {
					return err
				}
				lastErr = err
				c.stopLocked("start_failed")
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
		}

		data, err := c.roundTripLocked(ctx, action, raw)
		if err == nil {
			c.cfg.Metrics.RecordHelperRequest(string(action), "success")
			if result == nil {
				return nil
			}
			return ParseData(data, result)
		}

		var remote *RemoteError
		if errors.As(err, &remote) {
			c.cfg.Metrics.RecordHelperRequest(string(action), "error")
			return err
		}

		lastErr = err
		reason := "protocol"
		switch {
		case errors.Is(err, ErrTimeout):
			reason = "timeout"
		case errors.Is(err, ErrExited):
			reason = "eof"
		}
		log.Warn().
			Err(err).
			Str("action", string(action)).
			Int("attempt", attempt).
			Int("max_attempts", c.cfg.MaxAttempts).
			Msg("helper request failed, restarting helper")
		c.stopLocked(reason)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	c.cfg.Metrics.RecordHelperRequest(string(action), "exhausted")
	return fmt.Errorf("helper %s failed after %d attempts: %w", action, c.cfg.MaxAttempts, lastErr)
}

func (c *Client) startLocked(ctx context.Context) error {
	proc, err := c.cfg.Spawner.Spawn(ctx, c.cfg.Command, c.cfg.Env)
	if err != nil {
		return fmt.Errorf("failed to start helper: %w", err)
	}
	c.proc = proc
	c.enc = NewEncoder(proc.Stdin())
	c.dec = NewDecoder(proc.Stdout())

	readyCh := make(chan *ReadyMessage, 1)
	errCh := make(chan error, 1)
	dec := c.dec
	go func() {
		msg, err := dec.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready ReadyMessage
		if err := ParseData(msg.Data, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	timer := time.NewTimer(c.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		return fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		c.ready = ready
		log.Debug().Str("version", ready.Version).Int("pid", ready.PID).Msg("helper ready")
		return nil
	}
}

func (c *Client) roundTripLocked(ctx context.Context, action Action, params json.RawMessage) (json.RawMessage, error) {
	req := &Request{ID: uuid.New().String(), Action: action, Params: params}
	if err := c.enc.EncodeRequest(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExited, err)
	}

	type response struct {
		data json.RawMessage
		err  error
	}
	ch := make(chan response, 1)
	dec := c.dec
	go func() {
		msg, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrExited
			}
			ch <- response{err: err}
			return
		}

		switch msg.Type {
		case MessageTypeDone:
			var done DoneMessage
			if err := ParseData(msg.Data, &done); err != nil {
				ch <- response{err: err}
				return
			}
			if done.ID != req.ID {
				ch <- response{err: fmt.Errorf("request ID mismatch: expected %s, got %s", req.ID, done.ID)}
				return
			}
			ch <- response{data: done.Result}
		case MessageTypeError:
			var em ErrorMessage
			if err := ParseData(msg.Data, &em); err != nil {
				ch <- response{err: err}
				return
			}
			if em.ID != "" && em.ID != req.ID {
				ch <- response{err: fmt.Errorf("request ID mismatch: expected %s, got %s", req.ID, em.ID)}
				return
			}
			ch <- response{err: &RemoteError{Code: em.Code, Message: em.Message}}
		case MessageTypeExit:
			ch <- response{err: ErrExited}
		default:
			ch <- response{err: fmt.Errorf("unexpected message type: %s", msg.Type)}
		}
	}()

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	case resp := <-ch:
		return resp.data, resp.err
	}
}

func (c *Client) stopLocked(reason string) {
	if c.proc == nil {
		return
	}
	if err := c.proc.Stop(); err != nil {
		log.Warn().Err(err).Msg("failed to stop helper")
	}
	c.proc = nil
	c.enc = nil
	c.dec = nil
	c.ready = nil
	c.cfg.Metrics.RecordHelperRestart(reason)
}

// Restart stops the running helper; the next call starts a fresh one.
// Used after mutations so package metadata is re-read.
func (c *Client) Restart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked("flush")
}

// Close stops the helper and rejects further calls.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.proc == nil {
		return nil
	}
	err := c.proc.Stop()
	c.proc = nil
	return err
}

// WhatInstalled returns installed packages matching q.
func (c *Client) WhatInstalled(ctx context.Context, q QueryParams) ([]parsers.RPMPackage, error) {
	var res QueryResult
	if err := c.Call(ctx, ActionWhatInstalled, q, &res); err != nil {
		return nil, err
	}
	return res.Packages, nil
}

// WhatAvailable returns repository packages matching q.
func (c *Client) WhatAvailable(ctx context.Context, q QueryParams) ([]parsers.RPMPackage, error) {
	var res QueryResult
	if err := c.Call(ctx, ActionWhatAvailable, q, &res); err != nil {
		return nil, err
	}
	return res.Packages, nil
}

// Compare implements version.Comparator by asking the helper.
func (c *Client) Compare(ctx context.Context, a, b string) (int, error) {
	var res CompareResult
	if err := c.Call(ctx, ActionVersionCompare, CompareParams{A: a, B: b}, &res); err != nil {
		return 0, err
	}
	return res.Result, nil
}

// FlushCache drops the helper's query cache without restarting it.
func (c *Client) FlushCache(ctx context.Context) error {
	return c.Call(ctx, ActionFlushCache, nil, nil)
}

// Ping checks that the helper answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, ActionPing, nil, nil)
}
