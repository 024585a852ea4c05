// Package service implements service backends for systemd and OpenBSD
// rcctl.
package service

import (
	"context"
	"fmt"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/parsers"
	"github.com/openfroyo/converge/pkg/runner"
)

// SystemdName is the systemd provider name.
const SystemdName = "systemd"

// Systemd manages units with systemctl.
type Systemd struct {
	runner runner.Runner
	probe  runner.FileSystemProbe
}

// NewSystemd creates a systemd backend.
func NewSystemd(r runner.Runner, probe runner.FileSystemProbe) *Systemd {
	return &Systemd{runner: r, probe: probe}
}

// SystemdFactory builds a Systemd backend from deps.
func SystemdFactory(deps engine.Deps) (engine.ServiceBackend, error) {
	return NewSystemd(deps.Runner, deps.Probe), nil
}

func (s *Systemd) Name() string { return SystemdName }

func (s *Systemd) Preflight(_ context.Context) error {
	if _, err := s.probe.LookPath("systemctl"); err != nil {
		return engine.NewToolUnavailableError("systemctl", err)
	}
	return nil
}

// Current asks is-enabled and is-active. Both exit non-zero for the
// negative answer, which is not a failure; is-enabled also exits 4 on
// some versions for a missing unit.
func (s *Systemd) Current(ctx context.Context, name string) (engine.CurrentState, error) {
	state := engine.CurrentState{Identity: engine.Identity{Name: name}}

	enabled, err := s.runner.Run(ctx, runner.Command{
		Argv:             []string{"systemctl", "is-enabled", name},
		AllowedExitCodes: []int{1, 4},
	})
	if err != nil {
		return state, engine.FromToolError(fmt.Sprintf("failed to read unit %s", name), err)
	}
	if enabled.ExitCode != 0 && parsers.SystemctlUnitMissing(enabled.Stdout+enabled.Stderr) {
		return state, nil
	}
	state.Exists = true
	state.Enabled = parsers.ParseSystemctlIsEnabled(enabled.Stdout)

	active, err := s.runner.Run(ctx, runner.Command{
		Argv:             []string{"systemctl", "is-active", name},
		AllowedExitCodes: []int{3},
	})
	if err != nil {
		return state, engine.FromToolError(fmt.Sprintf("failed to read unit %s", name), err)
	}
	state.Running = parsers.ParseSystemctlIsActive(active.Stdout)
	return state, nil
}

func (s *Systemd) Apply(ctx context.Context, action engine.Action, name string) error {
	switch action {
	case engine.ActionEnable, engine.ActionDisable, engine.ActionStart,
		engine.ActionStop, engine.ActionRestart, engine.ActionReload:
	default:
		return engine.NewUnsupportedOperationError(SystemdName, action)
	}
	if _, err := s.runner.Run(ctx, runner.Command{Argv: []string{"systemctl", string(action), name}}); err != nil {
		return engine.FromToolError(fmt.Sprintf("systemctl %s %s failed", action, name), err)
	}
	return nil
}
