package service

import (
	"context"
	"fmt"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/parsers"
	"github.com/openfroyo/converge/pkg/runner"
)

// RcctlName is the OpenBSD provider name.
const RcctlName = "rcctl"

const (
	rcConf      = "/etc/rc.conf"
	rcConfLocal = "/etc/rc.conf.local"
	rcDir       = "/etc/rc.d/"
)

// Rcctl manages OpenBSD rc.d services. Enablement is read from rc.conf
// and rc.conf.local rather than asking rcctl, which needs no privileges.
type Rcctl struct {
	runner runner.Runner
	probe  runner.FileSystemProbe
}

// NewRcctl creates an rcctl backend.
func NewRcctl(r runner.Runner, probe runner.FileSystemProbe) *Rcctl {
	return &Rcctl{runner: r, probe: probe}
}

// RcctlFactory builds an Rcctl backend from deps.
func RcctlFactory(deps engine.Deps) (engine.ServiceBackend, error) {
	return NewRcctl(deps.Runner, deps.Probe), nil
}

func (r *Rcctl) Name() string { return RcctlName }

func (r *Rcctl) Preflight(_ context.Context) error {
	if _, err := r.probe.LookPath("rcctl"); err != nil {
		return engine.NewToolUnavailableError("rcctl", err)
	}
	return nil
}

func (r *Rcctl) Current(ctx context.Context, name string) (engine.CurrentState, error) {
	state := engine.CurrentState{Identity: engine.Identity{Name: name}}
	if !r.probe.Exists(rcDir + name) {
		return state, nil
	}
	state.Exists = true

	base, err := r.probe.ReadFile(rcConf)
	if err != nil {
		return state, engine.NewToolExecutionError("failed to read "+rcConf, err)
	}
	defaults := parsers.ParseRcConf(string(base))
	_, builtin := defaults[name+"_flags"]

	vars := defaults
	if local, err := r.probe.ReadFile(rcConfLocal); err == nil {
		for k, v := range parsers.ParseRcConf(string(local)) {
			vars[k] = v
		}
	}
	state.Enabled = parsers.RcServiceEnabled(vars, name, builtin)

	// rcctl check exits 1 when the daemon is not running
	res, err := r.runner.Run(ctx, runner.Command{
		Argv:             []string{"rcctl", "check", name},
		AllowedExitCodes: []int{1},
	})
	if err != nil {
		return state, engine.FromToolError(fmt.Sprintf("rcctl check %s failed", name), err)
	}
	state.Running = res.ExitCode == 0
	return state, nil
}

func (r *Rcctl) Apply(ctx context.Context, action engine.Action, name string) error {
	switch action {
	case engine.ActionEnable, engine.ActionDisable, engine.ActionStart,
		engine.ActionStop, engine.ActionRestart, engine.ActionReload:
	default:
		return engine.NewUnsupportedOperationError(RcctlName, action)
	}
	if _, err := r.runner.Run(ctx, runner.Command{Argv: []string{"rcctl", string(action), name}}); err != nil {
		return engine.FromToolError(fmt.Sprintf("rcctl %s %s failed", action, name), err)
	}
	return nil
}
