package group

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/parsers"
	"github.com/openfroyo/converge/pkg/runner"
)

// DsclName is the Directory Services provider name.
const DsclName = "dscl"

// dscl exits 56 for eDSRecordNotFound.
const dsclNotFound = 56

// Dscl manages groups in the local Directory Services node on macOS.
type Dscl struct {
	runner runner.Runner
	probe  runner.FileSystemProbe
}

// NewDscl creates a Directory Services backend.
func NewDscl(r runner.Runner, probe runner.FileSystemProbe) *Dscl {
	return &Dscl{runner: r, probe: probe}
}

// DsclFactory builds a Dscl backend from deps.
func DsclFactory(deps engine.Deps) (engine.GroupBackend, error) {
	return NewDscl(deps.Runner, deps.Probe), nil
}

func (d *Dscl) Name() string { return DsclName }

func (d *Dscl) Preflight(_ context.Context) error {
	if _, err := d.probe.LookPath("dscl"); err != nil {
		return engine.NewToolUnavailableError("dscl", err)
	}
	return nil
}

func record(name string) string { return "/Groups/" + name }

// Current reads PrimaryGroupID and GroupMembership.
func (d *Dscl) Current(ctx context.Context, name string) (engine.CurrentState, error) {
	state := engine.CurrentState{Identity: engine.Identity{Name: name}}
	res, err := d.runner.Run(ctx, runner.Command{
		Argv:             []string{"dscl", ".", "-read", record(name), "PrimaryGroupID", "GroupMembership"},
		AllowedExitCodes: []int{dsclNotFound},
	})
	if err != nil {
		return state, engine.FromToolError(fmt.Sprintf("failed to read group %s", name), err)
	}
	if res.ExitCode == dsclNotFound || strings.Contains(res.Stderr, "eDSRecordNotFound") {
		return state, nil
	}

	state.Exists = true
	state.Members = parsers.ParseDsclGroupMembership(res.Stdout)
	state.GID = primaryGroupID(res.Stdout)
	return state, nil
}

func primaryGroupID(out string) *int {
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "PrimaryGroupID:"); ok {
			if gid, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return &gid
			}
		}
	}
	return nil
}

func (d *Dscl) run(ctx context.Context, args ...string) error {
	argv := append([]string{"dscl", "."}, args...)
	if _, err := d.runner.Run(ctx, runner.Command{Argv: argv}); err != nil {
		return engine.FromToolError(fmt.Sprintf("dscl %s failed", args[0]), err)
	}
	return nil
}

func (d *Dscl) Create(ctx context.Context, name string, gid *int) error {
	if err := d.run(ctx, "-create", record(name)); err != nil {
		return err
	}
	if gid != nil {
		return d.SetGID(ctx, name, *gid)
	}
	return nil
}

func (d *Dscl) Remove(ctx context.Context, name string) error {
	return d.run(ctx, "-delete", record(name))
}

func (d *Dscl) SetGID(ctx context.Context, name string, gid int) error {
	return d.run(ctx, "-create", record(name), "PrimaryGroupID", strconv.Itoa(gid))
}

func (d *Dscl) AddMembers(ctx context.Context, name string, members []string) error {
	for _, m := range members {
		if err := d.run(ctx, "-append", record(name), "GroupMembership", m); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dscl) RemoveMembers(ctx context.Context, name string, members []string) error {
	for _, m := range members {
		if err := d.run(ctx, "-delete", record(name), "GroupMembership", m); err != nil {
			return err
		}
	}
	return nil
}

// SetMembers replaces GroupMembership. An empty list deletes the key.
func (d *Dscl) SetMembers(ctx context.Context, name string, members []string) error {
	if len(members) == 0 {
		return d.run(ctx, "-delete", record(name), "GroupMembership")
	}
	return d.run(ctx, append([]string{"-create", record(name), "GroupMembership"}, members...)...)
}
