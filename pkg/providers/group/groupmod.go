// Package group implements local group backends: the shadow-utils tools on
// Linux and Directory Services on macOS.
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

// GroupmodName is the shadow-utils provider name.
const GroupmodName = "groupmod"

// getent exits 2 when the key is not in the database.
const getentNotFound = 2

// Groupmod manages groups with getent, groupadd, groupmod, groupdel and
// gpasswd.
type Groupmod struct {
	runner runner.Runner
	probe  runner.FileSystemProbe
}

// NewGroupmod creates a shadow-utils backend.
func NewGroupmod(r runner.Runner, probe runner.FileSystemProbe) *Groupmod {
	return &Groupmod{runner: r, probe: probe}
}

// GroupmodFactory builds a Groupmod backend from deps.
func GroupmodFactory(deps engine.Deps) (engine.GroupBackend, error) {
	return NewGroupmod(deps.Runner, deps.Probe), nil
}

func (g *Groupmod) Name() string { return GroupmodName }

func (g *Groupmod) Preflight(_ context.Context) error {
	for _, tool := range []string{"getent", "groupadd", "groupmod", "groupdel", "gpasswd"} {
		if _, err := g.probe.LookPath(tool); err != nil {
			return engine.NewToolUnavailableError(tool, err)
		}
	}
	return nil
}

// Current reads the group database entry.
func (g *Groupmod) Current(ctx context.Context, name string) (engine.CurrentState, error) {
	state := engine.CurrentState{Identity: engine.Identity{Name: name}}
	res, err := g.runner.Run(ctx, runner.Command{
		Argv:             []string{"getent", "group", name},
		AllowedExitCodes: []int{getentNotFound},
	})
	if err != nil {
		return state, engine.FromToolError(fmt.Sprintf("failed to read group %s", name), err)
	}
	if res.ExitCode == getentNotFound || strings.TrimSpace(res.Stdout) == "" {
		return state, nil
	}

	entry, err := parsers.ParseGetentGroup(res.Stdout)
	if err != nil {
		return state, engine.NewToolExecutionError(fmt.Sprintf("failed to parse group %s", name), err)
	}
	state.Exists = true
	state.Members = entry.Members
	if gid, err := strconv.Atoi(entry.GID); err == nil {
		state.GID = &gid
	}
	return state, nil
}

func (g *Groupmod) run(ctx context.Context, argv ...string) error {
	if _, err := g.runner.Run(ctx, runner.Command{Argv: argv}); err != nil {
		return engine.FromToolError(fmt.Sprintf("%s failed", argv[0]), err)
	}
	return nil
}

func (g *Groupmod) Create(ctx context.Context, name string, gid *int) error {
	argv := []string{"groupadd"}
	if gid != nil {
		argv = append(argv, "-g", strconv.Itoa(*gid))
	}
	return g.run(ctx, append(argv, name)...)
}

func (g *Groupmod) Remove(ctx context.Context, name string) error {
	return g.run(ctx, "groupdel", name)
}

func (g *Groupmod) SetGID(ctx context.Context, name string, gid int) error {
	return g.run(ctx, "groupmod", "-g", strconv.Itoa(gid), name)
}

// AddMembers runs gpasswd -a once per member; gpasswd takes one user.
func (g *Groupmod) AddMembers(ctx context.Context, name string, members []string) error {
	for _, m := range members {
		if err := g.run(ctx, "gpasswd", "-a", m, name); err != nil {
			return err
		}
	}
	return nil
}

func (g *Groupmod) RemoveMembers(ctx context.Context, name string, members []string) error {
	for _, m := range members {
		if err := g.run(ctx, "gpasswd", "-d", m, name); err != nil {
			return err
		}
	}
	return nil
}

// SetMembers replaces the member list in one gpasswd -M.
func (g *Groupmod) SetMembers(ctx context.Context, name string, members []string) error {
	return g.run(ctx, "gpasswd", "-M", strings.Join(members, ","), name)
}
