// Package dnf implements the package backend for dnf based distributions.
//
// Queries and version comparisons go through the long-lived query helper
// (see pkg/helper) so repository metadata is loaded once per run. Mutating
// commands run dnf directly.
package dnf

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/helper"
	"github.com/openfroyo/converge/pkg/parsers"
	"github.com/openfroyo/converge/pkg/runner"
	"github.com/openfroyo/converge/pkg/version"
)

// Name is the provider name.
const Name = "dnf"

// VersionlockConf marks an installed versionlock plugin.
const VersionlockConf = "/etc/dnf/plugins/versionlock.conf"

// Querier is the subset of the helper client the backend needs.
// *helper.Client implements it.
type Querier interface {
	WhatInstalled(ctx context.Context, q helper.QueryParams) ([]parsers.RPMPackage, error)
	WhatAvailable(ctx context.Context, q helper.QueryParams) ([]parsers.RPMPackage, error)
	Compare(ctx context.Context, a, b string) (int, error)
	Restart()
}

// Backend manages packages with dnf and rpm.
type Backend struct {
	runner runner.Runner
	probe  runner.FileSystemProbe
	query  Querier

	// batch allows one dnf transaction for many packages.
	batch bool

	// inProcess compares versions without the helper.
	inProcess bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithBatch toggles multi-package transactions.
func WithBatch(batch bool) Option {
	return func(b *Backend) { b.batch = batch }
}

// WithInProcessCompare compares versions in-process.
func WithInProcessCompare(v bool) Option {
	return func(b *Backend) { b.inProcess = v }
}

// New creates a dnf backend.
func New(r runner.Runner, probe runner.FileSystemProbe, q Querier, opts ...Option) *Backend {
	b := &Backend{runner: r, probe: probe, query: q, batch: true}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Factory builds a dnf backend with a helper client from deps.
func Factory(deps engine.Deps) (engine.PackageBackend, error) {
	if deps.Spawner == nil {
		return nil, fmt.Errorf("dnf provider requires a process spawner for the query helper")
	}
	command := deps.Settings.HelperCommand
	if len(command) == 0 {
		command = []string{"froyo-pkghelper"}
	}
	spawner := deps.Spawner
	if deps.Uploader != nil && deps.Settings.HelperUpload != "" {
		spawner = &runner.InstallingSpawner{
			Spawner:     deps.Spawner,
			Runner:      deps.Runner,
			Uploader:    deps.Uploader,
			LocalPath:   deps.Settings.HelperUpload,
			InstallPath: deps.Settings.HelperInstallPath,
		}
	}
	client, err := helper.NewClient(helper.Config{
		Spawner:        spawner,
		Command:        command,
		RequestTimeout: deps.Settings.HelperRequestTimeout,
		MaxAttempts:    deps.Settings.HelperMaxAttempts,
		Metrics:        deps.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return New(deps.Runner, deps.Probe, client,
		WithBatch(deps.Settings.Batch),
		WithInProcessCompare(deps.Settings.InProcessCompare),
	), nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) SupportsBatch() bool { return b.batch }

// Preflight checks for dnf and rpm.
func (b *Backend) Preflight(_ context.Context) error {
	for _, tool := range []string{"dnf", "rpm"} {
		if _, err := b.probe.LookPath(tool); err != nil {
			return engine.NewToolUnavailableError(tool, err)
		}
	}
	return nil
}

// CurrentStates asks the helper for each installed package. Lock state
// comes from one `dnf versionlock list` when the plugin is present.
func (b *Backend) CurrentStates(ctx context.Context, items []engine.DesiredState) ([]engine.CurrentResult, error) {
	locked, err := b.locked(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]engine.CurrentResult, len(items))
	for i, item := range items {
		pkgs, err := b.query.WhatInstalled(ctx, helper.QueryParams{Name: item.Name, Arch: item.Arch})
		if err != nil {
			results[i].Err = engine.FromToolError(fmt.Sprintf("failed to query installed %s", item.Name), err)
			continue
		}
		state := engine.CurrentState{Identity: item.Identity, Locked: locked[item.Name]}
		for _, p := range pkgs {
			if item.Epoch != "" && p.Epoch != item.Epoch {
				continue
			}
			evr := p.EVR()
			state.InstalledVersion = &evr
			state.Exists = true
			break
		}
		results[i].State = state
	}
	return results, nil
}

func (b *Backend) locked(ctx context.Context) (map[string]bool, error) {
	if !b.probe.Exists(VersionlockConf) {
		return nil, nil
	}
	res, err := b.runner.Run(ctx, runner.Command{Argv: []string{"dnf", "-q", "versionlock", "list"}})
	if err != nil {
		return nil, engine.FromToolError("failed to list version locks", err)
	}
	return parsers.ParseVersionlockList(res.Stdout), nil
}

// CandidateStates lists what each identity could be installed as. A
// Source path is inspected with rpm -qp instead of the repositories.
func (b *Backend) CandidateStates(ctx context.Context, items []engine.DesiredState) ([]engine.CandidateResult, error) {
	results := make([]engine.CandidateResult, len(items))
	for i, item := range items {
		if item.Source != "" {
			results[i] = b.fromSource(ctx, item)
			continue
		}

		pkgs, err := b.query.WhatAvailable(ctx, helper.QueryParams{
			Name:    item.Name,
			Version: withEpoch(item.Version, item.Epoch),
			Arch:    item.Arch,
			Options: item.Options,
		})
		if err != nil {
			results[i].Err = engine.FromToolError(fmt.Sprintf("failed to query available %s", item.Name), err)
			continue
		}
		for _, p := range pkgs {
			evr := p.EVR()
			source := engine.SourceDefault
			if len(item.Options) > 0 && p.Repo != "" {
				source = "repo:" + p.Repo
			}
			results[i].Candidates = append(results[i].Candidates, engine.CandidateState{
				Identity:         engine.Identity{Name: item.Name, Epoch: item.Epoch, Arch: item.Arch},
				AvailableVersion: &evr,
				ResolutionSource: source,
			})
		}
	}
	return results, nil
}

func (b *Backend) fromSource(ctx context.Context, item engine.DesiredState) engine.CandidateResult {
	res, err := b.runner.Run(ctx, runner.Command{
		Argv: []string{"rpm", "-qp", "--queryformat", parsers.RPMQueryFormat, item.Source},
	})
	if err != nil {
		return engine.CandidateResult{Err: engine.FromToolError(fmt.Sprintf("failed to inspect %s", item.Source), err)}
	}
	pkgs := parsers.ParseRPMQuery(res.Stdout)
	if len(pkgs) == 0 {
		return engine.CandidateResult{}
	}
	if pkgs[0].Name != item.Name {
		return engine.CandidateResult{Err: engine.NewValidationError(
			fmt.Sprintf("%s contains package %s, not %s", item.Source, pkgs[0].Name, item.Name))}
	}
	evr := pkgs[0].EVR()
	return engine.CandidateResult{Candidates: []engine.CandidateState{{
		Identity:         engine.Identity{Name: item.Name, Epoch: item.Epoch, Arch: item.Arch},
		AvailableVersion: &evr,
		ResolutionSource: item.Source,
	}}}
}

// Providers implements engine.VirtualResolver.
func (b *Backend) Providers(ctx context.Context, item engine.DesiredState) ([]string, error) {
	pkgs, err := b.query.WhatAvailable(ctx, helper.QueryParams{Name: item.Name, Arch: item.Arch, Provides: true, Options: item.Options})
	if err != nil {
		return nil, engine.FromToolError(fmt.Sprintf("failed to resolve providers of %s", item.Name), err)
	}
	return parsers.DistinctNames(pkgs), nil
}

// Apply runs dnf install or remove. Purge is the same as remove for rpm
// packages.
func (b *Backend) Apply(ctx context.Context, action engine.Action, targets []engine.Target) error {
	if len(targets) == 0 {
		return nil
	}

	var argv []string
	switch action {
	case engine.ActionInstall, engine.ActionUpgrade:
		// an exact NEVRA makes install upgrade or downgrade as needed
		argv = []string{"dnf", "-y", "install"}
		argv = append(argv, options(targets)...)
		for _, t := range targets {
			argv = append(argv, installSpec(t))
		}
	case engine.ActionRemove, engine.ActionPurge:
		argv = []string{"dnf", "-y", "remove"}
		for _, t := range targets {
			argv = append(argv, removeSpec(t))
		}
	default:
		return engine.NewUnsupportedOperationError(Name, action)
	}

	if _, err := b.runner.Run(ctx, runner.Command{Argv: argv}); err != nil {
		return engine.FromToolError(fmt.Sprintf("dnf %s failed", action), err)
	}
	return nil
}

// Lock implements engine.Locker with the versionlock plugin.
func (b *Backend) Lock(ctx context.Context, targets []engine.Target) error {
	argv := []string{"dnf", "-q", "versionlock", "add"}
	for _, t := range targets {
		argv = append(argv, installSpec(engine.Target{Identity: engine.Identity{Name: t.Name}, Version: t.Version}))
	}
	if _, err := b.runner.Run(ctx, runner.Command{Argv: argv}); err != nil {
		return engine.FromToolError("dnf versionlock add failed", err)
	}
	return nil
}

// Unlock implements engine.Locker.
func (b *Backend) Unlock(ctx context.Context, targets []engine.Target) error {
	argv := []string{"dnf", "-q", "versionlock", "delete"}
	for _, t := range targets {
		argv = append(argv, t.Name)
	}
	if _, err := b.runner.Run(ctx, runner.Command{Argv: argv}); err != nil {
		return engine.FromToolError("dnf versionlock delete failed", err)
	}
	return nil
}

// Flush restarts the helper so the next query reloads rpmdb and
// repository metadata.
func (b *Backend) Flush(_ context.Context) error {
	b.query.Restart()
	return nil
}

// Close stops the helper process.
func (b *Backend) Close() error {
	if c, ok := b.query.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Compare orders two epoch:version-release strings.
func (b *Backend) Compare(ctx context.Context, a, v string) (int, error) {
	if b.inProcess || b.query == nil {
		return version.CompareRPM(a, v), nil
	}
	return b.query.Compare(ctx, a, v)
}

func installSpec(t engine.Target) string {
	if t.Source != "" {
		return t.Source
	}
	s := t.Name
	if t.Version != "" {
		s += "-" + t.Version
	}
	if t.Arch != "" {
		s += "." + t.Arch
	}
	return s
}

func removeSpec(t engine.Target) string {
	if t.Arch != "" {
		return t.Name + "." + t.Arch
	}
	return t.Name
}

// options merges per-target options in first-seen order.
func options(targets []engine.Target) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range targets {
		for _, o := range t.Options {
			if !seen[o] {
				seen[o] = true
				out = append(out, o)
			}
		}
	}
	return out
}

// withEpoch prefixes a bare version with the requested epoch.
func withEpoch(constraint, epoch string) string {
	if constraint == "" || epoch == "" {
		return constraint
	}
	op, v := engine.SplitConstraint(constraint)
	if strings.Contains(v, ":") {
		return constraint
	}
	if op == "=" && !strings.HasPrefix(strings.TrimSpace(constraint), "=") {
		return epoch + ":" + v
	}
	return op + epoch + ":" + v
}
