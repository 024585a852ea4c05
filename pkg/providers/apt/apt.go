// Package apt implements the package backend for Debian based distributions.
package apt

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/parsers"
	"github.com/openfroyo/converge/pkg/runner"
	"github.com/openfroyo/converge/pkg/version"
)

// Name is the provider name.
const Name = "apt"

var aptEnv = map[string]string{"DEBIAN_FRONTEND": "noninteractive"}

// Backend manages packages with apt-get, apt-cache and dpkg. It keeps the
// parsed `apt-cache policy` sections between the current and candidate
// queries of a run until Flush.
type Backend struct {
	runner runner.Runner
	probe  runner.FileSystemProbe

	batch     bool
	inProcess bool

	// mu guards policies.
	mu       sync.Mutex
	policies map[string]parsers.AptPolicy
}

// Option configures a Backend.
type Option func(*Backend)

// WithBatch toggles one apt-get invocation for many packages.
func WithBatch(batch bool) Option {
	return func(b *Backend) { b.batch = batch }
}

// WithInProcessCompare compares versions without dpkg.
func WithInProcessCompare(v bool) Option {
	return func(b *Backend) { b.inProcess = v }
}

// New creates an apt backend.
func New(r runner.Runner, probe runner.FileSystemProbe, opts ...Option) *Backend {
	b := &Backend{runner: r, probe: probe, batch: true, policies: make(map[string]parsers.AptPolicy)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Factory builds an apt backend from deps.
func Factory(deps engine.Deps) (engine.PackageBackend, error) {
	return New(deps.Runner, deps.Probe,
		WithBatch(deps.Settings.Batch),
		WithInProcessCompare(deps.Settings.InProcessCompare),
	), nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) SupportsBatch() bool { return b.batch }

// Preflight checks for apt-get, apt-cache and dpkg.
func (b *Backend) Preflight(_ context.Context) error {
	for _, tool := range []string{"apt-get", "apt-cache", "dpkg"} {
		if _, err := b.probe.LookPath(tool); err != nil {
			return engine.NewToolUnavailableError(tool, err)
		}
	}
	return nil
}

// aptName renders name[:arch], the form apt uses for foreign architectures.
func aptName(id engine.Identity) string {
	if id.Arch != "" {
		return id.Name + ":" + id.Arch
	}
	return id.Name
}

// policy returns the sections for items, running one `apt-cache policy`
// for the names not seen yet. Names missing from the result are unknown
// to apt.
func (b *Backend) policy(ctx context.Context, items []engine.DesiredState) (map[string]parsers.AptPolicy, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	argv := []string{"apt-cache", "policy"}
	queued := make(map[string]bool)
	for _, item := range items {
		name := aptName(item.Identity)
		if _, ok := b.policies[name]; ok || queued[name] {
			continue
		}
		queued[name] = true
		argv = append(argv, name)
	}

	if len(queued) > 0 {
		res, err := b.runner.Run(ctx, runner.Command{Argv: argv})
		if err != nil {
			return nil, engine.FromToolError("apt-cache policy failed", err)
		}
		parsed := parsers.ParseAptCachePolicy(res.Stdout)
		for name := range queued {
			p, ok := parsed[name]
			if !ok {
				// apt prints foreign-arch sections without the suffix
				p, ok = parsed[strings.SplitN(name, ":", 2)[0]]
			}
			if !ok {
				p = parsers.AptPolicy{Name: name}
			}
			b.policies[name] = p
		}
	}

	out := make(map[string]parsers.AptPolicy, len(items))
	for _, item := range items {
		name := aptName(item.Identity)
		out[name] = b.policies[name]
	}
	return out, nil
}

// CurrentStates reads Installed from the policy sections.
func (b *Backend) CurrentStates(ctx context.Context, items []engine.DesiredState) ([]engine.CurrentResult, error) {
	policies, err := b.policy(ctx, items)
	if err != nil {
		return nil, err
	}
	results := make([]engine.CurrentResult, len(items))
	for i, item := range items {
		p := policies[aptName(item.Identity)]
		results[i].State = engine.CurrentState{
			Identity:         item.Identity,
			InstalledVersion: p.Installed,
			Exists:           p.Installed != nil,
		}
	}
	return results, nil
}

// CandidateStates reads Candidate and the version table. A pinned exact
// version must appear in the table; a range takes the first listed
// version that satisfies it.
func (b *Backend) CandidateStates(ctx context.Context, items []engine.DesiredState) ([]engine.CandidateResult, error) {
	policies, err := b.policy(ctx, items)
	if err != nil {
		return nil, err
	}
	results := make([]engine.CandidateResult, len(items))
	for i, item := range items {
		if item.Source != "" {
			results[i] = b.fromSource(ctx, item)
			continue
		}
		p := policies[aptName(item.Identity)]
		v, err := b.pick(ctx, p, item.Version)
		if err != nil {
			results[i].Err = err
			continue
		}
		if v == nil {
			continue
		}
		results[i].Candidates = []engine.CandidateState{{
			Identity:         item.Identity,
			AvailableVersion: v,
			ResolutionSource: engine.SourceDefault,
		}}
	}
	return results, nil
}

func (b *Backend) pick(ctx context.Context, p parsers.AptPolicy, constraint string) (*string, error) {
	if strings.TrimSpace(constraint) == "" {
		return p.Candidate, nil
	}
	op, want := engine.SplitConstraint(constraint)
	if op == "=" || op == "==" {
		if p.HasVersion(want) {
			return &want, nil
		}
		return nil, nil
	}
	for _, v := range p.Versions {
		ok, err := engine.Satisfies(ctx, b, v, constraint)
		if err != nil {
			return nil, err
		}
		if ok {
			v := v
			return &v, nil
		}
	}
	return nil, nil
}

func (b *Backend) fromSource(ctx context.Context, item engine.DesiredState) engine.CandidateResult {
	res, err := b.runner.Run(ctx, runner.Command{
		Argv: []string{"dpkg-deb", "--show", "--showformat=${Package} ${Version}\\n", item.Source},
	})
	if err != nil {
		return engine.CandidateResult{Err: engine.FromToolError(fmt.Sprintf("failed to inspect %s", item.Source), err)}
	}
	f := strings.Fields(res.Stdout)
	if len(f) < 2 {
		return engine.CandidateResult{}
	}
	if f[0] != item.Name {
		return engine.CandidateResult{Err: engine.NewValidationError(
			fmt.Sprintf("%s contains package %s, not %s", item.Source, f[0], item.Name))}
	}
	v := f[1]
	return engine.CandidateResult{Candidates: []engine.CandidateState{{
		Identity:         item.Identity,
		AvailableVersion: &v,
		ResolutionSource: item.Source,
	}}}
}

// Providers implements engine.VirtualResolver from the Reverse Provides
// section of `apt-cache showpkg`.
func (b *Backend) Providers(ctx context.Context, item engine.DesiredState) ([]string, error) {
	res, err := b.runner.Run(ctx, runner.Command{Argv: []string{"apt-cache", "showpkg", item.Name}})
	if err != nil {
		return nil, engine.FromToolError(fmt.Sprintf("failed to resolve providers of %s", item.Name), err)
	}
	return parsers.ParseAptShowpkgProviders(res.Stdout), nil
}

// Apply runs apt-get install, remove or purge.
func (b *Backend) Apply(ctx context.Context, action engine.Action, targets []engine.Target) error {
	if len(targets) == 0 {
		return nil
	}

	var verb string
	switch action {
	case engine.ActionInstall, engine.ActionUpgrade:
		verb = "install"
	case engine.ActionRemove:
		verb = "remove"
	case engine.ActionPurge:
		verb = "purge"
	default:
		return engine.NewUnsupportedOperationError(Name, action)
	}

	argv := []string{"apt-get", "-q", "-y"}
	if verb == "install" {
		argv = append(argv, "--allow-downgrades")
		argv = append(argv, options(targets)...)
	}
	argv = append(argv, verb)
	for _, t := range targets {
		argv = append(argv, pkgArg(verb, t))
	}

	if _, err := b.runner.Run(ctx, runner.Command{Argv: argv, Env: aptEnv}); err != nil {
		return engine.FromToolError(fmt.Sprintf("apt-get %s failed", verb), err)
	}
	return nil
}

func pkgArg(verb string, t engine.Target) string {
	if verb == "install" {
		if t.Source != "" {
			return t.Source
		}
		if t.Version != "" {
			return aptName(t.Identity) + "=" + t.Version
		}
	}
	return aptName(t.Identity)
}

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

// Flush forgets cached policy sections.
func (b *Backend) Flush(_ context.Context) error {
	b.mu.Lock()
	b.policies = make(map[string]parsers.AptPolicy)
	b.mu.Unlock()
	return nil
}

// Compare orders two Debian versions, asking dpkg unless in-process
// comparison is enabled.
func (b *Backend) Compare(ctx context.Context, a, v string) (int, error) {
	if b.inProcess {
		return version.CompareDebian(a, v), nil
	}
	if a == v {
		return 0, nil
	}
	for _, c := range []struct {
		op     string
		result int
	}{{"lt", -1}, {"gt", 1}} {
		res, err := b.runner.Run(ctx, runner.Command{
			Argv:             []string{"dpkg", "--compare-versions", a, c.op, v},
			AllowedExitCodes: []int{1},
		})
		if err != nil {
			return 0, engine.FromToolError("dpkg --compare-versions failed", err)
		}
		if res.ExitCode == 0 {
			return c.result, nil
		}
	}
	return 0, nil
}
