package engine

import (
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/openfroyo/converge/pkg/parsers"
	"github.com/openfroyo/converge/pkg/runner"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// Platform holds the host facts providers are selected on.
type Platform struct {
	// OS is the kernel family, e.g. "linux", "darwin", "openbsd".
	OS string `json:"os"`

	// ID is the os-release ID, e.g. "fedora" or "debian".
	ID string `json:"id,omitempty"`

	// Like lists os-release ID_LIKE entries.
	Like []string `json:"like,omitempty"`

	Version string `json:"version,omitempty"`
}

// Is reports whether the platform is id or is like id.
func (p Platform) Is(id string) bool {
	if p.ID == id {
		return true
	}
	for _, l := range p.Like {
		if l == id {
			return true
		}
	}
	return false
}

// DetectPlatform reads /etc/os-release through probe. goos is usually
// runtime.GOOS; an empty value uses it.
func DetectPlatform(probe runner.FileSystemProbe, goos string) Platform {
	if goos == "" {
		goos = runtime.GOOS
	}
	p := Platform{OS: goos}
	for _, path := range []string{"/etc/os-release", "/usr/lib/os-release"} {
		data, err := probe.ReadFile(path)
		if err != nil {
			continue
		}
		rel := parsers.ParseOSRelease(string(data))
		p.ID = rel.ID
		p.Like = rel.IDLike
		p.Version = rel.VersionID
		break
	}
	if p.ID == "" {
		p.ID = goos
	}
	return p
}

// Matcher selects platforms.
type Matcher func(Platform) bool

// MatchFamily matches platforms that are, or are like, any of ids.
func MatchFamily(ids ...string) Matcher {
	return func(p Platform) bool {
		for _, id := range ids {
			if p.Is(id) {
				return true
			}
		}
		return false
	}
}

// MatchOS matches a kernel family.
func MatchOS(goos string) Matcher {
	return func(p Platform) bool { return p.OS == goos }
}

// ProviderSettings tune provider construction.
type ProviderSettings struct {
	// HelperCommand is the argv of the package query helper.
	HelperCommand []string

	HelperRequestTimeout time.Duration
	HelperMaxAttempts    int

	// HelperUpload is a local helper binary installed on remote hosts
	// that lack one, at HelperInstallPath.
	HelperUpload      string
	HelperInstallPath string

	// Batch allows one command for many packages. Disabling it issues one
	// command per identity.
	Batch bool

	// InProcessCompare compares versions in-process instead of asking the
	// package manager.
	InProcessCompare bool
}

// Deps are what provider factories build backends from.
type Deps struct {
	Runner   runner.Runner
	Spawner  runner.Spawner
	Probe    runner.FileSystemProbe
	Metrics  *telemetry.Metrics
	Settings ProviderSettings

	// Uploader is set for remote hosts.
	Uploader runner.Uploader
}

// PackageFactory builds a package backend.
type PackageFactory func(Deps) (PackageBackend, error)

// GroupFactory builds a group backend.
type GroupFactory func(Deps) (GroupBackend, error)

// ServiceFactory builds a service backend.
type ServiceFactory func(Deps) (ServiceBackend, error)

type registration struct {
	kind     Kind
	name     string
	priority int
	match    Matcher
	pkg      PackageFactory
	group    GroupFactory
	service  ServiceFactory
}

// Registry maps platforms to provider factories. Lookups pick the
// highest-priority matching entry; an explicit provider name bypasses
// matching.
type Registry struct {
	entries []registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) add(reg registration) {
	r.entries = append(r.entries, reg)
	sort.SliceStable(r.entries, func(i, j int) bool {
		return r.entries[i].priority > r.entries[j].priority
	})
}

// RegisterPackage registers a package provider.
func (r *Registry) RegisterPackage(name string, priority int, match Matcher, f PackageFactory) {
	r.add(registration{kind: KindPackage, name: name, priority: priority, match: match, pkg: f})
}

// RegisterGroup registers a group provider.
func (r *Registry) RegisterGroup(name string, priority int, match Matcher, f GroupFactory) {
	r.add(registration{kind: KindGroup, name: name, priority: priority, match: match, group: f})
}

// RegisterService registers a service provider.
func (r *Registry) RegisterService(name string, priority int, match Matcher, f ServiceFactory) {
	r.add(registration{kind: KindService, name: name, priority: priority, match: match, service: f})
}

// Lookup returns the provider name selected for kind on p. A non-empty
// override must name a registered provider of that kind.
func (r *Registry) Lookup(kind Kind, p Platform, override string) (string, error) {
	reg, err := r.lookup(kind, p, override)
	if err != nil {
		return "", err
	}
	return reg.name, nil
}

// Names lists registered providers of kind.
func (r *Registry) Names(kind Kind) []string {
	var names []string
	for _, e := range r.entries {
		if e.kind == kind {
			names = append(names, e.name)
		}
	}
	return names
}

func (r *Registry) lookup(kind Kind, p Platform, override string) (registration, error) {
	for _, e := range r.entries {
		if e.kind != kind {
			continue
		}
		if override != "" {
			if e.name == override {
				return e, nil
			}
			continue
		}
		if e.match == nil || e.match(p) {
			return e, nil
		}
	}
	if override != "" {
		return registration{}, NewValidationError(fmt.Sprintf("unknown %s provider %q", kind, override))
	}
	return registration{}, NewUnsupportedOperationError(p.ID, Action(kind)).
		WithDetail("reason", fmt.Sprintf("no %s provider for platform %s/%s", kind, p.OS, p.ID))
}

// Package builds the package backend for p.
func (r *Registry) Package(p Platform, override string, deps Deps) (PackageBackend, error) {
	reg, err := r.lookup(KindPackage, p, override)
	if err != nil {
		return nil, err
	}
	return reg.pkg(deps)
}

// Group builds the group backend for p.
func (r *Registry) Group(p Platform, override string, deps Deps) (GroupBackend, error) {
	reg, err := r.lookup(KindGroup, p, override)
	if err != nil {
		return nil, err
	}
	return reg.group(deps)
}

// Service builds the service backend for p.
func (r *Registry) Service(p Platform, override string, deps Deps) (ServiceBackend, error) {
	reg, err := r.lookup(KindService, p, override)
	if err != nil {
		return nil, err
	}
	return reg.service(deps)
}

// NewEngine builds the engine for kind on p, wired to deps.
func (r *Registry) NewEngine(kind Kind, p Platform, override string, deps Deps, opts ...Option) (Engine, string, error) {
	switch kind {
	case KindPackage:
		b, err := r.Package(p, override, deps)
		if err != nil {
			return nil, "", err
		}
		return NewPackageEngine(b, opts...), b.Name(), nil
	case KindGroup:
		b, err := r.Group(p, override, deps)
		if err != nil {
			return nil, "", err
		}
		return NewGroupEngine(b, opts...), b.Name(), nil
	case KindService:
		b, err := r.Service(p, override, deps)
		if err != nil {
			return nil, "", err
		}
		return NewServiceEngine(b, opts...), b.Name(), nil
	}
	return nil, "", NewValidationError(fmt.Sprintf("unknown resource kind %q", kind))
}
