package engine

import (
	"context"
)

// CurrentResult is the installed state of one requested identity. Err is
// set when that identity could not be resolved; a missing package is not
// an error.
type CurrentResult struct {
	State CurrentState
	Err   error
}

// CandidateResult lists what is available for one requested identity.
// An empty list means no candidate.
type CandidateResult struct {
	Candidates []CandidateState
	Err        error
}

// Target is one identity handed to a mutating command.
type Target struct {
	Identity

	// Version is the version to install, or the installed version being
	// removed.
	Version string
	Source  string
	Options []string
}

// PackageBackend is a package manager.
//
// CurrentStates and CandidateStates receive an ordered batch and must
// return results in the same order, matching tool output back to requests
// by name. A non-nil error means the query tool itself failed and no
// identity could be resolved.
type PackageBackend interface {
	// Name identifies the provider, e.g. "dnf".
	Name() string

	// Preflight checks that the native tools exist.
	Preflight(ctx context.Context) error

	CurrentStates(ctx context.Context, items []DesiredState) ([]CurrentResult, error)
	CandidateStates(ctx context.Context, items []DesiredState) ([]CandidateResult, error)

	// Apply runs one mutating command for all targets, or one per target
	// when SupportsBatch is false.
	Apply(ctx context.Context, action Action, targets []Target) error

	// Flush discards any state the backend keeps between queries.
	Flush(ctx context.Context) error

	// Compare orders two versions of this ecosystem.
	Compare(ctx context.Context, a, b string) (int, error)

	SupportsBatch() bool
}

// VirtualResolver is implemented by backends that can map a virtual name to
// the concrete packages providing it.
type VirtualResolver interface {
	Providers(ctx context.Context, item DesiredState) ([]string, error)
}

// Locker is implemented by backends that can hold packages at a version.
// Lock state is reported through CurrentState.Locked.
type Locker interface {
	Lock(ctx context.Context, targets []Target) error
	Unlock(ctx context.Context, targets []Target) error
}

// GroupBackend manages local groups.
type GroupBackend interface {
	Name() string
	Preflight(ctx context.Context) error

	// Current returns Exists=false for a missing group.
	Current(ctx context.Context, name string) (CurrentState, error)

	Create(ctx context.Context, name string, gid *int) error
	Remove(ctx context.Context, name string) error
	SetGID(ctx context.Context, name string, gid int) error
	AddMembers(ctx context.Context, name string, members []string) error
	RemoveMembers(ctx context.Context, name string, members []string) error
}

// MemberSetter is implemented by group backends that replace the whole
// membership in one command.
type MemberSetter interface {
	SetMembers(ctx context.Context, name string, members []string) error
}

// ServiceBackend manages system services.
type ServiceBackend interface {
	Name() string
	Preflight(ctx context.Context) error

	// Current returns Exists=false for an unknown service.
	Current(ctx context.Context, name string) (CurrentState, error)

	// Apply performs one of enable, disable, start, stop, restart, reload.
	Apply(ctx context.Context, action Action, name string) error
}
