package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is the resource family a request targets.
type Kind string

const (
	KindPackage Kind = "package"
	KindGroup   Kind = "group"
	KindService Kind = "service"
)

// Action is a requested or decided action.
type Action string

const (
	// ActionNothing is the decision when current state already satisfies
	// the declaration.
	ActionNothing Action = "nothing"

	// Package actions.
	ActionInstall Action = "install"
	ActionUpgrade Action = "upgrade"
	ActionRemove  Action = "remove"
	ActionPurge   Action = "purge"
	ActionLock    Action = "lock"
	ActionUnlock  Action = "unlock"

	// Group actions. Groups also use ActionRemove.
	ActionCreate Action = "create"
	ActionManage Action = "manage"
	ActionModify Action = "modify"

	// Service actions.
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionReload  Action = "reload"
)

var kindActions = map[Kind][]Action{
	KindPackage: {ActionInstall, ActionUpgrade, ActionRemove, ActionPurge, ActionLock, ActionUnlock, ActionNothing},
	KindGroup:   {ActionCreate, ActionManage, ActionModify, ActionRemove, ActionNothing},
	KindService: {ActionEnable, ActionDisable, ActionStart, ActionStop, ActionRestart, ActionReload, ActionNothing},
}

// ValidAction reports whether a is a known action for kind k.
func ValidAction(k Kind, a Action) bool {
	for _, candidate := range kindActions[k] {
		if candidate == a {
			return true
		}
	}
	return false
}

// Phase is the convergence state of one identity.
type Phase string

const (
	PhaseUnresolved     Phase = "UNRESOLVED"
	PhaseCurrentKnown   Phase = "CURRENT_KNOWN"
	PhaseCandidateKnown Phase = "CANDIDATE_KNOWN"
	PhaseActionDecided  Phase = "ACTION_DECIDED"
	PhaseApplied        Phase = "APPLIED"
	PhaseVerified       Phase = "VERIFIED"
	PhaseError          Phase = "ERROR"
)

// Identity names a package, group or service within one provider.
type Identity struct {
	// Name is the package, group or service name.
	Name string `json:"name" yaml:"name"`

	// Epoch is an optional package epoch.
	Epoch string `json:"epoch,omitempty" yaml:"epoch,omitempty"`

	// Arch is an optional package architecture.
	Arch string `json:"arch,omitempty" yaml:"arch,omitempty"`
}

// String renders name[.arch].
func (i Identity) String() string {
	if i.Arch != "" {
		return i.Name + "." + i.Arch
	}
	return i.Name
}

// DesiredState is one declared identity. It is not modified by the engine.
type DesiredState struct {
	Identity

	// Version is the version constraint. Empty means latest. A bare
	// version pins; a leading operator (>=, <=, >, <, =) makes a range.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Source is an optional locator, e.g. a local package file.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	// Options are passed through to the native tool.
	Options []string `json:"options,omitempty" yaml:"options,omitempty"`

	// AllowDowngrade overrides the per-action default: true for a pinned
	// install, false for upgrade.
	AllowDowngrade *bool `json:"allow_downgrade,omitempty" yaml:"allow_downgrade,omitempty"`

	// GID is the desired group id.
	GID *int `json:"gid,omitempty" yaml:"gid,omitempty"`

	// Members and ExcludedMembers apply to groups.
	Members         []string `json:"members,omitempty" yaml:"members,omitempty"`
	ExcludedMembers []string `json:"excluded_members,omitempty" yaml:"excluded_members,omitempty"`

	// Append selects additive membership instead of full replacement.
	Append bool `json:"append,omitempty" yaml:"append,omitempty"`
}

// Pinned reports whether Version names a version or range.
func (d DesiredState) Pinned() bool {
	return strings.TrimSpace(d.Version) != ""
}

// CurrentState is what is on the host. It is only ever replaced by
// re-querying.
type CurrentState struct {
	Identity

	// InstalledVersion is nil when the package is not installed.
	InstalledVersion *string `json:"installed_version,omitempty"`

	// Locked is true when the package is held at its version.
	Locked bool `json:"locked,omitempty"`

	// Exists reports whether a group or service exists.
	Exists bool `json:"exists"`

	GID     *int     `json:"gid,omitempty"`
	Members []string `json:"members,omitempty"`

	Enabled bool `json:"enabled,omitempty"`
	Running bool `json:"running,omitempty"`
}

// Installed reports whether a package is installed.
func (c CurrentState) Installed() bool {
	return c.InstalledVersion != nil
}

// Version returns the installed version or "".
func (c CurrentState) Version() string {
	if c.InstalledVersion == nil {
		return ""
	}
	return *c.InstalledVersion
}

// Equal compares two observed states, treating member lists as sets.
func (c CurrentState) Equal(o CurrentState) bool {
	if c.Version() != o.Version() || c.Installed() != o.Installed() {
		return false
	}
	if c.Locked != o.Locked || c.Exists != o.Exists || c.Enabled != o.Enabled || c.Running != o.Running {
		return false
	}
	if (c.GID == nil) != (o.GID == nil) || (c.GID != nil && *c.GID != *o.GID) {
		return false
	}
	return sameSet(c.Members, o.Members)
}

// SourceDefault is the ResolutionSource of candidates found by the default
// repository lookup.
const SourceDefault = "default"

// CandidateState is what could be installed. AvailableVersion is nil when
// nothing is available.
type CandidateState struct {
	Identity

	AvailableVersion *string `json:"available_version,omitempty"`

	// ResolutionSource names where the candidate came from: SourceDefault,
	// a repository id or a local file.
	ResolutionSource string `json:"resolution_source,omitempty"`
}

// Version returns the available version or "".
func (c *CandidateState) Version() string {
	if c == nil || c.AvailableVersion == nil {
		return ""
	}
	return *c.AvailableVersion
}

// Request is one convergence invocation.
type Request struct {
	// RunID groups the reports of one agent run.
	RunID string `json:"run_id"`

	// Resource is the declaration name, used in logs and notifications.
	Resource string `json:"resource"`

	Kind   Kind   `json:"kind"`
	Action Action `json:"action"`

	// Items are the declared identities. Package requests may carry many;
	// they are resolved and applied as a batch.
	Items []DesiredState `json:"items"`

	// WhyRun decides but never mutates.
	WhyRun bool `json:"why_run,omitempty"`
}

// Validate checks the request shape.
func (r *Request) Validate() error {
	if !ValidAction(r.Kind, r.Action) {
		return NewValidationError(fmt.Sprintf("invalid action %q for %s", r.Action, r.Kind)).WithResource(r.Resource)
	}
	if len(r.Items) == 0 {
		return NewValidationError("at least one item is required").WithResource(r.Resource)
	}
	seen := make(map[Identity]bool, len(r.Items))
	for _, it := range r.Items {
		if strings.TrimSpace(it.Name) == "" {
			return NewValidationError("item name is required").WithResource(r.Resource)
		}
		if seen[it.Identity] {
			return NewValidationError(fmt.Sprintf("duplicate item %s", it.Identity)).WithResource(r.Resource)
		}
		seen[it.Identity] = true
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

func sameSet(a, b []string) bool {
	x, y := toSet(a), toSet(b)
	if len(x) != len(y) {
		return false
	}
	for k := range x {
		if !y[k] {
			return false
		}
	}
	return true
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			s[it] = true
		}
	}
	return s
}

func sortedKeys(s map[string]bool) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
