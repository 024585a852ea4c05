package config

import (
	"fmt"
	"strings"

	"github.com/openfroyo/converge/pkg/engine"
)

// File is one declaration source.
type File struct {
	// Version is the declaration format version.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Resources are converged in order.
	Resources []Declaration `json:"resources" yaml:"resources" validate:"required,min=1,dive"`

	// SourceFiles lists the files that were read.
	SourceFiles []string `json:"-" yaml:"-"`
}

// Declaration is one declared resource.
type Declaration struct {
	// Name identifies the declaration in logs, reports and notifications.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Kind is package, group or service.
	Kind engine.Kind `json:"kind" yaml:"kind" validate:"required,oneof=package group service"`

	// Action is a single action. Services may list several in Actions,
	// which are converged one after the other.
	Action  engine.Action   `json:"action,omitempty" yaml:"action,omitempty"`
	Actions []engine.Action `json:"actions,omitempty" yaml:"actions,omitempty"`

	// Provider overrides platform detection, e.g. "apt" on a Debian
	// derivative the registry does not know.
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`

	Items []Item `json:"items" yaml:"items" validate:"required,min=1,dive"`
}

// Item is one declared identity.
type Item struct {
	Name  string `json:"name" yaml:"name" validate:"required"`
	Epoch string `json:"epoch,omitempty" yaml:"epoch,omitempty" validate:"omitempty,numeric"`
	Arch  string `json:"arch,omitempty" yaml:"arch,omitempty"`

	Version        string   `json:"version,omitempty" yaml:"version,omitempty"`
	Source         string   `json:"source,omitempty" yaml:"source,omitempty"`
	Options        []string `json:"options,omitempty" yaml:"options,omitempty"`
	AllowDowngrade *bool    `json:"allow_downgrade,omitempty" yaml:"allow_downgrade,omitempty"`

	GID             *int     `json:"gid,omitempty" yaml:"gid,omitempty" validate:"omitempty,min=0"`
	Members         []string `json:"members,omitempty" yaml:"members,omitempty" validate:"dive,required"`
	ExcludedMembers []string `json:"excluded_members,omitempty" yaml:"excluded_members,omitempty" validate:"dive,required"`
	Append          bool     `json:"append,omitempty" yaml:"append,omitempty"`
}

// ValidationError is a declaration problem with its location, if known.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ActionList returns the actions to converge in order.
func (d Declaration) ActionList() []engine.Action {
	if len(d.Actions) > 0 {
		return d.Actions
	}
	return []engine.Action{d.Action}
}

// DesiredStates converts the items.
func (d Declaration) DesiredStates() []engine.DesiredState {
	out := make([]engine.DesiredState, len(d.Items))
	for i, it := range d.Items {
		out[i] = engine.DesiredState{
			Identity: engine.Identity{
				Name:  it.Name,
				Epoch: it.Epoch,
				Arch:  it.Arch,
			},
			Version:         it.Version,
			Source:          it.Source,
			Options:         it.Options,
			AllowDowngrade:  it.AllowDowngrade,
			GID:             it.GID,
			Members:         it.Members,
			ExcludedMembers: it.ExcludedMembers,
			Append:          it.Append,
		}
	}
	return out
}

// Requests builds one engine request per action.
func (d Declaration) Requests(runID string, whyRun bool) []engine.Request {
	actions := d.ActionList()
	reqs := make([]engine.Request, 0, len(actions))
	for _, a := range actions {
		reqs = append(reqs, engine.Request{
			RunID:    runID,
			Resource: d.Name,
			Kind:     d.Kind,
			Action:   a,
			Items:    d.DesiredStates(),
			WhyRun:   whyRun,
		})
	}
	return reqs
}
