package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfroyo/converge/pkg/runner"
	"github.com/openfroyo/converge/pkg/version"
)

type applyCall struct {
	action  Action
	targets []Target
}

// fakePackageBackend is an in-memory package manager.
type fakePackageBackend struct {
	mu sync.Mutex

	installed map[string]string
	locked    map[string]bool
	available map[string][]CandidateState
	providers map[string][]string

	batch        bool
	failApply    map[string]bool
	currentErr   error
	preflightErr error

	currentCalls   int
	candidateCalls int
	flushes        int
	applies        []applyCall
}

func newFakePackageBackend() *fakePackageBackend {
	return &fakePackageBackend{
		installed: make(map[string]string),
		locked:    make(map[string]bool),
		available: make(map[string][]CandidateState),
		providers: make(map[string][]string),
		failApply: make(map[string]bool),
		batch:     true,
	}
}

func (f *fakePackageBackend) withCandidate(name, v, source string) *fakePackageBackend {
	f.available[name] = append(f.available[name], CandidateState{
		Identity:         Identity{Name: name},
		AvailableVersion: ptr(v),
		ResolutionSource: source,
	})
	return f
}

func (f *fakePackageBackend) Name() string { return "fake" }

func (f *fakePackageBackend) Preflight(context.Context) error { return f.preflightErr }

func (f *fakePackageBackend) CurrentStates(_ context.Context, items []DesiredState) ([]CurrentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentCalls++
	if f.currentErr != nil {
		return nil, f.currentErr
	}
	out := make([]CurrentResult, len(items))
	for i, it := range items {
		s := CurrentState{Identity: it.Identity, Locked: f.locked[it.Name]}
		if v, ok := f.installed[it.Name]; ok {
			s.InstalledVersion = ptr(v)
		}
		out[i] = CurrentResult{State: s}
	}
	return out, nil
}

func (f *fakePackageBackend) CandidateStates(_ context.Context, items []DesiredState) ([]CandidateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidateCalls++
	out := make([]CandidateResult, len(items))
	for i, it := range items {
		out[i] = CandidateResult{Candidates: f.available[it.Name]}
	}
	return out, nil
}

func (f *fakePackageBackend) Providers(_ context.Context, item DesiredState) ([]string, error) {
	return f.providers[item.Name], nil
}

func (f *fakePackageBackend) Apply(_ context.Context, action Action, targets []Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies = append(f.applies, applyCall{action: action, targets: targets})
	for _, t := range targets {
		if f.failApply[t.Name] {
			return &runner.ExitError{
				Argv:     []string{"fakepkg", string(action), t.Name},
				ExitCode: 1,
				Stdout:   "resolving dependencies",
				Stderr:   fmt.Sprintf("conflict on %s", t.Name),
			}
		}
	}
	for _, t := range targets {
		switch action {
		case ActionInstall, ActionUpgrade:
			f.installed[t.Name] = t.Version
		case ActionRemove, ActionPurge:
			delete(f.installed, t.Name)
		}
	}
	return nil
}

func (f *fakePackageBackend) Lock(_ context.Context, targets []Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies = append(f.applies, applyCall{action: ActionLock, targets: targets})
	for _, t := range targets {
		f.locked[t.Name] = true
	}
	return nil
}

func (f *fakePackageBackend) Unlock(_ context.Context, targets []Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies = append(f.applies, applyCall{action: ActionUnlock, targets: targets})
	for _, t := range targets {
		delete(f.locked, t.Name)
	}
	return nil
}

func (f *fakePackageBackend) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakePackageBackend) Compare(_ context.Context, a, b string) (int, error) {
	return version.CompareRPM(a, b), nil
}

func (f *fakePackageBackend) SupportsBatch() bool { return f.batch }

// lockless hides the Locker and VirtualResolver methods of a backend.
type lockless struct {
	PackageBackend
}

// countingSink counts notifications.
type countingSink struct {
	mu      sync.Mutex
	reports []*Report
}

func (s *countingSink) ResourceUpdated(_ context.Context, r *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

// fakeGroupBackend is an in-memory group database.
type fakeGroupBackend struct {
	groups map[string][]string
	gids   map[string]int
	calls  []string
}

func newFakeGroupBackend() *fakeGroupBackend {
	return &fakeGroupBackend{groups: make(map[string][]string), gids: make(map[string]int)}
}

func (f *fakeGroupBackend) Name() string                    { return "fakegroup" }
func (f *fakeGroupBackend) Preflight(context.Context) error { return nil }

func (f *fakeGroupBackend) Current(_ context.Context, name string) (CurrentState, error) {
	members, ok := f.groups[name]
	if !ok {
		return CurrentState{}, nil
	}
	s := CurrentState{Exists: true, Members: append([]string(nil), members...)}
	if gid, ok := f.gids[name]; ok {
		s.GID = ptr(gid)
	}
	return s, nil
}

func (f *fakeGroupBackend) Create(_ context.Context, name string, gid *int) error {
	f.calls = append(f.calls, "create "+name)
	f.groups[name] = nil
	if gid != nil {
		f.gids[name] = *gid
	}
	return nil
}

func (f *fakeGroupBackend) Remove(_ context.Context, name string) error {
	f.calls = append(f.calls, "remove "+name)
	delete(f.groups, name)
	delete(f.gids, name)
	return nil
}

func (f *fakeGroupBackend) SetGID(_ context.Context, name string, gid int) error {
	f.calls = append(f.calls, fmt.Sprintf("gid %s %d", name, gid))
	f.gids[name] = gid
	return nil
}

func (f *fakeGroupBackend) AddMembers(_ context.Context, name string, members []string) error {
	f.calls = append(f.calls, fmt.Sprintf("add %s %v", name, members))
	f.groups[name] = append(f.groups[name], members...)
	return nil
}

func (f *fakeGroupBackend) RemoveMembers(_ context.Context, name string, members []string) error {
	f.calls = append(f.calls, fmt.Sprintf("del %s %v", name, members))
	drop := toSet(members)
	var kept []string
	for _, m := range f.groups[name] {
		if !drop[m] {
			kept = append(kept, m)
		}
	}
	f.groups[name] = kept
	return nil
}

// settingGroupBackend replaces membership in one call.
type settingGroupBackend struct {
	*fakeGroupBackend
}

func (f settingGroupBackend) SetMembers(_ context.Context, name string, members []string) error {
	f.calls = append(f.calls, fmt.Sprintf("set %s %v", name, members))
	f.groups[name] = append([]string(nil), members...)
	return nil
}

// fakeServiceBackend is an in-memory service manager.
type fakeServiceBackend struct {
	services map[string]*CurrentState
	calls    []string
}

func (f *fakeServiceBackend) Name() string                    { return "fakesvc" }
func (f *fakeServiceBackend) Preflight(context.Context) error { return nil }

func (f *fakeServiceBackend) Current(_ context.Context, name string) (CurrentState, error) {
	s, ok := f.services[name]
	if !ok {
		return CurrentState{}, nil
	}
	return *s, nil
}

func (f *fakeServiceBackend) Apply(_ context.Context, action Action, name string) error {
	f.calls = append(f.calls, string(action)+" "+name)
	s := f.services[name]
	switch action {
	case ActionEnable:
		s.Enabled = true
	case ActionDisable:
		s.Enabled = false
	case ActionStart, ActionRestart:
		s.Running = true
	case ActionStop:
		s.Running = false
	}
	return nil
}
