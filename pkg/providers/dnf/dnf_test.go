package dnf

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"reflect"
	"testing"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/helper"
	"github.com/openfroyo/converge/pkg/parsers"
	"github.com/openfroyo/converge/pkg/runner"
)

// serverQuerier answers queries with an in-process helper server. Restart
// replaces the server, dropping its cache like a respawned helper.
type serverQuerier struct {
	runner   runner.Runner
	srv      *helper.Server
	restarts int
}

func newServerQuerier(r runner.Runner) *serverQuerier {
	return &serverQuerier{runner: r, srv: helper.NewServer(r, "test")}
}

func (q *serverQuerier) call(ctx context.Context, action helper.Action, params, out interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	res, err := q.srv.Handle(ctx, &helper.Request{ID: "t", Action: action, Params: raw})
	if err != nil {
		return err
	}
	return json.Unmarshal(res, out)
}

func (q *serverQuerier) WhatInstalled(ctx context.Context, p helper.QueryParams) ([]parsers.RPMPackage, error) {
	var res helper.QueryResult
	err := q.call(ctx, helper.ActionWhatInstalled, p, &res)
	return res.Packages, err
}

func (q *serverQuerier) WhatAvailable(ctx context.Context, p helper.QueryParams) ([]parsers.RPMPackage, error) {
	var res helper.QueryResult
	err := q.call(ctx, helper.ActionWhatAvailable, p, &res)
	return res.Packages, err
}

func (q *serverQuerier) Compare(ctx context.Context, a, b string) (int, error) {
	var res helper.CompareResult
	err := q.call(ctx, helper.ActionVersionCompare, helper.CompareParams{A: a, B: b}, &res)
	return res.Result, err
}

func (q *serverQuerier) Restart() {
	q.restarts++
	q.srv = helper.NewServer(q.runner, "test")
}

func rpmQ(name string) []string {
	return []string{"rpm", "-q", "--queryformat", parsers.RPMQueryFormat, name}
}

func repoquery(name string) []string {
	return []string{"dnf", "repoquery", "-q", "--queryformat", parsers.RepoqueryFormat, "--latest-limit=1", name}
}

var notInstalled = runner.FakeResponse{ExitCode: 1, Stdout: "package x is not installed\n"}

func newProbe(files ...string) *runner.MemProbe {
	p := &runner.MemProbe{Files: map[string]string{}, Tools: map[string]bool{"dnf": true, "rpm": true}}
	for _, f := range files {
		p.Files[f] = ""
	}
	return p
}

func TestBackend_CurrentStates(t *testing.T) {
	fake := runner.NewFakeRunner().
		On(rpmQ("nginx"), runner.FakeResponse{Stdout: "nginx 1 1.20.1 14.el9 x86_64\n"}).
		On(rpmQ("vim-enhanced"), notInstalled).
		On([]string{"dnf", "-q", "versionlock", "list"}, runner.FakeResponse{Stdout: "nginx-1:1.20.1-14.el9.*\n"})
	b := New(fake, newProbe(VersionlockConf), newServerQuerier(fake), WithInProcessCompare(true))

	items := []engine.DesiredState{
		{Identity: engine.Identity{Name: "vim-enhanced"}},
		{Identity: engine.Identity{Name: "nginx"}},
	}
	results, err := b.CurrentStates(context.Background(), items)
	if err != nil {
		t.Fatalf("CurrentStates() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	if results[0].State.Installed() {
		t.Errorf("vim-enhanced should not be installed: %+v", results[0].State)
	}
	nginx := results[1].State
	if nginx.Name != "nginx" || nginx.Version() != "1:1.20.1-14.el9" {
		t.Errorf("nginx state = %+v", nginx)
	}
	if !nginx.Locked {
		t.Error("nginx should be reported as locked")
	}
	if n := fake.CallsWithPrefix("dnf", "-q", "versionlock", "list"); n != 1 {
		t.Errorf("versionlock list ran %d times, want 1", n)
	}
}

func TestBackend_CurrentStatesSkipsLocksWithoutPlugin(t *testing.T) {
	fake := runner.NewFakeRunner().On(rpmQ("tmux"), notInstalled)
	b := New(fake, newProbe(), newServerQuerier(fake))

	if _, err := b.CurrentStates(context.Background(), []engine.DesiredState{{Identity: engine.Identity{Name: "tmux"}}}); err != nil {
		t.Fatalf("CurrentStates() error = %v", err)
	}
	if n := fake.CallsWithPrefix("dnf", "-q", "versionlock"); n != 0 {
		t.Errorf("versionlock ran %d times without the plugin", n)
	}
}

func TestBackend_CandidateStates(t *testing.T) {
	fake := runner.NewFakeRunner().
		On(repoquery("tmux"), runner.FakeResponse{Stdout: "tmux 0 3.3a 3.el9 x86_64 appstream\n"}).
		On(repoquery("ghost"), runner.FakeResponse{})
	b := New(fake, newProbe(), newServerQuerier(fake))

	results, err := b.CandidateStates(context.Background(), []engine.DesiredState{
		{Identity: engine.Identity{Name: "tmux"}},
		{Identity: engine.Identity{Name: "ghost"}},
	})
	if err != nil {
		t.Fatalf("CandidateStates() error = %v", err)
	}
	if got := results[0].Candidates; len(got) != 1 || got[0].Version() != "3.3a-3.el9" || got[0].ResolutionSource != engine.SourceDefault {
		t.Errorf("tmux candidates = %+v", got)
	}
	if len(results[1].Candidates) != 0 {
		t.Errorf("ghost should have no candidates, got %+v", results[1].Candidates)
	}
}

func TestBackend_CandidateFromSource(t *testing.T) {
	fake := runner.NewFakeRunner().
		On([]string{"rpm", "-qp", "--queryformat", parsers.RPMQueryFormat, "/tmp/foo.rpm"},
			runner.FakeResponse{Stdout: "foo 0 2.0 1 noarch\n"})
	b := New(fake, newProbe(), newServerQuerier(fake))
	ctx := context.Background()

	results, err := b.CandidateStates(ctx, []engine.DesiredState{{Identity: engine.Identity{Name: "foo"}, Source: "/tmp/foo.rpm"}})
	if err != nil {
		t.Fatalf("CandidateStates() error = %v", err)
	}
	if got := results[0].Candidates; len(got) != 1 || got[0].Version() != "2.0-1" || got[0].ResolutionSource != "/tmp/foo.rpm" {
		t.Errorf("candidates = %+v", got)
	}

	results, _ = b.CandidateStates(ctx, []engine.DesiredState{{Identity: engine.Identity{Name: "bar"}, Source: "/tmp/foo.rpm"}})
	if !engine.IsValidation(results[0].Err) {
		t.Errorf("mismatched source err = %v, want validation error", results[0].Err)
	}
}

func TestBackend_Providers(t *testing.T) {
	fake := runner.NewFakeRunner().
		On([]string{"dnf", "repoquery", "-q", "--queryformat", parsers.RepoqueryFormat, "--latest-limit=1", "--whatprovides", "webserver"},
			runner.FakeResponse{Stdout: "nginx 1 1.20.1 14.el9 x86_64 appstream\nnginx 1 1.20.1 14.el9 aarch64 appstream\n"})
	b := New(fake, newProbe(), newServerQuerier(fake))

	got, err := b.Providers(context.Background(), engine.DesiredState{Identity: engine.Identity{Name: "webserver"}})
	if err != nil {
		t.Fatalf("Providers() error = %v", err)
	}
	if !reflect.DeepEqual(got, []string{"nginx"}) {
		t.Errorf("Providers() = %v, want [nginx]", got)
	}
}

func TestBackend_ApplyArgv(t *testing.T) {
	tests := []struct {
		name    string
		action  engine.Action
		targets []engine.Target
		want    []string
	}{
		{
			name:   "install batch",
			action: engine.ActionInstall,
			targets: []engine.Target{
				{Identity: engine.Identity{Name: "tmux"}, Version: "3.3a-3.el9", Options: []string{"--enablerepo=crb"}},
				{Identity: engine.Identity{Name: "nginx", Arch: "x86_64"}, Version: "1:1.20.1-14.el9", Options: []string{"--enablerepo=crb"}},
			},
			want: []string{"dnf", "-y", "install", "--enablerepo=crb", "tmux-3.3a-3.el9", "nginx-1:1.20.1-14.el9.x86_64"},
		},
		{
			name:    "upgrade from file",
			action:  engine.ActionUpgrade,
			targets: []engine.Target{{Identity: engine.Identity{Name: "foo"}, Version: "2.0-1", Source: "/tmp/foo.rpm"}},
			want:    []string{"dnf", "-y", "install", "/tmp/foo.rpm"},
		},
		{
			name:    "purge removes",
			action:  engine.ActionPurge,
			targets: []engine.Target{{Identity: engine.Identity{Name: "foo", Arch: "noarch"}, Version: "2.0-1"}},
			want:    []string{"dnf", "-y", "remove", "foo.noarch"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := runner.NewFakeRunner().On([]string{"dnf", "-y"})
			b := New(fake, newProbe(), newServerQuerier(fake))
			if err := b.Apply(context.Background(), tt.action, tt.targets); err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			calls := fake.Calls()
			if len(calls) != 1 {
				t.Fatalf("got %d commands, want 1", len(calls))
			}
			if !reflect.DeepEqual(calls[0].Argv, tt.want) {
				t.Errorf("argv = %v, want %v", calls[0].Argv, tt.want)
			}
		})
	}
}

func TestBackend_ApplyFailureIsToolExecution(t *testing.T) {
	fake := runner.NewFakeRunner().On([]string{"dnf", "-y"}, runner.FakeResponse{ExitCode: 1, Stderr: "No match for argument: nope"})
	b := New(fake, newProbe(), newServerQuerier(fake))

	err := b.Apply(context.Background(), engine.ActionInstall, []engine.Target{{Identity: engine.Identity{Name: "nope"}}})
	if !engine.IsToolExecution(err) {
		t.Fatalf("Apply() error = %v, want tool execution error", err)
	}
}

func TestBackend_LockUnlock(t *testing.T) {
	fake := runner.NewFakeRunner().On([]string{"dnf", "-q", "versionlock"})
	b := New(fake, newProbe(), newServerQuerier(fake))
	ctx := context.Background()
	targets := []engine.Target{{Identity: engine.Identity{Name: "nginx"}, Version: "1:1.20.1-14.el9"}}

	if err := b.Lock(ctx, targets); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if err := b.Unlock(ctx, targets); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	calls := fake.Calls()
	want := [][]string{
		{"dnf", "-q", "versionlock", "add", "nginx-1:1.20.1-14.el9"},
		{"dnf", "-q", "versionlock", "delete", "nginx"},
	}
	for i, w := range want {
		if !reflect.DeepEqual(calls[i].Argv, w) {
			t.Errorf("call %d = %v, want %v", i, calls[i].Argv, w)
		}
	}
}

func TestBackend_Preflight(t *testing.T) {
	probe := &runner.MemProbe{Tools: map[string]bool{"rpm": true}}
	b := New(runner.NewFakeRunner(), probe, nil)
	if err := b.Preflight(context.Background()); !engine.IsToolUnavailable(err) {
		t.Errorf("Preflight() error = %v, want tool unavailable", err)
	}
}

func TestBackend_FlushRestartsHelper(t *testing.T) {
	fake := runner.NewFakeRunner()
	q := newServerQuerier(fake)
	b := New(fake, newProbe(), q)
	if err := b.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if q.restarts != 1 {
		t.Errorf("restarts = %d, want 1", q.restarts)
	}
}

func TestWithEpoch(t *testing.T) {
	tests := []struct {
		constraint, epoch, want string
	}{
		{"", "2", ""},
		{"1.0", "", "1.0"},
		{"1.0", "2", "2:1.0"},
		{">= 1.0", "2", ">=2:1.0"},
		{"3:1.0", "2", "3:1.0"},
	}
	for _, tt := range tests {
		if got := withEpoch(tt.constraint, tt.epoch); got != tt.want {
			t.Errorf("withEpoch(%q, %q) = %q, want %q", tt.constraint, tt.epoch, got, tt.want)
		}
	}
}

func TestPackageEngine_InstallThroughDnf(t *testing.T) {
	fake := runner.NewFakeRunner().
		On(rpmQ("tmux"), notInstalled, runner.FakeResponse{Stdout: "tmux 0 3.3a 3.el9 x86_64\n"}).
		On(repoquery("tmux"), runner.FakeResponse{Stdout: "tmux 0 3.3a 3.el9 x86_64 appstream\n"}).
		On([]string{"dnf", "-y", "install"})
	q := newServerQuerier(fake)
	eng := engine.NewPackageEngine(New(fake, newProbe(), q, WithInProcessCompare(true)))

	report, err := eng.Converge(context.Background(), engine.Request{
		RunID:    "run-1",
		Resource: "package[tmux]",
		Kind:     engine.KindPackage,
		Action:   engine.ActionInstall,
		Items:    []engine.DesiredState{{Identity: engine.Identity{Name: "tmux"}}},
	})
	if err != nil {
		t.Fatalf("Converge() error = %v", err)
	}
	if !report.Updated {
		t.Errorf("report should be updated: %+v", report.Items[0])
	}
	if got := report.Items[0].After; got == nil || got.Version() != "3.3a-3.el9" {
		t.Errorf("After = %+v", got)
	}
	if q.restarts != 1 {
		t.Errorf("helper restarts = %d, want 1", q.restarts)
	}

	var install []string
	for _, c := range fake.Calls() {
		if len(c.Argv) > 2 && c.Argv[2] == "install" {
			install = c.Argv
		}
	}
	if !reflect.DeepEqual(install, []string{"dnf", "-y", "install", "tmux-3.3a-3.el9"}) {
		t.Errorf("install argv = %v", install)
	}
}

type missingSpawner struct {
	argv [][]string
}

func (s *missingSpawner) Spawn(_ context.Context, argv []string, _ map[string]string) (runner.Process, error) {
	s.argv = append(s.argv, argv)
	return nil, &runner.ToolMissingError{Tool: argv[0], Err: errors.New("not found")}
}

type countingUploader struct {
	local []string
}

func (u *countingUploader) Upload(_ context.Context, localPath, _ string, _ os.FileMode) error {
	u.local = append(u.local, localPath)
	return nil
}

func TestFactory_UploadsHelperToRemoteHost(t *testing.T) {
	fake := runner.NewFakeRunner().
		On([]string{"sh", "-c"}, runner.FakeResponse{ExitCode: 1}).
		On([]string{"install"}).
		On([]string{"rm", "-f"})
	sp := &missingSpawner{}
	up := &countingUploader{}

	backend, err := Factory(engine.Deps{
		Runner:   fake,
		Spawner:  sp,
		Probe:    newProbe(),
		Uploader: up,
		Settings: engine.ProviderSettings{
			HelperCommand:     []string{"froyo-pkghelper"},
			HelperUpload:      "/opt/froyo/froyo-pkghelper",
			HelperInstallPath: "/usr/libexec/froyo-pkghelper",
		},
	})
	if err != nil {
		t.Fatalf("Factory() error = %v", err)
	}
	b := backend.(*Backend)
	defer b.Close()

	_ = b.query.(*helper.Client).Ping(context.Background())

	if len(up.local) != 1 || up.local[0] != "/opt/froyo/froyo-pkghelper" {
		t.Errorf("uploads = %v", up.local)
	}
	if len(sp.argv) == 0 || sp.argv[0][0] != "/usr/libexec/froyo-pkghelper" {
		t.Errorf("spawned %v, want the installed helper", sp.argv)
	}
}

func TestFactory_LocalHostSpawnsDirectly(t *testing.T) {
	sp := &missingSpawner{}
	backend, err := Factory(engine.Deps{
		Runner:   runner.NewFakeRunner(),
		Spawner:  sp,
		Probe:    newProbe(),
		Settings: engine.ProviderSettings{HelperUpload: "/opt/froyo/froyo-pkghelper"},
	})
	if err != nil {
		t.Fatalf("Factory() error = %v", err)
	}
	b := backend.(*Backend)
	defer b.Close()

	_ = b.query.(*helper.Client).Ping(context.Background())
	if len(sp.argv) == 0 || sp.argv[0][0] != "froyo-pkghelper" {
		t.Errorf("spawned %v", sp.argv)
	}
}
