package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/converge/pkg/engine"
)

const webYAML = `
version: "1"
resources:
  - name: web-packages
    kind: package
    action: install
    items:
      - name: nginx
        version: ">= 1.22"
      - name: curl
        arch: x86_64
        options: ["--setopt=install_weak_deps=False"]
  - name: nginx-service
    kind: service
    actions: [enable, start]
    items:
      - name: nginx
  - name: staff
    kind: group
    action: create
    items:
      - name: staff
        gid: 1500
        members: [alice, bob]
        excluded_members: [mallory]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoader_LoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "web.yaml", webYAML)

	f, err := NewLoader().Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(f.Resources) != 3 {
		t.Fatalf("expected 3 resources, got %d", len(f.Resources))
	}
	if len(f.SourceFiles) != 1 || f.SourceFiles[0] != path {
		t.Errorf("SourceFiles = %v", f.SourceFiles)
	}

	pkgs := f.Resources[0]
	if pkgs.Kind != engine.KindPackage || pkgs.Action != engine.ActionInstall {
		t.Errorf("unexpected package declaration %+v", pkgs)
	}
	states := pkgs.DesiredStates()
	if states[0].Version != ">= 1.22" || states[1].Arch != "x86_64" || len(states[1].Options) != 1 {
		t.Errorf("unexpected desired states %+v", states)
	}

	group := f.Resources[2].DesiredStates()[0]
	if group.GID == nil || *group.GID != 1500 {
		t.Errorf("expected gid 1500, got %v", group.GID)
	}
	if len(group.Members) != 2 || len(group.ExcludedMembers) != 1 {
		t.Errorf("unexpected members %+v", group)
	}
}

func TestDeclaration_Requests(t *testing.T) {
	f, err := NewLoader().LoadBytes("web.yaml", []byte(webYAML))
	if err != nil {
		t.Fatalf("LoadBytes() error = %v", err)
	}

	reqs := f.Resources[1].Requests("run-1", true)
	if len(reqs) != 2 {
		t.Fatalf("expected one request per action, got %d", len(reqs))
	}
	for i, want := range []engine.Action{engine.ActionEnable, engine.ActionStart} {
		if reqs[i].Action != want {
			t.Errorf("request %d action = %s, want %s", i, reqs[i].Action, want)
		}
		if reqs[i].RunID != "run-1" || !reqs[i].WhyRun || reqs[i].Resource != "nginx-service" {
			t.Errorf("request %d = %+v", i, reqs[i])
		}
		if err := reqs[i].Validate(); err != nil {
			t.Errorf("request %d does not validate: %v", i, err)
		}
	}

	single := f.Resources[0].Requests("run-1", false)
	if len(single) != 1 || single[0].Action != engine.ActionInstall || len(single[0].Items) != 2 {
		t.Errorf("unexpected package requests %+v", single)
	}
}

func TestLoader_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "empty file",
			content: "",
			want:    "empty declaration file",
		},
		{
			name: "unknown field",
			content: `
resources:
  - name: x
    kind: package
    action: install
    packages: [nginx]
    items: [{name: nginx}]
`,
			want: "packages",
		},
		{
			name: "missing items",
			content: `
resources:
  - name: x
    kind: package
    action: install
`,
			want: "resources[0].items",
		},
		{
			name: "unknown kind",
			content: `
resources:
  - name: x
    kind: mount
    action: install
    items: [{name: /srv}]
`,
			want: "resources[0].kind",
		},
		{
			name: "action not valid for kind",
			content: `
resources:
  - name: x
    kind: package
    action: restart
    items: [{name: nginx}]
`,
			want: `invalid action "restart" for package`,
		},
		{
			name: "no action",
			content: `
resources:
  - name: x
    kind: service
    items: [{name: nginx}]
`,
			want: "one of action or actions is required",
		},
		{
			name: "action and actions",
			content: `
resources:
  - name: x
    kind: service
    action: start
    actions: [enable]
    items: [{name: nginx}]
`,
			want: "mutually exclusive",
		},
		{
			name: "action list on a package",
			content: `
resources:
  - name: x
    kind: package
    actions: [install, lock]
    items: [{name: nginx}]
`,
			want: "only services accept an action list",
		},
		{
			name: "duplicate resource names",
			content: `
resources:
  - name: x
    kind: package
    action: install
    items: [{name: nginx}]
  - name: x
    kind: package
    action: remove
    items: [{name: curl}]
`,
			want: `duplicate resource name "x"`,
		},
		{
			name: "duplicate package item",
			content: `
resources:
  - name: x
    kind: package
    action: install
    items: [{name: nginx}, {name: nginx}]
`,
			want: "duplicate item nginx",
		},
		{
			name: "non numeric epoch",
			content: `
resources:
  - name: x
    kind: package
    action: install
    items: [{name: nginx, epoch: one}]
`,
			want: "epoch",
		},
		{
			name: "negative gid",
			content: `
resources:
  - name: x
    kind: group
    action: create
    items: [{name: staff, gid: -1}]
`,
			want: "gid",
		},
	}

	loader := NewLoader()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.LoadBytes("decl.yaml", []byte(tt.content))
			if err == nil {
				t.Fatal("expected an error")
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.want)
			}
		})
	}
}

func TestLoader_LoadCUE(t *testing.T) {
	content := `
resources: [
	{
		name:   "db-packages"
		kind:   "package"
		action: "upgrade"
		items: [
			{name: "postgresql", epoch: "1", allow_downgrade: false},
			{name: "/tmp/pgtools.rpm", source: "/tmp/pgtools.rpm"},
		]
	},
	{
		name:    "postgresql"
		kind:    "service"
		actions: ["enable", "restart"]
		items: [{name: "postgresql"}]
	},
]
`
	f, err := NewLoader().LoadBytes("db.cue", []byte(content))
	if err != nil {
		t.Fatalf("LoadBytes() error = %v", err)
	}
	if len(f.Resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(f.Resources))
	}

	pkgs := f.Resources[0]
	if pkgs.Action != engine.ActionUpgrade {
		t.Errorf("action = %s, want upgrade", pkgs.Action)
	}
	first := pkgs.Items[0]
	if first.Epoch != "1" || first.AllowDowngrade == nil || *first.AllowDowngrade {
		t.Errorf("unexpected first item %+v", first)
	}
	if pkgs.Items[1].Source != "/tmp/pgtools.rpm" {
		t.Errorf("unexpected source %q", pkgs.Items[1].Source)
	}
	if got := f.Resources[1].ActionList(); len(got) != 2 || got[1] != engine.ActionRestart {
		t.Errorf("ActionList() = %v", got)
	}
}

func TestLoader_CUEInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "syntax error",
			content: `
resources: [
	{name: "x" kind: }
`,
		},
		{
			name: "action not valid for kind",
			content: `
resources: [{name: "x", kind: "group", action: "install", items: [{name: "staff"}]}]
`,
		},
		{
			name: "unknown field",
			content: `
resources: [{name: "x", kind: "package", action: "install", state: "present", items: [{name: "nginx"}]}]
`,
		},
		{
			name: "empty items",
			content: `
resources: [{name: "x", kind: "package", action: "install", items: []}]
`,
		},
	}

	loader := NewLoader()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.LoadBytes("bad.cue", []byte(tt.content))
			if err == nil {
				t.Fatal("expected an error")
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Errorf("expected ValidationErrors, got %T: %v", err, err)
			}
		})
	}
}

func TestLoader_LoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "20-services.yaml", `
resources:
  - name: nginx-service
    kind: service
    action: start
    items: [{name: nginx}]
`)
	writeFile(t, dir, "10-packages.cue", `
resources: [{name: "web-packages", kind: "package", action: "install", items: [{name: "nginx"}]}]
`)
	writeFile(t, dir, "README.md", "not a declaration")

	f, err := NewLoader().Load(context.Background(), dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(f.SourceFiles) != 2 {
		t.Errorf("expected 2 source files, got %v", f.SourceFiles)
	}
	if len(f.Resources) != 2 || f.Resources[0].Name != "web-packages" || f.Resources[1].Name != "nginx-service" {
		t.Errorf("resources not merged in file name order: %+v", f.Resources)
	}
}

func TestLoader_DuplicateAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.yaml", `
resources:
  - {name: web, kind: package, action: install, items: [{name: nginx}]}
`)
	b := writeFile(t, dir, "b.yaml", `
resources:
  - {name: web, kind: package, action: remove, items: [{name: nginx}]}
`)

	_, err := NewLoader().Load(context.Background(), a, b)
	if err == nil || !strings.Contains(err.Error(), "duplicate resource name") {
		t.Errorf("expected duplicate resource error, got %v", err)
	}
}

func TestLoader_Sources(t *testing.T) {
	loader := NewLoader()
	ctx := context.Background()

	if _, err := loader.Load(ctx); err == nil {
		t.Error("expected an error without sources")
	}
	if _, err := loader.Load(ctx, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
	if _, err := loader.Load(ctx, t.TempDir()); err == nil {
		t.Error("expected an error for an empty directory")
	}
	if _, err := loader.LoadBytes("decl.toml", []byte("x = 1")); err == nil {
		t.Error("expected an error for an unsupported extension")
	}
}
