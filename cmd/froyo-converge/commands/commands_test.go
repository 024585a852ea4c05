package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/converge/pkg/engine"
)

// execute runs the root command with args against an empty settings file.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	settings := filepath.Join(dir, "converge.yaml")
	if err := os.WriteFile(settings, []byte("batch: false\n"), 0o644); err != nil {
		t.Fatalf("failed to write settings: %v", err)
	}

	cmd := newRootCommand("1.2.3", "abc123", "2026-01-01")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--settings", settings, "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"failures", errFailures, 2},
		{"wrapped failures", fmt.Errorf("run: %w", errFailures), 2},
		{"other error", errors.New("boom"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLoadSettingsFlags(t *testing.T) {
	t.Cleanup(func() {
		settingsPath, logLevel, dbPath, providerFlags = "", "", "", nil
	})

	dir := t.TempDir()
	settingsPath = filepath.Join(dir, "converge.yaml")
	if err := os.WriteFile(settingsPath, []byte("providers:\n  service: systemd\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	logLevel = "debug"
	dbPath = "none"
	providerFlags = []string{"package=apt"}

	s, err := loadSettings()
	if err != nil {
		t.Fatalf("loadSettings() error = %v", err)
	}
	if s.Telemetry.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", s.Telemetry.Logging.Level)
	}
	if s.Database.Path != "" {
		t.Errorf("database path = %q, want disabled", s.Database.Path)
	}
	if s.Providers[engine.KindPackage] != "apt" || s.Providers[engine.KindService] != "systemd" {
		t.Errorf("providers = %v", s.Providers)
	}

	providerFlags = []string{"package"}
	if _, err := loadSettings(); err == nil || !strings.Contains(err.Error(), "kind=name") {
		t.Errorf("expected kind=name error, got %v", err)
	}

	providerFlags = []string{"widget=x"}
	if _, err := loadSettings(); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestValidateCommand(t *testing.T) {
	decl := filepath.Join(t.TempDir(), "web.yaml")
	content := `
resources:
  - name: web
    kind: package
    action: install
    provider: apt
    items:
      - name: curl
  - name: nginx
    kind: service
    actions: [enable, start]
    items:
      - name: nginx
`
	if err := os.WriteFile(decl, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "validate", decl)
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	for _, want := range []string{"web", "apt", "enable,start", "(detect)", "2 resources in 1 files are valid"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("resources:\n  - name: x\n    kind: package\n    action: start\n    items:\n      - name: curl\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "validate", bad); err == nil || !strings.Contains(err.Error(), `invalid action "start"`) {
		t.Errorf("expected invalid action error, got %v", err)
	}
}

func TestReportCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "state", "converge.db")

	out, err := execute(t, "--db", db, "report")
	if err != nil {
		t.Fatalf("report error = %v", err)
	}
	if !strings.Contains(out, "RUN") || !strings.Contains(out, "STATUS") {
		t.Errorf("expected run table header, got:\n%s", out)
	}
	if _, err := os.Stat(db); err != nil {
		t.Errorf("expected database to be created: %v", err)
	}

	if _, err := execute(t, "--db", db, "report", "missing-run"); err == nil {
		t.Error("expected error for unknown run")
	}

	if _, err := execute(t, "--db", "none", "report"); err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Errorf("expected disabled error, got %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out, "froyo-converge 1.2.3 (commit abc123") {
		t.Errorf("unexpected output: %s", out)
	}
}
