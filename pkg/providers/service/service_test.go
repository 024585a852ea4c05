package service

import (
	"context"
	"testing"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/runner"
)

func TestSystemd_Current(t *testing.T) {
	tests := []struct {
		name        string
		enabled     runner.FakeResponse
		active      runner.FakeResponse
		wantExists  bool
		wantEnabled bool
		wantRunning bool
	}{
		{
			name:        "enabled and running",
			enabled:     runner.FakeResponse{Stdout: "enabled\n"},
			active:      runner.FakeResponse{Stdout: "active\n"},
			wantExists:  true,
			wantEnabled: true,
			wantRunning: true,
		},
		{
			name:       "disabled and stopped",
			enabled:    runner.FakeResponse{Stdout: "disabled\n", ExitCode: 1},
			active:     runner.FakeResponse{Stdout: "inactive\n", ExitCode: 3},
			wantExists: true,
		},
		{
			name:    "missing unit",
			enabled: runner.FakeResponse{ExitCode: 1, Stderr: "Failed to get unit file state for nope.service: No such file or directory\n"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := runner.NewFakeRunner().
				On([]string{"systemctl", "is-enabled"}, tt.enabled).
				On([]string{"systemctl", "is-active"}, tt.active)
			st, err := NewSystemd(fake, &runner.MemProbe{}).Current(context.Background(), "nginx")
			if err != nil {
				t.Fatalf("Current() error = %v", err)
			}
			if st.Exists != tt.wantExists || st.Enabled != tt.wantEnabled || st.Running != tt.wantRunning {
				t.Errorf("state = %+v, want exists=%v enabled=%v running=%v",
					st, tt.wantExists, tt.wantEnabled, tt.wantRunning)
			}
		})
	}
}

func TestSystemd_ApplyRejectsPackageActions(t *testing.T) {
	s := NewSystemd(runner.NewFakeRunner(), &runner.MemProbe{})
	if err := s.Apply(context.Background(), engine.ActionInstall, "nginx"); !engine.IsUnsupportedOperation(err) {
		t.Errorf("Apply(install) error = %v, want unsupported operation", err)
	}
}

func TestServiceEngine_StartThroughSystemd(t *testing.T) {
	fake := runner.NewFakeRunner().
		On([]string{"systemctl", "is-enabled"}, runner.FakeResponse{Stdout: "enabled\n"}).
		On([]string{"systemctl", "is-active"},
			runner.FakeResponse{Stdout: "inactive\n", ExitCode: 3},
			runner.FakeResponse{Stdout: "active\n"}).
		On([]string{"systemctl", "start"})
	eng := engine.NewServiceEngine(NewSystemd(fake, &runner.MemProbe{Tools: map[string]bool{"systemctl": true}}))

	req := engine.Request{
		RunID:    "run-1",
		Resource: "service[nginx]",
		Kind:     engine.KindService,
		Action:   engine.ActionStart,
		Items:    []engine.DesiredState{{Identity: engine.Identity{Name: "nginx"}}},
	}
	report, err := eng.Converge(context.Background(), req)
	if err != nil {
		t.Fatalf("Converge() error = %v", err)
	}
	if !report.Updated {
		t.Errorf("report should be updated: %+v", report.Items[0])
	}
	if n := fake.CallsWithPrefix("systemctl", "start", "nginx"); n != 1 {
		t.Errorf("start ran %d times, want 1", n)
	}

	report, err = eng.Converge(context.Background(), req)
	if err != nil {
		t.Fatalf("second Converge() error = %v", err)
	}
	if report.Updated {
		t.Error("second start should be a no-op")
	}
	if n := fake.CallsWithPrefix("systemctl", "start", "nginx"); n != 1 {
		t.Errorf("start ran %d times after second run, want 1", n)
	}
}

func TestRcctl_Current(t *testing.T) {
	tests := []struct {
		name        string
		service     string
		files       map[string]string
		check       runner.FakeResponse
		wantExists  bool
		wantEnabled bool
		wantRunning bool
	}{
		{
			name:    "base daemon enabled in rc.conf.local",
			service: "ntpd",
			files: map[string]string{
				"/etc/rc.d/ntpd":     "",
				"/etc/rc.conf":       "ntpd_flags=NO\n",
				"/etc/rc.conf.local": "ntpd_flags=\n",
			},
			check:       runner.FakeResponse{Stdout: "ntpd(ok)\n"},
			wantExists:  true,
			wantEnabled: true,
			wantRunning: true,
		},
		{
			name:    "package script not listed",
			service: "nginx",
			files: map[string]string{
				"/etc/rc.d/nginx": "",
				"/etc/rc.conf":    "ntpd_flags=NO\n",
			},
			check:      runner.FakeResponse{Stdout: "nginx(failed)\n", ExitCode: 1},
			wantExists: true,
		},
		{
			name:    "package script listed",
			service: "nginx",
			files: map[string]string{
				"/etc/rc.d/nginx":    "",
				"/etc/rc.conf":       "",
				"/etc/rc.conf.local": "pkg_scripts=\"postgresql nginx\"\n",
			},
			check:       runner.FakeResponse{ExitCode: 1},
			wantExists:  true,
			wantEnabled: true,
		},
		{
			name:    "unknown service",
			service: "nope",
			files:   map[string]string{"/etc/rc.conf": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := runner.NewFakeRunner().On([]string{"rcctl", "check"}, tt.check)
			r := NewRcctl(fake, &runner.MemProbe{Files: tt.files})
			st, err := r.Current(context.Background(), tt.service)
			if err != nil {
				t.Fatalf("Current() error = %v", err)
			}
			if st.Exists != tt.wantExists || st.Enabled != tt.wantEnabled || st.Running != tt.wantRunning {
				t.Errorf("state = %+v, want exists=%v enabled=%v running=%v",
					st, tt.wantExists, tt.wantEnabled, tt.wantRunning)
			}
		})
	}
}

func TestRcctl_Apply(t *testing.T) {
	fake := runner.NewFakeRunner().On([]string{"rcctl"})
	r := NewRcctl(fake, &runner.MemProbe{})
	if err := r.Apply(context.Background(), engine.ActionEnable, "nginx"); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if n := fake.CallsWithPrefix("rcctl", "enable", "nginx"); n != 1 {
		t.Errorf("rcctl enable ran %d times, want 1", n)
	}
}
