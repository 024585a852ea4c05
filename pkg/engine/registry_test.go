package engine

import (
	"testing"

	"github.com/openfroyo/converge/pkg/runner"
)

func TestDetectPlatform(t *testing.T) {
	tests := []struct {
		name     string
		files    map[string]string
		goos     string
		wantID   string
		wantLike string
	}{
		{
			name:     "rocky",
			files:    map[string]string{"/etc/os-release": "ID=\"rocky\"\nID_LIKE=\"rhel centos fedora\"\nVERSION_ID=\"9.3\"\n"},
			goos:     "linux",
			wantID:   "rocky",
			wantLike: "fedora",
		},
		{
			name:     "ubuntu from usr lib",
			files:    map[string]string{"/usr/lib/os-release": "ID=ubuntu\nID_LIKE=debian\n"},
			goos:     "linux",
			wantID:   "ubuntu",
			wantLike: "debian",
		},
		{
			name:   "openbsd without os-release",
			files:  map[string]string{},
			goos:   "openbsd",
			wantID: "openbsd",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DetectPlatform(&runner.MemProbe{Files: tt.files}, tt.goos)
			if p.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", p.ID, tt.wantID)
			}
			if tt.wantLike != "" && !p.Is(tt.wantLike) {
				t.Errorf("platform %+v should be like %s", p, tt.wantLike)
			}
			if p.OS != tt.goos {
				t.Errorf("OS = %q, want %q", p.OS, tt.goos)
			}
		})
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry()
	r.RegisterPackage("dnf", 10, MatchFamily("rhel", "fedora"), func(Deps) (PackageBackend, error) {
		return newFakePackageBackend(), nil
	})
	r.RegisterPackage("apt", 10, MatchFamily("debian"), func(Deps) (PackageBackend, error) {
		return newFakePackageBackend(), nil
	})
	r.RegisterService("systemd", 10, MatchOS("linux"), func(Deps) (ServiceBackend, error) {
		return &fakeServiceBackend{}, nil
	})
	r.RegisterService("rcctl", 20, MatchOS("openbsd"), func(Deps) (ServiceBackend, error) {
		return &fakeServiceBackend{}, nil
	})

	rocky := Platform{OS: "linux", ID: "rocky", Like: []string{"rhel", "centos", "fedora"}}
	ubuntu := Platform{OS: "linux", ID: "ubuntu", Like: []string{"debian"}}
	openbsd := Platform{OS: "openbsd", ID: "openbsd"}

	tests := []struct {
		name     string
		kind     Kind
		platform Platform
		override string
		want     string
		wantErr  bool
	}{
		{name: "rhel family", kind: KindPackage, platform: rocky, want: "dnf"},
		{name: "debian family", kind: KindPackage, platform: ubuntu, want: "apt"},
		{name: "override", kind: KindPackage, platform: ubuntu, override: "dnf", want: "dnf"},
		{name: "unknown override", kind: KindPackage, platform: ubuntu, override: "yum", wantErr: true},
		{name: "no package provider", kind: KindPackage, platform: openbsd, wantErr: true},
		{name: "openbsd service", kind: KindService, platform: openbsd, want: "rcctl"},
		{name: "linux service", kind: KindService, platform: rocky, want: "systemd"},
		{name: "no group provider", kind: KindGroup, platform: rocky, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Lookup(tt.kind, tt.platform, tt.override)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Lookup() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Lookup() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegistry_NewEngine(t *testing.T) {
	r := NewRegistry()
	r.RegisterGroup("fakegroup", 0, nil, func(Deps) (GroupBackend, error) {
		return newFakeGroupBackend(), nil
	})

	eng, name, err := r.NewEngine(KindGroup, Platform{OS: "linux"}, "", Deps{})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if name != "fakegroup" {
		t.Errorf("provider = %q", name)
	}
	if _, ok := eng.(*GroupEngine); !ok {
		t.Errorf("engine type = %T, want *GroupEngine", eng)
	}

	if _, _, err := r.NewEngine(Kind("file"), Platform{}, "", Deps{}); !IsValidation(err) {
		t.Errorf("unknown kind error = %v, want VALIDATION_ERROR", err)
	}
}
