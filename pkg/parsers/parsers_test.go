package parsers

import (
	"reflect"
	"testing"
)

func TestParseRPMQuery(t *testing.T) {
	out := `nginx 1 1.20.1 14.el9 x86_64 appstream
package bash-completion is not installed
curl 0 7.76.1 26.el9 x86_64 @System
broken line
`
	pkgs := ParseRPMQuery(out)
	if len(pkgs) != 2 {
		t.Fatalf("ParseRPMQuery() returned %d rows, want 2", len(pkgs))
	}
	if pkgs[0].EVR() != "1:1.20.1-14.el9" {
		t.Errorf("EVR() = %q", pkgs[0].EVR())
	}
	if pkgs[0].NEVRA() != "nginx-1:1.20.1-14.el9.x86_64" {
		t.Errorf("NEVRA() = %q", pkgs[0].NEVRA())
	}
	if pkgs[1].EVR() != "7.76.1-26.el9" || pkgs[1].Repo != "@System" {
		t.Errorf("second row = %+v", pkgs[1])
	}
}

func TestDistinctNames(t *testing.T) {
	pkgs := []RPMPackage{{Name: "a"}, {Name: "b"}, {Name: "a"}}
	if got := DistinctNames(pkgs); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("DistinctNames() = %v", got)
	}
}

func TestParseVersionlockList(t *testing.T) {
	out := `Last metadata expiration check: 0:01:02 ago.
nginx-1:1.20.1-14.el9.*
python3-libs-0:3.9.18-1.el9.*
`
	locked := ParseVersionlockList(out)
	if !locked["nginx"] || !locked["python3-libs"] || len(locked) != 2 {
		t.Errorf("ParseVersionlockList() = %v", locked)
	}
}

func TestParseAptCachePolicy(t *testing.T) {
	out := `vim:
  Installed: 2:8.2.3995-1ubuntu2
  Candidate: 2:8.2.3995-1ubuntu2.15
  Version table:
     2:8.2.3995-1ubuntu2.15 500
        500 http://archive.ubuntu.com/ubuntu jammy-updates/main amd64 Packages
 *** 2:8.2.3995-1ubuntu2 100
        100 /var/lib/dpkg/status
mail-transport-agent:
  Installed: (none)
  Candidate: (none)
  Version table:
curl:
  Installed: (none)
  Candidate: 7.81.0-1ubuntu1.15
  Version table:
     7.81.0-1ubuntu1.15 500
        500 http://archive.ubuntu.com/ubuntu jammy-updates/main amd64 Packages
`
	got := ParseAptCachePolicy(out)
	if len(got) != 3 {
		t.Fatalf("got %d sections, want 3", len(got))
	}

	vim := got["vim"]
	if vim.Installed == nil || *vim.Installed != "2:8.2.3995-1ubuntu2" {
		t.Errorf("vim installed = %v", vim.Installed)
	}
	if vim.Candidate == nil || *vim.Candidate != "2:8.2.3995-1ubuntu2.15" {
		t.Errorf("vim candidate = %v", vim.Candidate)
	}
	if !reflect.DeepEqual(vim.Versions, []string{"2:8.2.3995-1ubuntu2.15", "2:8.2.3995-1ubuntu2"}) {
		t.Errorf("vim versions = %v", vim.Versions)
	}

	if !got["mail-transport-agent"].Virtual() {
		t.Error("mail-transport-agent should look virtual")
	}

	curl := got["curl"]
	if curl.Installed != nil || curl.Candidate == nil || !curl.HasVersion("7.81.0-1ubuntu1.15") {
		t.Errorf("curl = %+v", curl)
	}
}

func TestParseAptShowpkgProviders(t *testing.T) {
	out := `Package: mail-transport-agent
Versions: 

Reverse Depends: 
  mutt,mail-transport-agent
Dependencies: 
Provides: 
Reverse Provides: 
postfix 3.6.4-1ubuntu1.3
exim4-daemon-light 4.95-4ubuntu2.5
postfix 3.6.4-1ubuntu1
`
	got := ParseAptShowpkgProviders(out)
	if !reflect.DeepEqual(got, []string{"postfix", "exim4-daemon-light"}) {
		t.Errorf("ParseAptShowpkgProviders() = %v", got)
	}
}

func TestParseGetentGroup(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		members []string
		wantErr bool
	}{
		{name: "members", in: "wheel:x:10:alice,bob\n", members: []string{"alice", "bob"}},
		{name: "empty", in: "docker:x:998:", members: nil},
		{name: "malformed", in: "nope", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := ParseGetentGroup(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseGetentGroup() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(entry.Members, tt.members) {
				t.Errorf("members = %v, want %v", entry.Members, tt.members)
			}
		})
	}
}

func TestParseDsclGroupMembership(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "inline", in: "GroupMembership: root alice\n", want: []string{"root", "alice"}},
		{name: "next line", in: "GroupMembership:\n root alice\n", want: []string{"root", "alice"}},
		{name: "no key", in: "No such key: GroupMembership\n", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseDsclGroupMembership(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSystemctl(t *testing.T) {
	if !ParseSystemctlIsEnabled("enabled\n") || ParseSystemctlIsEnabled("disabled\n") {
		t.Error("is-enabled parsing wrong")
	}
	if !ParseSystemctlIsActive("active\n") || ParseSystemctlIsActive("inactive\n") {
		t.Error("is-active parsing wrong")
	}
	if !SystemctlUnitMissing("Unit nope.service could not be found.") {
		t.Error("expected missing unit")
	}
}

func TestRcServiceEnabled(t *testing.T) {
	conf := `# defaults
sshd_flags=
ntpd_flags=NO
pkg_scripts="postgresql nginx" # local
`
	vars := ParseRcConf(conf)

	tests := []struct {
		service string
		builtin bool
		want    bool
	}{
		{"sshd", true, true},
		{"ntpd", true, false},
		{"smtpd", true, false},
		{"nginx", false, true},
		{"redis", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.service, func(t *testing.T) {
			if got := RcServiceEnabled(vars, tt.service, tt.builtin); got != tt.want {
				t.Errorf("RcServiceEnabled(%q) = %v, want %v", tt.service, got, tt.want)
			}
		})
	}
}

func TestParseOSRelease(t *testing.T) {
	r := ParseOSRelease(`NAME="Rocky Linux"
ID="rocky"
ID_LIKE="rhel centos fedora"
VERSION_ID="9.3"
`)
	if r.ID != "rocky" || r.VersionID != "9.3" || !r.Is("rhel") || r.Is("debian") {
		t.Errorf("ParseOSRelease() = %+v", r)
	}
}
