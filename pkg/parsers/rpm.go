package parsers

import (
	"bufio"
	"strings"
)

// RPMQueryFormat is the --queryformat used with rpm -q and rpm -qp.
const RPMQueryFormat = `%{NAME} %{EPOCHNUM} %{VERSION} %{RELEASE} %{ARCH}\n`

// RepoqueryFormat is the --queryformat used with dnf repoquery. It adds the
// repository id as a sixth field.
const RepoqueryFormat = `%{name} %{epoch} %{version} %{release} %{arch} %{repoid}\n`

// RPMPackage is one row of rpm/repoquery output.
type RPMPackage struct {
	Name    string `json:"name"`
	Epoch   string `json:"epoch"`
	Version string `json:"version"`
	Release string `json:"release"`
	Arch    string `json:"arch"`
	Repo    string `json:"repo,omitempty"`
}

// EVR renders epoch:version-release, omitting a zero epoch.
func (p RPMPackage) EVR() string {
	s := p.Version
	if p.Release != "" {
		s += "-" + p.Release
	}
	if p.Epoch != "" && p.Epoch != "0" && p.Epoch != "(none)" {
		s = p.Epoch + ":" + s
	}
	return s
}

// NEVRA renders the name-[epoch:]version-release.arch form dnf accepts.
func (p RPMPackage) NEVRA() string {
	s := p.Name + "-" + p.EVR()
	if p.Arch != "" {
		s += "." + p.Arch
	}
	return s
}

// ParseRPMQuery parses rows printed with RPMQueryFormat or
// RepoqueryFormat. "package foo is not installed" lines and rows
// with too few fields are skipped.
func ParseRPMQuery(out string) []RPMPackage {
	var pkgs []RPMPackage
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "package ") || strings.HasPrefix(line, "no package provides") {
			continue
		}
		f := strings.Fields(line)
		if len(f) < 5 {
			continue
		}
		p := RPMPackage{Name: f[0], Epoch: f[1], Version: f[2], Release: f[3], Arch: f[4]}
		if p.Epoch == "(none)" {
			p.Epoch = "0"
		}
		if len(f) > 5 && f[5] != "(none)" {
			p.Repo = f[5]
		}
		pkgs = append(pkgs, p)
	}
	return pkgs
}

// DistinctNames returns the package names in first-seen order.
func DistinctNames(pkgs []RPMPackage) []string {
	seen := make(map[string]bool)
	var names []string
	for _, p := range pkgs {
		if !seen[p.Name] {
			seen[p.Name] = true
			names = append(names, p.Name)
		}
	}
	return names
}

// ParseVersionlockList parses `dnf versionlock list` output into the set of
// locked package names. Entries look like "nginx-1:1.20.1-14.el9.*".
func ParseVersionlockList(out string) map[string]bool {
	locked := make(map[string]bool)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasSuffix(line, ":") || strings.HasPrefix(line, "Last metadata") {
			continue
		}
		line = strings.TrimPrefix(line, "!")
		if name := lockEntryName(line); name != "" {
			locked[name] = true
		}
	}
	return locked
}

// lockEntryName strips "-[epoch:]version-release.arch" from a lock entry.
func lockEntryName(entry string) string {
	parts := strings.Split(entry, "-")
	if len(parts) < 3 {
		return ""
	}
	return strings.Join(parts[:len(parts)-2], "-")
}
