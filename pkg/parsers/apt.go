package parsers

import (
	"bufio"
	"strconv"
	"strings"
)

// AptPolicy is the per-package section of `apt-cache policy` output.
// Installed and Candidate are nil when apt reports "(none)".
type AptPolicy struct {
	Name      string
	Installed *string
	Candidate *string
	Versions  []string
}

// Virtual reports whether apt knows the name but has no version of it,
// which is how virtual packages show up.
func (p AptPolicy) Virtual() bool {
	return p.Installed == nil && p.Candidate == nil && len(p.Versions) == 0
}

// HasVersion reports whether v appears in the version table.
func (p AptPolicy) HasVersion(v string) bool {
	for _, have := range p.Versions {
		if have == v {
			return true
		}
	}
	return false
}

// ParseAptCachePolicy parses `apt-cache policy a b c` output into sections
// keyed by package name. Packages apt cannot locate have no section.
func ParseAptCachePolicy(out string) map[string]AptPolicy {
	result := make(map[string]AptPolicy)

	var cur *AptPolicy
	inTable := false
	flush := func() {
		if cur != nil {
			result[cur.Name] = *cur
		}
	}

	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		raw := sc.Text()
		if strings.TrimSpace(raw) == "" {
			continue
		}

		if raw[0] != ' ' && raw[0] != '\t' && strings.HasSuffix(raw, ":") {
			flush()
			cur = &AptPolicy{Name: strings.TrimSuffix(raw, ":")}
			inTable = false
			continue
		}
		if cur == nil {
			continue
		}

		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "Installed:"):
			cur.Installed = noneToNil(strings.TrimSpace(strings.TrimPrefix(line, "Installed:")))
		case strings.HasPrefix(line, "Candidate:"):
			cur.Candidate = noneToNil(strings.TrimSpace(strings.TrimPrefix(line, "Candidate:")))
		case strings.HasPrefix(line, "Version table:"):
			inTable = true
		case inTable:
			line = strings.TrimPrefix(line, "*** ")
			f := strings.Fields(line)
			if len(f) != 2 {
				continue
			}
			// "100 /var/lib/dpkg/status" lines have a path second
			if _, err := strconv.Atoi(f[1]); err == nil {
				cur.Versions = append(cur.Versions, f[0])
			}
		}
	}
	flush()
	return result
}

func noneToNil(v string) *string {
	if v == "" || v == "(none)" {
		return nil
	}
	return &v
}

// ParseAptShowpkgProviders returns the distinct package names listed under
// "Reverse Provides:" in `apt-cache showpkg` output.
func ParseAptShowpkgProviders(out string) []string {
	var names []string
	seen := make(map[string]bool)
	inSection := false

	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "Reverse Provides:") {
			inSection = true
			continue
		}
		if !inSection {
			continue
		}
		if line == "" {
			break
		}
		f := strings.Fields(line)
		if len(f) == 0 || seen[f[0]] {
			continue
		}
		seen[f[0]] = true
		names = append(names, f[0])
	}
	return names
}
