package parsers

import (
	"bufio"
	"strings"
)

// ParseSystemctlIsEnabled interprets `systemctl is-enabled` output.
func ParseSystemctlIsEnabled(out string) bool {
	switch strings.TrimSpace(firstLine(out)) {
	case "enabled", "enabled-runtime", "alias":
		return true
	}
	return false
}

// ParseSystemctlIsActive interprets `systemctl is-active` output.
func ParseSystemctlIsActive(out string) bool {
	switch strings.TrimSpace(firstLine(out)) {
	case "active", "reloading", "activating":
		return true
	}
	return false
}

// SystemctlUnitMissing reports whether systemctl output says the unit does
// not exist.
func SystemctlUnitMissing(out string) bool {
	s := strings.ToLower(out)
	return strings.Contains(s, "not-found") || strings.Contains(s, "no such file or directory") ||
		strings.Contains(s, "could not be found")
}

// ParseRcConf parses an OpenBSD rc.conf style file into variable
// assignments. Later assignments win and surrounding quotes are removed.
func ParseRcConf(content string) map[string]string {
	vars := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.Index(line, " #"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		vars[strings.TrimSpace(key)] = unquote(strings.TrimSpace(value))
	}
	return vars
}

// RcServiceEnabled decides whether an OpenBSD service is enabled.
// Base system daemons are enabled unless <svc>_flags is NO; package
// scripts must also appear in pkg_scripts.
func RcServiceEnabled(vars map[string]string, service string, builtin bool) bool {
	flags, set := vars[service+"_flags"]
	if set && flags == "NO" {
		return false
	}
	if builtin {
		return set
	}
	for _, s := range strings.Fields(vars["pkg_scripts"]) {
		if s == service {
			return true
		}
	}
	return false
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
