package parsers

import (
	"fmt"
	"strings"
)

// GroupEntry is a parsed /etc/group style record.
type GroupEntry struct {
	Name    string
	GID     string
	Members []string
}

// ParseGetentGroup parses one line of `getent group <name>` output.
func ParseGetentGroup(out string) (GroupEntry, error) {
	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	f := strings.Split(line, ":")
	if len(f) != 4 {
		return GroupEntry{}, fmt.Errorf("malformed group entry %q", line)
	}
	entry := GroupEntry{Name: f[0], GID: f[2]}
	for _, m := range strings.Split(f[3], ",") {
		if m = strings.TrimSpace(m); m != "" {
			entry.Members = append(entry.Members, m)
		}
	}
	return entry, nil
}

// ParseDsclGroupMembership parses `dscl . -read /Groups/<name>
// GroupMembership`. The value can follow the key on the same line or on
// the next one.
func ParseDsclGroupMembership(out string) []string {
	if strings.Contains(out, "No such key") {
		return nil
	}
	idx := strings.Index(out, "GroupMembership:")
	if idx < 0 {
		return nil
	}
	rest := out[idx+len("GroupMembership:"):]
	// stop at the next attribute
	lines := strings.Split(rest, "\n")
	var members []string
	for n, l := range lines {
		if n > 0 && !strings.HasPrefix(l, " ") {
			break
		}
		members = append(members, strings.Fields(l)...)
	}
	return members
}
