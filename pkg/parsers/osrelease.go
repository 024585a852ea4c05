package parsers

import (
	"strings"
)

// OSRelease holds the fields of /etc/os-release used for provider
// selection.
type OSRelease struct {
	ID        string
	IDLike    []string
	VersionID string
	Name      string
}

// Is reports whether the release is id or declares itself like id.
func (r OSRelease) Is(id string) bool {
	if r.ID == id {
		return true
	}
	for _, l := range r.IDLike {
		if l == id {
			return true
		}
	}
	return false
}

// ParseOSRelease parses os-release(5) content.
func ParseOSRelease(content string) OSRelease {
	vars := ParseRcConf(content)
	return OSRelease{
		ID:        strings.ToLower(vars["ID"]),
		IDLike:    strings.Fields(strings.ToLower(vars["ID_LIKE"])),
		VersionID: vars["VERSION_ID"],
		Name:      vars["NAME"],
	}
}
