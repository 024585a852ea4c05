package version

import (
	"strings"
)

// DebianVersion is a parsed dpkg version.
type DebianVersion struct {
	Epoch    string
	Upstream string
	Revision string
}

// ParseDebian splits a dpkg version string into its parts.
func ParseDebian(s string) DebianVersion {
	var v DebianVersion
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		v.Epoch = s[:i]
		s = s[i+1:]
	}
	if i := strings.LastIndexByte(s, '-'); i >= 0 {
		v.Revision = s[i+1:]
		s = s[:i]
	}
	v.Upstream = s
	return v
}

// CompareDebian compares two dpkg version strings the way
// dpkg --compare-versions does.
func CompareDebian(a, b string) int {
	x, y := ParseDebian(a), ParseDebian(b)

	if c := compareNumeric(epochOrZero(x.Epoch), epochOrZero(y.Epoch)); c != 0 {
		return c
	}
	if c := debVerrevcmp(x.Upstream, y.Upstream); c != 0 {
		return c
	}
	return debVerrevcmp(x.Revision, y.Revision)
}

// debOrder gives the sort weight of a non-digit character.
func debOrder(c byte) int {
	switch {
	case isDigit(c):
		return 0
	case isAlpha(c):
		return int(c)
	case c == '~':
		return -1
	case c != 0:
		return int(c) + 256
	}
	return 0
}

func debVerrevcmp(a, b string) int {
	i, j := 0, 0
	at := func(s string, k int) byte {
		if k < len(s) {
			return s[k]
		}
		return 0
	}

	for i < len(a) || j < len(b) {
		firstDiff := 0
		for (i < len(a) && !isDigit(a[i])) || (j < len(b) && !isDigit(b[j])) {
			ac := debOrder(at(a, i))
			bc := debOrder(at(b, j))
			if ac != bc {
				return sign(ac - bc)
			}
			i++
			j++
		}
		for i < len(a) && a[i] == '0' {
			i++
		}
		for j < len(b) && b[j] == '0' {
			j++
		}
		for i < len(a) && isDigit(a[i]) && j < len(b) && isDigit(b[j]) {
			if firstDiff == 0 {
				firstDiff = int(a[i]) - int(b[j])
			}
			i++
			j++
		}
		if i < len(a) && isDigit(a[i]) {
			return 1
		}
		if j < len(b) && isDigit(b[j]) {
			return -1
		}
		if firstDiff != 0 {
			return sign(firstDiff)
		}
	}
	return 0
}
