package version

import (
	"strings"
)

// EVR is a parsed rpm epoch:version-release triple.
type EVR struct {
	Epoch   string
	Version string
	Release string
}

// ParseEVR splits an rpm version string. Missing epoch is reported as "".
func ParseEVR(s string) EVR {
	var evr EVR
	if i := strings.IndexByte(s, ':'); i >= 0 {
		evr.Epoch = s[:i]
		s = s[i+1:]
	}
	if i := strings.LastIndexByte(s, '-'); i >= 0 {
		evr.Release = s[i+1:]
		s = s[:i]
	}
	evr.Version = s
	return evr
}

// String renders the EVR, omitting a zero or empty epoch.
func (e EVR) String() string {
	var b strings.Builder
	if e.Epoch != "" && e.Epoch != "0" {
		b.WriteString(e.Epoch)
		b.WriteByte(':')
	}
	b.WriteString(e.Version)
	if e.Release != "" {
		b.WriteByte('-')
		b.WriteString(e.Release)
	}
	return b.String()
}

// CompareRPM compares two rpm version strings.
//
// Epochs compare numerically with a missing epoch treated as 0. When both
// sides carry a release it is compared after the version; a side with a
// release sorts after the same version without one.
func CompareRPM(a, b string) int {
	x, y := ParseEVR(a), ParseEVR(b)

	if c := compareNumeric(epochOrZero(x.Epoch), epochOrZero(y.Epoch)); c != 0 {
		return c
	}
	if c := Rpmvercmp(x.Version, y.Version); c != 0 {
		return c
	}
	switch {
	case x.Release == "" && y.Release == "":
		return 0
	case x.Release == "":
		return -1
	case y.Release == "":
		return 1
	}
	return Rpmvercmp(x.Release, y.Release)
}

func epochOrZero(e string) string {
	if e == "" {
		return "0"
	}
	return e
}

// Rpmvercmp compares a single version or release field segment by segment.
func Rpmvercmp(a, b string) int {
	if a == b {
		return 0
	}

	i, j := 0, 0
	for i < len(a) || j < len(b) {
		for i < len(a) && !isAlnum(a[i]) && a[i] != '~' && a[i] != '^' {
			i++
		}
		for j < len(b) && !isAlnum(b[j]) && b[j] != '~' && b[j] != '^' {
			j++
		}

		// tilde sorts before everything, even the end of the string
		if (i < len(a) && a[i] == '~') || (j < len(b) && b[j] == '~') {
			if i >= len(a) || a[i] != '~' {
				return 1
			}
			if j >= len(b) || b[j] != '~' {
				return -1
			}
			i++
			j++
			continue
		}

		// caret sorts after the end of the string but before anything else
		if (i < len(a) && a[i] == '^') || (j < len(b) && b[j] == '^') {
			if i >= len(a) {
				return -1
			}
			if j >= len(b) {
				return 1
			}
			if a[i] != '^' {
				return 1
			}
			if b[j] != '^' {
				return -1
			}
			i++
			j++
			continue
		}

		if i >= len(a) || j >= len(b) {
			break
		}

		si, sj := i, j
		numeric := isDigit(a[i])
		if numeric {
			for i < len(a) && isDigit(a[i]) {
				i++
			}
			for j < len(b) && isDigit(b[j]) {
				j++
			}
		} else {
			for i < len(a) && isAlpha(a[i]) {
				i++
			}
			for j < len(b) && isAlpha(b[j]) {
				j++
			}
		}

		segA, segB := a[si:i], b[sj:j]
		if segB == "" {
			// numeric segments are newer than alpha ones
			if numeric {
				return 1
			}
			return -1
		}

		var c int
		if numeric {
			c = compareNumeric(segA, segB)
		} else {
			c = strings.Compare(segA, segB)
		}
		if c != 0 {
			return c
		}
	}

	if i >= len(a) && j >= len(b) {
		return 0
	}
	if i >= len(a) {
		return -1
	}
	return 1
}

func isAlnum(c byte) bool { return isDigit(c) || isAlpha(c) }
