package version

import (
	"strings"
)

type segment struct {
	text    string
	numeric bool
}

// segments splits a version into numeric and alphabetic runs, dropping
// separators. Trailing zero numeric segments are removed so "1.0" and
// "1.0.0" compare equal.
func segments(v string) []segment {
	var out []segment
	v = strings.TrimSpace(v)
	for i := 0; i < len(v); {
		c := v[i]
		switch {
		case isDigit(c):
			j := i
			for j < len(v) && isDigit(v[j]) {
				j++
			}
			out = append(out, segment{text: trimZeros(v[i:j]), numeric: true})
			i = j
		case isAlpha(c):
			j := i
			for j < len(v) && isAlpha(v[j]) {
				j++
			}
			out = append(out, segment{text: v[i:j]})
			i = j
		default:
			i++
		}
	}
	for len(out) > 0 {
		last := out[len(out)-1]
		if !last.numeric || last.text != "0" {
			break
		}
		out = out[:len(out)-1]
	}
	return out
}

// CompareGeneric compares dotted versions. Alphabetic segments mark a
// pre-release and sort before any numeric segment, so "1.0.a" < "1.0".
// The shorter side is padded with zero segments.
func CompareGeneric(a, b string) int {
	x, y := segments(a), segments(b)
	n := len(x)
	if len(y) > n {
		n = len(y)
	}

	zero := segment{text: "0", numeric: true}
	for k := 0; k < n; k++ {
		sa, sb := zero, zero
		if k < len(x) {
			sa = x[k]
		}
		if k < len(y) {
			sb = y[k]
		}

		switch {
		case sa.numeric && sb.numeric:
			if c := compareNumeric(sa.text, sb.text); c != 0 {
				return c
			}
		case sa.numeric:
			return 1
		case sb.numeric:
			return -1
		default:
			if c := strings.Compare(sa.text, sb.text); c != 0 {
				return c
			}
		}
	}
	return 0
}
