package version

import (
	"context"
	"fmt"
	"strings"
)

// Comparator orders two version strings of the same ecosystem.
// Compare returns -1, 0 or 1.
type Comparator interface {
	Compare(ctx context.Context, a, b string) (int, error)
}

// Func adapts a pure comparison function to the Comparator interface.
type Func func(a, b string) int

// Compare implements Comparator.
func (f Func) Compare(_ context.Context, a, b string) (int, error) {
	return f(a, b), nil
}

var (
	// RPM compares rpm epoch:version-release strings.
	RPM Comparator = Func(CompareRPM)

	// Debian compares dpkg epoch:upstream-revision strings.
	Debian Comparator = Func(CompareDebian)

	// Generic compares dotted versions with optional pre-release segments.
	Generic Comparator = Func(CompareGeneric)
)

// ForEcosystem returns the in-process comparator for an ecosystem name.
func ForEcosystem(name string) (Comparator, error) {
	switch name {
	case "rpm", "dnf", "yum":
		return RPM, nil
	case "deb", "dpkg", "apt", "debian":
		return Debian, nil
	case "generic", "gem", "":
		return Generic, nil
	default:
		return nil, fmt.Errorf("no version comparator for ecosystem %q", name)
	}
}

// Equal reports whether a and b compare equal under c.
func Equal(ctx context.Context, c Comparator, a, b string) (bool, error) {
	n, err := c.Compare(ctx, a, b)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

// compareNumeric compares two digit strings of arbitrary length.
func compareNumeric(a, b string) int {
	a = trimZeros(a)
	b = trimZeros(b)
	if len(a) != len(b) {
		return sign(len(a) - len(b))
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func trimZeros(s string) string {
	i := 0
	for i < len(s)-1 && s[i] == '0' {
		i++
	}
	return s[i:]
}

var constraintOps = []string{">=", "<=", "==", ">", "<", "="}

// SplitConstraint separates a leading comparison operator from a version,
// e.g. ">= 1.2" yields ">=" and "1.2". A bare version yields "=".
func SplitConstraint(constraint string) (op, v string) {
	constraint = strings.TrimSpace(constraint)
	for _, candidate := range constraintOps {
		if strings.HasPrefix(constraint, candidate) {
			return candidate, strings.TrimSpace(strings.TrimPrefix(constraint, candidate))
		}
	}
	return "=", constraint
}
