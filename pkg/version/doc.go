// Package version provides ecosystem-specific version comparison.
//
// Three comparators are shipped:
//
//   - RPM: epoch:version-release ordering using the rpmvercmp segment rules,
//     including "~" (sorts before anything) and "^" (sorts after the base
//     version but before the next one).
//   - Debian: epoch:upstream-revision ordering as implemented by dpkg, where
//     "~" sorts before the empty string.
//   - Generic: dotted numeric versions with alphabetic pre-release segments,
//     in the style of RubyGems. Trailing zero segments are insignificant.
//
// All comparators satisfy the Comparator interface so the convergence engine
// can swap an in-process comparison for one delegated to an external tool.
package version
