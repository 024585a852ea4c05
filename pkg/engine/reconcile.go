package engine

import (
	"fmt"
	"strings"
)

// Delta is the membership change needed to reach the desired set. Both
// lists are sorted.
type Delta struct {
	ToAdd    []string `json:"to_add"`
	ToRemove []string `json:"to_remove"`
}

// Empty reports whether no change is needed.
func (d Delta) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToRemove) == 0
}

// Reconcile computes the membership delta. With append=false the result
// replaces current with desired; with append=true desired members are added
// and only excluded members already present are removed. A member listed as
// both desired and excluded is a validation error.
func Reconcile(current, desired, excluded []string, appendMode bool) (Delta, error) {
	cur, want, excl := toSet(current), toSet(desired), toSet(excluded)

	var overlap []string
	for m := range want {
		if excl[m] {
			overlap = append(overlap, m)
		}
	}
	if len(overlap) > 0 {
		return Delta{}, NewValidationError(fmt.Sprintf("members cannot be both included and excluded: %s", strings.Join(sortedKeys(toSet(overlap)), ", ")))
	}

	add := make(map[string]bool)
	remove := make(map[string]bool)
	for m := range want {
		if !cur[m] {
			add[m] = true
		}
	}
	if appendMode {
		for m := range excl {
			if cur[m] {
				remove[m] = true
			}
		}
	} else {
		for m := range cur {
			if !want[m] {
				remove[m] = true
			}
		}
	}

	return Delta{ToAdd: sortedKeys(add), ToRemove: sortedKeys(remove)}, nil
}
