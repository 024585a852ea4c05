package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/converge/pkg/version"
)

// Decision is the outcome of the decision table for one identity.
type Decision struct {
	// Action is ActionNothing when no change is needed.
	Action Action

	// Version is the version to install, or the installed version being
	// removed.
	Version string

	// Reason explains a no-op or a skipped change.
	Reason string

	// Warning is set when a change was deliberately not made, e.g. a
	// refused downgrade.
	Warning bool
}

// Decide applies the package decision table. candidate may be nil for
// actions that do not need one.
func Decide(ctx context.Context, cmp version.Comparator, action Action, desired DesiredState, current CurrentState, candidate *CandidateState) (Decision, error) {
	switch action {
	case ActionInstall:
		return decideInstall(ctx, cmp, desired, current, candidate)
	case ActionUpgrade:
		return decideUpgrade(ctx, cmp, desired, current, candidate)
	case ActionRemove, ActionPurge:
		return decideRemove(ctx, cmp, action, desired, current)
	case ActionLock:
		if current.Locked {
			return Decision{Action: ActionNothing, Reason: "already locked"}, nil
		}
		return Decision{Action: ActionLock, Version: current.Version()}, nil
	case ActionUnlock:
		if !current.Locked {
			return Decision{Action: ActionNothing, Reason: "not locked"}, nil
		}
		return Decision{Action: ActionUnlock, Version: current.Version()}, nil
	case ActionNothing:
		return Decision{Action: ActionNothing, Reason: "nothing requested"}, nil
	default:
		return Decision{}, NewValidationError(fmt.Sprintf("action %q is not a package action", action))
	}
}

func decideInstall(ctx context.Context, cmp version.Comparator, desired DesiredState, current CurrentState, candidate *CandidateState) (Decision, error) {
	if !desired.Pinned() {
		if current.Installed() {
			return Decision{Action: ActionNothing, Reason: fmt.Sprintf("already installed at %s", current.Version())}, nil
		}
		if candidate.Version() == "" {
			return Decision{}, NewNotFoundError(desired.Name, "no candidate version available")
		}
		return Decision{Action: ActionInstall, Version: candidate.Version()}, nil
	}

	if current.Installed() {
		ok, err := Satisfies(ctx, cmp, current.Version(), desired.Version)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			return Decision{Action: ActionNothing, Reason: fmt.Sprintf("already installed at %s", current.Version())}, nil
		}
	}

	if candidate.Version() == "" {
		return Decision{}, NewNotFoundError(desired.Name, fmt.Sprintf("no candidate version available matching %s", desired.Version))
	}

	if current.Installed() {
		c, err := cmp.Compare(ctx, current.Version(), candidate.Version())
		if err != nil {
			return Decision{}, FromToolError("failed to compare versions", err)
		}
		if c > 0 && !allowDowngrade(desired, true) {
			return Decision{
				Action:  ActionNothing,
				Reason:  fmt.Sprintf("installed %s is newer than %s and downgrade is not allowed", current.Version(), candidate.Version()),
				Warning: true,
			}, nil
		}
	}
	return Decision{Action: ActionInstall, Version: candidate.Version()}, nil
}

func decideUpgrade(ctx context.Context, cmp version.Comparator, desired DesiredState, current CurrentState, candidate *CandidateState) (Decision, error) {
	if !current.Installed() {
		if candidate.Version() == "" {
			return Decision{}, NewNotFoundError(desired.Name, "no candidate version available")
		}
		return Decision{Action: ActionInstall, Version: candidate.Version()}, nil
	}

	if candidate.Version() == "" {
		if desired.Pinned() {
			ok, err := Satisfies(ctx, cmp, current.Version(), desired.Version)
			if err != nil {
				return Decision{}, err
			}
			if !ok {
				return Decision{}, NewNotFoundError(desired.Name, fmt.Sprintf("no candidate version available matching %s", desired.Version))
			}
		}
		return Decision{Action: ActionNothing, Reason: fmt.Sprintf("no candidate, keeping %s", current.Version())}, nil
	}

	c, err := cmp.Compare(ctx, current.Version(), candidate.Version())
	if err != nil {
		return Decision{}, FromToolError("failed to compare versions", err)
	}
	switch {
	case c < 0:
		return Decision{Action: ActionUpgrade, Version: candidate.Version()}, nil
	case c > 0 && allowDowngrade(desired, false):
		return Decision{Action: ActionUpgrade, Version: candidate.Version()}, nil
	case c > 0:
		return Decision{
			Action:  ActionNothing,
			Reason:  fmt.Sprintf("installed %s is newer than candidate %s", current.Version(), candidate.Version()),
			Warning: desired.Pinned(),
		}, nil
	}
	return Decision{Action: ActionNothing, Reason: fmt.Sprintf("already at latest %s", current.Version())}, nil
}

func decideRemove(ctx context.Context, cmp version.Comparator, action Action, desired DesiredState, current CurrentState) (Decision, error) {
	if !current.Installed() {
		return Decision{Action: ActionNothing, Reason: "not installed"}, nil
	}
	if desired.Pinned() {
		ok, err := Satisfies(ctx, cmp, current.Version(), desired.Version)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			return Decision{Action: ActionNothing, Reason: fmt.Sprintf("installed %s does not match %s", current.Version(), desired.Version)}, nil
		}
	}
	return Decision{Action: action, Version: current.Version()}, nil
}

func allowDowngrade(d DesiredState, def bool) bool {
	if d.AllowDowngrade != nil {
		return *d.AllowDowngrade
	}
	return def
}

// SplitConstraint separates a leading comparison operator from a version.
// A bare version yields "=".
func SplitConstraint(constraint string) (op, v string) {
	return version.SplitConstraint(constraint)
}

// Satisfies reports whether installed meets constraint. An exact constraint
// without a release also matches any release of that version, so "1.2" is
// satisfied by "1.2-3.el9" but not by "1.2-rc1-3".
func Satisfies(ctx context.Context, cmp version.Comparator, installed, constraint string) (bool, error) {
	op, want := SplitConstraint(constraint)
	if want == "" {
		return true, nil
	}
	if (op == "=" || op == "==") && (installed == want || sameUpstream(installed, want)) {
		return true, nil
	}

	c, err := cmp.Compare(ctx, installed, want)
	if err != nil {
		return false, FromToolError("failed to compare versions", err)
	}
	switch op {
	case ">=":
		return c >= 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case "<":
		return c < 0, nil
	default:
		return c == 0, nil
	}
}

// sameUpstream reports whether installed carries exactly the version of a
// pin that names no release. The release is whatever follows the last
// hyphen, as in both rpm and dpkg.
func sameUpstream(installed, pin string) bool {
	if strings.Contains(pin, "-") {
		return false
	}
	got, want := version.ParseEVR(installed), version.ParseEVR(pin)
	return got.Release != "" && got.Version == want.Version && epoch(got.Epoch) == epoch(want.Epoch)
}

func epoch(e string) string {
	if e == "" {
		return "0"
	}
	return e
}
