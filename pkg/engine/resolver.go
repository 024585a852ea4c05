package engine

import (
	"context"
	"fmt"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// maxVirtualDepth bounds provider recursion for virtual packages.
const maxVirtualDepth = 4

// Resolver answers current and candidate lookups for a package backend,
// going to the backend only for identities not already in the cache. All
// uncached identities of one call are resolved in a single backend call.
type Resolver struct {
	backend PackageBackend
	cache   *ResolutionCache
}

// NewResolver creates a resolver over backend and cache.
func NewResolver(backend PackageBackend, cache *ResolutionCache) *Resolver {
	return &Resolver{backend: backend, cache: cache}
}

// Current resolves installed state for items, in order.
func (r *Resolver) Current(ctx context.Context, items []DesiredState) ([]CurrentResult, error) {
	results := make([]CurrentResult, len(items))
	var missing []DesiredState
	var slots []int

	for i, it := range items {
		if s, ok := r.cache.Current(KindPackage, it.Identity); ok {
			results[i] = CurrentResult{State: s}
			continue
		}
		missing = append(missing, it)
		slots = append(slots, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	telemetry.FromContext(ctx).Tracef("resolving current state of %d identities", len(missing))
	resolved, err := r.backend.CurrentStates(ctx, missing)
	if err != nil {
		return nil, FromToolError("failed to query installed packages", err)
	}
	if len(resolved) != len(missing) {
		return nil, &EngineError{
			Class:   ErrorClassPermanent,
			Code:    ErrCodeInternal,
			Message: fmt.Sprintf("backend %s returned %d current states for %d identities", r.backend.Name(), len(resolved), len(missing)),
		}
	}

	for j, res := range resolved {
		if res.Err == nil {
			res.State.Identity = missing[j].Identity
			r.cache.PutCurrent(KindPackage, missing[j].Identity, res.State)
		}
		results[slots[j]] = res
	}
	return results, nil
}

// CandidateOutcome is the chosen candidate for one declared identity.
// State is never nil when Err is nil; its AvailableVersion may be.
type CandidateOutcome struct {
	State *CandidateState
	Err   error
}

// Candidates resolves the best candidate for items, in order. When several
// candidates are returned for one identity the highest version wins and
// equal versions prefer the default source. A name with no candidate that
// is provided by exactly one concrete package resolves to that package.
func (r *Resolver) Candidates(ctx context.Context, items []DesiredState) ([]CandidateOutcome, error) {
	return r.candidates(ctx, items, 0)
}

func (r *Resolver) candidates(ctx context.Context, items []DesiredState, depth int) ([]CandidateOutcome, error) {
	results := make([]CandidateOutcome, len(items))
	var missing []DesiredState
	var slots []int

	for i, it := range items {
		if s, ok := r.cache.Candidate(KindPackage, it); ok {
			results[i] = CandidateOutcome{State: ptr(s)}
			continue
		}
		missing = append(missing, it)
		slots = append(slots, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	telemetry.FromContext(ctx).Tracef("resolving candidates of %d identities", len(missing))
	resolved, err := r.backend.CandidateStates(ctx, missing)
	if err != nil {
		return nil, FromToolError("failed to query available packages", err)
	}
	if len(resolved) != len(missing) {
		return nil, &EngineError{
			Class:   ErrorClassPermanent,
			Code:    ErrCodeInternal,
			Message: fmt.Sprintf("backend %s returned %d candidates for %d identities", r.backend.Name(), len(resolved), len(missing)),
		}
	}

	for j, res := range resolved {
		it := missing[j]
		if res.Err != nil {
			results[slots[j]] = CandidateOutcome{Err: res.Err}
			continue
		}

		best, err := r.best(ctx, it, res.Candidates)
		if err != nil {
			results[slots[j]] = CandidateOutcome{Err: err}
			continue
		}
		if best.AvailableVersion == nil {
			resolvedVirtual, err := r.virtual(ctx, it, depth)
			if err != nil {
				results[slots[j]] = CandidateOutcome{Err: err}
				continue
			}
			if resolvedVirtual != nil {
				best = *resolvedVirtual
			}
		}

		r.cache.PutCandidate(KindPackage, it, best)
		results[slots[j]] = CandidateOutcome{State: ptr(best)}
	}
	return results, nil
}

func (r *Resolver) best(ctx context.Context, it DesiredState, candidates []CandidateState) (CandidateState, error) {
	var best *CandidateState
	for i := range candidates {
		c := candidates[i]
		if c.AvailableVersion == nil {
			continue
		}
		if best == nil {
			best = &c
			continue
		}
		cmp, err := r.backend.Compare(ctx, *c.AvailableVersion, *best.AvailableVersion)
		if err != nil {
			return CandidateState{}, FromToolError("failed to compare versions", err)
		}
		if cmp > 0 || (cmp == 0 && c.ResolutionSource == SourceDefault && best.ResolutionSource != SourceDefault) {
			best = &c
		}
	}
	if best == nil {
		return CandidateState{Identity: it.Identity}, nil
	}
	if best.Name == "" {
		best.Identity = it.Identity
	}
	return *best, nil
}

// virtual maps a name without candidates to its single concrete provider.
// It returns nil when the backend cannot resolve providers or there are
// none.
func (r *Resolver) virtual(ctx context.Context, it DesiredState, depth int) (*CandidateState, error) {
	vr, ok := r.backend.(VirtualResolver)
	if !ok || depth >= maxVirtualDepth {
		return nil, nil
	}

	providers, err := vr.Providers(ctx, it)
	if err != nil {
		return nil, FromToolError(fmt.Sprintf("failed to resolve providers of %s", it.Name), err)
	}

	var concrete []string
	for _, p := range providers {
		if p != it.Name {
			concrete = append(concrete, p)
		}
	}
	switch len(concrete) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, NewAmbiguousError(it.Name, concrete)
	}

	telemetry.FromContext(ctx).Debugf("%s is a virtual package provided by %s", it.Name, concrete[0])
	next := it
	next.Name = concrete[0]
	out, err := r.candidates(ctx, []DesiredState{next}, depth+1)
	if err != nil {
		return nil, err
	}
	if out[0].Err != nil {
		return nil, out[0].Err
	}
	return out[0].State, nil
}
