package engine

import (
	"sync"

	"github.com/openfroyo/converge/pkg/telemetry"
)

type cacheKey struct {
	kind       Kind
	name       string
	epoch      string
	arch       string
	constraint string
	source     string
}

func currentKey(kind Kind, id Identity) cacheKey {
	return cacheKey{kind: kind, name: id.Name, epoch: id.Epoch, arch: id.Arch}
}

func candidateKey(kind Kind, d DesiredState) cacheKey {
	return cacheKey{kind: kind, name: d.Name, epoch: d.Epoch, arch: d.Arch, constraint: d.Version, source: d.Source}
}

// ResolutionCache memoizes current and candidate lookups for the lifetime
// of one engine. Entries are never evicted on their own; only Invalidate
// and Flush remove them.
type ResolutionCache struct {
	mu         sync.Mutex
	current    map[cacheKey]CurrentState
	candidates map[cacheKey]CandidateState
	metrics    *telemetry.Metrics
}

// NewResolutionCache creates an empty cache. metrics may be nil.
func NewResolutionCache(metrics *telemetry.Metrics) *ResolutionCache {
	return &ResolutionCache{
		current:    make(map[cacheKey]CurrentState),
		candidates: make(map[cacheKey]CandidateState),
		metrics:    metrics,
	}
}

// Current returns a cached current state.
func (c *ResolutionCache) Current(kind Kind, id Identity) (CurrentState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.current[currentKey(kind, id)]
	c.metrics.RecordCacheLookup("current", ok)
	return s, ok
}

// PutCurrent stores a current state.
func (c *ResolutionCache) PutCurrent(kind Kind, id Identity, s CurrentState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current[currentKey(kind, id)] = s
}

// Candidate returns a cached candidate for the declared identity.
func (c *ResolutionCache) Candidate(kind Kind, d DesiredState) (CandidateState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.candidates[candidateKey(kind, d)]
	c.metrics.RecordCacheLookup("candidate", ok)
	return s, ok
}

// PutCandidate stores a candidate for the declared identity.
func (c *ResolutionCache) PutCandidate(kind Kind, d DesiredState, s CandidateState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates[candidateKey(kind, d)] = s
}

// Invalidate drops every entry for name, whatever its epoch, arch or
// constraint.
func (c *ResolutionCache) Invalidate(kind Kind, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.current {
		if k.kind == kind && k.name == name {
			delete(c.current, k)
		}
	}
	for k := range c.candidates {
		if k.kind == kind && k.name == name {
			delete(c.candidates, k)
		}
	}
}

// Flush drops everything.
func (c *ResolutionCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = make(map[cacheKey]CurrentState)
	c.candidates = make(map[cacheKey]CandidateState)
}

// Len returns the number of cached entries.
func (c *ResolutionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.current) + len(c.candidates)
}
