package engine

import (
	"context"
	"testing"
)

func TestResolver_CandidatesPreserveOrder(t *testing.T) {
	backend := newFakePackageBackend().
		withCandidate("B", "2.0", SourceDefault).
		withCandidate("A", "1.0", SourceDefault)
	r := NewResolver(backend, NewResolutionCache(nil))

	outs, err := r.Candidates(context.Background(), []DesiredState{item("A"), item("B"), item("C")})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"1.0", "2.0", ""}
	for i, w := range want {
		if outs[i].Err != nil {
			t.Fatalf("item %d error = %v", i, outs[i].Err)
		}
		if got := outs[i].State.Version(); got != w {
			t.Errorf("candidate %d = %q, want %q", i, got, w)
		}
	}
	if outs[2].State.AvailableVersion != nil {
		t.Error("missing candidate should have a nil version")
	}
	if outs[2].State.Name != "C" {
		t.Errorf("missing candidate identity = %q, want C", outs[2].State.Name)
	}
}

func TestResolver_CandidateTieBreak(t *testing.T) {
	backend := newFakePackageBackend().
		withCandidate("foo", "1.0-1", "updates").
		withCandidate("foo", "1.0-1", SourceDefault).
		withCandidate("foo", "0.9-1", "epel")
	r := NewResolver(backend, NewResolutionCache(nil))

	outs, err := r.Candidates(context.Background(), []DesiredState{item("foo")})
	if err != nil {
		t.Fatal(err)
	}
	if outs[0].State.ResolutionSource != SourceDefault {
		t.Errorf("ResolutionSource = %q, want default", outs[0].State.ResolutionSource)
	}
}

func TestResolver_HighestWins(t *testing.T) {
	backend := newFakePackageBackend().
		withCandidate("foo", "1.0-1", SourceDefault).
		withCandidate("foo", "1.10-1", "updates")
	r := NewResolver(backend, NewResolutionCache(nil))

	outs, _ := r.Candidates(context.Background(), []DesiredState{item("foo")})
	if got := outs[0].State.Version(); got != "1.10-1" {
		t.Errorf("candidate = %q, want 1.10-1", got)
	}
}

func TestResolver_Memoization(t *testing.T) {
	backend := newFakePackageBackend().withCandidate("foo", "1.0", SourceDefault)
	cache := NewResolutionCache(nil)
	r := NewResolver(backend, cache)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := r.Current(ctx, []DesiredState{item("foo")}); err != nil {
			t.Fatal(err)
		}
		if _, err := r.Candidates(ctx, []DesiredState{item("foo")}); err != nil {
			t.Fatal(err)
		}
	}
	if backend.currentCalls != 1 || backend.candidateCalls != 1 {
		t.Errorf("queries = %d current, %d candidate; want 1 each", backend.currentCalls, backend.candidateCalls)
	}

	// a different constraint is a different key
	if _, err := r.Candidates(ctx, []DesiredState{pinned("foo", "1.0")}); err != nil {
		t.Fatal(err)
	}
	if backend.candidateCalls != 2 {
		t.Errorf("candidate queries = %d, want 2", backend.candidateCalls)
	}

	cache.Invalidate(KindPackage, "foo")
	if _, err := r.Current(ctx, []DesiredState{item("foo")}); err != nil {
		t.Fatal(err)
	}
	if backend.currentCalls != 2 {
		t.Errorf("current queries after invalidate = %d, want 2", backend.currentCalls)
	}
}

func TestResolver_OnlyUncachedAreQueried(t *testing.T) {
	backend := newFakePackageBackend()
	r := NewResolver(backend, NewResolutionCache(nil))
	ctx := context.Background()

	if _, err := r.Current(ctx, []DesiredState{item("a")}); err != nil {
		t.Fatal(err)
	}
	res, err := r.Current(ctx, []DesiredState{item("a"), item("b")})
	if err != nil {
		t.Fatal(err)
	}
	if backend.currentCalls != 2 {
		t.Errorf("current queries = %d, want 2", backend.currentCalls)
	}
	if res[0].State.Name != "a" || res[1].State.Name != "b" {
		t.Errorf("results out of order: %+v", res)
	}
}

func TestResolutionCache_Flush(t *testing.T) {
	c := NewResolutionCache(nil)
	c.PutCurrent(KindPackage, Identity{Name: "a"}, CurrentState{})
	c.PutCandidate(KindPackage, item("a"), CandidateState{})
	c.PutCurrent(KindGroup, Identity{Name: "a"}, CurrentState{Exists: true})

	c.Invalidate(KindPackage, "a")
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (group entry kept)", c.Len())
	}
	c.Flush()
	if c.Len() != 0 {
		t.Errorf("Len() after Flush = %d, want 0", c.Len())
	}
}
