package engine

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// PackageEngine converges package requests against one PackageBackend.
// Calls are serialized.
type PackageEngine struct {
	backend  PackageBackend
	resolver *Resolver
	opts     options

	mu            sync.Mutex
	preflightDone bool
}

// NewPackageEngine creates an engine over backend.
func NewPackageEngine(backend PackageBackend, opts ...Option) *PackageEngine {
	o := buildOptions(opts)
	return &PackageEngine{
		backend:  backend,
		resolver: NewResolver(backend, o.cache),
		opts:     o,
	}
}

// Cache returns the engine's resolution cache.
func (e *PackageEngine) Cache() *ResolutionCache {
	return e.opts.cache
}

// Resolver returns the engine's resolver.
func (e *PackageEngine) Resolver() *Resolver {
	return e.resolver
}

// Close releases backend resources such as a helper process.
func (e *PackageEngine) Close() error {
	if c, ok := e.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Converge brings every item of req to the requested state. A failure of
// one item never stops the others; the returned error joins all item
// errors.
func (e *PackageEngine) Converge(ctx context.Context, req Request) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.Kind == "" {
		req.Kind = KindPackage
	}
	ctx, span, logger := startConverge(ctx, req, e.backend.Name())
	report := newReport(req, e.backend.Name())

	if err := e.check(ctx, req); err != nil {
		report.failAll(err)
		return report, finishConverge(ctx, span, e.opts, report, logger)
	}

	n := len(req.Items)
	desired := make([]DesiredState, n)
	copy(desired, req.Items)
	before := make([]CurrentState, n)
	candidates := make([]*CandidateState, n)

	// current state
	currents, err := e.resolver.Current(ctx, desired)
	if err != nil {
		report.failAll(err)
		return report, finishConverge(ctx, span, e.opts, report, logger)
	}
	for i, res := range currents {
		item := &report.Items[i]
		if res.Err != nil {
			item.fail(FromToolError(fmt.Sprintf("failed to query %s", desired[i].Name), res.Err))
			continue
		}
		before[i] = res.State
		item.Before = ptr(res.State)
		item.Phase = PhaseCurrentKnown
		logger.Tracef("%s: installed=%q", desired[i].Identity, res.State.Version())
	}

	// candidates, only for actions that install
	if req.Action == ActionInstall || req.Action == ActionUpgrade {
		e.resolveCandidates(ctx, report, desired, before, candidates)
	}

	// decide
	for i := range report.Items {
		item := &report.Items[i]
		if item.Phase == PhaseError {
			continue
		}
		d, err := Decide(ctx, e.backend, req.Action, desired[i], before[i], candidates[i])
		if err != nil {
			item.fail(err)
			continue
		}
		item.Phase = PhaseActionDecided
		item.Decision = d.Action
		item.Version = d.Version
		if d.Action == ActionNothing {
			item.Outcome = OutcomeNoop
			item.Message = d.Reason
			if d.Warning {
				logger.Warnf("%s: %s", desired[i].Identity, d.Reason)
			} else {
				logger.Debugf("%s: %s - nothing to do", desired[i].Identity, d.Reason)
			}
		}
	}

	if req.WhyRun {
		for i := range report.Items {
			item := &report.Items[i]
			if item.Phase == PhaseActionDecided && item.Decision != ActionNothing {
				item.Outcome = OutcomePlanned
				item.Message = fmt.Sprintf("would %s %s %s", item.Decision, desired[i].Name, item.Version)
				logger.Infof("%s: %s", desired[i].Identity, item.Message)
			}
		}
		return report, finishConverge(ctx, span, e.opts, report, logger)
	}

	applied := e.apply(ctx, report, desired)
	if len(applied) > 0 {
		e.verify(ctx, report, desired, before, applied)
	}

	return report, finishConverge(ctx, span, e.opts, report, logger)
}

func (e *PackageEngine) check(ctx context.Context, req Request) error {
	if req.Kind != KindPackage {
		return NewValidationError(fmt.Sprintf("package engine cannot converge %s resources", req.Kind)).WithResource(req.Resource)
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if req.Action == ActionLock || req.Action == ActionUnlock {
		if _, ok := e.backend.(Locker); !ok {
			return NewUnsupportedOperationError(e.backend.Name(), req.Action).WithResource(req.Resource)
		}
	}
	if !e.preflightDone {
		if err := e.backend.Preflight(ctx); err != nil {
			return FromToolError("preflight failed", err)
		}
		e.preflightDone = true
	}
	return nil
}

func (e *PackageEngine) resolveCandidates(ctx context.Context, report *Report, desired []DesiredState, before []CurrentState, candidates []*CandidateState) {
	logger := telemetry.FromContext(ctx)

	var idx []int
	var batch []DesiredState
	for i := range report.Items {
		if report.Items[i].Phase == PhaseCurrentKnown {
			idx = append(idx, i)
			batch = append(batch, desired[i])
		}
	}
	if len(batch) == 0 {
		return
	}

	outs, err := e.resolver.Candidates(ctx, batch)
	if err != nil {
		for _, i := range idx {
			report.Items[i].fail(err)
		}
		return
	}

	for j, out := range outs {
		i := idx[j]
		item := &report.Items[i]
		if out.Err != nil {
			item.fail(out.Err)
			continue
		}
		candidates[i] = out.State
		item.Candidate = out.State
		item.Phase = PhaseCandidateKnown
		logger.Tracef("%s: candidate=%q source=%s", desired[i].Identity, out.State.Version(), out.State.ResolutionSource)

		// a virtual name resolved to a concrete package; decide and act on
		// the concrete one
		if out.State.Name != "" && out.State.Name != desired[i].Name {
			concrete := desired[i]
			concrete.Identity = out.State.Identity
			cur, err := e.resolver.Current(ctx, []DesiredState{concrete})
			if err == nil && cur[0].Err != nil {
				err = cur[0].Err
			}
			if err != nil {
				item.fail(FromToolError(fmt.Sprintf("failed to query %s", concrete.Name), err))
				continue
			}
			desired[i] = concrete
			before[i] = cur[0].State
			item.Before = ptr(cur[0].State)
		}
	}
}

// apply runs the decided actions, batching identities that share an
// action. It returns the indexes whose command succeeded.
func (e *PackageEngine) apply(ctx context.Context, report *Report, desired []DesiredState) []int {
	logger := telemetry.FromContext(ctx)

	var order []Action
	groups := make(map[Action][]int)
	for i, item := range report.Items {
		if item.Phase != PhaseActionDecided || item.Decision == ActionNothing {
			continue
		}
		if _, ok := groups[item.Decision]; !ok {
			order = append(order, item.Decision)
		}
		groups[item.Decision] = append(groups[item.Decision], i)
	}

	var applied []int
	for _, action := range order {
		idx := groups[action]
		var chunks [][]int
		if e.backend.SupportsBatch() {
			chunks = [][]int{idx}
		} else {
			for _, i := range idx {
				chunks = append(chunks, []int{i})
			}
		}

		for _, chunk := range chunks {
			targets := make([]Target, len(chunk))
			for k, i := range chunk {
				targets[k] = Target{
					Identity: desired[i].Identity,
					Version:  report.Items[i].Version,
					Source:   desired[i].Source,
					Options:  desired[i].Options,
				}
			}

			logger.Infof("%s %s", action, describeTargets(targets))
			if err := e.run(ctx, action, targets); err != nil {
				wrapped := FromToolError(fmt.Sprintf("%s failed", action), err)
				for _, i := range chunk {
					report.Items[i].fail(wrapped)
					e.invalidate(report.Items[i].Identity.Name, desired[i].Name)
				}
				// partial changes may have been made
				if ferr := e.backend.Flush(ctx); ferr != nil {
					logger.WithError(ferr).Warn("failed to flush backend state")
				}
				continue
			}
			for _, i := range chunk {
				report.Items[i].Phase = PhaseApplied
				applied = append(applied, i)
			}
		}
	}
	return applied
}

func (e *PackageEngine) run(ctx context.Context, action Action, targets []Target) error {
	switch action {
	case ActionLock:
		return e.backend.(Locker).Lock(ctx, targets)
	case ActionUnlock:
		return e.backend.(Locker).Unlock(ctx, targets)
	default:
		return e.backend.Apply(ctx, action, targets)
	}
}

// verify drops cached state for applied identities, flushes the backend and
// re-reads current state to decide which identities actually changed.
func (e *PackageEngine) verify(ctx context.Context, report *Report, desired []DesiredState, before []CurrentState, applied []int) {
	logger := telemetry.FromContext(ctx)

	batch := make([]DesiredState, len(applied))
	for k, i := range applied {
		e.invalidate(report.Items[i].Identity.Name, desired[i].Name)
		batch[k] = desired[i]
	}
	if err := e.backend.Flush(ctx); err != nil {
		logger.WithError(err).Warn("failed to flush backend state")
	}

	after, err := e.resolver.Current(ctx, batch)
	if err != nil {
		for _, i := range applied {
			report.Items[i].fail(FromToolError("failed to verify", err))
		}
		return
	}

	for k, i := range applied {
		item := &report.Items[i]
		if after[k].Err != nil {
			item.fail(FromToolError("failed to verify", after[k].Err))
			continue
		}
		item.After = ptr(after[k].State)
		item.Phase = PhaseVerified
		item.Updated = !before[i].Equal(after[k].State)
		if item.Updated {
			item.Outcome = OutcomeUpdated
			item.Message = fmt.Sprintf("%s %s", item.Decision, desired[i].Name)
			logger.Infof("%s: %q -> %q", desired[i].Identity, before[i].Version(), after[k].State.Version())
		} else {
			item.Outcome = OutcomeSuccess
			item.Message = fmt.Sprintf("%s %s ran but state is unchanged", item.Decision, desired[i].Name)
			logger.Warnf("%s: %s", desired[i].Identity, item.Message)
		}
	}
}

// invalidate drops cached state for a requested name and, for a virtual
// package, the concrete name it resolved to.
func (e *PackageEngine) invalidate(requested, concrete string) {
	e.opts.cache.Invalidate(KindPackage, concrete)
	if requested != concrete {
		e.opts.cache.Invalidate(KindPackage, requested)
	}
}

func describeTargets(targets []Target) string {
	s := ""
	for i, t := range targets {
		if i > 0 {
			s += " "
		}
		s += t.String()
		if t.Version != "" {
			s += "=" + t.Version
		}
	}
	return s
}
