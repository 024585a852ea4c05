package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// GroupEngine converges group requests.
type GroupEngine struct {
	backend GroupBackend
	opts    options

	mu            sync.Mutex
	preflightDone bool
}

// NewGroupEngine creates an engine over backend.
func NewGroupEngine(backend GroupBackend, opts ...Option) *GroupEngine {
	return &GroupEngine{backend: backend, opts: buildOptions(opts)}
}

// Converge creates, manages, modifies or removes each group in req.
func (e *GroupEngine) Converge(ctx context.Context, req Request) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.Kind == "" {
		req.Kind = KindGroup
	}
	ctx, span, logger := startConverge(ctx, req, e.backend.Name())
	report := newReport(req, e.backend.Name())

	if err := e.check(ctx, req); err != nil {
		report.failAll(err)
		return report, finishConverge(ctx, span, e.opts, report, logger)
	}

	for i, d := range req.Items {
		e.convergeOne(ctx, req, d, &report.Items[i])
	}
	return report, finishConverge(ctx, span, e.opts, report, logger)
}

func (e *GroupEngine) check(ctx context.Context, req Request) error {
	if req.Kind != KindGroup {
		return NewValidationError(fmt.Sprintf("group engine cannot converge %s resources", req.Kind)).WithResource(req.Resource)
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if !e.preflightDone {
		if err := e.backend.Preflight(ctx); err != nil {
			return FromToolError("preflight failed", err)
		}
		e.preflightDone = true
	}
	return nil
}

func (e *GroupEngine) current(ctx context.Context, name string) (CurrentState, error) {
	id := Identity{Name: name}
	if s, ok := e.opts.cache.Current(KindGroup, id); ok {
		return s, nil
	}
	s, err := e.backend.Current(ctx, name)
	if err != nil {
		return CurrentState{}, FromToolError(fmt.Sprintf("failed to query group %s", name), err)
	}
	s.Identity = id
	e.opts.cache.PutCurrent(KindGroup, id, s)
	return s, nil
}

// groupStep is one mutating call decided for a group.
type groupStep struct {
	desc string
	run  func(ctx context.Context) error
}

func (e *GroupEngine) convergeOne(ctx context.Context, req Request, d DesiredState, item *ItemResult) {
	logger := telemetry.FromContext(ctx)

	before, err := e.current(ctx, d.Name)
	if err != nil {
		item.fail(err)
		return
	}
	item.Before = ptr(before)
	item.Phase = PhaseCurrentKnown

	steps, decision, reason, err := e.plan(req.Action, d, before)
	if err != nil {
		item.fail(err)
		return
	}
	item.Phase = PhaseActionDecided
	item.Decision = decision
	if len(steps) == 0 {
		item.Decision = ActionNothing
		item.Outcome = OutcomeNoop
		item.Message = reason
		logger.Debugf("group %s: %s - nothing to do", d.Name, reason)
		return
	}

	if req.WhyRun {
		item.Outcome = OutcomePlanned
		item.Message = "would " + joinSteps(steps)
		logger.Infof("group %s: %s", d.Name, item.Message)
		return
	}

	for _, step := range steps {
		logger.Infof("group %s: %s", d.Name, step.desc)
		if err := step.run(ctx); err != nil {
			item.fail(FromToolError(fmt.Sprintf("failed to %s", step.desc), err))
			break
		}
	}
	if item.Phase == PhaseError {
		// partial changes may have been made; drop the cached state anyway
		e.opts.cache.Invalidate(KindGroup, d.Name)
		return
	}
	item.Phase = PhaseApplied

	e.opts.cache.Invalidate(KindGroup, d.Name)
	after, err := e.current(ctx, d.Name)
	if err != nil {
		item.fail(err)
		return
	}
	item.After = ptr(after)
	item.Phase = PhaseVerified
	item.Updated = !before.Equal(after)
	item.Message = joinSteps(steps)
	if item.Updated {
		item.Outcome = OutcomeUpdated
	} else {
		item.Outcome = OutcomeSuccess
	}
}

// plan returns the mutating steps for one group. An empty list is a no-op.
func (e *GroupEngine) plan(action Action, d DesiredState, cur CurrentState) ([]groupStep, Action, string, error) {
	name := d.Name

	switch action {
	case ActionNothing:
		return nil, ActionNothing, "nothing requested", nil
	case ActionRemove:
		if !cur.Exists {
			return nil, ActionNothing, "group does not exist", nil
		}
		return []groupStep{{desc: "remove group", run: func(ctx context.Context) error {
			return e.backend.Remove(ctx, name)
		}}}, ActionRemove, "", nil
	case ActionManage:
		if !cur.Exists {
			return nil, ActionNothing, "group does not exist, nothing to manage", nil
		}
	case ActionModify:
		if !cur.Exists {
			return nil, "", "", NewNotFoundError(name, fmt.Sprintf("cannot modify group %s: group does not exist", name))
		}
	case ActionCreate:
	default:
		return nil, "", "", NewUnsupportedOperationError(e.backend.Name(), action).WithResource(name)
	}

	var steps []groupStep
	existing := cur.Members
	if !cur.Exists {
		steps = append(steps, groupStep{desc: "create group", run: func(ctx context.Context) error {
			return e.backend.Create(ctx, name, d.GID)
		}})
		existing = nil
	} else if d.GID != nil && (cur.GID == nil || *cur.GID != *d.GID) {
		gid := *d.GID
		steps = append(steps, groupStep{desc: fmt.Sprintf("set gid to %d", gid), run: func(ctx context.Context) error {
			return e.backend.SetGID(ctx, name, gid)
		}})
	}

	// members are only managed when declared
	if d.Members != nil || len(d.ExcludedMembers) > 0 {
		delta, err := Reconcile(existing, d.Members, d.ExcludedMembers, d.Append)
		if err != nil {
			var ee *EngineError
			if errors.As(err, &ee) {
				ee.WithResource(name)
			}
			return nil, "", "", err
		}
		steps = append(steps, e.memberSteps(name, d, delta)...)
	}

	decision := action
	if action == ActionCreate && cur.Exists {
		decision = ActionManage
	}
	return steps, decision, "group is up to date", nil
}

func (e *GroupEngine) memberSteps(name string, d DesiredState, delta Delta) []groupStep {
	if delta.Empty() {
		return nil
	}

	if setter, ok := e.backend.(MemberSetter); ok && !d.Append {
		members := sortedKeys(toSet(d.Members))
		return []groupStep{{desc: fmt.Sprintf("set members to %v", members), run: func(ctx context.Context) error {
			return setter.SetMembers(ctx, name, members)
		}}}
	}

	var steps []groupStep
	if len(delta.ToAdd) > 0 {
		add := delta.ToAdd
		steps = append(steps, groupStep{desc: fmt.Sprintf("add members %v", add), run: func(ctx context.Context) error {
			return e.backend.AddMembers(ctx, name, add)
		}})
	}
	if len(delta.ToRemove) > 0 {
		remove := delta.ToRemove
		steps = append(steps, groupStep{desc: fmt.Sprintf("remove members %v", remove), run: func(ctx context.Context) error {
			return e.backend.RemoveMembers(ctx, name, remove)
		}})
	}
	return steps
}

func joinSteps(steps []groupStep) string {
	s := ""
	for i, step := range steps {
		if i > 0 {
			s += ", "
		}
		s += step.desc
	}
	return s
}
