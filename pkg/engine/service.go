package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// ServiceEngine converges service requests.
type ServiceEngine struct {
	backend ServiceBackend
	opts    options

	mu            sync.Mutex
	preflightDone bool
}

// NewServiceEngine creates an engine over backend.
func NewServiceEngine(backend ServiceBackend, opts ...Option) *ServiceEngine {
	return &ServiceEngine{backend: backend, opts: buildOptions(opts)}
}

// Converge applies req.Action to each service in req.
func (e *ServiceEngine) Converge(ctx context.Context, req Request) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.Kind == "" {
		req.Kind = KindService
	}
	ctx, span, logger := startConverge(ctx, req, e.backend.Name())
	report := newReport(req, e.backend.Name())

	if err := e.check(ctx, req); err != nil {
		report.failAll(err)
		return report, finishConverge(ctx, span, e.opts, report, logger)
	}

	for i, d := range req.Items {
		e.convergeOne(ctx, req, d.Name, &report.Items[i])
	}
	return report, finishConverge(ctx, span, e.opts, report, logger)
}

func (e *ServiceEngine) check(ctx context.Context, req Request) error {
	if req.Kind != KindService {
		return NewValidationError(fmt.Sprintf("service engine cannot converge %s resources", req.Kind)).WithResource(req.Resource)
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

func (e *ServiceEngine) current(ctx context.Context, name string) (CurrentState, error) {
	id := Identity{Name: name}
	if s, ok := e.opts.cache.Current(KindService, id); ok {
		return s, nil
	}
	s, err := e.backend.Current(ctx, name)
	if err != nil {
		return CurrentState{}, FromToolError(fmt.Sprintf("failed to query service %s", name), err)
	}
	s.Identity = id
	e.opts.cache.PutCurrent(KindService, id, s)
	return s, nil
}

// DecideService returns the action to run for a service, or ActionNothing
// with a reason.
func DecideService(action Action, name string, cur CurrentState) (Action, string, error) {
	if !cur.Exists {
		switch action {
		case ActionDisable, ActionStop:
			return ActionNothing, "service does not exist", nil
		case ActionNothing:
			return ActionNothing, "nothing requested", nil
		default:
			return "", "", NewNotFoundError(name, fmt.Sprintf("cannot %s service %s: service does not exist", action, name))
		}
	}

	switch action {
	case ActionEnable:
		if cur.Enabled {
			return ActionNothing, "already enabled", nil
		}
	case ActionDisable:
		if !cur.Enabled {
			return ActionNothing, "already disabled", nil
		}
	case ActionStart:
		if cur.Running {
			return ActionNothing, "already running", nil
		}
	case ActionStop:
		if !cur.Running {
			return ActionNothing, "already stopped", nil
		}
	case ActionReload:
		if !cur.Running {
			return ActionNothing, "not running, nothing to reload", nil
		}
	case ActionRestart:
	case ActionNothing:
		return ActionNothing, "nothing requested", nil
	default:
		return "", "", NewValidationError(fmt.Sprintf("action %q is not a service action", action))
	}
	return action, "", nil
}

func (e *ServiceEngine) convergeOne(ctx context.Context, req Request, name string, item *ItemResult) {
	logger := telemetry.FromContext(ctx)

	before, err := e.current(ctx, name)
	if err != nil {
		item.fail(err)
		return
	}
	item.Before = ptr(before)
	item.Phase = PhaseCurrentKnown

	decision, reason, err := DecideService(req.Action, name, before)
	if err != nil {
		item.fail(err)
		return
	}
	item.Phase = PhaseActionDecided
	item.Decision = decision
	if decision == ActionNothing {
		item.Outcome = OutcomeNoop
		item.Message = reason
		logger.Debugf("service %s: %s - nothing to do", name, reason)
		return
	}

	if req.WhyRun {
		item.Outcome = OutcomePlanned
		item.Message = fmt.Sprintf("would %s service %s", decision, name)
		logger.Info(item.Message)
		return
	}

	logger.Infof("service %s: %s", name, decision)
	if err := e.backend.Apply(ctx, decision, name); err != nil {
		e.opts.cache.Invalidate(KindService, name)
		item.fail(FromToolError(fmt.Sprintf("failed to %s service %s", decision, name), err))
		return
	}
	item.Phase = PhaseApplied

	e.opts.cache.Invalidate(KindService, name)
	after, err := e.current(ctx, name)
	if err != nil {
		item.fail(err)
		return
	}
	item.After = ptr(after)
	item.Phase = PhaseVerified
	item.Updated = !before.Equal(after)
	item.Message = fmt.Sprintf("%s service %s", decision, name)
	if item.Updated {
		item.Outcome = OutcomeUpdated
	} else {
		item.Outcome = OutcomeSuccess
	}
}
