// Package agent runs declaration files through the convergence engines.
//
// Every run builds its own engines, one per (kind, provider), and closes
// them when it ends. Resolution caches and the package query helper never
// outlive a run, so each run reads the host afresh. Declarations converge
// sequentially in file order; a failed declaration does not stop the ones
// after it.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/stores"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// Store persists runs and reports. *stores.SQLiteStore implements it.
type Store interface {
	CreateRun(ctx context.Context, run *stores.Run) error
	FinishRun(ctx context.Context, id string, status stores.RunStatus, updated, failed int, errMsg *string) error
	RecordReport(ctx context.Context, report *engine.Report) (int64, error)
}

// Options configure an Agent.
type Options struct {
	Registry *engine.Registry
	Deps     engine.Deps

	// Platform skips detection when set.
	Platform *engine.Platform

	// Host names the managed host in stored runs.
	Host string

	// Overrides picks a provider per kind when a declaration names none.
	Overrides map[engine.Kind]string

	// Store, Events and Sink are optional.
	Store  Store
	Events *telemetry.EventPublisher
	Sink   engine.NotificationSink
}

type engineKey struct {
	kind     engine.Kind
	provider string
}

type namedEngine struct {
	engine.Engine
	name string
}

// Agent converges declaration files.
type Agent struct {
	opts     Options
	platform engine.Platform
}

// New creates an agent. The platform is detected through Deps.Probe unless
// given.
func New(opts Options) (*Agent, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Deps.Runner == nil || opts.Deps.Probe == nil {
		return nil, fmt.Errorf("runner and probe are required")
	}

	a := &Agent{opts: opts}
	if opts.Platform != nil {
		a.platform = *opts.Platform
	} else {
		a.platform = engine.DetectPlatform(opts.Deps.Probe, "")
	}
	return a, nil
}

// Platform returns the platform providers are selected for.
func (a *Agent) Platform() engine.Platform {
	return a.platform
}

// Result is the outcome of one run.
type Result struct {
	RunID   string           `json:"run_id"`
	WhyRun  bool             `json:"why_run"`
	Reports []*engine.Report `json:"reports"`

	// Updated and Failed count reports.
	Updated int `json:"updated"`
	Failed  int `json:"failed"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Err joins the errors of every failed report.
func (r *Result) Err() error {
	var errs []error
	for _, rep := range r.Reports {
		if err := rep.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rep.Resource, err))
		}
	}
	return errors.Join(errs...)
}

// Run converges every declaration in f. In why-run mode actions are decided
// and reported but never applied. The returned error joins all failures; the
// Result is always complete.
func (a *Agent) Run(ctx context.Context, f *config.File, whyRun bool) (*Result, error) {
	res := &Result{
		RunID:     uuid.New().String(),
		WhyRun:    whyRun,
		StartedAt: time.Now().UTC(),
	}

	ctx, span := telemetry.StartSpan(ctx, "agent.run",
		telemetry.AttrRunID.String(res.RunID),
		telemetry.AttrItemCount.Int(len(f.Resources)),
	)
	logger := telemetry.FromContext(ctx).WithRunID(res.RunID)
	ctx = logger.WithContext(ctx)

	logger.Infof("starting run with %d resources on %s (why-run=%v)", len(f.Resources), a.platform.ID, whyRun)
	_ = a.opts.Events.PublishRunStarted(res.RunID, len(f.Resources))
	a.createRun(ctx, res, f)

	engines := a.newEngineSet()
	defer func() {
		if err := engines.close(); err != nil {
			logger.WithError(err).Warn("failed to release engines")
		}
	}()

	var runErr error
	for _, d := range f.Resources {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		for _, rep := range a.converge(ctx, engines, d, res.RunID, whyRun) {
			res.Reports = append(res.Reports, rep)
			if rep.Updated {
				res.Updated++
			}
			if rep.Failed() > 0 {
				res.Failed++
			}
		}
	}
	res.CompletedAt = time.Now().UTC()

	err := errors.Join(runErr, res.Err())
	a.finishRun(ctx, res, err)
	_ = a.opts.Events.PublishRunCompleted(res.RunID, res.Updated, res.Failed, res.CompletedAt.Sub(res.StartedAt))

	logger.Infof("run finished: %d updated, %d failed", res.Updated, res.Failed)
	telemetry.EndSpan(span, err)
	return res, err
}

// converge runs every action of d. Later actions are skipped once one fails,
// e.g. no start after a failed enable.
func (a *Agent) converge(ctx context.Context, engines *engineSet, d config.Declaration, runID string, whyRun bool) []*engine.Report {
	logger := telemetry.FromContext(ctx)
	var reports []*engine.Report

	override := d.Provider
	if override == "" {
		override = a.opts.Overrides[d.Kind]
	}

	for _, req := range d.Requests(runID, whyRun) {
		eng, provider, err := engines.get(d.Kind, override)
		var rep *engine.Report
		if err != nil {
			logger.WithError(err).Errorf("no %s provider for %s", d.Kind, d.Name)
			rep = failedReport(req, provider, err)
		} else {
			rep, _ = eng.Converge(ctx, req)
			if rep == nil {
				rep = failedReport(req, provider, engine.NewValidationError("engine returned no report").WithResource(req.Resource))
			}
		}

		a.record(ctx, rep)
		reports = append(reports, rep)
		if rep.Failed() > 0 {
			break
		}
	}
	return reports
}

// engineSet holds the engines of one run.
type engineSet struct {
	a       *Agent
	engines map[engineKey]namedEngine
}

func (a *Agent) newEngineSet() *engineSet {
	return &engineSet{a: a, engines: make(map[engineKey]namedEngine)}
}

func (s *engineSet) get(kind engine.Kind, override string) (engine.Engine, string, error) {
	key := engineKey{kind: kind, provider: override}
	if ne, ok := s.engines[key]; ok {
		return ne.Engine, ne.name, nil
	}

	opts := s.a.opts
	sink := engine.MultiSink{engine.EventSink{Publisher: opts.Events}, opts.Sink}
	eng, name, err := opts.Registry.NewEngine(kind, s.a.platform, override, opts.Deps,
		engine.WithNotificationSink(sink),
		engine.WithMetrics(opts.Deps.Metrics),
	)
	if err != nil {
		return nil, override, err
	}
	s.engines[key] = namedEngine{Engine: eng, name: name}
	return eng, name, nil
}

// close releases engine resources such as the package query helper.
func (s *engineSet) close() error {
	var errs []error
	for key, ne := range s.engines {
		if c, ok := ne.Engine.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s engine: %w", key.kind, err))
			}
		}
	}
	s.engines = nil
	return errors.Join(errs...)
}

func (a *Agent) record(ctx context.Context, rep *engine.Report) {
	logger := telemetry.FromContext(ctx)

	for _, it := range rep.Items {
		if it.Err == nil {
			continue
		}
		logger.WithError(it.Err).Errorf("%s %s failed", rep.Resource, it.Identity)
		_ = a.opts.Events.PublishItemFailed(rep.RunID, rep.Resource, it.Identity.String(), engine.ErrorCode(it.Err), it.Message)
	}

	if a.opts.Store == nil {
		return
	}
	if _, err := a.opts.Store.RecordReport(context.WithoutCancel(ctx), rep); err != nil {
		logger.WithError(err).Warn("failed to record report")
	}
}

func (a *Agent) createRun(ctx context.Context, res *Result, f *config.File) {
	if a.opts.Store == nil {
		return
	}
	source := ""
	if len(f.SourceFiles) > 0 {
		source = f.SourceFiles[0]
	}
	run := &stores.Run{
		ID:        res.RunID,
		Host:      a.opts.Host,
		Platform:  platformString(a.platform),
		Source:    source,
		WhyRun:    res.WhyRun,
		Status:    stores.RunStatusRunning,
		StartedAt: res.StartedAt,
	}
	if err := a.opts.Store.CreateRun(ctx, run); err != nil {
		telemetry.FromContext(ctx).WithError(err).Warn("failed to record run")
	}
}

func (a *Agent) finishRun(ctx context.Context, res *Result, err error) {
	if a.opts.Store == nil {
		return
	}
	status := stores.RunStatusCompleted
	var msg *string
	if err != nil {
		status = stores.RunStatusFailed
		s := err.Error()
		msg = &s
	}
	// Interrupted runs are still closed.
	if err := a.opts.Store.FinishRun(context.WithoutCancel(ctx), res.RunID, status, res.Updated, res.Failed, msg); err != nil {
		telemetry.FromContext(ctx).WithError(err).Warn("failed to finish run")
	}
}

func failedReport(req engine.Request, provider string, err error) *engine.Report {
	now := time.Now().UTC()
	rep := &engine.Report{
		RunID:       req.RunID,
		Resource:    req.Resource,
		Provider:    provider,
		Kind:        req.Kind,
		Action:      req.Action,
		WhyRun:      req.WhyRun,
		Items:       make([]engine.ItemResult, len(req.Items)),
		StartedAt:   now,
		CompletedAt: now,
	}
	for i, it := range req.Items {
		rep.Items[i] = engine.ItemResult{
			Identity: it.Identity,
			Phase:    engine.PhaseError,
			Outcome:  engine.OutcomeError,
			Message:  err.Error(),
			Err:      err,
		}
	}
	return rep
}

func platformString(p engine.Platform) string {
	if p.Version == "" {
		return p.ID
	}
	return p.ID + " " + p.Version
}
