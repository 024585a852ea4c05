package engine

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// Option configures an engine.
type Option func(*options)

type options struct {
	sink    NotificationSink
	metrics *telemetry.Metrics
	cache   *ResolutionCache
}

// WithNotificationSink sets where "resource updated" signals go.
func WithNotificationSink(sink NotificationSink) Option {
	return func(o *options) { o.sink = sink }
}

// WithMetrics records engine metrics. A nil Metrics disables them.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithCache shares a resolution cache. By default each engine owns one.
func WithCache(c *ResolutionCache) Option {
	return func(o *options) { o.cache = c }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.cache == nil {
		o.cache = NewResolutionCache(o.metrics)
	}
	return o
}

// Engine converges one kind of resource.
type Engine interface {
	Converge(ctx context.Context, req Request) (*Report, error)
}

func startConverge(ctx context.Context, req Request, provider string) (context.Context, trace.Span, *telemetry.Logger) {
	ctx, span := telemetry.StartSpan(ctx, "engine.converge",
		telemetry.AttrRunID.String(req.RunID),
		telemetry.AttrResource.String(req.Resource),
		telemetry.AttrKind.String(string(req.Kind)),
		telemetry.AttrAction.String(string(req.Action)),
		telemetry.AttrProvider.String(provider),
		telemetry.AttrItemCount.Int(len(req.Items)),
	)
	logger := telemetry.FromContext(ctx).WithResource(req.Resource, provider)
	if req.RunID != "" {
		logger = logger.WithRunID(req.RunID)
	}
	return logger.WithContext(ctx), span, logger
}

// finishConverge closes the report, records metrics, sends the single
// notification and ends the span.
func finishConverge(ctx context.Context, span trace.Span, o options, report *Report, logger *telemetry.Logger) error {
	report.finish()

	for _, it := range report.Items {
		o.metrics.RecordItem(string(report.Kind), string(report.Action), string(it.Outcome))
		if it.Err != nil {
			o.metrics.RecordError(ErrorCode(it.Err))
		}
	}
	o.metrics.RecordConverge(string(report.Kind), string(report.Action), report.Updated, report.Duration())

	if report.Updated && o.sink != nil {
		if err := o.sink.ResourceUpdated(ctx, report); err != nil {
			logger.WithError(err).Warn("failed to deliver update notification")
		}
	}

	err := report.Err()
	span.SetAttributes(telemetry.AttrUpdated.Bool(report.Updated))
	telemetry.EndSpan(span, err)
	return err
}
