package engine

import (
	"context"
	"errors"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// EventSink publishes "resource updated" notifications as telemetry
// events.
type EventSink struct {
	Publisher *telemetry.EventPublisher
}

// ResourceUpdated implements NotificationSink.
func (s EventSink) ResourceUpdated(_ context.Context, report *Report) error {
	if s.Publisher == nil {
		return nil
	}
	ids := report.UpdatedIdentities()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id.String()
	}
	return s.Publisher.PublishResourceUpdated(report.RunID, report.Resource, string(report.Kind), string(report.Action), names)
}

// MultiSink fans a notification out to several sinks.
type MultiSink []NotificationSink

// ResourceUpdated implements NotificationSink.
func (m MultiSink) ResourceUpdated(ctx context.Context, report *Report) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.ResourceUpdated(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
