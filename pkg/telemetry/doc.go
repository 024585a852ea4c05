// Package telemetry provides logging, metrics, tracing and event publishing
// for froyo-converge.
//
// The four pieces are built from one Config:
//
//   - Logger wraps zerolog and travels in the context (WithContext /
//     FromContext).
//   - Metrics exposes Prometheus counters and histograms for tool
//     invocations, resolution cache hits, helper restarts and converged
//     items. Every Record method is safe on a nil or disabled Metrics.
//   - Tracer configures the global OpenTelemetry provider with a stdout or
//     OTLP/gRPC exporter.
//   - EventPublisher fans out resource.updated and run events to in-process
//     subscribers.
//
// Typical setup:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
package telemetry
