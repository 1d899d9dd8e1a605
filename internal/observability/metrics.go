// Package observability exports payload lifecycle metrics through
// OpenTelemetry.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petrijr/geoflow/pkg/api"
	"github.com/petrijr/geoflow/pkg/worker"
)

// meterName is the instrumentation scope name for geoflow metrics.
const meterName = "github.com/petrijr/geoflow"

// MetricsObserver is an api.Observer recording OTel instruments:
//   - geoflow.payload.claims (Int64Counter): claim attempts, with attributes
//     collections_workflow and outcome ("claimed" or "conflict")
//   - geoflow.payload.transitions (Int64Counter): state writes other than
//     claims, with attributes collections_workflow and state
//   - geoflow.callback.resolutions (Int64Counter): resolved tokens, with
//     attribute state
type MetricsObserver struct {
	claims      metric.Int64Counter
	transitions metric.Int64Counter
	resolutions metric.Int64Counter
}

var _ api.Observer = (*MetricsObserver)(nil)

// NewMetricsObserver uses the global MeterProvider.
func NewMetricsObserver() *MetricsObserver {
	return NewMetricsObserverWithMeter(otel.Meter(meterName))
}

// NewMetricsObserverWithMeter uses the provided meter.
func NewMetricsObserverWithMeter(meter metric.Meter) *MetricsObserver {
	// On error the API returns noop instruments.
	claims, _ := meter.Int64Counter(
		"geoflow.payload.claims",
		metric.WithDescription("Payload claim attempts"),
		metric.WithUnit("{claim}"),
	)
	transitions, _ := meter.Int64Counter(
		"geoflow.payload.transitions",
		metric.WithDescription("Payload state transitions"),
		metric.WithUnit("{transition}"),
	)
	resolutions, _ := meter.Int64Counter(
		"geoflow.callback.resolutions",
		metric.WithDescription("Resolved callback tokens"),
		metric.WithUnit("{token}"),
	)
	return &MetricsObserver{claims: claims, transitions: transitions, resolutions: resolutions}
}

func (o *MetricsObserver) OnClaimed(ctx context.Context, key api.Key) {
	o.claims.Add(ctx, 1, metric.WithAttributes(
		attribute.String("collections_workflow", key.CollectionsWorkflow()),
		attribute.String("outcome", "claimed"),
	))
}

func (o *MetricsObserver) OnClaimConflict(ctx context.Context, key api.Key) {
	o.claims.Add(ctx, 1, metric.WithAttributes(
		attribute.String("collections_workflow", key.CollectionsWorkflow()),
		attribute.String("outcome", "conflict"),
	))
}

func (o *MetricsObserver) OnTransition(ctx context.Context, key api.Key, state api.State) {
	o.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("collections_workflow", key.CollectionsWorkflow()),
		attribute.String("state", string(state)),
	))
}

func (o *MetricsObserver) OnCallbackResolved(ctx context.Context, token string, state api.State) {
	o.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(state))))
}

// InstrumentHandler wraps h to record geoflow.task.duration
// (Float64Histogram, seconds) with attributes workflow and status ("ok" or
// "error").
func InstrumentHandler(meter metric.Meter, h worker.Handler) worker.Handler {
	duration, _ := meter.Float64Histogram(
		"geoflow.task.duration",
		metric.WithDescription("Duration of task handler runs in seconds"),
		metric.WithUnit("s"),
	)
	return func(ctx context.Context, p *api.Payload) (*api.Payload, error) {
		start := time.Now()
		out, err := h(ctx, p)
		status := "ok"
		if err != nil {
			status = "error"
		}
		duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("workflow", p.Workflow()),
			attribute.String("status", status),
		))
		return out, err
	}
}
