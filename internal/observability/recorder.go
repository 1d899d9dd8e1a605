package observability

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Recorder is an in-process MeterProvider for commands that run without an
// exporter. Its totals are written to a logger on demand.
type Recorder struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
}

// NewRecorder creates a Recorder.
func NewRecorder() *Recorder {
	reader := sdkmetric.NewManualReader()
	return &Recorder{
		reader:   reader,
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	}
}

// Meter returns the geoflow meter of the recorder's provider.
func (r *Recorder) Meter() metric.Meter {
	return r.provider.Meter(meterName)
}

// Totals collects the current values: the sum of each counter and the
// observation count of each histogram, keyed by instrument name.
func (r *Recorder) Totals(ctx context.Context) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += int64(dp.Count)
				}
			}
		}
	}
	return out, nil
}

// LogTotals writes the current totals to logger in one record. Nothing is
// written when no instrument has recorded a value.
func (r *Recorder) LogTotals(ctx context.Context, logger *slog.Logger) {
	totals, err := r.Totals(ctx)
	if err != nil {
		logger.WarnContext(ctx, "collecting metrics failed", slog.Any("error", err))
		return
	}
	if len(totals) == 0 {
		return
	}
	attrs := make([]any, 0, len(totals))
	for _, name := range slices.Sorted(maps.Keys(totals)) {
		attrs = append(attrs, slog.Int64(name, totals[name]))
	}
	logger.InfoContext(ctx, "metrics", attrs...)
}

// Shutdown releases the provider.
func (r *Recorder) Shutdown(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}
