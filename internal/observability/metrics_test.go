package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/petrijr/geoflow/pkg/api"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumBy totals an Int64 sum's data points by the value of attribute key.
func sumBy(t *testing.T, rm metricdata.ResourceMetrics, name, key string) map[string]int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("%s metric not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64] data for %s", name)
	}
	out := map[string]int64{}
	for _, dp := range sum.DataPoints {
		for _, attr := range dp.Attributes.ToSlice() {
			if string(attr.Key) == key {
				out[attr.Value.AsString()] += dp.Value
			}
		}
	}
	return out
}

var key = api.Key{Collections: "sentinel-2", Workflow: "mosaic", ItemIDs: "S2A_1"}

func TestMetricsObserverCounts(t *testing.T) {
	reader, mp := setupTestMeter()
	o := NewMetricsObserverWithMeter(mp.Meter("test"))
	ctx := context.Background()

	o.OnClaimed(ctx, key)
	o.OnClaimConflict(ctx, key)
	o.OnClaimConflict(ctx, key)
	o.OnTransition(ctx, key, api.StateCompleted)
	o.OnTransition(ctx, key, api.StateFailed)
	o.OnTransition(ctx, key, api.StateCompleted)
	o.OnCallbackResolved(ctx, "tok", api.StateCompleted)

	rm := collectMetrics(t, reader)

	claims := sumBy(t, rm, "geoflow.payload.claims", "outcome")
	if claims["claimed"] != 1 || claims["conflict"] != 2 {
		t.Errorf("unexpected claim counts: %v", claims)
	}
	groups := sumBy(t, rm, "geoflow.payload.claims", "collections_workflow")
	if groups["sentinel-2_mosaic"] != 3 {
		t.Errorf("unexpected collections_workflow counts: %v", groups)
	}

	transitions := sumBy(t, rm, "geoflow.payload.transitions", "state")
	if transitions["COMPLETED"] != 2 || transitions["FAILED"] != 1 {
		t.Errorf("unexpected transition counts: %v", transitions)
	}

	resolutions := sumBy(t, rm, "geoflow.callback.resolutions", "state")
	if resolutions["COMPLETED"] != 1 {
		t.Errorf("unexpected resolution counts: %v", resolutions)
	}
}

func TestInstrumentHandler(t *testing.T) {
	reader, mp := setupTestMeter()
	meter := mp.Meter("test")
	p := &api.Payload{Process: api.SingleStage(api.Stage{Workflow: "mosaic"})}

	ok := InstrumentHandler(meter, func(ctx context.Context, p *api.Payload) (*api.Payload, error) {
		return p, nil
	})
	failing := InstrumentHandler(meter, func(ctx context.Context, p *api.Payload) (*api.Payload, error) {
		return nil, errors.New("boom")
	})

	if out, err := ok(context.Background(), p); err != nil || out != p {
		t.Fatalf("wrapped handler changed the result: %v %v", out, err)
	}
	if _, err := failing(context.Background(), p); err == nil {
		t.Fatal("expected the handler error to pass through")
	}

	rm := collectMetrics(t, reader)
	m := findMetric(rm, "geoflow.task.duration")
	if m == nil {
		t.Fatal("geoflow.task.duration metric not found")
	}
	hist, ok2 := m.Data.(metricdata.Histogram[float64])
	if !ok2 {
		t.Fatal("expected Histogram[float64] data type")
	}
	var total uint64
	statuses := map[string]bool{}
	for _, dp := range hist.DataPoints {
		total += dp.Count
		for _, attr := range dp.Attributes.ToSlice() {
			if string(attr.Key) == "status" {
				statuses[attr.Value.AsString()] = true
			}
		}
	}
	if total != 2 || !statuses["ok"] || !statuses["error"] {
		t.Errorf("unexpected histogram: count=%d statuses=%v", total, statuses)
	}
}

func TestObserverWiredIntoComposite(t *testing.T) {
	reader, mp := setupTestMeter()
	basic := &api.BasicMetrics{}
	obs := api.NewCompositeObserver(basic, NewMetricsObserverWithMeter(mp.Meter("test")))

	obs.OnClaimed(context.Background(), key)

	if basic.Snapshot().Claims != 1 {
		t.Errorf("basic metrics not notified")
	}
	if got := sumBy(t, collectMetrics(t, reader), "geoflow.payload.claims", "outcome"); got["claimed"] != 1 {
		t.Errorf("otel metrics not notified: %v", got)
	}
}

func TestRecorderTotals(t *testing.T) {
	rec := NewRecorder()
	t.Cleanup(func() { _ = rec.Shutdown(context.Background()) })
	ctx := context.Background()

	obs := NewMetricsObserverWithMeter(rec.Meter())
	key := api.Key{Collections: "sentinel-2", Workflow: "cog-archive", ItemIDs: "S2A_1"}
	obs.OnClaimed(ctx, key)
	obs.OnClaimConflict(ctx, key)
	obs.OnTransition(ctx, key, api.StateCompleted)

	totals, err := rec.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals failed: %v", err)
	}
	if totals["geoflow.payload.claims"] != 2 {
		t.Fatalf("expected 2 claims, got %d", totals["geoflow.payload.claims"])
	}
	if totals["geoflow.payload.transitions"] != 1 {
		t.Fatalf("expected 1 transition, got %d", totals["geoflow.payload.transitions"])
	}

	var buf bytes.Buffer
	rec.LogTotals(ctx, slog.New(slog.NewTextHandler(&buf, nil)))
	if !strings.Contains(buf.String(), "geoflow.payload.claims=2") {
		t.Fatalf("totals not logged: %s", buf.String())
	}
}

func TestRecorderLogsNothingWhenIdle(t *testing.T) {
	rec := NewRecorder()
	t.Cleanup(func() { _ = rec.Shutdown(context.Background()) })

	var buf bytes.Buffer
	rec.LogTotals(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %s", buf.String())
	}
}
