package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
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

// snapshot flattens int64 sums into "name{key=value}" entries, using only
// the first attribute of each point, plus a bare "name" total.
func snapshot(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[met.Name] += dp.Value
				for _, kv := range dp.Attributes.ToSlice() {
					out[met.Name+"{"+string(kv.Key)+"="+kv.Value.Emit()+"}"] += dp.Value
				}
			}
		}
	}
	return out
}

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SessionsStarted.Add(ctx, 1)
	m.FramesCaptured.Add(ctx, 3)
	m.FramesSent.Add(ctx, 3)
	m.ChunksScheduled.Add(ctx, 4)
	m.PlaybackCancelled.Add(ctx, 2)
	m.CodecErrors.Add(ctx, 1)
	m.Interruptions.Add(ctx, 2)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.RecordTransition(ctx, "Active", "Interrupted")
	m.RecordTransition(ctx, "Interrupted", "Active")
	m.RecordTransition(ctx, "Active", "Interrupted")
	m.RecordDropped(ctx, "capture", 2)
	m.RecordDropped(ctx, "capture", 0)
	m.RecordDropped(ctx, "outbox", 1)
	m.RecordProviderRequest(ctx, "gemini", "textgen", "ok")
	m.RecordProviderRequest(ctx, "gemini", "textgen", "ok")
	m.RecordProviderRequest(ctx, "gemini", "speech", "error")
	m.RecordProviderError(ctx, "gemini", "speech")

	got := snapshot(t, reader)
	want := map[string]int64{
		"livecoach.sessions.started":                      1,
		"livecoach.sessions.active":                       1,
		"livecoach.capture.frames":                        3,
		"livecoach.transport.frames_sent":                 3,
		"livecoach.playback.chunks":                       4,
		"livecoach.playback.cancelled":                    2,
		"livecoach.playback.codec_errors":                 1,
		"livecoach.session.interruptions":                 2,
		"livecoach.session.transitions{to=Interrupted}":   2,
		"livecoach.session.transitions{from=Interrupted}": 1,
		"livecoach.frames.dropped{queue=capture}":         2,
		"livecoach.frames.dropped{queue=outbox}":          1,
		"livecoach.provider.requests{status=ok}":          2,
		"livecoach.provider.requests{kind=speech}":        1,
		"livecoach.provider.errors{provider=gemini}":      1,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %d, want %d", k, got[k], v)
		}
	}
}

func TestMetrics_ProviderDuration(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderDuration(ctx, "openai", "textgen", 0.2)
	m.RecordProviderDuration(ctx, "openai", "textgen", 0.4)
	m.RecordProviderDuration(ctx, "gemini", "speech", 1.5)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "livecoach.provider.duration")
	if met == nil {
		t.Fatal("provider duration not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 2 {
		t.Fatalf("data points = %d, want one per provider and kind", len(hist.DataPoints))
	}
	want := attribute.NewSet(attribute.String("provider", "openai"), attribute.String("kind", "textgen"))
	for _, dp := range hist.DataPoints {
		if dp.Attributes.Equals(&want) && dp.Count != 2 {
			t.Errorf("openai textgen count = %d, want 2", dp.Count)
		}
	}
	if got := met.Unit; got != "s" {
		t.Errorf("unit = %q, want seconds", got)
	}
}

func TestDefaultMetrics_Shared(t *testing.T) {
	t.Parallel()
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
