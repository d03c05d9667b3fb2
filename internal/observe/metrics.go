// Package observe is the observability layer shared by every livecoach
// component: OpenTelemetry instruments, spans, trace-aware slog loggers and
// the control plane HTTP middleware.
//
// Instruments are created from a [metric.MeterProvider]. In the binary that
// is the global provider wired to a Prometheus exporter by [InitProvider];
// tests pass their own provider with a manual reader to [NewMetrics].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/livecoach"

// Metrics groups the livecoach instruments.
type Metrics struct {
	// Session controller. SessionsStarted carries provider, StateTransitions
	// carries from and to.
	SessionsStarted  metric.Int64Counter
	ActiveSessions   metric.Int64UpDownCounter
	StateTransitions metric.Int64Counter
	Interruptions    metric.Int64Counter

	// Audio path. FramesCaptured counts 4096-sample microphone windows;
	// FramesDropped carries queue.
	FramesCaptured    metric.Int64Counter
	FramesSent        metric.Int64Counter
	FramesDropped     metric.Int64Counter
	ChunksScheduled   metric.Int64Counter
	PlaybackCancelled metric.Int64Counter
	CodecErrors       metric.Int64Counter

	// Text generation and speech synthesis, by provider and kind. Requests
	// also carry status.
	ProviderRequests metric.Int64Counter
	ProviderErrors   metric.Int64Counter
	ProviderDuration metric.Float64Histogram

	// Control plane, by route and status.
	HTTPRequestDuration metric.Float64Histogram
}

// Model round trips range from tens of milliseconds to several seconds.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}

	counters := map[string]struct {
		dst  *metric.Int64Counter
		desc string
	}{
		"livecoach.sessions.started":      {&m.SessionsStarted, "Sessions that reached Active."},
		"livecoach.session.transitions":   {&m.StateTransitions, "Session state transitions."},
		"livecoach.session.interruptions": {&m.Interruptions, "Barge-in interruptions."},
		"livecoach.capture.frames":        {&m.FramesCaptured, "Microphone frames captured."},
		"livecoach.transport.frames_sent": {&m.FramesSent, "Frames handed to the transport."},
		"livecoach.frames.dropped":        {&m.FramesDropped, "Frames discarded by a full queue."},
		"livecoach.playback.chunks":       {&m.ChunksScheduled, "Inbound audio chunks scheduled for playback."},
		"livecoach.playback.cancelled":    {&m.PlaybackCancelled, "Scheduled sounds stopped before completion."},
		"livecoach.playback.codec_errors": {&m.CodecErrors, "Inbound audio chunks that failed to decode."},
		"livecoach.provider.requests":     {&m.ProviderRequests, "Collaborator requests."},
		"livecoach.provider.errors":       {&m.ProviderErrors, "Collaborator errors."},
	}
	for name, c := range counters {
		var err error
		if *c.dst, err = meter.Int64Counter(name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	var err error
	if m.ActiveSessions, err = meter.Int64UpDownCounter("livecoach.sessions.active",
		metric.WithDescription("Sessions currently streaming.")); err != nil {
		return nil, err
	}
	if m.ProviderDuration, err = meter.Float64Histogram("livecoach.provider.duration",
		metric.WithDescription("Text generation and speech synthesis latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if m.HTTPRequestDuration, err = meter.Float64Histogram("livecoach.http.request.duration",
		metric.WithDescription("Control plane request latency."),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics lazily creates a shared [Metrics] on the global meter
// provider. Call it after [InitProvider].
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordTransition counts one state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordDropped counts n frames lost from queue. Non-positive n is ignored.
func (m *Metrics) RecordDropped(ctx context.Context, queue string, n int) {
	if n > 0 {
		m.FramesDropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("queue", queue)))
	}
}

func providerAttrs(provider, kind string) attribute.Set {
	return attribute.NewSet(attribute.String("provider", provider), attribute.String("kind", kind))
}

// RecordProviderRequest counts one collaborator call with its outcome.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordProviderError counts one collaborator error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributeSet(providerAttrs(provider, kind)))
}

// RecordProviderDuration records one collaborator call's latency in seconds.
func (m *Metrics) RecordProviderDuration(ctx context.Context, provider, kind string, seconds float64) {
	m.ProviderDuration.Record(ctx, seconds, metric.WithAttributeSet(providerAttrs(provider, kind)))
}
