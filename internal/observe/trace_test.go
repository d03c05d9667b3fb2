package observe

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useLogBuffer routes slog.Default into a buffer for the test.
func useLogBuffer(t *testing.T) *strings.Builder {
	t.Helper()
	var buf strings.Builder
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	if got := CorrelationID(context.Background()); got != "" {
		t.Fatalf("without span: %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := tp.Tracer("test").Start(context.Background(), "session.start")
		id := CorrelationID(ctx)
		span.End()

		if b, err := hex.DecodeString(id); err != nil || len(b) != 16 {
			t.Fatalf("correlation ID %q is not a 16 byte hex trace ID", id)
		}
		if seen[id] {
			t.Fatalf("duplicate correlation ID %s", id)
		}
		seen[id] = true
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, span := StartSpan(context.Background(), "transport.dial")
	if CorrelationID(ctx) == "" {
		t.Error("span context missing after StartSpan")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "transport.dial" {
		t.Fatalf("spans = %v, want one transport.dial", spans)
	}
	if spans[0].InstrumentationScope.Name != tracerName {
		t.Errorf("scope = %q, want %q", spans[0].InstrumentationScope.Name, tracerName)
	}
}

func TestLogger(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	t.Run("with span", func(t *testing.T) {
		buf := useLogBuffer(t)
		ctx, span := tp.Tracer("test").Start(context.Background(), "playback.chunk")
		defer span.End()

		Logger(ctx).Info("chunk scheduled")

		out := buf.String()
		if !strings.Contains(out, "trace_id="+CorrelationID(ctx)) {
			t.Errorf("trace_id missing: %s", out)
		}
		if !strings.Contains(out, "span_id="+span.SpanContext().SpanID().String()) {
			t.Errorf("span_id missing: %s", out)
		}
	})

	t.Run("without span", func(t *testing.T) {
		buf := useLogBuffer(t)
		Logger(context.Background()).Info("idle")
		if strings.Contains(buf.String(), "trace_id") {
			t.Errorf("unexpected trace_id: %s", buf.String())
		}
	})
}
