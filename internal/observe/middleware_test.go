package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup installs an in-memory tracer and returns fresh instruments. The
// tracer provider is global, so tests using it do not run in parallel.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	return m, reader, exp
}

// controlPlane mimics the api routes closely enough to exercise patterns.
func controlPlane() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/session/{id}/history", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/session/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})
	return mux
}

func durationPoints(t *testing.T, reader *sdkmetric.ManualReader) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "livecoach.http.request.duration")
	if met == nil {
		return nil
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration is %T, want histogram", met.Data)
	}
	return hist.DataPoints
}

func TestMiddleware_CorrelationID(t *testing.T) {
	m, _, _ := testSetup(t)

	var inHandler string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inHandler = CorrelationID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/session/start", nil))

	if len(inHandler) != 32 {
		t.Fatalf("correlation ID = %q, want a 32-char trace ID", inHandler)
	}
	if got := rec.Header().Get(CorrelationHeader); got != inHandler {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, inHandler)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	m, _, _ := testSetup(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	h := Middleware(m)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, traceID)
	}
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	m, reader, exp := testSetup(t)
	h := Middleware(m)(controlPlane())

	for _, id := range []string{"a", "b", "missing"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/session/"+id+"/history", nil))
	}

	const pattern = "GET /v1/session/{id}/history"
	counts := map[string]uint64{}
	for _, dp := range durationPoints(t, reader) {
		rt, _ := dp.Attributes.Value(attribute.Key("route"))
		st, _ := dp.Attributes.Value(attribute.Key("status"))
		if rt.AsString() != pattern {
			t.Errorf("route label = %q, want %q", rt.AsString(), pattern)
		}
		counts[st.AsString()] += dp.Count
	}
	if counts["200"] != 2 || counts["404"] != 1 {
		t.Errorf("counts by status = %v, want 200:2 404:1", counts)
	}

	spans := exp.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(spans))
	}
	if spans[0].Name != pattern {
		t.Errorf("span name = %q, want %q", spans[0].Name, pattern)
	}
	var status int64
	for _, a := range spans[2].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("span status attribute = %d, want 404", status)
	}
}

func TestMiddleware_UnmatchedRouteUsesPath(t *testing.T) {
	m, reader, _ := testSetup(t)
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/plain", nil))

	dps := durationPoints(t, reader)
	if len(dps) != 1 {
		t.Fatalf("data points = %d, want 1", len(dps))
	}
	rt, _ := dps[0].Attributes.Value(attribute.Key("route"))
	st, _ := dps[0].Attributes.Value(attribute.Key("status"))
	if rt.AsString() != "GET /plain" || st.AsString() != "418" {
		t.Errorf("labels = %q %q", rt.AsString(), st.AsString())
	}
}

func TestMiddleware_WebsocketUpgradePassesThrough(t *testing.T) {
	m, reader, _ := testSetup(t)
	srv := httptest.NewServer(Middleware(m)(controlPlane()))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):]+"/v1/session/events", nil)
	if err != nil {
		t.Fatalf("Dial through middleware: %v", err)
	}
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("read err = %v, want normal closure", err)
	}

	// The handler records after the hijacked connection is released, which
	// the test server does not wait for.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, dp := range durationPoints(t, reader) {
			st, _ := dp.Attributes.Value(attribute.Key("status"))
			if st.AsString() == "101" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("upgrade not recorded as 101")
}
