package resilience

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/livecoach/internal/observe"
	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/provider/speech"
	"github.com/MrWong99/livecoach/pkg/provider/textgen"
	"github.com/MrWong99/livecoach/pkg/types"
)

// Metric kind labels.
const (
	kindTextGen = "textgen"
	kindSpeech  = "speech"
)

var (
	_ textgen.Provider = (*TextGen)(nil)
	_ speech.Provider  = (*Speech)(nil)
)

// TextGen is a [textgen.Provider] that fails over across backends.
type TextGen struct {
	group   *FallbackGroup[textgen.Provider]
	metrics *observe.Metrics
}

// NewTextGen creates a failover text generation provider. A nil metrics
// means observe.DefaultMetrics().
func NewTextGen(primary textgen.Provider, primaryName string, cfg FallbackConfig, m *observe.Metrics) *TextGen {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &TextGen{group: NewFallbackGroup(primary, primaryName, cfg), metrics: m}
}

// AddFallback registers another backend.
func (f *TextGen) AddFallback(name string, p textgen.Provider) { f.group.AddFallback(name, p) }

// Group exposes the underlying group for health reporting.
func (f *TextGen) Group() *FallbackGroup[textgen.Provider] { return f.group }

// Generate implements textgen.Provider.
func (f *TextGen) Generate(ctx context.Context, req textgen.Request) (textgen.Result, error) {
	ctx, span := observe.StartSpan(ctx, "textgen.generate",
		trace.WithAttributes(attribute.Bool("structured", req.Schema != nil)))
	defer span.End()

	res, err := ExecuteWithResult(f.group, func(name string, p textgen.Provider) (textgen.Result, error) {
		return measure(ctx, f.metrics, name, kindTextGen, func() (textgen.Result, error) {
			return p.Generate(ctx, req)
		})
	})
	endSpan(span, err)
	return res, err
}

// Speech is a [speech.Provider] that fails over across backends.
type Speech struct {
	group   *FallbackGroup[speech.Provider]
	metrics *observe.Metrics
}

// NewSpeech creates a failover speech provider. A nil metrics means
// observe.DefaultMetrics().
func NewSpeech(primary speech.Provider, primaryName string, cfg FallbackConfig, m *observe.Metrics) *Speech {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Speech{group: NewFallbackGroup(primary, primaryName, cfg), metrics: m}
}

// AddFallback registers another backend.
func (f *Speech) AddFallback(name string, p speech.Provider) { f.group.AddFallback(name, p) }

// Group exposes the underlying group for health reporting.
func (f *Speech) Group() *FallbackGroup[speech.Provider] { return f.group }

// Synthesize implements speech.Provider.
func (f *Speech) Synthesize(ctx context.Context, text string) (audio.Buffer, error) {
	ctx, span := observe.StartSpan(ctx, "speech.synthesize",
		trace.WithAttributes(attribute.Int("text.length", len(text))))
	defer span.End()

	buf, err := ExecuteWithResult(f.group, func(name string, p speech.Provider) (audio.Buffer, error) {
		return measure(ctx, f.metrics, name, kindSpeech, func() (audio.Buffer, error) {
			return p.Synthesize(ctx, text)
		})
	})
	endSpan(span, err)
	return buf, err
}

func measure[R any](ctx context.Context, m *observe.Metrics, provider, kind string, fn func() (R, error)) (R, error) {
	start := time.Now()
	res, err := fn()
	m.RecordProviderDuration(ctx, provider, kind, time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = string(types.KindOf(err))
		m.RecordProviderError(ctx, provider, kind)
	}
	m.RecordProviderRequest(ctx, provider, kind, status)
	return res, err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(types.KindOf(err)))
	}
}
