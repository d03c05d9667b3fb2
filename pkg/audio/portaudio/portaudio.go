// Package portaudio implements [audio.InputDevice] and [audio.OutputDevice] on
// top of the PortAudio host API bindings.
//
// The input device delivers float samples from the default microphone at its
// native rate. The output device drives a [mixer.Timeline] from the PortAudio
// output callback so the timeline's clock follows the sound card.
//
// PortAudio has no device-lost callback, so the input device runs a watchdog
// that reports a device error when the hardware stops calling back.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/audio/mixer"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice  = (*Input)(nil)
	_ audio.OutputDevice = (*Output)(nil)
)

const (
	// DefaultFramesPerBuffer is the PortAudio callback block size.
	DefaultFramesPerBuffer = 1024

	// DefaultStallTimeout is how long the input may go without a callback
	// before it is reported lost.
	DefaultStallTimeout = 2 * time.Second
)

// ErrAlreadyOpen is returned when Open is called on a device that is in use.
var ErrAlreadyOpen = errors.New("portaudio: device already open")

// errStalled is reported on Err when the input callback stops firing.
var errStalled = errors.New("portaudio: input stream stalled")

// ─── Options ──────────────────────────────────────────────────────────────────

type options struct {
	framesPerBuffer int
	stallTimeout    time.Duration
	sampleRate      int
	log             *slog.Logger
}

// Option configures an [Input] or [Output].
type Option func(*options)

// WithFramesPerBuffer sets the callback block size.
func WithFramesPerBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.framesPerBuffer = n
		}
	}
}

// WithStallTimeout sets the input watchdog timeout. Zero disables the
// watchdog.
func WithStallTimeout(d time.Duration) Option {
	return func(o *options) { o.stallTimeout = d }
}

// WithSampleRate sets the output device rate. Ignored by [Input], which
// always opens at the device's native rate.
func WithSampleRate(hz int) Option {
	return func(o *options) {
		if hz > 0 {
			o.sampleRate = hz
		}
	}
}

// WithLogger sets the logger used for device diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		framesPerBuffer: DefaultFramesPerBuffer,
		stallTimeout:    DefaultStallTimeout,
		sampleRate:      audio.PlaybackSampleRate,
		log:             slog.Default(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is the default system microphone.
type Input struct {
	opts options

	mu       sync.Mutex
	stream   *portaudio.Stream
	stop     chan struct{}
	watchdog sync.WaitGroup

	lastTick atomic.Int64 // unix nanos of the latest callback
	errCh    chan error
}

// NewInput creates an unopened microphone device.
func NewInput(opts ...Option) *Input {
	return &Input{
		opts:  buildOptions(opts),
		errCh: make(chan error, 1),
	}
}

// Open implements [audio.InputDevice].
func (in *Input) Open(_ context.Context, onSamples func([]float32)) (audio.Format, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stream != nil {
		return audio.Format{}, ErrAlreadyOpen
	}
	in.drainErr()

	if err := portaudio.Initialize(); err != nil {
		return audio.Format{}, fmt.Errorf("portaudio: initialise: %w", err)
	}
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		portaudio.Terminate()
		return audio.Format{}, fmt.Errorf("portaudio: no default input device: %w", err)
	}

	format := audio.Format{SampleRate: int(dev.DefaultSampleRate), Channels: 1}
	in.lastTick.Store(time.Now().UnixNano())
	stream, err := portaudio.OpenDefaultStream(1, 0, dev.DefaultSampleRate, in.opts.framesPerBuffer,
		func(buf []float32) {
			in.lastTick.Store(time.Now().UnixNano())
			onSamples(buf)
		})
	if err != nil {
		portaudio.Terminate()
		return audio.Format{}, fmt.Errorf("portaudio: open input %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return audio.Format{}, fmt.Errorf("portaudio: start input %q: %w", dev.Name, err)
	}

	in.stream = stream
	in.stop = make(chan struct{})
	if in.opts.stallTimeout > 0 {
		in.watchdog.Add(1)
		go in.watch(in.stop)
	}
	in.opts.log.Debug("portaudio: input opened",
		"device", dev.Name,
		"format", fmt.Sprintf("%dHz mono", format.SampleRate),
	)
	return format, nil
}

// watch reports a stall once when callbacks stop arriving.
func (in *Input) watch(stop <-chan struct{}) {
	defer in.watchdog.Done()
	ticker := time.NewTicker(in.opts.stallTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			last := time.Unix(0, in.lastTick.Load())
			if now.Sub(last) > in.opts.stallTimeout {
				select {
				case in.errCh <- errStalled:
				default:
				}
				return
			}
		}
	}
}

// Err implements [audio.InputDevice].
func (in *Input) Err() <-chan error { return in.errCh }

// drainErr discards a stall reported after the previous owner stopped
// listening, so it cannot end the next session.
func (in *Input) drainErr() {
	for {
		select {
		case <-in.errCh:
		default:
			return
		}
	}
}

// Close implements [audio.InputDevice].
func (in *Input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stream == nil {
		return nil
	}
	close(in.stop)
	in.watchdog.Wait()

	err := errors.Join(in.stream.Stop(), in.stream.Close(), portaudio.Terminate())
	in.stream = nil
	return err
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is the default system speaker rendering a [mixer.Timeline].
type Output struct {
	*mixer.Timeline
	opts options

	mu     sync.Mutex
	stream *portaudio.Stream
}

// NewOutput creates an unopened speaker device.
func NewOutput(opts ...Option) *Output {
	o := buildOptions(opts)
	return &Output{
		Timeline: mixer.New(o.sampleRate),
		opts:     o,
	}
}

// Open implements [audio.OutputDevice].
func (out *Output) Open(ctx context.Context) error {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.stream != nil {
		return ErrAlreadyOpen
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialise: %w", err)
	}
	if err := out.Timeline.Open(ctx); err != nil {
		portaudio.Terminate()
		return err
	}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(out.SampleRate()), out.opts.framesPerBuffer,
		out.Timeline.Render)
	if err != nil {
		out.Timeline.Close()
		portaudio.Terminate()
		return fmt.Errorf("portaudio: open output: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		out.Timeline.Close()
		portaudio.Terminate()
		return fmt.Errorf("portaudio: start output: %w", err)
	}
	out.stream = stream
	out.opts.log.Debug("portaudio: output opened", "sample_rate", out.SampleRate())
	return nil
}

// Close implements [audio.OutputDevice].
func (out *Output) Close() error {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.stream == nil {
		return nil
	}
	err := errors.Join(
		out.stream.Abort(),
		out.stream.Close(),
		out.Timeline.Close(),
		portaudio.Terminate(),
	)
	out.stream = nil
	return err
}
