// Package capture turns microphone callbacks into fixed-size PCM frames and
// pumps them to a sink.
//
// The device callback converts to 16 kHz mono int16, accumulates samples into
// windows of 4096, and pushes each full window onto a bounded drop-oldest
// queue. It never blocks on the sink. A single pump goroutine pops frames and
// hands them to the sink in emission order.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/livecoach/internal/observe"
	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/types"
)

// ErrNotOpen is wrapped in the DeviceError returned by [Service.Start] before
// [Service.Open].
var ErrNotOpen = errors.New("capture: device not open")

// DefaultQueueSize bounds the frames waiting for the sink, roughly two
// seconds of speech.
const DefaultQueueSize = 8

// Sender receives captured frames. [transport.Transport] satisfies it.
type Sender interface {
	Send(frame audio.AudioFrame)
}

// Option configures a Service.
type Option func(*Service)

// WithWindowSize sets the samples per frame. Default 4096.
func WithWindowSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.window = n
		}
	}
}

// WithQueueSize sets the frame queue bound. Default [DefaultQueueSize].
func WithQueueSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics sets the metrics sink. Default observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Service owns one microphone.
//
// All methods are safe for concurrent use.
type Service struct {
	in        audio.InputDevice
	window    int
	queueSize int
	log       *slog.Logger
	metrics   *observe.Metrics

	// capturing gates both the callback and the pump.
	capturing atomic.Bool
	// resumeSeq is the first sequence number captured after the last Resume.
	// The pump drops anything older.
	resumeSeq atomic.Uint64

	mu     sync.Mutex // guards open, format, queue, and the pump handles
	open   bool
	format audio.Format
	queue  *audio.FrameQueue
	cancel context.CancelFunc
	done   chan struct{}

	accMu sync.Mutex // guards the callback state below
	conv  *audio.Converter
	acc   []int16
	seq   uint64

	// sendMu is held around every sink call so Pause can wait out an
	// in-flight Send.
	sendMu sync.Mutex
}

// New creates a Service for in. The device is not touched until Open.
func New(in audio.InputDevice, opts ...Option) *Service {
	s := &Service{
		in:        in,
		window:    audio.DefaultWindowSize,
		queueSize: DefaultQueueSize,
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open acquires the microphone. Samples are discarded until Start. Opening
// an open service is a no-op. A denied or missing microphone is reported as
// a DeviceError.
func (s *Service) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}

	s.accMu.Lock()
	s.conv = &audio.Converter{TargetRate: audio.CaptureSampleRate}
	s.acc = make([]int16, 0, s.window*2)
	s.seq = 0
	s.resumeSeq.Store(0)
	s.accMu.Unlock()
	s.queue = audio.NewFrameQueue(s.queueSize)
	// A loss reported after the last session stopped listening belongs to
	// that session.
	for drained := false; !drained; {
		select {
		case <-s.in.Err():
		default:
			drained = true
		}
	}

	format, err := s.in.Open(ctx, s.onSamples)
	if err != nil {
		if ctx.Err() != nil {
			return types.CanceledError("capture: open", ctx.Err())
		}
		return types.DeviceError("capture: open", err)
	}
	s.format = format
	s.open = true
	s.log.Debug("capture: microphone open", "rate", format.SampleRate, "channels", format.Channels)
	return nil
}

// Start begins delivering frames to sink. Calling Start while running
// replaces nothing and returns nil.
func (s *Service) Start(sink Sender) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return types.DeviceError("capture: start", ErrNotOpen)
	}
	if s.done != nil {
		s.capturing.Store(true)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.capturing.Store(true)
	go s.pump(ctx, s.queue, sink, s.done)
	return nil
}

// Pause stops frame delivery. When Pause returns no further frame reaches
// the sink until Resume. Partially accumulated and queued audio is
// discarded.
func (s *Service) Pause() {
	s.sendMu.Lock()
	s.capturing.Store(false)
	s.sendMu.Unlock()

	s.accMu.Lock()
	s.acc = s.acc[:0]
	s.accMu.Unlock()

	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q != nil {
		q.Clear()
	}
}

// Resume re-enables frame delivery after Pause. Frames captured before
// Resume are never delivered, even one a racing callback queued late.
func (s *Service) Resume() {
	s.mu.Lock()
	running, q := s.done != nil, s.queue
	s.mu.Unlock()
	if !running {
		return
	}
	s.accMu.Lock()
	s.acc = s.acc[:0]
	s.resumeSeq.Store(s.seq)
	if q != nil {
		q.Clear()
	}
	s.capturing.Store(true)
	s.accMu.Unlock()
}

// Capturing reports whether frames are currently delivered.
func (s *Service) Capturing() bool { return s.capturing.Load() }

// Err reports device loss while the microphone is open.
func (s *Service) Err() <-chan error { return s.in.Err() }

// Dropped returns the number of frames discarded by the queue since Open.
func (s *Service) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return 0
	}
	return s.queue.Dropped()
}

// Stop halts the pump and releases the microphone. Stop is idempotent. The
// device release error, if any, is returned as a DeviceError.
func (s *Service) Stop() error {
	s.Pause()

	s.mu.Lock()
	wasOpen := s.open
	s.open = false
	cancel, done, q := s.cancel, s.done, s.queue
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if q != nil {
		q.Close()
	}
	if !wasOpen {
		return nil
	}
	if err := s.in.Close(); err != nil {
		return types.DeviceError("capture: close", err)
	}
	return nil
}

// onSamples runs on the device callback thread. Frames are pushed under
// accMu after a second capturing check, so a callback racing Pause either
// lands before Pause clears the queue or not at all.
func (s *Service) onSamples(samples []float32) {
	if !s.capturing.Load() {
		return
	}
	pcm := audio.FloatToPCM16(samples)

	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return
	}

	s.accMu.Lock()
	if !s.capturing.Load() {
		s.accMu.Unlock()
		return
	}
	pcm = s.conv.Convert(pcm, s.format)
	s.acc = append(s.acc, pcm...)
	var pushed, dropped int
	for len(s.acc) >= s.window {
		f := audio.AudioFrame{
			Samples:    make([]int16, s.window),
			SampleRate: audio.CaptureSampleRate,
			Seq:        s.seq,
			Timestamp:  audio.SamplesToDuration(int(s.seq)*s.window, audio.CaptureSampleRate),
		}
		copy(f.Samples, s.acc)
		n := copy(s.acc, s.acc[s.window:])
		s.acc = s.acc[:n]
		s.seq++
		dropped += q.Push(f)
		pushed++
	}
	s.accMu.Unlock()

	if pushed == 0 {
		return
	}
	ctx := context.Background()
	s.metrics.FramesCaptured.Add(ctx, int64(pushed))
	s.metrics.RecordDropped(ctx, "capture", dropped)
}

func (s *Service) pump(ctx context.Context, q *audio.FrameQueue, sink Sender, done chan struct{}) {
	defer close(done)
	for {
		f, err := q.Pop(ctx)
		if err != nil {
			return
		}
		s.sendMu.Lock()
		if s.capturing.Load() && f.Seq >= s.resumeSeq.Load() {
			sink.Send(f)
			s.metrics.FramesSent.Add(ctx, 1)
		}
		s.sendMu.Unlock()
	}
}
