// Package playback schedules decoded speech chunks back to back on an
// output device clock and cancels them on demand.
//
// The scheduler keeps a single cursor T. Each chunk of duration d starts at
// max(T, now) and advances T to start+d, so chunks arriving ahead of the
// clock play gaplessly and chunks arriving late start immediately.
// [Scheduler.CancelAll] silences everything and pulls T back to now.
//
// Every scheduled sound lives in an arena keyed by handle until it either
// ends naturally (the device's ended callback removes it) or is cancelled.
package playback

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/livecoach/internal/observe"
	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/types"
)

// ErrNotOpen is wrapped in the DeviceError returned when scheduling on a
// scheduler that is not open.
var ErrNotOpen = errors.New("playback: scheduler not open")

// Entry describes one buffer placed on the playback clock.
type Entry struct {
	// Handle identifies the entry within its scheduler. Handles are never
	// reused.
	Handle uint64

	// Start is the clock position the buffer starts at.
	Start time.Duration

	// Duration is the buffer length.
	Duration time.Duration
}

// End returns the clock position the buffer finishes at.
func (e Entry) End() time.Duration { return e.Start + e.Duration }

type scheduled struct {
	entry Entry
	sound audio.Sound
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSampleRate sets the rate inbound chunks are decoded at. Default 24 kHz.
func WithSampleRate(rate int) Option {
	return func(s *Scheduler) {
		if rate > 0 {
			s.rate = rate
		}
	}
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics sets the metrics sink. Default observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Scheduler owns one output device and the sounds playing on it.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	out     audio.OutputDevice
	rate    int
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	open    bool
	cursor  time.Duration
	next    uint64
	entries map[uint64]*scheduled
}

// New creates a closed scheduler for out.
func New(out audio.OutputDevice, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:     out,
		rate:    audio.PlaybackSampleRate,
		log:     slog.Default(),
		metrics: observe.DefaultMetrics(),
		entries: make(map[uint64]*scheduled),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open acquires the output device and places the cursor at the device clock.
// Opening an open scheduler is a no-op.
func (s *Scheduler) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}
	if err := s.out.Open(ctx); err != nil {
		return types.DeviceError("playback: open output", err)
	}
	s.open = true
	s.cursor = s.out.Now()
	return nil
}

// Enqueue decodes a base64 PCM chunk and schedules it. A chunk that cannot
// be decoded is dropped, counted, and reported as a CodecError; the cursor
// does not move.
func (s *Scheduler) Enqueue(chunk []byte) (Entry, error) {
	buf, err := audio.DecodeChunk(chunk, s.rate)
	if err != nil {
		s.metrics.CodecErrors.Add(context.Background(), 1)
		s.log.Warn("playback: dropping undecodable chunk", "bytes", len(chunk), "err", err)
		return Entry{}, err
	}
	return s.Schedule(buf)
}

// Schedule places buf at max(cursor, now) and advances the cursor past it.
// An empty buffer schedules nothing and returns a zero-length entry at the
// cursor.
func (s *Scheduler) Schedule(buf audio.Buffer) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return Entry{}, types.DeviceError("playback: schedule", ErrNotOpen)
	}

	start := max(s.cursor, s.out.Now())
	if buf.Len() == 0 {
		return Entry{Start: start}, nil
	}

	s.next++
	handle := s.next
	sound, err := s.out.Play(buf, start, func() { s.ended(handle) })
	if err != nil {
		return Entry{}, types.DeviceError("playback: play", err)
	}

	e := Entry{Handle: handle, Start: start, Duration: buf.Duration()}
	s.entries[handle] = &scheduled{entry: e, sound: sound}
	s.cursor = e.End()
	s.metrics.ChunksScheduled.Add(context.Background(), 1)
	return e, nil
}

// ended runs on the device's dispatch path once a sound has played out.
func (s *Scheduler) ended(handle uint64) {
	s.mu.Lock()
	delete(s.entries, handle)
	s.mu.Unlock()
}

// CancelAll stops every scheduled sound, empties the arena, and resets the
// cursor to the device clock. It returns the number of sounds stopped and is
// safe to call in any state.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	sounds := make([]audio.Sound, 0, len(s.entries))
	for h, e := range s.entries {
		sounds = append(sounds, e.sound)
		delete(s.entries, h)
	}
	if s.open {
		s.cursor = s.out.Now()
	}
	s.mu.Unlock()

	// Stopping takes the device lock, which the device's ended dispatch may
	// hold while waiting for s.mu.
	for _, snd := range sounds {
		snd.Stop()
	}
	if n := len(sounds); n > 0 {
		s.metrics.PlaybackCancelled.Add(context.Background(), int64(n))
		s.log.Debug("playback: cancelled scheduled audio", "sounds", n)
	}
	return len(sounds)
}

// Pending returns the live entries ordered by start time.
func (s *Scheduler) Pending() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.entry)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.Start, b.Start) })
	return out
}

// Cursor returns the position the next chunk would be scheduled at, before
// clamping to the clock.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Now returns the device clock.
func (s *Scheduler) Now() time.Duration { return s.out.Now() }

// Drained reports whether nothing is scheduled.
func (s *Scheduler) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) == 0
}

// Close cancels all audio and releases the output device. Close is
// idempotent.
func (s *Scheduler) Close() error {
	s.CancelAll()

	s.mu.Lock()
	wasOpen := s.open
	s.open = false
	s.mu.Unlock()
	if !wasOpen {
		return nil
	}
	if err := s.out.Close(); err != nil {
		return types.DeviceError("playback: close output", err)
	}
	return nil
}

// Wait blocks until every scheduled sound has ended or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for !s.Drained() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
