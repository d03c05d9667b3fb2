// Package mock provides in-memory implementations of [audio.InputDevice] and
// [audio.OutputDevice] for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can assert
// on counts and arguments, and expose exported fields that control return
// values.
//
// Typical usage:
//
//	mic := &mock.InputDevice{}
//	spk := &mock.OutputDevice{}
//	// ... open them through the code under test ...
//	mic.Emit(make([]float32, 4096)) // drives the capture callback
//	spk.SetNow(2 * time.Second)    // moves the playback clock
//	spk.Finish(0)                  // completes the first scheduled sound
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/livecoach/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice  = (*InputDevice)(nil)
	_ audio.OutputDevice = (*OutputDevice)(nil)
)

// ─── InputDevice ──────────────────────────────────────────────────────────────

// InputDevice is a mock microphone. Samples are injected with [InputDevice.Emit].
type InputDevice struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// NativeFormat is returned by Open. Defaults to 16 kHz mono.
	NativeFormat audio.Format

	// OpenGate, when non-nil, makes Open wait until the channel is closed or
	// ctx is done.
	OpenGate chan struct{}

	// CloseGate, when non-nil, makes Close wait until the channel is closed.
	CloseGate chan struct{}

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	onSamples func([]float32)
	open      bool
	errCh     chan error
}

// Open implements [audio.InputDevice].
func (d *InputDevice) Open(ctx context.Context, onSamples func([]float32)) (audio.Format, error) {
	d.mu.Lock()
	d.CallCountOpen++
	gate := d.OpenGate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return audio.Format{}, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return audio.Format{}, d.OpenErr
	}
	d.open = true
	d.onSamples = onSamples
	f := d.NativeFormat
	if f.SampleRate == 0 {
		f = audio.Format{SampleRate: audio.CaptureSampleRate, Channels: 1}
	}
	return f, nil
}

// Err implements [audio.InputDevice].
func (d *InputDevice) Err() <-chan error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errChan()
}

// errChan must be called with d.mu held.
func (d *InputDevice) errChan() chan error {
	if d.errCh == nil {
		d.errCh = make(chan error, 1)
	}
	return d.errCh
}

// Close implements [audio.InputDevice].
func (d *InputDevice) Close() error {
	d.mu.Lock()
	d.CallCountClose++
	gate := d.CloseGate
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.onSamples = nil
	return nil
}

// Emit runs the capture callback with samples, as the hardware thread would.
// It reports false when the device is not open.
func (d *InputDevice) Emit(samples []float32) bool {
	d.mu.Lock()
	cb := d.onSamples
	d.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(samples)
	return true
}

// Fail reports err as a device loss on the Err channel.
func (d *InputDevice) Fail(err error) {
	d.mu.Lock()
	ch := d.errChan()
	d.mu.Unlock()
	select {
	case ch <- err:
	default:
	}
}

// IsOpen reports whether the device is currently held.
func (d *InputDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Calls returns the Open and Close call counts.
func (d *InputDevice) Calls() (opens, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountOpen, d.CallCountClose
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// ErrNotOpen is returned by [OutputDevice.Play] before Open.
var ErrNotOpen = errors.New("mock: output device not open")

// Play is a snapshot of one buffer scheduled on an [OutputDevice].
type Play struct {
	Buffer  audio.Buffer
	At      time.Duration
	Stopped bool
	Ended   bool
}

type sound struct {
	d       *OutputDevice
	play    Play
	onEnded func()
}

func (s *sound) Stop() {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.play.Stopped = true
}

// OutputDevice is a mock speaker with a manually driven clock. Sounds never
// end on their own; call [OutputDevice.Finish].
type OutputDevice struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// CloseErr is returned by Close when non-nil.
	CloseErr error

	// CloseGate, when non-nil, makes Close wait until the channel is closed.
	CloseGate chan struct{}

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	now    time.Duration
	open   bool
	sounds []*sound
}

// Open implements [audio.OutputDevice].
func (d *OutputDevice) Open(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.OpenErr != nil {
		return d.OpenErr
	}
	d.open = true
	return nil
}

// Now implements [audio.Clock].
func (d *OutputDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// SetNow moves the clock to t.
func (d *OutputDevice) SetNow(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = t
}

// Advance moves the clock forward by dt.
func (d *OutputDevice) Advance(dt time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now += dt
}

// Play implements [audio.OutputDevice]. Past start positions are clamped to
// the current clock, as real hardware would.
func (d *OutputDevice) Play(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Sound, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, ErrNotOpen
	}
	if at < d.now {
		at = d.now
	}
	s := &sound{d: d, play: Play{Buffer: buf, At: at}, onEnded: onEnded}
	d.sounds = append(d.sounds, s)
	return s, nil
}

// Close implements [audio.OutputDevice]. All sounds are marked stopped.
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	d.CallCountClose++
	gate := d.CloseGate
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	for _, s := range d.sounds {
		s.play.Stopped = true
	}
	return d.CloseErr
}

// Finish marks sound i as played to completion and runs its ended callback,
// unless the sound was stopped. It reports whether the callback ran.
func (d *OutputDevice) Finish(i int) bool {
	d.mu.Lock()
	if i < 0 || i >= len(d.sounds) {
		d.mu.Unlock()
		return false
	}
	s := d.sounds[i]
	if s.play.Stopped || s.play.Ended {
		d.mu.Unlock()
		return false
	}
	s.play.Ended = true
	cb := s.onEnded
	d.mu.Unlock()

	if cb != nil {
		cb()
	}
	return true
}

// Plays returns a snapshot of every Play call in order.
func (d *OutputDevice) Plays() []Play {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Play, len(d.sounds))
	for i, s := range d.sounds {
		out[i] = s.play
	}
	return out
}

// Audible returns the number of sounds neither stopped nor ended.
func (d *OutputDevice) Audible() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.sounds {
		if !s.play.Stopped && !s.play.Ended {
			n++
		}
	}
	return n
}

// IsOpen reports whether the device is currently held.
func (d *OutputDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}
