package audio

import (
	"context"
	"time"
)

// InputDevice is a microphone. Implementations wrap a platform audio API; the
// capture service owns exactly one.
type InputDevice interface {
	// Open acquires the device and starts delivering samples to onSamples.
	// The callback runs on the device's real-time thread with interleaved
	// float samples in [-1, 1] and must return quickly. Open returns the
	// device's native format.
	Open(ctx context.Context, onSamples func(samples []float32)) (Format, error)

	// Err delivers at most one error when the device is lost mid-stream. The
	// channel is never closed.
	Err() <-chan error

	// Close releases the device. Safe to call multiple times and on a device
	// that was never opened.
	Close() error
}

// Clock reports the position of a playback clock. The clock is driven by the
// output hardware, starts at zero when the device opens, and never moves
// backwards.
type Clock interface {
	Now() time.Duration
}

// Sound is a handle to one buffer scheduled on an [OutputDevice].
type Sound interface {
	// Stop silences the sound immediately, whether or not it has started.
	// A stopped sound never invokes its ended callback. Safe to call multiple
	// times.
	Stop()
}

// OutputDevice is a speaker with a sample-accurate schedule. The playback
// scheduler owns exactly one.
type OutputDevice interface {
	Clock

	// Open acquires the device and starts its clock.
	Open(ctx context.Context) error

	// Play schedules buf to start at clock position at. If at is already in
	// the past the buffer starts immediately. onEnded, when non-nil, is
	// invoked once after the buffer has played to completion; it is never
	// invoked from within Play itself nor from the device's real-time thread.
	Play(buf Buffer, at time.Duration, onEnded func()) (Sound, error)

	// Close stops every scheduled sound and releases the device. Safe to call
	// multiple times.
	Close() error
}
