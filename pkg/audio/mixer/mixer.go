package mixer

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/livecoach/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.OutputDevice = (*Timeline)(nil)

// ErrClosed is returned by [Timeline.Play] when the timeline is not open.
var ErrClosed = errors.New("mixer: timeline closed")

// defaultQueueCap is the initial capacity hint for the pending heap.
const defaultQueueCap = 16

type voiceState uint8

const (
	voicePending voiceState = iota
	voiceActive
	voiceDone
	voiceStopped
)

// voice is one scheduled buffer. All fields are guarded by the owning
// timeline's mutex.
type voice struct {
	t       *Timeline
	samples []int16
	start   int64 // absolute sample index
	pos     int   // samples already rendered
	seq     uint64
	index   int // position in the pending heap, -1 otherwise
	state   voiceState
	onEnded func()
}

// Stop silences the voice. Safe to call multiple times and after the voice
// has finished.
func (v *voice) Stop() {
	t := v.t
	t.mu.Lock()
	defer t.mu.Unlock()

	switch v.state {
	case voicePending:
		heap.Remove(&t.pending, v.index)
	case voiceActive:
		for i, a := range t.active {
			if a == v {
				t.active = append(t.active[:i], t.active[i+1:]...)
				break
			}
		}
	}
	v.state = voiceStopped
}

// Timeline mixes scheduled mono buffers into a single output stream. The
// clock is the number of samples rendered since [Timeline.Open], so it follows
// the hardware rather than the wall clock.
//
// Render is meant to be called from a device callback. It never blocks on
// anything but the internal mutex and never runs user callbacks; ended
// notifications are delivered from a separate dispatch goroutine.
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	rate int

	mu      sync.Mutex
	open    bool
	pos     int64 // samples rendered since Open
	seq     uint64
	pending voiceHeap
	active  []*voice
	ended   []*voice // finished voices awaiting callback dispatch

	notify chan struct{} // signalled when ended gains entries
	done   chan struct{} // closed by Close to stop the dispatch goroutine
	exited chan struct{} // closed when the dispatch goroutine returns
}

// New creates a closed timeline rendering mono samples at sampleRate.
func New(sampleRate int) *Timeline {
	if sampleRate <= 0 {
		sampleRate = audio.PlaybackSampleRate
	}
	return &Timeline{
		rate:    sampleRate,
		pending: make(voiceHeap, 0, defaultQueueCap),
	}
}

// SampleRate returns the output rate in Hz.
func (t *Timeline) SampleRate() int { return t.rate }

// Open resets the clock to zero and starts the dispatch goroutine. Opening an
// already open timeline is a no-op.
func (t *Timeline) Open(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open {
		return nil
	}
	t.open = true
	t.pos = 0
	t.notify = make(chan struct{}, 1)
	t.done = make(chan struct{})
	t.exited = make(chan struct{})
	go t.dispatch(t.notify, t.done, t.exited)
	return nil
}

// Now returns the current clock position.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.SamplesToDuration(int(t.pos), t.rate)
}

// Play schedules buf at clock position at. Buffers at a different rate are
// resampled. A position already rendered is clamped to the current clock.
func (t *Timeline) Play(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Sound, error) {
	samples := buf.Samples
	if buf.SampleRate != 0 && buf.SampleRate != t.rate {
		samples = audio.Resample(samples, buf.SampleRate, t.rate)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return nil, ErrClosed
	}

	start := audio.DurationToSamples(at, t.rate)
	if start < t.pos {
		start = t.pos
	}
	t.seq++
	v := &voice{
		t:       t,
		samples: samples,
		start:   start,
		seq:     t.seq,
		state:   voicePending,
		onEnded: onEnded,
	}
	heap.Push(&t.pending, v)
	return v, nil
}

// Render fills out with the next len(out) samples of the mix and advances the
// clock. Silence is rendered where nothing is scheduled. Overlapping voices
// are summed with saturation.
func (t *Timeline) Render(out []int16) {
	clear(out)

	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return
	}
	end := t.pos + int64(len(out))

	for t.pending.Len() > 0 && t.pending[0].start < end {
		v := heap.Pop(&t.pending).(*voice)
		v.state = voiceActive
		t.active = append(t.active, v)
	}

	finished := false
	kept := t.active[:0]
	for _, v := range t.active {
		off := 0
		if v.start > t.pos {
			off = int(v.start - t.pos)
		}
		n := min(len(out)-off, len(v.samples)-v.pos)
		for i := range n {
			out[off+i] = clamp16(int32(out[off+i]) + int32(v.samples[v.pos+i]))
		}
		v.pos += n
		if v.pos >= len(v.samples) {
			v.state = voiceDone
			if v.onEnded != nil {
				t.ended = append(t.ended, v)
				finished = true
			}
			continue
		}
		kept = append(kept, v)
	}
	for i := len(kept); i < len(t.active); i++ {
		t.active[i] = nil
	}
	t.active = kept
	t.pos = end
	notify := t.notify
	t.mu.Unlock()

	if finished {
		select {
		case notify <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of voices scheduled or playing.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending.Len() + len(t.active)
}

// Close stops every voice without invoking ended callbacks and stops the
// dispatch goroutine. Close is idempotent.
func (t *Timeline) Close() error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return nil
	}
	t.open = false
	for _, v := range t.pending {
		v.state = voiceStopped
		v.index = -1
	}
	for _, v := range t.active {
		v.state = voiceStopped
	}
	t.pending = t.pending[:0]
	t.active = nil
	t.ended = nil
	done, exited := t.done, t.exited
	t.mu.Unlock()

	close(done)
	<-exited
	return nil
}

// dispatch delivers ended callbacks off the render path until done is
// closed.
func (t *Timeline) dispatch(notify, done, exited chan struct{}) {
	defer close(exited)
	for {
		select {
		case <-done:
			return
		case <-notify:
		}

		t.mu.Lock()
		batch := t.ended
		t.ended = nil
		t.mu.Unlock()

		for _, v := range batch {
			t.mu.Lock()
			fire := v.state == voiceDone
			t.mu.Unlock()
			if fire {
				v.onEnded()
			}
		}
	}
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
