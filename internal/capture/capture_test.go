package capture_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livecoach/internal/capture"
	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/audio/mock"
	"github.com/MrWong99/livecoach/pkg/types"
)

// sink records frames and optionally blocks inside Send.
type sink struct {
	mu     sync.Mutex
	frames []audio.AudioFrame
	got    chan struct{}
	gate   chan struct{}
}

func newSink() *sink { return &sink{got: make(chan struct{}, 64)} }

func (s *sink) Send(f audio.AudioFrame) {
	s.got <- struct{}{}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
}

func (s *sink) wait(t *testing.T, n int) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for range n {
		select {
		case <-s.got:
		case <-timeout:
			t.Fatalf("timed out waiting for %d sends", n)
		}
	}
}

func (s *sink) seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Seq
	}
	return out
}

func (s *sink) snapshot() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.AudioFrame(nil), s.frames...)
}

func started(t *testing.T, mic *mock.InputDevice, dst capture.Sender, opts ...capture.Option) *capture.Service {
	t.Helper()
	svc := capture.New(mic, opts...)
	if err := svc.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := svc.Start(dst); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

func TestCapture_ThreeWindowsInOrder(t *testing.T) {
	t.Parallel()

	mic := &mock.InputDevice{}
	out := newSink()
	started(t, mic, out)

	mic.Emit(make([]float32, 3*audio.DefaultWindowSize))
	out.wait(t, 3)

	frames := out.snapshot()
	if len(frames) != 3 {
		t.Fatalf("sent %d frames, want 3", len(frames))
	}
	for i, f := range frames {
		if f.Seq != uint64(i) {
			t.Errorf("frame %d seq = %d", i, f.Seq)
		}
		if len(f.Samples) != audio.DefaultWindowSize || f.SampleRate != audio.CaptureSampleRate {
			t.Errorf("frame %d = %d samples at %d Hz", i, len(f.Samples), f.SampleRate)
		}
		if want := time.Duration(i) * 256 * time.Millisecond; f.Timestamp != want {
			t.Errorf("frame %d timestamp = %v, want %v", i, f.Timestamp, want)
		}
	}
}

func TestCapture_AccumulatesOddCallbackSizes(t *testing.T) {
	t.Parallel()

	mic := &mock.InputDevice{}
	out := newSink()
	started(t, mic, out)

	total := 2*audio.DefaultWindowSize + 100
	for sent := 0; sent < total; {
		n := min(1000, total-sent)
		mic.Emit(make([]float32, n))
		sent += n
	}
	out.wait(t, 2)

	time.Sleep(20 * time.Millisecond)
	if got := out.seqs(); len(got) != 2 {
		t.Errorf("sent seqs = %v, want exactly two windows", got)
	}
}

func TestCapture_ConvertsNativeFormat(t *testing.T) {
	t.Parallel()

	mic := &mock.InputDevice{NativeFormat: audio.Format{SampleRate: 48000, Channels: 2}}
	out := newSink()
	started(t, mic, out)

	// 256 ms of 48 kHz stereo is exactly one 16 kHz mono window.
	mic.Emit(make([]float32, 3*audio.DefaultWindowSize*2))
	out.wait(t, 1)

	f := out.snapshot()[0]
	if len(f.Samples) != audio.DefaultWindowSize || f.SampleRate != audio.CaptureSampleRate {
		t.Errorf("frame = %d samples at %d Hz", len(f.Samples), f.SampleRate)
	}
}

func TestCapture_PauseIsSynchronous(t *testing.T) {
	t.Parallel()

	mic := &mock.InputDevice{}
	out := newSink()
	svc := started(t, mic, out)

	mic.Emit(make([]float32, audio.DefaultWindowSize))
	out.wait(t, 1)

	svc.Pause()
	if svc.Capturing() {
		t.Error("Capturing() true after Pause")
	}
	mic.Emit(make([]float32, 2*audio.DefaultWindowSize))
	time.Sleep(30 * time.Millisecond)
	if got := len(out.seqs()); got != 1 {
		t.Fatalf("frames sent while paused: total %d, want 1", got)
	}

	svc.Resume()
	mic.Emit(make([]float32, audio.DefaultWindowSize))
	out.wait(t, 1)
	if got := len(out.seqs()); got != 2 {
		t.Errorf("frames after resume = %d, want 2", got)
	}
}

func TestCapture_FullQueueDropsOldest(t *testing.T) {
	t.Parallel()

	mic := &mock.InputDevice{}
	out := newSink()
	out.gate = make(chan struct{})
	svc := started(t, mic, out, capture.WithQueueSize(2))

	mic.Emit(make([]float32, audio.DefaultWindowSize))
	out.wait(t, 1) // pump is now blocked inside Send with seq 0

	mic.Emit(make([]float32, 9*audio.DefaultWindowSize))
	if got := svc.Dropped(); got != 7 {
		t.Errorf("Dropped = %d, want 7", got)
	}

	close(out.gate)
	out.wait(t, 2)
	time.Sleep(20 * time.Millisecond)

	got := out.seqs()
	want := []uint64{0, 8, 9}
	if len(got) != len(want) {
		t.Fatalf("seqs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("seqs = %v, want %v", got, want)
			break
		}
	}
}

func TestCapture_OpenDenied(t *testing.T) {
	t.Parallel()

	denied := errors.New("permission denied")
	svc := capture.New(&mock.InputDevice{OpenErr: denied})
	err := svc.Open(context.Background())
	if !errors.Is(err, types.ErrDevice) || !errors.Is(err, denied) {
		t.Errorf("Open error = %v, want DeviceError wrapping the cause", err)
	}
	if err := svc.Start(newSink()); !errors.Is(err, capture.ErrNotOpen) {
		t.Errorf("Start before Open = %v, want ErrNotOpen", err)
	}
}

func TestCapture_StopIdempotent(t *testing.T) {
	t.Parallel()

	mic := &mock.InputDevice{}
	out := newSink()
	svc := started(t, mic, out)

	for range 3 {
		if err := svc.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	if _, closes := mic.Calls(); closes != 1 {
		t.Errorf("device closed %d times, want 1", closes)
	}
	if mic.IsOpen() {
		t.Error("microphone still open after Stop")
	}
	if mic.Emit(make([]float32, audio.DefaultWindowSize)) {
		t.Error("callback still registered after Stop")
	}
}

func TestCapture_ErrForwardsDeviceLoss(t *testing.T) {
	t.Parallel()

	mic := &mock.InputDevice{}
	svc := started(t, mic, newSink())

	lost := errors.New("unplugged")
	mic.Fail(lost)
	select {
	case err := <-svc.Err():
		if !errors.Is(err, lost) {
			t.Errorf("Err() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("device loss not reported")
	}
}

func TestCapture_ReopenDiscardsStaleLoss(t *testing.T) {
	t.Parallel()

	mic := &mock.InputDevice{}
	svc := capture.New(mic)
	if err := svc.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Reported after the first owner stopped listening.
	mic.Fail(errors.New("stalled"))

	if err := svc.Open(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop() })
	select {
	case err := <-svc.Err():
		t.Fatalf("reopened microphone reported the old loss: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
}
