// Package mock provides test doubles for the transport package interfaces.
//
// Use Dialer to verify Dial calls and hand out a scripted Transport. Use
// Transport to inject server messages with Push and inspect the frames the
// session uploaded.
//
// Example:
//
//	tr := mock.NewTransport()
//	d := &mock.Dialer{Transport: tr}
//	// ... start a session with d ...
//	tr.Push(transport.Message{Kind: transport.KindInterrupted})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/transport"
)

// Compile-time interface assertions.
var (
	_ transport.Dialer    = (*Dialer)(nil)
	_ transport.Transport = (*Transport)(nil)
)

// Dialer is a mock implementation of transport.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Transport is returned by Dial. If nil, Dial returns a fresh Transport
	// and records it in Dialed.
	Transport *Transport

	// DialErr, if non-nil, is returned as the error from Dial.
	DialErr error

	// DialGate, if non-nil, blocks Dial until it is closed or the context
	// is cancelled. A cancelled Dial returns ctx.Err().
	DialGate chan struct{}

	// DialCalls records the config of every Dial call in order.
	DialCalls []transport.SessionConfig

	// Dialed records every Transport handed out, in order.
	Dialed []*Transport
}

// Dial records the call and returns Transport, DialErr.
func (d *Dialer) Dial(ctx context.Context, cfg transport.SessionConfig) (transport.Transport, error) {
	d.mu.Lock()
	d.DialCalls = append(d.DialCalls, cfg)
	gate := d.DialGate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	tr := d.Transport
	if tr == nil {
		tr = NewTransport()
	}
	d.Dialed = append(d.Dialed, tr)
	return tr, nil
}

// Calls returns the number of Dial invocations. Thread-safe.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.DialCalls)
}

// Last returns the most recently dialed Transport, or nil.
func (d *Dialer) Last() *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Dialed) == 0 {
		return nil
	}
	return d.Dialed[len(d.Dialed)-1]
}

// Transport is a scripted transport.Transport.
type Transport struct {
	mu     sync.Mutex
	msgs   chan transport.Message
	frames []audio.AudioFrame
	done   bool

	// CloseErr, if non-nil, is returned from Close.
	CloseErr error

	// CloseGate, if non-nil, blocks Close until it is closed.
	CloseGate chan struct{}

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewTransport returns an open Transport with a generously buffered message
// channel.
func NewTransport() *Transport {
	return &Transport{msgs: make(chan transport.Message, 256)}
}

// Send records the frame. Frames sent after the stream ended are discarded.
func (t *Transport) Send(frame audio.AudioFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.frames = append(t.frames, frame)
}

// Messages implements transport.Transport.
func (t *Transport) Messages() <-chan transport.Message { return t.msgs }

// Push delivers m to the consumer. A terminal message ends the stream and
// closes the channel after delivery. Push reports false when the stream has
// already ended or the buffer is full.
func (t *Transport) Push(m transport.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	select {
	case t.msgs <- m:
	default:
		return false
	}
	if m.Kind.Terminal() {
		t.done = true
		close(t.msgs)
	}
	return true
}

// Close ends the stream without a terminal message. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.CloseCallCount++
	gate := t.CloseGate
	if !t.done {
		t.done = true
		close(t.msgs)
	}
	err := t.CloseErr
	t.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return err
}

// Frames returns a copy of every frame passed to Send.
func (t *Transport) Frames() []audio.AudioFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]audio.AudioFrame, len(t.frames))
	copy(out, t.frames)
	return out
}

// Closed reports whether the stream has ended.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Closes returns the number of Close calls. Thread-safe.
func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CloseCallCount
}
