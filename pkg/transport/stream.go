package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/types"
)

// Compile-time interface assertion.
var _ Transport = (*Stream)(nil)

const (
	// DefaultQueueSize bounds the outbound frame queue. At 4096 samples per
	// 16 kHz frame this is about two seconds of audio.
	DefaultQueueSize = 8

	// DefaultKeepaliveInterval is the websocket ping period.
	DefaultKeepaliveInterval = 20 * time.Second

	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 5 * time.Second

	keepaliveTimeout = 5 * time.Second
)

// Codec translates between frames, backend wire envelopes, and [Message]
// values. Implementations must be safe for concurrent use by one reader and
// one writer.
type Codec interface {
	// EncodeFrame renders frame as one outbound text message.
	EncodeFrame(frame audio.AudioFrame) ([]byte, error)

	// Decode parses one inbound message into zero or more messages, in the
	// order they appear on the wire. A decode error skips the message; it
	// does not fail the channel.
	Decode(data []byte) ([]Message, error)
}

// StreamOptions tunes a [Stream]. Zero values select the defaults.
type StreamOptions struct {
	// Name labels log lines, e.g. "gemini".
	Name string

	QueueSize         int
	KeepaliveInterval time.Duration
	WriteTimeout      time.Duration
	Logger            *slog.Logger
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.Name == "" {
		o.Name = "transport"
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Stats counts outbound frames.
type Stats struct {
	Sent    uint64
	Dropped uint64
}

// Stream is a [Transport] over an established websocket connection. Backends
// perform their handshake on the raw connection and then hand it to
// [NewStream] together with a [Codec].
//
// A Stream runs three goroutines: a writer draining the outbound queue, a
// reader delivering inbound messages in order, and a keepalive pinger.
type Stream struct {
	conn  *websocket.Conn
	codec Codec
	opts  StreamOptions
	log   *slog.Logger

	outbox *audio.FrameQueue
	msgs   chan Message
	sent   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed by Close before the connection shuts down
	wg     sync.WaitGroup

	failMu  sync.Mutex
	failErr error

	closed    atomic.Bool
	ended     atomic.Bool // a terminal message was delivered
	closeOnce sync.Once
	closeErr  error
}

// NewStream starts the stream's goroutines on conn. The caller transfers
// ownership of conn to the stream.
func NewStream(conn *websocket.Conn, codec Codec, opts StreamOptions) *Stream {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		conn:   conn,
		codec:  codec,
		opts:   opts,
		log:    opts.Logger.With("transport", opts.Name),
		outbox: audio.NewFrameQueue(opts.QueueSize),
		msgs:   make(chan Message, 64),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.wg.Add(3)
	go s.readLoop()
	go s.writeLoop()
	go s.keepaliveLoop()
	return s
}

// Send implements [Transport].
func (s *Stream) Send(frame audio.AudioFrame) {
	if n := s.outbox.Push(frame); n > 0 {
		s.log.Debug("outbound frame dropped", "seq", frame.Seq, "dropped_total", s.outbox.Dropped())
	}
}

// Messages implements [Transport].
func (s *Stream) Messages() <-chan Message { return s.msgs }

// Stats returns the outbound frame counters.
func (s *Stream) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Dropped: s.outbox.Dropped()}
}

// Close implements [Transport].
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.outbox.Close()
		err := s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
		s.wg.Wait()
		if err != nil && !s.ended.Load() && s.failure() == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// ── Internal goroutines ──────────────────────────────────────────────────────

// readLoop delivers inbound messages until the connection ends. It is the
// only sender on s.msgs and closes it on exit.
func (s *Stream) readLoop() {
	defer s.wg.Done()
	defer close(s.msgs)
	defer s.cancel()
	defer s.outbox.Close()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.deliver(s.terminalFor(err))
			return
		}

		msgs, err := s.codec.Decode(data)
		if err != nil {
			s.log.Warn("skipping malformed inbound message", "err", err)
			continue
		}
		for _, m := range msgs {
			if !s.deliver(m) {
				return
			}
			if m.Kind.Terminal() {
				s.conn.CloseNow()
				return
			}
		}
	}
}

// terminalFor maps a read error to the terminal message for the stream.
func (s *Stream) terminalFor(err error) Message {
	if ferr := s.failure(); ferr != nil {
		return Message{Kind: KindError, Err: ferr}
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.log.Info("remote closed the channel")
		return Message{Kind: KindClosed}
	}
	return Message{Kind: KindError, Err: types.ConnectionError(s.opts.Name+": receive", err)}
}

// deliver hands m to the consumer, preserving order. It reports false when
// the stream was closed locally while waiting.
func (s *Stream) deliver(m Message) bool {
	select {
	case s.msgs <- m:
		if m.Kind.Terminal() {
			s.ended.Store(true)
			if m.Kind == KindError {
				s.log.Warn("channel failed", "err", m.Err)
			}
		}
		return true
	case <-s.done:
		return false
	}
}

// writeLoop uploads queued frames one at a time.
func (s *Stream) writeLoop() {
	defer s.wg.Done()
	for {
		frame, err := s.outbox.Pop(s.ctx)
		if err != nil {
			return
		}
		data, err := s.codec.EncodeFrame(frame)
		if err != nil {
			s.log.Warn("dropping unencodable frame", "seq", frame.Seq, "err", err)
			continue
		}
		wctx, cancel := context.WithTimeout(s.ctx, s.opts.WriteTimeout)
		err = s.conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			if s.ctx.Err() != nil || s.closed.Load() {
				return
			}
			s.fail(types.ConnectionError(s.opts.Name+": send", err))
			return
		}
		s.sent.Add(1)
	}
}

// keepaliveLoop pings the remote periodically so idle sessions stay open and
// dead peers are noticed.
func (s *Stream) keepaliveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil {
				if s.ctx.Err() != nil || s.closed.Load() {
					return
				}
				s.fail(types.ConnectionError(s.opts.Name+": keepalive", err))
				return
			}
		}
	}
}

// fail records the first channel failure, discards unsent frames, and tears
// the connection down so the reader reports the failure.
func (s *Stream) fail(err error) {
	s.failMu.Lock()
	if s.failErr == nil {
		s.failErr = err
	}
	s.failMu.Unlock()
	s.outbox.Close()
	s.conn.CloseNow()
}

func (s *Stream) failure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failErr
}

// ErrHandshake is wrapped by backends when the remote engine rejects or
// never acknowledges the session setup.
var ErrHandshake = errors.New("transport: handshake failed")
