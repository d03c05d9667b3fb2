// Package transport defines the bidirectional streaming channel between a
// duplex voice session and the remote conversational engine.
//
// A [Transport] moves captured [audio.AudioFrame] values out and delivers a
// single ordered stream of typed [Message] values in: synthesized audio
// chunks, barge-in interruptions, turn boundaries, and exactly one terminal
// message (Closed or Error). Backends live in sub-packages (gemini, openai)
// and share the websocket machinery in [Stream].
//
// All implementations must be safe for concurrent use.
package transport

import (
	"context"
	"fmt"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/types"
)

// Kind tags an inbound [Message].
type Kind int

const (
	// KindAudioChunk carries synthesized speech: base64 PCM at 24 kHz.
	KindAudioChunk Kind = iota + 1

	// KindInterrupted signals that the remote engine heard the user start
	// speaking over playback. Local playback must stop immediately.
	KindInterrupted

	// KindTurnComplete marks the end of one model response.
	KindTurnComplete

	// KindClosed reports a normal remote close. Terminal.
	KindClosed

	// KindError reports a channel failure. Terminal.
	KindError
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAudioChunk:
		return "AUDIO_CHUNK"
	case KindInterrupted:
		return "INTERRUPTED"
	case KindTurnComplete:
		return "TURN_COMPLETE"
	case KindClosed:
		return "CLOSED"
	case KindError:
		return "ERROR"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Terminal reports whether no message can follow one of this kind.
func (k Kind) Terminal() bool { return k == KindClosed || k == KindError }

// Message is one inbound event from the remote engine.
type Message struct {
	Kind Kind

	// Audio is the wire payload of a KindAudioChunk message, base64 encoded
	// PCM exactly as received. Decoding is left to the playback path so that
	// malformed chunks are dropped there without disturbing the channel.
	Audio []byte

	// Err is the failure reason of a KindError message. It wraps
	// [types.ErrConnection].
	Err error
}

// SessionConfig configures one duplex session.
type SessionConfig struct {
	// Voice selects the synthesis persona.
	Voice types.Voice

	// SystemInstruction is passed through to the remote engine unmodified.
	SystemInstruction string
}

// Validate reports whether the config can be sent to a remote engine.
func (c SessionConfig) Validate() error {
	if !c.Voice.IsValid() {
		return types.ValidationError("session config", fmt.Errorf("unknown voice %q", c.Voice))
	}
	return nil
}

// WithDefaults returns a copy of c with an empty voice replaced by
// [types.DefaultVoice].
func (c SessionConfig) WithDefaults() SessionConfig {
	if c.Voice == "" {
		c.Voice = types.DefaultVoice
	}
	return c
}

// Transport is an open channel to the remote engine. It is the hot path of a
// duplex session: Send must return immediately and Messages must be drained
// promptly.
type Transport interface {
	// Send enqueues frame for upload and returns without waiting for the
	// network. Frames are never retried: if the outbound queue is full the
	// oldest queued frame is dropped, and after the channel fails or closes
	// frames are discarded.
	Send(frame audio.AudioFrame)

	// Messages returns the inbound stream in wire arrival order. It delivers
	// at most one terminal message (Closed or Error) and is closed afterwards.
	// After a local Close the channel is closed without a terminal message.
	Messages() <-chan Message

	// Close shuts the channel down gracefully and discards unsent frames.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	// Dial connects to the remote engine and completes its handshake. The
	// returned Transport is ready to accept frames. A failed handshake is
	// reported as a [types.ErrConnection]; ctx cancellation aborts the dial.
	Dial(ctx context.Context, cfg SessionConfig) (Transport, error)
}

// DialerFunc adapts a function to the [Dialer] interface.
type DialerFunc func(ctx context.Context, cfg SessionConfig) (Transport, error)

// Dial calls f(ctx, cfg).
func (f DialerFunc) Dial(ctx context.Context, cfg SessionConfig) (Transport, error) {
	return f(ctx, cfg)
}
