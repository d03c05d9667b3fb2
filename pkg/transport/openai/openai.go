// Package openai implements [transport.Dialer] for OpenAI's Realtime API.
//
// The Realtime API speaks pcm16 at 24 kHz in both directions, so outbound
// 16 kHz frames are resampled before upload. Server-side voice activity
// detection drives barge-in: input_audio_buffer.speech_started maps to
// [transport.KindInterrupted] and response.done to
// [transport.KindTurnComplete].
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/transport"
	"github.com/MrWong99/livecoach/pkg/types"
)

// Compile-time interface assertions.
var (
	_ transport.Dialer = (*Dialer)(nil)
	_ transport.Codec  = (*codec)(nil)
)

const (
	// DefaultModel is the Realtime model used when none is configured.
	DefaultModel = "gpt-4o-realtime-preview"

	defaultBaseURL          = "wss://api.openai.com/v1/realtime"
	defaultHandshakeTimeout = 10 * time.Second

	// wireRate is the only pcm16 rate the Realtime API accepts.
	wireRate = 24000

	readLimit = 8 << 20
)

// voices maps personas onto the Realtime voice catalogue.
var voices = map[types.Voice]string{
	types.VoiceAoede:  "shimmer",
	types.VoiceCharon: "ash",
	types.VoiceFenrir: "echo",
	types.VoiceKore:   "coral",
	types.VoicePuck:   "verse",
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(d *Dialer) {
		if model != "" {
			d.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(d *Dialer) {
		if u != "" {
			d.baseURL = u
		}
	}
}

// WithHandshakeTimeout bounds dialing plus the session negotiation.
func WithHandshakeTimeout(t time.Duration) Option {
	return func(d *Dialer) {
		if t > 0 {
			d.handshakeTimeout = t
		}
	}
}

// WithStreamOptions tunes the resulting [transport.Stream].
func WithStreamOptions(o transport.StreamOptions) Option {
	return func(d *Dialer) { d.stream = o }
}

// WithLogger sets the logger for handshake and stream diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dialer) {
		if l != nil {
			d.log = l
		}
	}
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens OpenAI Realtime sessions.
type Dialer struct {
	apiKey           types.Secret
	model            string
	baseURL          string
	handshakeTimeout time.Duration
	stream           transport.StreamOptions
	log              *slog.Logger
}

// New creates a Dialer authenticating with apiKey.
func New(apiKey types.Secret, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:           apiKey,
		model:            DefaultModel,
		baseURL:          defaultBaseURL,
		handshakeTimeout: defaultHandshakeTimeout,
		log:              slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Model returns the configured model name.
func (d *Dialer) Model() string { return d.model }

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(ctx context.Context, cfg transport.SessionConfig) (transport.Transport, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.apiKey.IsZero() {
		return nil, types.ConnectionError("openai: dial", errors.New("no API key configured"))
	}

	hctx, cancel := context.WithTimeout(ctx, d.handshakeTimeout)
	defer cancel()

	wsURL := d.baseURL + "?model=" + url.QueryEscape(d.model)
	conn, _, err := websocket.Dial(hctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey.Reveal()},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.CanceledError("openai: dial", ctx.Err())
		}
		return nil, types.ConnectionError("openai: dial", errors.New(d.apiKey.Scrub(err.Error())))
	}
	conn.SetReadLimit(readLimit)

	if err := d.handshake(hctx, conn, cfg); err != nil {
		conn.CloseNow()
		if ctx.Err() != nil {
			return nil, types.CanceledError("openai: handshake", ctx.Err())
		}
		return nil, types.ConnectionError("openai: handshake", err)
	}

	d.log.Debug("openai: session established", "model", d.model, "voice", voices[cfg.Voice])
	opts := d.stream
	opts.Name = "openai"
	if opts.Logger == nil {
		opts.Logger = d.log
	}
	return transport.NewStream(conn, &codec{log: opts.Logger}, opts), nil
}

// handshake waits for session.created, sends session.update, and waits for
// the matching session.updated.
func (d *Dialer) handshake(ctx context.Context, conn *websocket.Conn, cfg transport.SessionConfig) error {
	if err := awaitEvent(ctx, conn, "session.created"); err != nil {
		return err
	}

	update := sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:        []string{"audio", "text"},
			Voice:             voices[cfg.Voice],
			Instructions:      cfg.SystemInstruction,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     &turnDetection{Type: "server_vad"},
		},
	}
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal session.update: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send session.update: %w", err)
	}
	return awaitEvent(ctx, conn, "session.updated")
}

func awaitEvent(ctx context.Context, conn *websocket.Conn, want string) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("%w: waiting for %s: %w", transport.ErrHandshake, want, err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case want:
			return nil
		case "error":
			return fmt.Errorf("%w: %s", transport.ErrHandshake, evt.Error)
		}
	}
}

// ── Codec ──────────────────────────────────────────────────────────────────────

type codec struct {
	log *slog.Logger
}

// EncodeFrame resamples the frame to 24 kHz and wraps it in an
// input_audio_buffer.append event.
func (c *codec) EncodeFrame(f audio.AudioFrame) ([]byte, error) {
	samples := audio.Resample(f.Samples, f.SampleRate, wireRate)
	return json.Marshal(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: audio.EncodeChunk(samples),
	})
}

// Decode maps one server event onto transport messages. Error events are
// request-scoped in the Realtime API (a bad event, a rate limit) and do not
// end the session, so they are logged rather than surfaced.
func (c *codec) Decode(data []byte) ([]transport.Message, error) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("openai: decode: %w", err)
	}

	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return nil, nil
		}
		return []transport.Message{{Kind: transport.KindAudioChunk, Audio: []byte(evt.Delta)}}, nil
	case "input_audio_buffer.speech_started":
		return []transport.Message{{Kind: transport.KindInterrupted}}, nil
	case "response.done":
		return []transport.Message{{Kind: transport.KindTurnComplete}}, nil
	case "error":
		c.log.Warn("openai: server reported an error", "err", evt.Error.String())
	}
	return nil, nil
}

// ── Protocol message types ────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string       `json:"modalities,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type serverEvent struct {
	Type  string             `json:"type"`
	Delta string             `json:"delta,omitempty"`
	Error *serverErrorDetail `json:"error,omitempty"`
}

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverErrorDetail) String() string {
	if e == nil {
		return "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}
