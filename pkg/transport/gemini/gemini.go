// Package gemini implements [transport.Dialer] for Google's Gemini Live API.
//
// It opens a WebSocket to the BidiGenerateContent endpoint, sends the session
// setup (model, voice, system instruction), and waits for the server's
// setupComplete acknowledgement before handing the connection to a
// [transport.Stream]. Audio goes up as base64 16 kHz PCM inside realtimeInput
// messages and comes down as base64 24 kHz PCM inside serverContent parts.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/transport"
	"github.com/MrWong99/livecoach/pkg/types"
)

// Compile-time interface assertions.
var (
	_ transport.Dialer = (*Dialer)(nil)
	_ transport.Codec  = codec{}
)

const (
	// DefaultModel is the native-audio Live model.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	defaultBaseURL          = "wss://generativelanguage.googleapis.com/ws"
	defaultHandshakeTimeout = 10 * time.Second

	// readLimit bounds a single inbound message. Audio parts are well over
	// the websocket library's 32 KiB default.
	readLimit = 8 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(d *Dialer) {
		if model != "" {
			d.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) {
		if url != "" {
			d.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithHandshakeTimeout bounds dialing plus the setup exchange.
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

// Dialer opens Gemini Live sessions.
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
		return nil, types.ConnectionError("gemini: dial", errors.New("no API key configured"))
	}

	hctx, cancel := context.WithTimeout(ctx, d.handshakeTimeout)
	defer cancel()

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		d.baseURL, d.apiKey.Reveal(),
	)
	conn, _, err := websocket.Dial(hctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.CanceledError("gemini: dial", ctx.Err())
		}
		// HTTP client errors quote the request URL, key included.
		return nil, types.ConnectionError("gemini: dial", errors.New(d.apiKey.Scrub(err.Error())))
	}
	conn.SetReadLimit(readLimit)

	if err := d.handshake(hctx, conn, cfg); err != nil {
		conn.CloseNow()
		if ctx.Err() != nil {
			return nil, types.CanceledError("gemini: handshake", ctx.Err())
		}
		return nil, types.ConnectionError("gemini: handshake", err)
	}

	d.log.Debug("gemini: session established", "model", d.model, "voice", cfg.Voice)
	opts := d.stream
	opts.Name = "gemini"
	if opts.Logger == nil {
		opts.Logger = d.log
	}
	return transport.NewStream(conn, codec{}, opts), nil
}

// handshake sends the setup message and waits for setupComplete.
func (d *Dialer) handshake(ctx context.Context, conn *websocket.Conn, cfg transport.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + d.model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: string(cfg.Voice)},
					},
				},
			},
		},
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemInstruction}}}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal setup: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", transport.ErrHandshake, err)
		}
		var sm serverMessage
		if err := json.Unmarshal(data, &sm); err != nil {
			continue
		}
		if sm.Error != nil {
			return fmt.Errorf("%w: %s", transport.ErrHandshake, sm.Error)
		}
		if sm.SetupComplete != nil {
			return nil
		}
	}
}

// ── Codec ──────────────────────────────────────────────────────────────────────

type codec struct{}

// EncodeFrame wraps the frame in a realtimeInput media chunk.
func (codec) EncodeFrame(f audio.AudioFrame) ([]byte, error) {
	return json.Marshal(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []blob{{
				MIMEType: fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate),
				Data:     audio.EncodeChunk(f.Samples),
			}},
		},
	})
}

// Decode maps one server message onto transport messages. Within a message,
// audio parts come first, then the interruption flag, then the turn boundary.
func (codec) Decode(data []byte) ([]transport.Message, error) {
	var sm serverMessage
	if err := json.Unmarshal(data, &sm); err != nil {
		return nil, fmt.Errorf("gemini: decode: %w", err)
	}

	if sm.Error != nil {
		return []transport.Message{{
			Kind: transport.KindError,
			Err:  types.ConnectionError("gemini: remote", errors.New(sm.Error.String())),
		}}, nil
	}

	sc := sm.ServerContent
	if sc == nil {
		return nil, nil
	}
	var out []transport.Message
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || !isAudio(p.InlineData.MIMEType) {
				continue
			}
			out = append(out, transport.Message{
				Kind:  transport.KindAudioChunk,
				Audio: []byte(p.InlineData.Data),
			})
		}
	}
	if sc.Interrupted {
		out = append(out, transport.Message{Kind: transport.KindInterrupted})
	}
	if sc.TurnComplete {
		out = append(out, transport.Message{Kind: transport.KindTurnComplete})
	}
	return out, nil
}

func isAudio(mime string) bool {
	return mime == "" || strings.HasPrefix(mime, "audio/")
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string           `json:"model"`
	GenerationConfig  generationConfig `json:"generationConfig"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []blob `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn    *content `json:"modelTurn,omitempty"`
	TurnComplete bool     `json:"turnComplete,omitempty"`
	Interrupted  bool     `json:"interrupted,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) String() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("%d %s: %s", e.Code, e.Status, msg)
	}
	return fmt.Sprintf("%d: %s", e.Code, msg)
}
