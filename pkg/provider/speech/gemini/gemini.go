// Package gemini provides a speech synthesis provider backed by the Gemini
// TTS models through google.golang.org/genai.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strconv"

	"google.golang.org/genai"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/provider/speech"
	"github.com/MrWong99/livecoach/pkg/types"
)

var _ speech.Provider = (*Provider)(nil)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash-preview-tts"

// Provider implements speech.Provider.
type Provider struct {
	client *genai.Client
	model  string
	voice  types.Voice
}

type config struct {
	model   string
	voice   types.Voice
	baseURL string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel overrides [DefaultModel].
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithVoice selects the prebuilt voice. Default [types.DefaultVoice].
func WithVoice(v types.Voice) Option {
	return func(c *config) { c.voice = v }
}

// WithBaseURL overrides the API endpoint. Used by tests.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// New constructs a Gemini speech provider.
func New(ctx context.Context, apiKey types.Secret, opts ...Option) (*Provider, error) {
	if apiKey.IsZero() {
		return nil, errors.New("gemini speech: api key must not be empty")
	}
	cfg := config{model: DefaultModel, voice: types.DefaultVoice}
	for _, o := range opts {
		o(&cfg)
	}
	if !cfg.voice.IsValid() {
		return nil, types.ValidationError("gemini speech", fmt.Errorf("unknown voice %q", cfg.voice))
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey.Reveal(),
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.baseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini speech: create client: %w", err)
	}
	return &Provider{client: client, model: cfg.model, voice: cfg.voice}, nil
}

// Synthesize implements speech.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string) (audio.Buffer, error) {
	if err := speech.ValidateText(text); err != nil {
		return audio.Buffer{}, err
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(text), &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: string(p.voice)},
			},
		},
	})
	if err != nil {
		return audio.Buffer{}, types.NetworkError("gemini synthesize", err)
	}

	blob := firstAudio(resp)
	if blob == nil || len(blob.Data) == 0 {
		return audio.Buffer{}, types.CodecError("gemini synthesize", errors.New("no audio in response"))
	}
	samples, err := audio.DecodePCM16(blob.Data)
	if err != nil {
		return audio.Buffer{}, err
	}
	return audio.Buffer{Samples: samples, SampleRate: sampleRate(blob.MIMEType)}, nil
}

func firstAudio(resp *genai.GenerateContentResponse) *genai.Blob {
	if resp == nil {
		return nil
	}
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if part != nil && part.InlineData != nil {
				return part.InlineData
			}
		}
	}
	return nil
}

// sampleRate reads the rate parameter of an "audio/L16;codec=pcm;rate=24000"
// MIME type, falling back to the documented 24 kHz.
func sampleRate(mimeType string) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return audio.PlaybackSampleRate
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return audio.PlaybackSampleRate
	}
	return rate
}
