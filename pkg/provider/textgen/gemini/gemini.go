// Package gemini provides a text generation provider backed by the Gemini API
// through google.golang.org/genai. Structured requests use the API's native
// JSON schema support.
package gemini

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/MrWong99/livecoach/pkg/provider/textgen"
	"github.com/MrWong99/livecoach/pkg/types"
)

var _ textgen.Provider = (*Provider)(nil)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

// Provider implements textgen.Provider using the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
}

type config struct {
	model   string
	baseURL string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel overrides [DefaultModel].
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithBaseURL overrides the API endpoint. Used by tests.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// New constructs a Gemini text generation provider.
func New(ctx context.Context, apiKey types.Secret, opts ...Option) (*Provider, error) {
	if apiKey.IsZero() {
		return nil, errors.New("gemini textgen: api key must not be empty")
	}
	cfg := config{model: DefaultModel}
	for _, o := range opts {
		o(&cfg)
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
		return nil, fmt.Errorf("gemini textgen: create client: %w", err)
	}
	return &Provider{client: client, model: cfg.model}, nil
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Generate implements textgen.Provider.
func (p *Provider) Generate(ctx context.Context, req textgen.Request) (textgen.Result, error) {
	if err := req.Validate(); err != nil {
		return textgen.Result{}, err
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents(req), generateConfig(req))
	if err != nil {
		return textgen.Result{}, types.NetworkError("gemini generate", err)
	}
	text := resp.Text()
	if text == "" {
		return textgen.Result{}, types.ValidationError("gemini generate", errors.New("no text in response"))
	}
	return textgen.Finish(req, text)
}

func contents(req textgen.Request) []*genai.Content {
	out := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		var role genai.Role = genai.RoleUser
		if m.Role == textgen.RoleModel {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(m.Text, role))
	}
	return append(out, genai.NewContentFromText(req.Prompt, genai.RoleUser))
}

func generateConfig(req textgen.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseJsonSchema = req.Schema
	}
	if req.Temperature != 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return cfg
}
