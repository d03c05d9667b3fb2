// Package anyllm provides a text generation provider backed by
// github.com/mozilla-ai/any-llm-go, which fronts Anthropic, Ollama, Mistral,
// Groq, DeepSeek, and other chat backends behind one API.
//
// any-llm-go has no portable structured-output parameter, so a request with a
// schema carries it as an extra system instruction and the reply is validated
// locally like every other backend.
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/livecoach/pkg/provider/textgen"
	"github.com/MrWong99/livecoach/pkg/types"
)

var _ textgen.Provider = (*Provider)(nil)

type factory func(...anyllmlib.Option) (anyllmlib.Provider, error)

// adapt erases the concrete provider type of an any-llm-go constructor.
func adapt[P anyllmlib.Provider](newFn func(...anyllmlib.Option) (P, error)) factory {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		b, err := newFn(opts...)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

var factories = map[string]factory{
	"anthropic": adapt(anthropic.New),
	"deepseek":  adapt(deepseek.New),
	"gemini":    adapt(gemini.New),
	"groq":      adapt(groq.New),
	"llamacpp":  adapt(llamacpp.New),
	"mistral":   adapt(mistral.New),
	"ollama":    adapt(ollama.New),
	"openai":    adapt(anyllmoai.New),
}

// Backends returns the accepted backend names in sorted order.
func Backends() []string {
	return slices.Sorted(maps.Keys(factories))
}

// Provider generates text through one any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

// New creates a provider for backend, matched case-insensitively. apiKey may
// be zero for local backends such as ollama and llamacpp; baseURL may be
// empty.
func New(backend, model string, apiKey types.Secret, baseURL string) (*Provider, error) {
	if model == "" {
		return nil, errors.New("anyllm textgen: model must not be empty")
	}
	name := strings.ToLower(backend)
	newBackend, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("anyllm textgen: unsupported backend %q; supported: %s",
			backend, strings.Join(Backends(), ", "))
	}

	var opts []anyllmlib.Option
	if !apiKey.IsZero() {
		opts = append(opts, anyllmlib.WithAPIKey(apiKey.Reveal()))
	}
	if baseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(baseURL))
	}
	b, err := newBackend(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm textgen: create %s backend: %w", name, err)
	}
	return &Provider{backend: b, name: name, model: model}, nil
}

// Name returns the backend name, e.g. "anthropic".
func (p *Provider) Name() string { return p.name }

// Generate implements textgen.Provider.
func (p *Provider) Generate(ctx context.Context, req textgen.Request) (textgen.Result, error) {
	if err := req.Validate(); err != nil {
		return textgen.Result{}, err
	}
	params, err := p.buildParams(req)
	if err != nil {
		return textgen.Result{}, err
	}

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return textgen.Result{}, types.NetworkError("anyllm generate", err)
	}
	if len(resp.Choices) == 0 {
		return textgen.Result{}, types.ValidationError("anyllm generate", errors.New("empty choices in response"))
	}
	return textgen.Finish(req, resp.Choices[0].Message.ContentString())
}

func (p *Provider) buildParams(req textgen.Request) (anyllmlib.CompletionParams, error) {
	system := req.System
	if req.Schema != nil {
		instr, err := textgen.SchemaInstruction(req.Schema)
		if err != nil {
			return anyllmlib.CompletionParams{}, err
		}
		if system != "" {
			system += "\n\n"
		}
		system += instr
	}

	var messages []anyllmlib.Message
	if system != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: system})
	}
	for _, m := range req.History {
		messages = append(messages, convertMessage(m))
	}
	messages = append(messages, anyllmlib.Message{Role: "user", Content: req.Prompt})

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params, nil
}

func convertMessage(m textgen.Message) anyllmlib.Message {
	role := "user"
	if m.Role == textgen.RoleModel {
		role = "assistant"
	}
	return anyllmlib.Message{Role: role, Content: m.Text}
}
