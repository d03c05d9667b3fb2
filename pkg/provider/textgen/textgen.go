// Package textgen defines the request/response text generation collaborator.
//
// A Provider turns a prompt (plus optional system instruction and chat
// history) into text. When the request carries a JSON schema, the provider
// asks the backend for structured output and the reply is parsed and validated
// against the schema before it is returned; a reply that does not conform is a
// [types.ErrValidation]. Transport and API failures are [types.ErrNetwork].
//
// Backends live in sub-packages (gemini, openai, anyllm). Implementations
// must be safe for concurrent use.
package textgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/MrWong99/livecoach/pkg/types"
)

// Role identifies the author of a chat [Message].
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one turn of a chat history.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Request is one generation call.
type Request struct {
	// Prompt is the user turn to answer. Required.
	Prompt string

	// System is an optional high-priority instruction.
	System string

	// History holds earlier turns, oldest first. Prompt follows them.
	History []Message

	// Schema, when set, requests JSON output conforming to it.
	Schema *jsonschema.Schema

	// Temperature is passed through when non-zero.
	Temperature float64

	// MaxTokens caps the reply length when positive.
	MaxTokens int
}

// Validate reports whether r can be sent to a backend.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return types.ValidationError("textgen request", errors.New("prompt must not be empty"))
	}
	for i, m := range r.History {
		if m.Role != RoleUser && m.Role != RoleModel {
			return types.ValidationError("textgen request", fmt.Errorf("history[%d]: unknown role %q", i, m.Role))
		}
	}
	return nil
}

// Result is a generation reply.
type Result struct {
	// Text is the raw reply.
	Text string

	// Data is the decoded JSON reply. Set only when the request had a schema.
	Data any
}

// Provider is the abstraction over any text generation backend.
type Provider interface {
	// Generate answers req. See the package documentation for error kinds.
	Generate(ctx context.Context, req Request) (Result, error)
}

// Chat sends message after history using system as the instruction and
// returns the reply together with the extended history.
func Chat(ctx context.Context, p Provider, system string, history []Message, message string) (Result, []Message, error) {
	res, err := p.Generate(ctx, Request{Prompt: message, System: system, History: history})
	if err != nil {
		return Result{}, history, err
	}
	next := make([]Message, 0, len(history)+2)
	next = append(next, history...)
	next = append(next,
		Message{Role: RoleUser, Text: message},
		Message{Role: RoleModel, Text: res.Text},
	)
	return res, next, nil
}

// Finish turns a backend's raw reply into a Result. Without a schema the text
// is returned as is. With a schema the text is stripped of markdown code
// fences, decoded, and validated.
func Finish(req Request, text string) (Result, error) {
	if req.Schema == nil {
		if strings.TrimSpace(text) == "" {
			return Result{}, types.ValidationError("textgen reply", errors.New("empty reply"))
		}
		return Result{Text: text}, nil
	}

	data, err := DecodeJSON(text)
	if err != nil {
		return Result{Text: text}, err
	}
	resolved, err := req.Schema.Resolve(nil)
	if err != nil {
		return Result{Text: text}, types.ValidationError("textgen schema", err)
	}
	if err := resolved.Validate(data); err != nil {
		return Result{Text: text}, types.ValidationError("textgen reply", err)
	}
	return Result{Text: text, Data: data}, nil
}

// DecodeJSON parses a model reply that should be a JSON document. Models
// sometimes wrap JSON in ```json fences; those are removed first.
func DecodeJSON(text string) (any, error) {
	clean := StripFences(text)
	if clean == "" {
		return nil, types.ValidationError("textgen reply", errors.New("empty reply"))
	}
	var v any
	if err := json.Unmarshal([]byte(clean), &v); err != nil {
		return nil, types.ValidationError("textgen reply", fmt.Errorf("invalid JSON: %w", err))
	}
	return v, nil
}

// StripFences removes markdown code fences around a reply.
func StripFences(text string) string {
	s := strings.TrimSpace(text)
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

// SchemaInstruction renders s as a plain-text instruction for backends that
// have no native structured-output parameter.
func SchemaInstruction(s *jsonschema.Schema) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", types.ValidationError("textgen schema", err)
	}
	return "Respond ONLY with a valid JSON document, no text before or after it. " +
		"The document must conform to this JSON schema:\n" + string(raw), nil
}
