package anyllm

import (
	"strings"
	"testing"

	"github.com/MrWong99/livecoach/pkg/provider/textgen"
	"github.com/MrWong99/livecoach/pkg/types"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   textgen.Message
		role string
	}{
		{textgen.Message{Role: textgen.RoleUser, Text: "hola"}, "user"},
		{textgen.Message{Role: textgen.RoleModel, Text: "buenas"}, "assistant"},
	}
	for _, tt := range tests {
		got := convertMessage(tt.in)
		if got.Role != tt.role {
			t.Errorf("role = %q, want %q", got.Role, tt.role)
		}
		if got.ContentString() != tt.in.Text {
			t.Errorf("content = %q, want %q", got.ContentString(), tt.in.Text)
		}
	}
}

func TestBuildParams_SchemaBecomesInstruction(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "claude-sonnet-4-5"}
	params, err := p.buildParams(textgen.Request{
		Prompt:    "write a scenario",
		System:    "Eres un tutor.",
		History:   []textgen.Message{{Role: textgen.RoleUser, Text: "a"}},
		Schema:    textgen.ScenarioSchema(),
		MaxTokens: 512,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.Model != "claude-sonnet-4-5" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("messages = %d, want system + history + prompt", len(params.Messages))
	}
	sys := params.Messages[0].ContentString()
	if !strings.HasPrefix(sys, "Eres un tutor.") || !strings.Contains(sys, `"lines"`) {
		t.Errorf("system message = %q", sys)
	}
	if last := params.Messages[2]; last.Role != "user" || last.ContentString() != "write a scenario" {
		t.Errorf("last message = %+v", last)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 512 {
		t.Errorf("MaxTokens = %v", params.MaxTokens)
	}
	if params.Temperature != nil {
		t.Errorf("Temperature set without a request value")
	}
}

func TestBuildParams_NoSystem(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "llama3"}
	params, err := p.buildParams(textgen.Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 1 {
		t.Errorf("messages = %d, want only the prompt", len(params.Messages))
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New("nosuch", "m", types.Secret{}, ""); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := New("ollama", "", types.Secret{}, ""); err == nil {
		t.Error("expected error for empty model")
	}
	p, err := New("Ollama", "llama3", types.Secret{}, "http://127.0.0.1:11434")
	if err != nil {
		t.Fatalf("New(ollama): %v", err)
	}
	if p.Name() != "ollama" {
		t.Errorf("Name = %q", p.Name())
	}
}

func TestBackends_Sorted(t *testing.T) {
	t.Parallel()

	got := Backends()
	if len(got) != 8 || got[0] != "anthropic" || got[len(got)-1] != "openai" {
		t.Errorf("Backends = %v", got)
	}
}
