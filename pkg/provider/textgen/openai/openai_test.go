package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/livecoach/pkg/provider/textgen"
	"github.com/MrWong99/livecoach/pkg/types"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	if got := convertMessage(textgen.Message{Role: textgen.RoleUser, Text: "hola"}); got.OfUser == nil {
		t.Error("user message: expected OfUser to be set")
	}
	got := convertMessage(textgen.Message{Role: textgen.RoleModel, Text: "¿qué tal?"})
	if got.OfAssistant == nil {
		t.Fatal("model message: expected OfAssistant to be set")
	}
	if got.OfAssistant.Content.OfString.Value != "¿qué tal?" {
		t.Errorf("assistant content = %q", got.OfAssistant.Content.OfString.Value)
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o-mini"}
	params := p.buildParams(textgen.Request{
		Prompt:      "next",
		System:      "sys",
		History:     []textgen.Message{{Role: textgen.RoleUser, Text: "a"}, {Role: textgen.RoleModel, Text: "b"}},
		Schema:      textgen.ScenarioSchema(),
		Temperature: 0.4,
		MaxTokens:   200,
	})

	if len(params.Messages) != 4 {
		t.Fatalf("messages = %d, want system + 2 history + prompt", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil || params.Messages[3].OfUser == nil {
		t.Error("expected system first and the prompt last")
	}
	if params.ResponseFormat.OfJSONSchema == nil {
		t.Error("expected a json_schema response format")
	}
	if params.MaxCompletionTokens.Value != 200 {
		t.Errorf("max tokens = %d", params.MaxCompletionTokens.Value)
	}
}

func chatServer(t *testing.T, status int, content string, seen *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if seen != nil {
			*seen = r.Header.Get("Authorization") + "\n" + string(body)
		}
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"error":{"message":"invalid request","type":"invalid_request_error"}}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   "gpt-4o-mini",
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerate_RoundTrip(t *testing.T) {
	t.Parallel()

	var seen string
	srv := chatServer(t, http.StatusOK, "Claro que sí.", &seen)
	p, err := New(types.NewSecret("sk-test"), WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := p.Generate(context.Background(), textgen.Request{Prompt: "¿Me ayudas?"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "Claro que sí." {
		t.Errorf("Text = %q", res.Text)
	}
	if !strings.HasPrefix(seen, "Bearer sk-test\n") {
		t.Errorf("authorization header not sent: %q", seen)
	}
	if !strings.Contains(seen, "¿Me ayudas?") {
		t.Errorf("prompt missing from request: %s", seen)
	}
}

func TestGenerate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		content string
		req     textgen.Request
		want    error
	}{
		{"api error", http.StatusBadRequest, "", textgen.Request{Prompt: "x"}, types.ErrNetwork},
		{"schema mismatch", http.StatusOK, `{"lines":"nope"}`, textgen.Request{Prompt: "x", Schema: textgen.ScenarioSchema()}, types.ErrValidation},
		{"empty prompt", http.StatusOK, "x", textgen.Request{}, types.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := chatServer(t, tt.status, tt.content, nil)
			p, err := New(types.NewSecret("sk-test"), WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = p.Generate(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNew_RequiresKey(t *testing.T) {
	t.Parallel()
	if _, err := New(types.Secret{}); err == nil {
		t.Fatal("expected error for empty key")
	}
}
