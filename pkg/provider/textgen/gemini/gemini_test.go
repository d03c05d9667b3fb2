package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/livecoach/pkg/provider/textgen"
	"github.com/MrWong99/livecoach/pkg/provider/textgen/gemini"
	"github.com/MrWong99/livecoach/pkg/types"
)

// fakeAPI answers generateContent calls with reply and records request bodies.
type fakeAPI struct {
	mu     sync.Mutex
	bodies []string
	keys   []string
	paths  []string
	reply  string
	status int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies = append(f.bodies, string(body))
	f.keys = append(f.keys, r.Header.Get("x-goog-api-key"))
	f.paths = append(f.paths, r.URL.Path)
	status, reply := f.status, f.reply
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"error":{"code":400,"message":"bad request","status":"INVALID_ARGUMENT"}}`)
		return
	}
	resp := map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{
				"role":  "model",
				"parts": []any{map[string]any{"text": reply}},
			},
			"finishReason": "STOP",
		}},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func newProvider(t *testing.T, api *fakeAPI) *gemini.Provider {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	p, err := gemini.New(context.Background(), types.NewSecret("test-key"), gemini.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNew_RequiresKey(t *testing.T) {
	t.Parallel()
	if _, err := gemini.New(context.Background(), types.Secret{}); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestGenerate_PlainText(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{reply: "¡Hola! Soy tu tutora."}
	p := newProvider(t, api)

	res, err := p.Generate(context.Background(), textgen.Request{
		Prompt:  "Preséntate",
		System:  "Eres una tutora de español.",
		History: []textgen.Message{{Role: textgen.RoleUser, Text: "primer turno"}, {Role: textgen.RoleModel, Text: "respuesta"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "¡Hola! Soy tu tutora." || res.Data != nil {
		t.Errorf("result = %+v", res)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if api.keys[0] != "test-key" {
		t.Errorf("api key header = %q", api.keys[0])
	}
	if !strings.Contains(api.paths[0], gemini.DefaultModel+":generateContent") {
		t.Errorf("path = %q", api.paths[0])
	}
	body := api.bodies[0]
	for _, want := range []string{"Eres una tutora", "primer turno", `"model"`, "Preséntate"} {
		if !strings.Contains(body, want) {
			t.Errorf("request body missing %q: %s", want, body)
		}
	}
}

func TestGenerate_StructuredOutput(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{reply: `{"title":"En el mercado","lines":[{"speaker":"coach","text":"¿Qué desea?"}]}`}
	p := newProvider(t, api)

	res, err := p.Generate(context.Background(), textgen.Request{Prompt: "scenario", Schema: textgen.ScenarioSchema()})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Data == nil {
		t.Fatal("expected decoded data")
	}

	body := api.bodies[0]
	for _, want := range []string{"application/json", "responseJsonSchema", `"speaker"`} {
		if !strings.Contains(body, want) {
			t.Errorf("request body missing %q: %s", want, body)
		}
	}
}

func TestGenerate_SchemaMismatchIsValidation(t *testing.T) {
	t.Parallel()

	p := newProvider(t, &fakeAPI{reply: `{"title":42}`})
	_, err := p.Generate(context.Background(), textgen.Request{Prompt: "scenario", Schema: textgen.ScenarioSchema()})
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestGenerate_APIErrorIsNetwork(t *testing.T) {
	t.Parallel()

	p := newProvider(t, &fakeAPI{status: http.StatusBadRequest})
	_, err := p.Generate(context.Background(), textgen.Request{Prompt: "hola"})
	if !errors.Is(err, types.ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
	if strings.Contains(err.Error(), "test-key") {
		t.Error("error leaks the api key")
	}
}

func TestGenerate_EmptyPromptNeverCallsAPI(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{reply: "x"}
	p := newProvider(t, api)
	_, err := p.Generate(context.Background(), textgen.Request{})
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.bodies) != 0 {
		t.Errorf("API called %d times", len(api.bodies))
	}
}
