package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/provider/speech/gemini"
	"github.com/MrWong99/livecoach/pkg/types"
)

// ttsServer replies with one inline audio part holding pcm, or with status.
func ttsServer(t *testing.T, status int, mimeType string, pcm []byte, seen *string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if seen != nil {
			*seen = r.URL.Path + "\n" + string(body)
		}
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"error":{"code":400,"message":"bad request","status":"INVALID_ARGUMENT"}}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{
					"role": "model",
					"parts": []any{map[string]any{
						"inlineData": map[string]any{
							"mimeType": mimeType,
							"data":     base64.StdEncoding.EncodeToString(pcm),
						},
					}},
				},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func newProvider(t *testing.T, url string, opts ...gemini.Option) *gemini.Provider {
	t.Helper()
	opts = append(opts, gemini.WithBaseURL(url))
	p, err := gemini.New(context.Background(), types.NewSecret("k"), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestSynthesize_DecodesPCM(t *testing.T) {
	t.Parallel()

	samples := make([]int16, 12000)
	for i := range samples {
		samples[i] = int16(i)
	}
	var seen string
	url := ttsServer(t, http.StatusOK, "audio/L16;codec=pcm;rate=24000", audio.EncodePCM16(samples), &seen)
	p := newProvider(t, url, gemini.WithVoice(types.VoicePuck))

	buf, err := p.Synthesize(context.Background(), "¡Buenos días!")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if buf.SampleRate != 24000 || buf.Len() != 12000 {
		t.Errorf("buffer = %d samples at %d Hz", buf.Len(), buf.SampleRate)
	}
	if buf.Duration() != 500*time.Millisecond {
		t.Errorf("duration = %v, want 500ms", buf.Duration())
	}
	if buf.Samples[11999] != 11999 {
		t.Errorf("last sample = %d", buf.Samples[11999])
	}

	for _, want := range []string{gemini.DefaultModel, "Puck", "AUDIO", "¡Buenos días!"} {
		if !strings.Contains(seen, want) {
			t.Errorf("request missing %q: %s", want, seen)
		}
	}
}

func TestSynthesize_RateFromMIME(t *testing.T) {
	t.Parallel()

	url := ttsServer(t, http.StatusOK, "audio/L16;rate=16000", audio.EncodePCM16(make([]int16, 160)), nil)
	buf, err := newProvider(t, url).Synthesize(context.Background(), "hola")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if buf.SampleRate != 16000 {
		t.Errorf("rate = %d, want 16000", buf.SampleRate)
	}
}

func TestSynthesize_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		pcm    []byte
		text   string
		want   error
	}{
		{"odd byte count", http.StatusOK, []byte{1, 2, 3}, "hola", types.ErrCodec},
		{"no audio", http.StatusOK, nil, "hola", types.ErrCodec},
		{"api error", http.StatusBadRequest, nil, "hola", types.ErrNetwork},
		{"empty text", http.StatusOK, []byte{0, 0}, "  ", types.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			url := ttsServer(t, tt.status, "audio/L16;rate=24000", tt.pcm, nil)
			_, err := newProvider(t, url).Synthesize(context.Background(), tt.text)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := gemini.New(context.Background(), types.Secret{}); err == nil {
		t.Error("expected error for empty key")
	}
	_, err := gemini.New(context.Background(), types.NewSecret("k"), gemini.WithVoice("Nova"))
	if !errors.Is(err, types.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}
