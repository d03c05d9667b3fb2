package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livecoach/internal/app"
	"github.com/MrWong99/livecoach/internal/config"
	"github.com/MrWong99/livecoach/internal/events"
	"github.com/MrWong99/livecoach/internal/health"
	"github.com/MrWong99/livecoach/internal/session"
	"github.com/MrWong99/livecoach/pkg/audio"
	amock "github.com/MrWong99/livecoach/pkg/audio/mock"
	speechmock "github.com/MrWong99/livecoach/pkg/provider/speech/mock"
	textgenmock "github.com/MrWong99/livecoach/pkg/provider/textgen/mock"
	"github.com/MrWong99/livecoach/pkg/transport"
	tmock "github.com/MrWong99/livecoach/pkg/transport/mock"
	"github.com/MrWong99/livecoach/pkg/types"
)

type fixture struct {
	app    *app.App
	cfg    *config.Config
	dialer *tmock.Dialer
	tr     *tmock.Transport
	out    *amock.OutputDevice
	gen    *textgenmock.Provider
	speech *speechmock.Provider
}

func newFixture(t *testing.T, opts ...app.Option) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Session.Voice = types.VoicePuck
	cfg.Session.SystemInstruction = "Eres un entrenador de prueba."

	f := &fixture{
		cfg:    cfg,
		tr:     tmock.NewTransport(),
		out:    &amock.OutputDevice{},
		gen:    &textgenmock.Provider{},
		speech: &speechmock.Provider{},
	}
	f.dialer = &tmock.Dialer{Transport: f.tr}

	a, err := app.New(context.Background(), cfg,
		app.Providers{Realtime: f.dialer, TextGen: f.gen, Speech: f.speech},
		app.Devices{Input: &amock.InputDevice{}, Output: f.out},
		opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	f.app = a
	return f
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func runLive(ctx context.Context, a *app.App) <-chan error {
	done := make(chan error, 1)
	go func() { done <- a.Live(ctx) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for return")
		return nil
	}
}

func TestNew_UsesConfiguredPersona(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	got := f.app.Persona()
	if got.Voice != types.VoicePuck || got.SystemInstruction != "Eres un entrenador de prueba." {
		t.Errorf("Persona = %+v", got)
	}
	if st := f.app.Controller().State(); st != session.Idle {
		t.Errorf("State = %s, want Idle", st)
	}
}

func TestLive_EndsWhenRemoteCloses(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	done := runLive(context.Background(), f.app)

	eventually(t, "active session", func() bool { return f.app.Controller().State() == session.Active })
	f.tr.Push(transport.Message{Kind: transport.KindClosed})

	if err := wait(t, done); err != nil {
		t.Fatalf("Live: %v", err)
	}
	if st := f.app.Controller().State(); st != session.Closed {
		t.Errorf("State = %s, want Closed", st)
	}
	if cfg := f.dialer.DialCalls[0]; cfg.Voice != types.VoicePuck {
		t.Errorf("dialed voice = %q", cfg.Voice)
	}
}

func TestLive_CancelStopsSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := runLive(ctx, f.app)

	eventually(t, "active session", func() bool { return f.app.Controller().State() == session.Active })
	cancel()

	if err := wait(t, done); err != nil {
		t.Fatalf("Live: %v", err)
	}
	if st := f.app.Controller().State(); st != session.Closed {
		t.Errorf("State = %s, want Closed", st)
	}
	if !f.tr.Closed() {
		t.Error("transport not closed")
	}
}

func TestLive_RemoteErrorIsReturned(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	done := runLive(context.Background(), f.app)

	eventually(t, "active session", func() bool { return f.app.Controller().State() == session.Active })
	f.tr.Push(transport.Message{
		Kind: transport.KindError,
		Err:  types.ConnectionError("receive", errors.New("socket reset")),
	})

	err := wait(t, done)
	if !errors.Is(err, types.ErrConnection) {
		t.Fatalf("Live err = %v, want ErrConnection", err)
	}
}

func TestModes_RequireProvider(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), config.Default(), app.Providers{},
		app.Devices{Input: &amock.InputDevice{}, Output: &amock.OutputDevice{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	ctx := context.Background()
	if err := a.Live(ctx); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Live err = %v", err)
	}
	if err := a.Say(ctx, "hola"); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Say err = %v", err)
	}
	if _, err := a.Ask(ctx, "hola", false); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Ask err = %v", err)
	}
	if err := a.Serve(ctx); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Serve err = %v", err)
	}
}

func TestSay_PlaysAndWaits(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.speech.Buffer = audio.Buffer{Samples: make([]int16, 2400), SampleRate: audio.PlaybackSampleRate}

	done := make(chan error, 1)
	go func() { done <- f.app.Say(context.Background(), "¡Vamos!") }()

	eventually(t, "scheduled sound", func() bool { return len(f.out.Plays()) == 1 })
	select {
	case err := <-done:
		t.Fatalf("Say returned before playback ended: %v", err)
	default:
	}
	f.out.Finish(0)

	if err := wait(t, done); err != nil {
		t.Fatalf("Say: %v", err)
	}
	if f.out.IsOpen() {
		t.Error("output device still held after Say")
	}
	if got := f.speech.Texts; len(got) != 1 || got[0] != "¡Vamos!" {
		t.Errorf("synthesized texts = %q", got)
	}
}

func TestSay_RefusedWhileStreaming(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.app.Controller().Start(context.Background(), f.app.Persona()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := f.app.Say(context.Background(), "hola")
	if !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("Say err = %v, want ErrInvalidState", err)
	}
	if f.speech.CallCount() != 0 {
		t.Error("speech called while streaming")
	}
}

func TestAsk(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gen.Replies = []string{
		"Prueba un gancho con una pregunta.",
		`{"title":"Reto","lines":[{"speaker":"coach","text":"Graba 15 segundos."}]}`,
	}

	res, err := f.app.Ask(context.Background(), "Dame una idea", false)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Text != "Prueba un gancho con una pregunta." {
		t.Errorf("Text = %q", res.Text)
	}

	res, err = f.app.Ask(context.Background(), "Dame un guion", true)
	if err != nil {
		t.Fatalf("Ask structured: %v", err)
	}
	if res.Data == nil {
		t.Error("structured reply not decoded")
	}

	calls := f.gen.Calls
	if calls[0].Schema != nil || calls[1].Schema == nil {
		t.Error("schema must be set only for structured requests")
	}
	if calls[0].System != "Eres un entrenador de prueba." {
		t.Errorf("System = %q", calls[0].System)
	}
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subjects)
}

func TestHandler_WiresEventSinksAndReadiness(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	f := newFixture(t, app.WithNATS(events.NewNATSPublisher(pub, "", nil)))
	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	var res health.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || res.Checks["config"] != "ok" || res.Checks["realtime"] != "ok" || res.Checks["nats"] != "ok" {
		t.Errorf("readyz = %d %+v", resp.StatusCode, res)
	}

	if err := f.app.Controller().Start(context.Background(), f.app.Persona()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "published transitions", func() bool { return pub.count() >= 2 })
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := wait(t, done); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.app.Controller().Start(context.Background(), f.app.Persona()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if st := f.app.Controller().State(); st != session.Closed {
		t.Errorf("State = %s, want Closed", st)
	}
}
