// Package app wires the livecoach subsystems into a running application.
//
// New builds the capture service, playback scheduler, session controller,
// and event sinks from the config; Serve, Live, Say, and Ask run the four
// command modes; Shutdown tears everything down in order.
//
// For testing, inject devices, providers, and event sinks directly. When an
// event sink option is not provided, New connects the real one if the
// config enables it.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livecoach/internal/api"
	"github.com/MrWong99/livecoach/internal/capture"
	"github.com/MrWong99/livecoach/internal/config"
	"github.com/MrWong99/livecoach/internal/events"
	"github.com/MrWong99/livecoach/internal/health"
	"github.com/MrWong99/livecoach/internal/observe"
	"github.com/MrWong99/livecoach/internal/playback"
	"github.com/MrWong99/livecoach/internal/session"
	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/provider/speech"
	"github.com/MrWong99/livecoach/pkg/provider/textgen"
	"github.com/MrWong99/livecoach/pkg/transport"
	"github.com/MrWong99/livecoach/pkg/types"
)

// shutdownTimeout bounds the HTTP server drain.
const shutdownTimeout = 10 * time.Second

// Providers holds one value per remote collaborator. Nil means the
// collaborator is not configured. Populated by main via the config registry.
type Providers struct {
	Realtime transport.Dialer
	TextGen  textgen.Provider
	Speech   speech.Provider
}

// Devices are the local microphone and speaker.
type Devices struct {
	Input  audio.InputDevice
	Output audio.OutputDevice
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers Providers
	log       *slog.Logger
	metrics   *observe.Metrics

	capture  *capture.Service
	playback *playback.Scheduler
	ctrl     *session.Controller

	hub     *events.Hub
	nats    *events.NATSPublisher
	journal *events.Journal
	watcher *config.Watcher

	metricsHandler http.Handler

	// ended receives the state that ended each session.
	ended chan session.State

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// WithMetrics sets the instruments. Default observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithJournal injects a journal instead of opening one from config.
func WithJournal(j *events.Journal) Option {
	return func(a *App) { a.journal = j }
}

// WithNATS injects a publisher instead of connecting one from config.
func WithNATS(p *events.NATSPublisher) Option {
	return func(a *App) { a.nats = p }
}

// WithWatcher makes the session persona follow a watched config file.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// New creates an App. Realtime may be nil for the say and ask modes.
func New(ctx context.Context, cfg *config.Config, providers Providers, devices Devices, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
		ended:     make(chan session.State, 1),
	}
	for _, o := range opts {
		o(a)
	}
	a.hub = events.NewHub(a.log)

	if err := a.initEvents(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init events: %w", err)
	}

	var capOpts []capture.Option
	if n := cfg.Audio.CaptureQueue; n > 0 {
		capOpts = append(capOpts, capture.WithQueueSize(n))
	}
	capOpts = append(capOpts, capture.WithLogger(a.log), capture.WithMetrics(a.metrics))
	a.capture = capture.New(devices.Input, capOpts...)
	a.playback = playback.New(devices.Output, playback.WithLogger(a.log), playback.WithMetrics(a.metrics))

	ctrlOpts := []session.Option{
		session.WithObserver(a.hub),
		session.WithObserver(session.ObserverFunc(a.onChange)),
		session.WithStopTimeout(cfg.Session.StopTimeout),
		session.WithLogger(a.log),
		session.WithMetrics(a.metrics),
		session.WithProviderName(cfg.Providers.Realtime.Name),
	}
	if a.nats != nil {
		ctrlOpts = append(ctrlOpts, session.WithObserver(a.nats))
	}
	if a.journal != nil {
		ctrlOpts = append(ctrlOpts, session.WithObserver(a.journal))
	}
	a.ctrl = session.NewController(a.providers.Realtime, a.capture, a.playback, ctrlOpts...)
	return a, nil
}

// initEvents connects the optional NATS and Postgres sinks.
func (a *App) initEvents(ctx context.Context) error {
	if a.nats == nil && len(a.cfg.Events.NATS.Servers) > 0 {
		p, err := events.ConnectNATS(events.NATSConfig{
			Servers:        a.cfg.Events.NATS.Servers,
			Subject:        a.cfg.Events.NATS.Subject,
			ConnectTimeout: a.cfg.Events.NATS.ConnectTimeout,
		}, a.log)
		if err != nil {
			return err
		}
		a.nats = p
	}
	if a.nats != nil {
		a.closers = append(a.closers, func() error { a.nats.Close(); return nil })
	}

	if a.journal == nil && a.cfg.Events.Postgres.DSN != "" {
		j, err := events.OpenJournal(ctx, a.cfg.Events.Postgres.DSN, a.cfg.Events.Postgres.Buffer, a.log)
		if err != nil {
			return err
		}
		a.journal = j
	}
	if a.journal != nil {
		a.closers = append(a.closers, func() error { a.journal.Close(); return nil })
	}
	return nil
}

func (a *App) onChange(c session.Change) {
	if !c.To.Terminal() {
		return
	}
	select {
	case a.ended <- c.To:
	default:
	}
}

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Hub returns the websocket fan-out of state changes.
func (a *App) Hub() *events.Hub { return a.hub }

// Persona returns the voice and instruction for the next session.
func (a *App) Persona() transport.SessionConfig {
	if a.watcher != nil {
		return a.watcher.Persona()
	}
	return transport.SessionConfig{
		Voice:             a.cfg.Session.Voice,
		SystemInstruction: a.cfg.Session.SystemInstruction,
	}
}

// Checkers returns the readiness probes of the configured dependencies.
func (a *App) Checkers() []health.Checker {
	checks := []health.Checker{
		health.Flag("config", func() bool {
			return a.watcher == nil || a.watcher.Current() != nil
		}, "config not loaded"),
		health.Flag("realtime", func() bool { return a.providers.Realtime != nil }, "no realtime provider configured"),
	}
	if a.nats != nil {
		checks = append(checks, health.Flag("nats", a.nats.Healthy, "nats disconnected"))
	}
	if a.journal != nil {
		checks = append(checks, health.Ping("journal", a.journal.Ping))
	}
	return checks
}

// Handler returns the control plane routes.
func (a *App) Handler() http.Handler {
	opts := []api.Option{
		api.WithHub(a.hub),
		api.WithPersona(a.Persona),
		api.WithHealth(health.New(a.Checkers()...)),
		api.WithMetrics(a.metrics),
		api.WithLogger(a.log),
	}
	if a.journal != nil {
		opts = append(opts, api.WithHistory(a.journal))
	}
	if a.metricsHandler != nil {
		opts = append(opts, api.WithMetricsHandler(a.metricsHandler))
	}
	return api.New(a.ctrl, opts...).Handler()
}

// Serve runs the HTTP control plane until ctx is done, then drains the
// server and stops any running session.
func (a *App) Serve(ctx context.Context) error {
	if a.providers.Realtime == nil {
		return types.ValidationError("serve", errors.New("no realtime provider configured"))
	}
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if a.cfg.Server.TLS != nil {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("control plane listening", "addr", srv.Addr, "tls", srv.TLSConfig != nil)
		var err error
		if t := a.cfg.Server.TLS; t != nil {
			err = srv.ListenAndServeTLS(t.CertFile, t.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(sctx), a.ctrl.Stop(sctx))
	})
	return g.Wait()
}

// Live runs one duplex session until ctx is done or the session ends on its
// own. A session that failed returns its error.
func (a *App) Live(ctx context.Context) error {
	if a.providers.Realtime == nil {
		return types.ValidationError("live", errors.New("no realtime provider configured"))
	}
	select {
	case <-a.ended:
	default:
	}
	if err := a.ctrl.Start(ctx, a.Persona()); err != nil {
		return err
	}
	a.log.Info("session live, speak to the coach; Ctrl+C ends it", "session_id", a.ctrl.SessionID())

	select {
	case <-ctx.Done():
	case st := <-a.ended:
		if st == session.Failed {
			return a.ctrl.LastError()
		}
		return nil
	}
	return a.ctrl.Stop(context.WithoutCancel(ctx))
}

// Say synthesizes text and plays it through the scheduler, returning when
// playback has finished. It refuses while a duplex session is streaming.
func (a *App) Say(ctx context.Context, text string) (err error) {
	if a.providers.Speech == nil {
		return types.ValidationError("say", errors.New("no speech provider configured"))
	}
	if st := a.ctrl.State(); st != session.Idle && !st.Terminal() {
		return types.InvalidStateError("say", st)
	}
	buf, err := a.providers.Speech.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	if err := a.playback.Open(ctx); err != nil {
		return err
	}
	defer func() { err = errors.Join(err, a.playback.Close()) }()

	entry, err := a.playback.Schedule(buf)
	if err != nil {
		return err
	}
	a.log.Debug("say: scheduled", "start", entry.Start, "duration", entry.Duration)
	return a.playback.Wait(ctx)
}

// Ask sends prompt to the text generation collaborator under the session
// persona's instruction. With structured set, the reply must be a scenario
// script matching [textgen.ScenarioSchema].
func (a *App) Ask(ctx context.Context, prompt string, structured bool) (textgen.Result, error) {
	if a.providers.TextGen == nil {
		return textgen.Result{}, types.ValidationError("ask", errors.New("no textgen provider configured"))
	}
	req := textgen.Request{Prompt: prompt, System: a.Persona().SystemInstruction}
	if structured {
		req.Schema = textgen.ScenarioSchema()
	}
	return a.providers.TextGen.Generate(ctx, req)
}

// Shutdown stops the session and closes the event sinks. It is idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if a.watcher != nil {
			a.watcher.Stop()
		}
		err = errors.Join(a.ctrl.Stop(ctx), a.runClosers())
	})
	return err
}

func (a *App) runClosers() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
