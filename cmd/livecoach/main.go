// Command livecoach runs a live voice coaching session against a realtime
// speech-to-speech engine.
//
// Usage:
//
//	livecoach [-config config.yaml] [-env .env] [live]
//	livecoach [-config config.yaml] [-env .env] serve
//	livecoach [-config config.yaml] [-env .env] say <text>
//	livecoach [-config config.yaml] [-env .env] ask [-json] <prompt>
//
// live streams the microphone to the coach until Ctrl+C. serve exposes the
// same session over the HTTP control plane. say and ask use the
// request/response collaborators without opening a duplex session.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/livecoach/internal/app"
	"github.com/MrWong99/livecoach/internal/config"
	"github.com/MrWong99/livecoach/internal/observe"
	"github.com/MrWong99/livecoach/internal/resilience"
	"github.com/MrWong99/livecoach/pkg/audio/portaudio"
	"github.com/MrWong99/livecoach/pkg/provider/speech"
	speechgemini "github.com/MrWong99/livecoach/pkg/provider/speech/gemini"
	"github.com/MrWong99/livecoach/pkg/provider/textgen"
	"github.com/MrWong99/livecoach/pkg/provider/textgen/anyllm"
	textgemini "github.com/MrWong99/livecoach/pkg/provider/textgen/gemini"
	textopenai "github.com/MrWong99/livecoach/pkg/provider/textgen/openai"
	"github.com/MrWong99/livecoach/pkg/transport"
	geminilive "github.com/MrWong99/livecoach/pkg/transport/gemini"
	oairealtime "github.com/MrWong99/livecoach/pkg/transport/openai"
	"github.com/MrWong99/livecoach/pkg/types"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "KEY=VALUE file loaded into the environment before the config")
	flag.Parse()

	mode, args := "live", flag.Args()
	if len(args) > 0 {
		mode, args = args[0], args[1:]
	}

	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "livecoach: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	configFound := err == nil
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = config.Default()
	case err != nil:
		fmt.Fprintf(os.Stderr, "livecoach: %v\n", err)
		return 1
	}
	config.ResolveSecrets(cfg, os.LookupEnv)

	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)
	if !configFound {
		logger.Info("no config file, using defaults", "config", *configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Registerer:     registry,
	})
	if err != nil {
		logger.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(sctx)
	}()
	metrics := observe.DefaultMetrics()

	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg, cfg, logger)

	providers, err := buildProviders(cfg, reg, mode, metrics, logger)
	if err != nil {
		logger.Error("failed to build providers", "err", err)
		return 1
	}

	devices := app.Devices{
		Input:  portaudio.NewInput(audioOptions(cfg, logger)...),
		Output: portaudio.NewOutput(audioOptions(cfg, logger)...),
	}

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(observe.MetricsHandler(registry)),
	}
	if mode == "serve" && configFound {
		w, err := config.NewWatcher(*configPath, func(_, _ *config.Config, d config.ConfigDiff) {
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
			}
		}, config.WithWatchLogger(logger))
		if err != nil {
			logger.Error("failed to watch config", "err", err)
			return 1
		}
		opts = append(opts, app.WithWatcher(w))
	}

	application, err := app.New(ctx, cfg, providers, devices, opts...)
	if err != nil {
		logger.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(sctx); err != nil {
			logger.Warn("shutdown incomplete", "err", err)
		}
	}()

	if err := runMode(ctx, application, mode, args); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error(mode+" failed", "kind", types.KindOf(err), "err", err)
			return 1
		}
	}
	return 0
}

func runMode(ctx context.Context, a *app.App, mode string, args []string) error {
	switch mode {
	case "live":
		return a.Live(ctx)
	case "serve":
		return a.Serve(ctx)
	case "say":
		return a.Say(ctx, strings.Join(args, " "))
	case "ask":
		askFlags := flag.NewFlagSet("ask", flag.ContinueOnError)
		structured := askFlags.Bool("json", false, "request a structured scenario script")
		if err := askFlags.Parse(args); err != nil {
			return types.ValidationError("ask", err)
		}
		res, err := a.Ask(ctx, strings.Join(askFlags.Args(), " "), *structured)
		if err != nil {
			return err
		}
		if res.Data == nil {
			fmt.Println(res.Text)
			return nil
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Data)
	}
	return types.ValidationError("livecoach", fmt.Errorf("unknown mode %q (want live, serve, say or ask)", mode))
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

func audioOptions(cfg *config.Config, log *slog.Logger) []portaudio.Option {
	opts := []portaudio.Option{portaudio.WithLogger(log)}
	if n := cfg.Audio.FramesPerBuffer; n > 0 {
		opts = append(opts, portaudio.WithFramesPerBuffer(n))
	}
	if d := cfg.Audio.StallTimeout; d > 0 {
		opts = append(opts, portaudio.WithStallTimeout(d))
	}
	return opts
}

// registerBuiltinProviders wires the provider packages that ship with
// livecoach into reg.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry, cfg *config.Config, log *slog.Logger) {
	stream := transport.StreamOptions{QueueSize: cfg.Audio.OutboundQueue, Logger: log}

	reg.RegisterRealtime("gemini", func(e config.ProviderEntry) (transport.Dialer, error) {
		opts := []geminilive.Option{geminilive.WithStreamOptions(stream), geminilive.WithLogger(log)}
		if e.Model != "" {
			opts = append(opts, geminilive.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(e.BaseURL))
		}
		if d, ok, err := durationOption(e, "handshake_timeout"); err != nil {
			return nil, err
		} else if ok {
			opts = append(opts, geminilive.WithHandshakeTimeout(d))
		}
		return geminilive.New(e.APIKey, opts...), nil
	})
	reg.RegisterRealtime("openai", func(e config.ProviderEntry) (transport.Dialer, error) {
		opts := []oairealtime.Option{oairealtime.WithStreamOptions(stream), oairealtime.WithLogger(log)}
		if e.Model != "" {
			opts = append(opts, oairealtime.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, oairealtime.WithBaseURL(e.BaseURL))
		}
		if d, ok, err := durationOption(e, "handshake_timeout"); err != nil {
			return nil, err
		} else if ok {
			opts = append(opts, oairealtime.WithHandshakeTimeout(d))
		}
		return oairealtime.New(e.APIKey, opts...), nil
	})

	reg.RegisterTextGen("gemini", func(e config.ProviderEntry) (textgen.Provider, error) {
		var opts []textgemini.Option
		if e.Model != "" {
			opts = append(opts, textgemini.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, textgemini.WithBaseURL(e.BaseURL))
		}
		return textgemini.New(ctx, e.APIKey, opts...)
	})
	reg.RegisterTextGen("openai", func(e config.ProviderEntry) (textgen.Provider, error) {
		var opts []textopenai.Option
		if e.Model != "" {
			opts = append(opts, textopenai.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, textopenai.WithBaseURL(e.BaseURL))
		}
		if d, ok, err := durationOption(e, "timeout"); err != nil {
			return nil, err
		} else if ok {
			opts = append(opts, textopenai.WithTimeout(d))
		}
		return textopenai.New(e.APIKey, opts...)
	})
	reg.RegisterTextGen("anyllm", func(e config.ProviderEntry) (textgen.Provider, error) {
		return anyllm.New(e.Option("backend"), e.Model, e.APIKey, e.BaseURL)
	})

	reg.RegisterSpeech("gemini", func(e config.ProviderEntry) (speech.Provider, error) {
		voice := cfg.Session.Voice
		if v := e.Option("voice"); v != "" {
			parsed, err := types.ParseVoice(v)
			if err != nil {
				return nil, err
			}
			voice = parsed
		}
		opts := []speechgemini.Option{speechgemini.WithVoice(voice)}
		if e.Model != "" {
			opts = append(opts, speechgemini.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, speechgemini.WithBaseURL(e.BaseURL))
		}
		return speechgemini.New(ctx, e.APIKey, opts...)
	})

	for _, kind := range []string{config.KindRealtime, config.KindTextGen, config.KindSpeech} {
		log.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the providers named in cfg. The realtime
// engine is only built for the modes that stream.
func buildProviders(cfg *config.Config, reg *config.Registry, mode string, m *observe.Metrics, log *slog.Logger) (app.Providers, error) {
	var ps app.Providers
	fallback := resilience.FallbackConfig{Logger: log}

	if mode == "live" || mode == "serve" {
		d, err := reg.CreateRealtime(cfg.Providers.Realtime)
		if err != nil {
			return ps, err
		}
		ps.Realtime = d
		log.Info("realtime engine ready", "provider", cfg.Providers.Realtime.Name)
	}

	if e := cfg.Providers.TextGen; e.Name != "" {
		primary, err := reg.CreateTextGen(e)
		if err != nil {
			return ps, err
		}
		tg := resilience.NewTextGen(primary, e.Name, fallback, m)
		for _, fb := range cfg.Providers.TextGenFallbacks {
			p, err := reg.CreateTextGen(fb)
			if err != nil {
				return ps, err
			}
			tg.AddFallback(fb.Name, p)
		}
		ps.TextGen = tg
		log.Info("text generation ready", "providers", tg.Group().Names())
	}

	if e := cfg.Providers.Speech; e.Name != "" {
		p, err := reg.CreateSpeech(e)
		if err != nil {
			return ps, err
		}
		ps.Speech = resilience.NewSpeech(p, e.Name, fallback, m)
		log.Info("speech synthesis ready", "provider", e.Name)
	}
	return ps, nil
}

func durationOption(e config.ProviderEntry, key string) (time.Duration, bool, error) {
	v := e.Option(key)
	if v == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false, types.ValidationError("provider option "+key, err)
	}
	return d, true, nil
}
