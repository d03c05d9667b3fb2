package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/livecoach/pkg/types"
)

// Provider kinds, used as keys of [ValidProviderNames] and in registry errors.
const (
	KindRealtime = "realtime"
	KindTextGen  = "textgen"
	KindSpeech   = "speech"
)

// ValidProviderNames lists the built-in provider names per kind. [Validate]
// warns about names outside this list; a third-party factory may still be
// registered under them.
var ValidProviderNames = map[string][]string{
	KindRealtime: {"gemini", "openai"},
	KindTextGen:  {"gemini", "openai", "anyllm"},
	KindSpeech:   {"gemini"},
}

// DefaultAPIKeyEnv returns the conventional credential variable for e, or
// "" for keyless local backends.
func DefaultAPIKeyEnv(e ProviderEntry) string {
	name := e.Name
	if name == "anyllm" {
		name = e.Option("backend")
	}
	switch name {
	case "", "ollama", "llamacpp":
		return ""
	}
	return strings.ToUpper(name) + "_API_KEY"
}

// Default returns a config with every default applied and no providers
// beyond the Gemini realtime engine.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero fields of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Session.Voice == "" {
		cfg.Session.Voice = types.DefaultVoice
	}
	if cfg.Session.SystemInstruction == "" {
		cfg.Session.SystemInstruction = DefaultSystemInstruction
	}
	if cfg.Session.StopTimeout == 0 {
		cfg.Session.StopTimeout = 3 * time.Second
	}
	if cfg.Providers.Realtime.Name == "" {
		cfg.Providers.Realtime.Name = "gemini"
	}
	for _, e := range cfg.entries() {
		if e.APIKeyEnv == "" {
			e.APIKeyEnv = DefaultAPIKeyEnv(*e)
		}
	}
}

// entries returns pointers to every configured provider entry.
func (cfg *Config) entries() []*ProviderEntry {
	out := []*ProviderEntry{&cfg.Providers.Realtime, &cfg.Providers.TextGen, &cfg.Providers.Speech}
	for i := range cfg.Providers.TextGenFallbacks {
		out = append(out, &cfg.Providers.TextGenFallbacks[i])
	}
	return out
}

// Load reads the YAML file at path, applies defaults, and validates it.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unknown keys are rejected. An empty document yields
// [Default].
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, types.ValidationError("config decode", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads KEY=VALUE files into the process environment. Variables that
// are already set win. Missing files are skipped.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env %q: %w", f, err)
		}
	}
	return nil
}

// ResolveSecrets fills APIKey of every named provider entry from the
// variable in its APIKeyEnv, and the Postgres DSN from DSNEnv. lookup is
// usually os.LookupEnv. A missing credential is not an error here; the
// provider constructor rejects an empty key.
func ResolveSecrets(cfg *Config, lookup func(string) (string, bool)) {
	for _, e := range cfg.entries() {
		if e.Name == "" || e.APIKeyEnv == "" {
			continue
		}
		if v, ok := lookup(e.APIKeyEnv); ok {
			e.APIKey = types.NewSecret(v)
		}
	}
	if env := cfg.Events.Postgres.DSNEnv; env != "" {
		if v, ok := lookup(env); ok && v != "" {
			cfg.Events.Postgres.DSN = v
		}
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all failures, wrapped as a validation error.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if cfg.Session.Voice != "" && !cfg.Session.Voice.IsValid() {
		errs = append(errs, fmt.Errorf("session.voice %q is invalid; valid values: %v", cfg.Session.Voice, types.Voices))
	}
	if cfg.Session.StopTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.stop_timeout %s must not be negative", cfg.Session.StopTimeout))
	}

	if cfg.Audio.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer %d must not be negative", cfg.Audio.FramesPerBuffer))
	}
	if cfg.Audio.CaptureQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_queue %d must not be negative", cfg.Audio.CaptureQueue))
	}
	if cfg.Audio.OutboundQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.outbound_queue %d must not be negative", cfg.Audio.OutboundQueue))
	}

	validateProviderName(KindRealtime, cfg.Providers.Realtime.Name)
	validateProviderName(KindTextGen, cfg.Providers.TextGen.Name)
	validateProviderName(KindSpeech, cfg.Providers.Speech.Name)
	if len(cfg.Providers.TextGenFallbacks) > 0 && cfg.Providers.TextGen.Name == "" {
		errs = append(errs, errors.New("providers.textgen_fallbacks requires providers.textgen"))
	}
	if err := checkAnyLLM("providers.textgen", cfg.Providers.TextGen); err != nil {
		errs = append(errs, err)
	}
	for i, fb := range cfg.Providers.TextGenFallbacks {
		path := fmt.Sprintf("providers.textgen_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", path))
			continue
		}
		validateProviderName(KindTextGen, fb.Name)
		if err := checkAnyLLM(path, fb); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Events.Postgres.Buffer < 0 {
		errs = append(errs, fmt.Errorf("events.postgres.buffer %d must not be negative", cfg.Events.Postgres.Buffer))
	}
	if cfg.Events.NATS.Subject != "" && len(cfg.Events.NATS.Servers) == 0 {
		slog.Warn("events.nats.subject is set but no servers are configured; state changes will not be published")
	}

	if err := errors.Join(errs...); err != nil {
		return types.ValidationError("config", err)
	}
	return nil
}

func checkAnyLLM(path string, e ProviderEntry) error {
	if e.Name == "anyllm" && e.Option("backend") == "" {
		return fmt.Errorf("%s: anyllm requires options.backend", path)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not a
// built-in provider of kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidProviderNames[kind], name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", ValidProviderNames[kind],
	)
}
