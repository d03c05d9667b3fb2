// Package config provides the configuration schema, loader, provider
// registry, and file watcher for livecoach.
package config

import (
	"time"

	"github.com/MrWong99/livecoach/pkg/types"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// DefaultSystemInstruction is the coach persona used when the session
// section leaves the instruction blank.
const DefaultSystemInstruction = "Eres un entrenador experto en contenido viral muy energético. " +
	"Ayudas al usuario a hacer lluvia de ideas para TikToks y Reels. " +
	"Mantén las respuestas cortas, contundentes y en Español. " +
	"Haz preguntas para sacar las mejores ideas."

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
	Providers ProvidersConfig `yaml:"providers"`
	Events    EventsConfig    `yaml:"events"`
}

// ServerConfig holds the control plane listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP control plane. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds PEM certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SessionConfig holds the persona of the next duplex session. Both fields
// are hot-reloadable; a change applies at the next Start.
type SessionConfig struct {
	Voice             types.Voice `yaml:"voice"`
	SystemInstruction string      `yaml:"system_instruction"`

	// StopTimeout bounds each release step of teardown. Default 3s.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// AudioConfig tunes the local devices.
type AudioConfig struct {
	// FramesPerBuffer is the PortAudio callback block size.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// StallTimeout is how long the microphone may go silent before it is
	// reported lost.
	StallTimeout time.Duration `yaml:"stall_timeout"`

	// CaptureQueue bounds the captured frames waiting for upload.
	CaptureQueue int `yaml:"capture_queue"`

	// OutboundQueue bounds the frames waiting in the transport writer.
	OutboundQueue int `yaml:"outbound_queue"`
}

// ProvidersConfig selects the backend of each remote collaborator.
type ProvidersConfig struct {
	// Realtime is the duplex speech engine ("gemini" or "openai").
	Realtime ProviderEntry `yaml:"realtime"`

	// TextGen is the primary text generation backend. TextGenFallbacks are
	// tried in order when it fails.
	TextGen          ProviderEntry   `yaml:"textgen"`
	TextGenFallbacks []ProviderEntry `yaml:"textgen_fallbacks"`

	// Speech is the one-shot speech synthesis backend.
	Speech ProviderEntry `yaml:"speech"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
// Name selects the factory in the [Registry].
type ProviderEntry struct {
	Name string `yaml:"name"`

	// APIKeyEnv names the environment variable holding the credential.
	// Defaults depend on Name, see [DefaultAPIKeyEnv].
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// Options holds provider-specific values, e.g. "backend" for anyllm.
	Options map[string]any `yaml:"options"`

	// APIKey is resolved from APIKeyEnv by [ResolveSecrets]. It is never
	// read from or written to YAML.
	APIKey types.Secret `yaml:"-"`
}

// Option returns Options[key] as a string, or "".
func (e ProviderEntry) Option(key string) string {
	if s, ok := e.Options[key].(string); ok {
		return s
	}
	return ""
}

// EventsConfig configures the optional state-change sinks.
type EventsConfig struct {
	NATS     NATSConfig     `yaml:"nats"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// NATSConfig enables publishing state changes when Servers is non-empty.
type NATSConfig struct {
	Servers        []string      `yaml:"servers"`
	Subject        string        `yaml:"subject"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// PostgresConfig enables the session event journal when DSN is set.
type PostgresConfig struct {
	// DSN is a libpq connection string. DSNEnv, if set, names an environment
	// variable that overrides it.
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`

	// Buffer bounds the events queued for insertion.
	Buffer int `yaml:"buffer"`
}
