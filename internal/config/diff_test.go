package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/livecoach/internal/config"
	"github.com/MrWong99/livecoach/pkg/types"
)

func TestDiff(t *testing.T) {
	t.Parallel()

	base := func() *config.Config {
		cfg := config.Default()
		cfg.Providers.TextGen = config.ProviderEntry{Name: "gemini", Options: map[string]any{"k": "v"}}
		return cfg
	}

	tests := []struct {
		name        string
		mutate      func(*config.Config)
		wantSession bool
		wantLog     bool
		wantRestart []string
	}{
		{
			name:   "identical",
			mutate: func(*config.Config) {},
		},
		{
			name:        "voice",
			mutate:      func(c *config.Config) { c.Session.Voice = types.VoiceFenrir },
			wantSession: true,
		},
		{
			name:        "instruction",
			mutate:      func(c *config.Config) { c.Session.SystemInstruction = "Habla despacio." },
			wantSession: true,
		},
		{
			name:    "log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			wantLog: true,
		},
		{
			name:        "provider option",
			mutate:      func(c *config.Config) { c.Providers.TextGen.Options["k"] = "w" },
			wantRestart: []string{"providers"},
		},
		{
			name: "listener and events",
			mutate: func(c *config.Config) {
				c.Server.ListenAddr = ":1"
				c.Events.NATS.Servers = []string{"nats://x"}
			},
			wantRestart: []string{"server.listen_addr", "events"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, updated := base(), base()
			tt.mutate(updated)

			d := config.Diff(old, updated)
			if d.SessionChanged() != tt.wantSession {
				t.Errorf("SessionChanged = %v, want %v", d.SessionChanged(), tt.wantSession)
			}
			if d.LogLevelChanged != tt.wantLog {
				t.Errorf("LogLevelChanged = %v, want %v", d.LogLevelChanged, tt.wantLog)
			}
			if tt.wantLog && d.NewLogLevel != updated.Server.LogLevel {
				t.Errorf("NewLogLevel = %q", d.NewLogLevel)
			}
			if d.RestartRequired != (len(tt.wantRestart) > 0) || !slices.Equal(d.RestartFields, tt.wantRestart) {
				t.Errorf("restart = %v %v, want %v", d.RestartRequired, d.RestartFields, tt.wantRestart)
			}
			wantEmpty := !tt.wantSession && !tt.wantLog && len(tt.wantRestart) == 0
			if d.Empty() != wantEmpty {
				t.Errorf("Empty = %v, want %v", d.Empty(), wantEmpty)
			}
		})
	}
}
