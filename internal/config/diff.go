package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only the session
// persona and the log level are applied without a restart; the remaining
// flags let the caller warn that a restart is needed.
type ConfigDiff struct {
	VoiceChanged       bool
	InstructionChanged bool
	LogLevelChanged    bool
	NewLogLevel        LogLevel

	// RestartRequired is set when providers, audio, events, or the listener
	// changed.
	RestartRequired bool
	RestartFields   []string
}

// SessionChanged reports whether the persona of the next session changed.
func (d ConfigDiff) SessionChanged() bool { return d.VoiceChanged || d.InstructionChanged }

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.SessionChanged() && !d.LogLevelChanged && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{
		VoiceChanged:       old.Session.Voice != new.Session.Voice,
		InstructionChanged: old.Session.SystemInstruction != new.Session.SystemInstruction,
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	restart := []struct {
		field    string
		old, new any
	}{
		{"server.listen_addr", old.Server.ListenAddr, new.Server.ListenAddr},
		{"server.tls", old.Server.TLS, new.Server.TLS},
		{"session.stop_timeout", old.Session.StopTimeout, new.Session.StopTimeout},
		{"audio", old.Audio, new.Audio},
		{"providers", old.Providers, new.Providers},
		{"events", old.Events, new.Events},
	}
	for _, r := range restart {
		if !reflect.DeepEqual(r.old, r.new) {
			d.RestartRequired = true
			d.RestartFields = append(d.RestartFields, r.field)
		}
	}
	return d
}
