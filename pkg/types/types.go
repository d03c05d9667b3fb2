// Package types defines the small set of values shared by every LiveCoach
// package: the error taxonomy and the voice persona enum.
//
// Cross-cutting values live here to avoid circular imports between the audio,
// transport, provider, and session packages.
package types

import "fmt"

// Voice selects a synthesis persona on the remote engine. The names follow the
// Gemini prebuilt voice catalogue; other backends map them onto their own
// voices.
type Voice string

const (
	VoiceAoede  Voice = "Aoede"
	VoiceCharon Voice = "Charon"
	VoiceFenrir Voice = "Fenrir"
	VoiceKore   Voice = "Kore"
	VoicePuck   Voice = "Puck"
)

// DefaultVoice is used when a session config leaves the voice empty.
const DefaultVoice = VoiceKore

// Voices lists every recognised persona in a stable order.
var Voices = []Voice{VoiceAoede, VoiceCharon, VoiceFenrir, VoiceKore, VoicePuck}

// IsValid reports whether v is one of the recognised personas.
func (v Voice) IsValid() bool {
	switch v {
	case VoiceAoede, VoiceCharon, VoiceFenrir, VoiceKore, VoicePuck:
		return true
	}
	return false
}

// ParseVoice converts s into a Voice. The empty string yields [DefaultVoice].
func ParseVoice(s string) (Voice, error) {
	if s == "" {
		return DefaultVoice, nil
	}
	v := Voice(s)
	if !v.IsValid() {
		return "", ValidationError("parse voice", fmt.Errorf("unknown voice %q", s))
	}
	return v, nil
}
