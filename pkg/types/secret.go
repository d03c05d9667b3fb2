package types

import (
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

// Secret holds an opaque credential. Every formatting path (fmt verbs, slog,
// JSON, YAML) prints a placeholder; only [Secret.Reveal] returns the value,
// and it should be called solely where the credential goes on the wire.
type Secret struct {
	value string
}

// NewSecret wraps v.
func NewSecret(v string) Secret { return Secret{value: v} }

// Reveal returns the raw credential.
func (s Secret) Reveal() string { return s.value }

// IsZero reports whether no credential is set.
func (s Secret) IsZero() bool { return s.value == "" }

// String implements [fmt.Stringer].
func (s Secret) String() string { return redacted }

// GoString implements [fmt.GoStringer].
func (s Secret) GoString() string { return redacted }

// LogValue implements [slog.LogValuer].
func (s Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

// MarshalText implements [encoding.TextMarshaler], which JSON uses.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// MarshalYAML implements the yaml.v3 Marshaler interface.
func (s Secret) MarshalYAML() (any, error) { return redacted, nil }

// Scrub replaces every occurrence of the credential in text with a
// placeholder. Use it on messages from libraries that echo request URLs.
func (s Secret) Scrub(text string) string {
	if s.value == "" {
		return text
	}
	return strings.ReplaceAll(text, s.value, redacted)
}
