// Package speech defines the one-shot speech synthesis collaborator. It turns
// a piece of text into a decoded mono [audio.Buffer] at 24 kHz, ready for the
// playback scheduler. It is never part of a duplex session.
//
// Malformed audio from the backend is a [types.ErrCodec]; a failed request
// is a [types.ErrNetwork]; empty input is a [types.ErrValidation].
package speech

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/types"
)

// Provider is the abstraction over any speech synthesis backend.
// Implementations must be safe for concurrent use.
type Provider interface {
	Synthesize(ctx context.Context, text string) (audio.Buffer, error)
}

// ValidateText rejects input no backend can speak.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return types.ValidationError("synthesize", errors.New("text must not be empty"))
	}
	return nil
}
