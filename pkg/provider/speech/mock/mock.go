// Package mock provides a test double for the speech.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/provider/speech"
)

var _ speech.Provider = (*Provider)(nil)

// Provider is a mock implementation of speech.Provider. A zero Provider
// returns an empty 24 kHz buffer.
type Provider struct {
	mu sync.Mutex

	// Buffer is returned by Synthesize.
	Buffer audio.Buffer

	// Err, if non-nil, is returned from Synthesize.
	Err error

	// Texts records the text of every call in order.
	Texts []string
}

// Synthesize implements speech.Provider.
func (p *Provider) Synthesize(_ context.Context, text string) (audio.Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts = append(p.Texts, text)
	if p.Err != nil {
		return audio.Buffer{}, p.Err
	}
	if err := speech.ValidateText(text); err != nil {
		return audio.Buffer{}, err
	}
	buf := p.Buffer
	if buf.SampleRate == 0 {
		buf.SampleRate = audio.PlaybackSampleRate
	}
	return buf, nil
}

// CallCount returns the number of Synthesize calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Texts)
}
