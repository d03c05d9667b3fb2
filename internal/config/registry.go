package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/livecoach/pkg/provider/speech"
	"github.com/MrWong99/livecoach/pkg/provider/textgen"
	"github.com/MrWong99/livecoach/pkg/transport"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factories is one kind's name to constructor table.
type factories[T any] map[string]func(ProviderEntry) (T, error)

// Registry maps provider names to constructor functions for each provider
// kind. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	realtime factories[transport.Dialer]
	textgen  factories[textgen.Provider]
	speech   factories[speech.Provider]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		realtime: make(factories[transport.Dialer]),
		textgen:  make(factories[textgen.Provider]),
		speech:   make(factories[speech.Provider]),
	}
}

// RegisterRealtime registers a duplex transport factory under name.
// Registering the same name again overwrites the previous factory.
func (r *Registry) RegisterRealtime(name string, factory func(ProviderEntry) (transport.Dialer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realtime[name] = factory
}

// RegisterTextGen registers a text generation factory under name.
func (r *Registry) RegisterTextGen(name string, factory func(ProviderEntry) (textgen.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.textgen[name] = factory
}

// RegisterSpeech registers a speech synthesis factory under name.
func (r *Registry) RegisterSpeech(name string, factory func(ProviderEntry) (speech.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speech[name] = factory
}

// CreateRealtime instantiates the transport dialer registered under
// entry.Name. It returns [ErrProviderNotRegistered] for unknown names.
func (r *Registry) CreateRealtime(entry ProviderEntry) (transport.Dialer, error) {
	return create(r, r.realtime, KindRealtime, entry)
}

// CreateTextGen instantiates the text generation provider registered under
// entry.Name.
func (r *Registry) CreateTextGen(entry ProviderEntry) (textgen.Provider, error) {
	return create(r, r.textgen, KindTextGen, entry)
}

// CreateSpeech instantiates the speech provider registered under entry.Name.
func (r *Registry) CreateSpeech(entry ProviderEntry) (speech.Provider, error) {
	return create(r, r.speech, KindSpeech, entry)
}

// Names returns the registered names of kind in no particular order.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	switch kind {
	case KindRealtime:
		out = keys(r.realtime)
	case KindTextGen:
		out = keys(r.textgen)
	case KindSpeech:
		out = keys(r.speech)
	}
	return out
}

func create[T any](r *Registry, table factories[T], kind string, entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := table[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return p, fmt.Errorf("config: create %s/%q: %w", kind, entry.Name, err)
	}
	return p, nil
}

func keys[T any](table factories[T]) []string {
	return slices.Collect(maps.Keys(table))
}
