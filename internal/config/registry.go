package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/crowdsynth/crowdsynth/pkg/provider/llm"
	"github.com/crowdsynth/crowdsynth/pkg/provider/music"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	llm   map[string]func(ProviderEntry) (llm.Provider, error)
	music map[string]func(ProviderEntry) (music.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:   make(map[string]func(ProviderEntry) (llm.Provider, error)),
		music: make(map[string]func(ProviderEntry) (music.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterMusic registers a music provider factory under name.
func (r *Registry) RegisterMusic(name string, factory func(ProviderEntry) (music.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.music[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateMusic instantiates a music provider using the factory registered under entry.Name.
func (r *Registry) CreateMusic(entry ProviderEntry) (music.Provider, error) {
	r.mu.RLock()
	factory, ok := r.music[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: music/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
