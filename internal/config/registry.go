package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voxrelay/voxrelay/pkg/backend/llm"
	"github.com/voxrelay/voxrelay/pkg/backend/stt"
	"github.com/voxrelay/voxrelay/pkg/backend/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// pipeline stage. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[string]func(ProviderEntry) (llm.Pipeline, error)
	stt map[string]func(ProviderEntry) (stt.Pipeline, error)
	tts map[string]func(ProviderEntry) (tts.Pipeline, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: make(map[string]func(ProviderEntry) (llm.Pipeline, error)),
		stt: make(map[string]func(ProviderEntry) (stt.Pipeline, error)),
		tts: make(map[string]func(ProviderEntry) (tts.Pipeline, error)),
	}
}

// RegisterLLM registers an LLM back-end factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Pipeline, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSTT registers an STT back-end factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Pipeline, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a TTS back-end factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Pipeline, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// CreateLLM instantiates an LLM back-end using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory matches.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Pipeline, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSTT instantiates an STT back-end using the factory registered under
// entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Pipeline, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates a TTS back-end using the factory registered under
// entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Pipeline, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
