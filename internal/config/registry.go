package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/attenda-ai/attenda/pkg/provider/llm"
	"github.com/attenda-ai/attenda/pkg/provider/stt"
	"github.com/attenda-ai/attenda/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// pipeline stage. cmd/attenda registers the concrete Deepgram, ElevenLabs,
// and LLM backends at startup; tests register mocks. It is safe for
// concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[LLMBackend]func(LLMConfig) (llm.Provider, error)
	stt map[string]func(STTConfig) (stt.Provider, error)
	tts map[string]func(TTSConfig) (tts.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: make(map[LLMBackend]func(LLMConfig) (llm.Provider, error)),
		stt: make(map[string]func(STTConfig) (stt.Provider, error)),
		tts: make(map[string]func(TTSConfig) (tts.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory for backend.
// Subsequent calls with the same backend overwrite the previous registration.
func (r *Registry) RegisterLLM(backend LLMBackend, factory func(LLMConfig) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[backend] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(STTConfig) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(TTSConfig) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// CreateLLM instantiates the LLM provider selected by cfg.Backend.
// Returns [ErrProviderNotRegistered] if no factory is registered for it.
func (r *Registry) CreateLLM(cfg LLMConfig) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// CreateSTT instantiates the STT provider registered under name.
func (r *Registry) CreateSTT(name string, cfg STTConfig) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}

// CreateTTS instantiates the TTS provider registered under name.
func (r *Registry) CreateTTS(name string, cfg TTSConfig) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}
