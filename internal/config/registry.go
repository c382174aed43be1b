package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/smartgenie/pkg/audio"
)

// ErrBackendNotRegistered is returned by [Registry.CreateAudio] when no
// factory has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: audio backend not registered")

// AudioDevices is what an audio backend factory produces: one input and one
// output device plus a function releasing both.
type AudioDevices struct {
	Microphone audio.Microphone
	Speaker    audio.Speaker

	// Close releases the devices. May be nil.
	Close func() error
}

// AudioFactory builds the devices for one backend.
type AudioFactory func(AudioConfig) (AudioDevices, error)

// Registry maps audio backend names to their factories. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	audio map[AudioBackend]AudioFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{audio: make(map[AudioBackend]AudioFactory)}
}

// RegisterAudio registers an audio backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAudio(name AudioBackend, factory AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// AudioBackends returns the registered backend names, sorted.
func (r *Registry) AudioBackends() []AudioBackend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]AudioBackend, 0, len(r.audio))
	for name := range r.audio {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CreateAudio instantiates the devices of the backend named in cfg.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for it.
func (r *Registry) CreateAudio(cfg AudioConfig) (AudioDevices, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return AudioDevices{}, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Backend)
	}
	devs, err := factory(cfg)
	if err != nil {
		return AudioDevices{}, fmt.Errorf("config: create audio backend %q: %w", cfg.Backend, err)
	}
	return devs, nil
}

// Format returns the capture format described by cfg.
func (a AudioConfig) Format() audio.Format {
	return audio.Format{SampleRate: a.SampleRate, Channels: a.Channels}
}
