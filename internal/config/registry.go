package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/transport"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: not registered")

// TransportFactory builds a dialer from the transport section. The API key
// has already been resolved into entry.APIKey.
type TransportFactory func(entry TransportConfig) (transport.Dialer, error)

// AudioFactory builds a device backend from the audio section.
type AudioFactory func(entry AudioConfig) (device.Backend, error)

// Registry maps transport and audio backend names to their constructor
// functions. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	transport map[string]TransportFactory
	audio     map[string]AudioFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transport: make(map[string]TransportFactory),
		audio:     make(map[string]AudioFactory),
	}
}

// RegisterTransport registers a transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTransport(name string, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport[name] = factory
}

// RegisterAudio registers a device backend factory under name.
func (r *Registry) RegisterAudio(name string, factory AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateTransport resolves the API key and instantiates a dialer using the
// factory registered under entry.Name. Returns [ErrNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateTransport(entry TransportConfig) (transport.Dialer, error) {
	r.mu.RLock()
	factory, ok := r.transport[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrNotRegistered, entry.Name)
	}
	key, err := entry.ResolveAPIKey()
	if err != nil {
		return nil, err
	}
	entry.APIKey = key
	return factory(entry)
}

// CreateAudio instantiates a device backend using the factory registered
// under entry.Backend.
func (r *Registry) CreateAudio(entry AudioConfig) (device.Backend, error) {
	r.mu.RLock()
	factory, ok := r.audio[entry.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrNotRegistered, entry.Backend)
	}
	return factory(entry)
}

// Transports returns the registered transport names in sorted order.
func (r *Registry) Transports() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transport))
	for name := range r.transport {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
