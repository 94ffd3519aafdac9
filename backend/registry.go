package backend

import (
	"sync"
)

// Factory creates a new device instance. A factory returning an error
// means the backend is present but cannot open a device right now
// (e.g., no adapter on this machine).
type Factory func() (Device, error)

// registry holds registered backends.
var (
	registryMu sync.RWMutex
	backends   = make(map[string]Factory)
	// Priority order for backend selection (first that opens wins).
	// WGPU > Software (hardware when present, software as fallback).
	backendPriority = []string{BackendWGPU, BackendSoftware}
)

// Register registers a device factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it will be replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available returns a list of registered backend names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Get opens a device by backend name.
// Returns ErrBackendNotAvailable if the backend is not registered.
func Get(name string) (Device, error) {
	registryMu.RLock()
	factory, ok := backends[name]
	registryMu.RUnlock()

	if !ok {
		return nil, ErrBackendNotAvailable
	}
	return factory()
}

// Default opens the best available device based on priority.
// Priority order: wgpu > software.
// Factories that fail to open are skipped; the first error is kept so
// callers can see why hardware was not used when only software opens.
func Default() (Device, error) {
	registryMu.RLock()
	factories := make([]Factory, 0, len(backendPriority))
	for _, name := range backendPriority {
		if factory, ok := backends[name]; ok {
			factories = append(factories, factory)
		}
	}
	registryMu.RUnlock()

	var firstErr error
	for _, factory := range factories {
		d, err := factory()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if d != nil {
			return d, nil
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return nil, ErrBackendNotAvailable
}

// MustDefault opens the default device or panics.
func MustDefault() Device {
	d, err := Default()
	if err != nil {
		panic("backend: no device available: " + err.Error())
	}
	return d
}
