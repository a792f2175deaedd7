package backend

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/taskgraph"
)

// registry holds registered device factories.
var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
	// Priority order for Default (first available wins).
	backendPriority = []string{BackendWGPU, BackendTrace}
)

// Register registers a device factory with the given name.
// This is typically called from init() functions in backend packages.
// If a factory with the same name is already registered, it is replaced.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = f
}

// Unregister removes a factory from the registry.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
}

// Available returns the registered backend names in sorted order.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// Open opens a device from the named backend.
func Open(name string) (taskgraph.Device, error) {
	registryMu.RLock()
	f, ok := factories[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	return open(name, f)
}

// Default opens a device from the best available backend and returns its
// name. Backends in the priority list are tried first, then the rest in
// name order. A backend whose factory fails is skipped.
func Default() (string, taskgraph.Device, error) {
	registryMu.RLock()
	names := slices.Clone(backendPriority)
	rest := make([]string, 0, len(factories))
	for name := range factories {
		if !slices.Contains(backendPriority, name) {
			rest = append(rest, name)
		}
	}
	slices.Sort(rest)
	names = append(names, rest...)
	snapshot := make(map[string]Factory, len(factories))
	for name, f := range factories {
		snapshot[name] = f
	}
	registryMu.RUnlock()

	var lastErr error
	for _, name := range names {
		f, ok := snapshot[name]
		if !ok {
			continue
		}
		dev, err := open(name, f)
		if err != nil {
			taskgraph.Logger().Warn("backend: factory failed", "backend", name, "err", err)
			lastErr = err
			continue
		}
		return name, dev, nil
	}
	if lastErr != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrBackendNotAvailable, lastErr)
	}
	return "", nil, ErrBackendNotAvailable
}

func open(name string, f Factory) (taskgraph.Device, error) {
	dev, err := f()
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", name, err)
	}
	if dev == nil {
		return nil, fmt.Errorf("backend %q: %w", name, ErrNilDevice)
	}
	taskgraph.Logger().Debug("backend: opened device", "backend", name, "families", len(dev.QueueFamilies()))
	return dev, nil
}
