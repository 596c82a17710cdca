package agentbackend

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a Backend from its adapter-specific settings. Settings come
// from the runtime config; the session layer never interprets them.
type Factory func(settings map[string]string) (Backend, error)

var (
	regMu     sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a backend factory selectable by the runtime.backend config
// key. Backend adapters call it from init, activated by a blank import in
// the server binary; a duplicate name is a wiring mistake and panics at
// startup.
func Register(name string, factory Factory) {
	regMu.Lock()
	defer regMu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("agentbackend: duplicate registration for %q", name))
	}
	factories[name] = factory
}

// New builds the named backend; callers surface Available alongside the
// error for unknown names.
func New(name string, settings map[string]string) (Backend, error) {
	regMu.RLock()
	factory, ok := factories[name]
	regMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("agentbackend: unknown backend %q", name)
	}
	return factory(settings)
}

// Available returns the registered backend names, sorted for stable logs
// and error messages.
func Available() []string {
	regMu.RLock()
	defer regMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
