package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ConnectorRegistry is the in-process DefinitionRegistry. Registrations are
// immutable for the process lifetime.
type ConnectorRegistry struct {
	mu          sync.RWMutex
	definitions map[string]ConnectorDefinition
}

func NewConnectorRegistry() *ConnectorRegistry {
	return &ConnectorRegistry{definitions: make(map[string]ConnectorDefinition)}
}

func (r *ConnectorRegistry) Register(def ConnectorDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	name := strings.TrimSpace(def.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.definitions[name]; exists {
		return fmt.Errorf("core: definition already registered: %s", name)
	}
	r.definitions[name] = def
	return nil
}

func (r *ConnectorRegistry) Get(name string) (ConnectorDefinition, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ConnectorDefinition{}, false
	}
	r.mu.RLock()
	def, ok := r.definitions[name]
	r.mu.RUnlock()
	return def, ok
}

func (r *ConnectorRegistry) List() []ConnectorDefinition {
	r.mu.RLock()
	keys := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		keys = append(keys, name)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	definitions := make([]ConnectorDefinition, 0, len(keys))
	r.mu.RLock()
	for _, name := range keys {
		definitions = append(definitions, r.definitions[name])
	}
	r.mu.RUnlock()
	return definitions
}

var _ DefinitionRegistry = (*ConnectorRegistry)(nil)
