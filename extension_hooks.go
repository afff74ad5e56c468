package ingest

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-ingest/core"
)

// ConnectorPack bundles related connector definitions so a downstream module
// can ship them as one unit, a vendor pack for a SaaS family for example.
type ConnectorPack struct {
	Name        string
	Definitions []core.ConnectorDefinition
}

// CommandQueryBundleFactory builds a downstream command/query surface over an
// assembled facade. The returned bundle is opaque to the runtime.
type CommandQueryBundleFactory func(facade *Facade) (any, error)

// ExtensionHooks collects connector packs and command/query bundles before the
// service starts, then applies them in one deterministic pass.
type ExtensionHooks struct {
	mu sync.RWMutex

	connectorPacks map[string]ConnectorPack
	bundles        map[string]CommandQueryBundleFactory
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		connectorPacks: map[string]ConnectorPack{},
		bundles:        map[string]CommandQueryBundleFactory{},
	}
}

func (h *ExtensionHooks) RegisterConnectorPack(pack ConnectorPack) error {
	if h == nil {
		return fmt.Errorf("ingest: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("ingest: connector pack name is required")
	}
	if len(pack.Definitions) == 0 {
		return fmt.Errorf("ingest: connector pack %q has no definitions", name)
	}

	normalized := ConnectorPack{
		Name:        name,
		Definitions: append([]core.ConnectorDefinition(nil), pack.Definitions...),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.connectorPacks[name]; exists {
		return fmt.Errorf("ingest: connector pack %q already registered", name)
	}
	h.connectorPacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterCommandQueryBundle(
	name string,
	factory CommandQueryBundleFactory,
) error {
	if h == nil {
		return fmt.Errorf("ingest: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("ingest: command/query bundle name is required")
	}
	if factory == nil {
		return fmt.Errorf("ingest: command/query bundle %q factory is required", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bundles[name]; exists {
		return fmt.Errorf("ingest: command/query bundle %q already registered", name)
	}
	h.bundles[name] = factory
	return nil
}

// ApplyConnectorPacks registers every pack's definitions against the given
// registry, in pack name order. A duplicate definition name fails the whole
// apply.
func (h *ExtensionHooks) ApplyConnectorPacks(registry core.DefinitionRegistry) error {
	if h == nil {
		return nil
	}
	if registry == nil {
		return fmt.Errorf("ingest: definition registry is required")
	}

	for _, pack := range h.ConnectorPacks() {
		for _, def := range pack.Definitions {
			if err := registry.Register(def); err != nil {
				return fmt.Errorf("ingest: connector pack %q: %w", pack.Name, err)
			}
		}
	}
	return nil
}

func (h *ExtensionHooks) BuildCommandQueryBundles(facade *Facade) (map[string]any, error) {
	if h == nil {
		return map[string]any{}, nil
	}
	if facade == nil {
		return nil, fmt.Errorf("ingest: facade is required")
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	factories := make(map[string]CommandQueryBundleFactory, len(h.bundles))
	for name, factory := range h.bundles {
		factories[name] = factory
	}
	h.mu.RUnlock()

	result := make(map[string]any, len(names))
	for _, name := range names {
		bundle, err := factories[name](facade)
		if err != nil {
			return nil, err
		}
		result[name] = bundle
	}
	return result, nil
}

func (h *ExtensionHooks) ConnectorPacks() []ConnectorPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.connectorPacks))
	for name := range h.connectorPacks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ConnectorPack, 0, len(names))
	for _, name := range names {
		pack := h.connectorPacks[name]
		out = append(out, ConnectorPack{
			Name:        pack.Name,
			Definitions: append([]core.ConnectorDefinition(nil), pack.Definitions...),
		})
	}
	return out
}

func (h *ExtensionHooks) BundleNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
