package connector

import (
	"fmt"
	"sort"
	"sync"

	"wlmigrate/internal/domain"
)

// Factory builds a connector for one job.
type Factory func(Settings) (Connector, error)

// Registry maps source types to connector factories.
// Connector packages register themselves at init time.
type Registry struct {
	mu        sync.RWMutex
	factories map[domain.SourceType]Factory
}

var globalRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{factories: make(map[domain.SourceType]Factory)}
}

// Register adds a factory to the global registry.
func Register(source domain.SourceType, factory Factory) {
	globalRegistry.Register(source, factory)
}

// New builds a connector from the global registry.
func New(settings Settings) (Connector, error) {
	return globalRegistry.New(settings)
}

// Supported lists the source types of the global registry.
func Supported() []domain.SourceType {
	return globalRegistry.List()
}

// Default returns the global registry.
func Default() *Registry {
	return globalRegistry
}

func (r *Registry) Register(source domain.SourceType, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[source] = factory
}

func (r *Registry) List() []domain.SourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]domain.SourceType, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// New builds the connector for settings.Source. Known source types without a registered
// connector are rejected with a ValidationError.
func (r *Registry) New(settings Settings) (Connector, error) {
	r.mu.RLock()
	factory := r.factories[settings.Source]
	r.mu.RUnlock()
	if factory == nil {
		if settings.Source.Valid() {
			return nil, domain.ValidationError{Reason: fmt.Sprintf("source %s not supported (available: %v)", settings.Source, r.List())}
		}
		return nil, domain.ValidationError{Reason: fmt.Sprintf("unknown source %q", settings.Source)}
	}
	return factory(settings)
}
