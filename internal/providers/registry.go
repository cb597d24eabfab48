package providers

import (
	"fmt"
	"sort"
)

// Factory builds a gateway from the loaded configuration.
type Factory func(cfg Config) (Gateway, error)

type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Open builds the gateway registered under name.
func (r *Registry) Open(name string, cfg Config) (Gateway, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("provider not registered: %s", name)
	}
	return f(cfg)
}

func (r *Registry) Has(name string) bool {
	_, ok := r.factories[name]
	return ok
}

// Names lists registered providers in lexical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
