package source

import (
	"fmt"
	"sort"

	"github.com/njoerd114/listingrelay/internal/model"
)

// Registry maps source tags to adapters. It is built once at startup and
// read-only afterwards.
type Registry struct {
	adapters map[model.Source]Adapter
}

// NewRegistry builds a registry from the given adapters. Registering two
// adapters for the same source is an error.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[model.Source]Adapter, len(adapters))}
	for _, a := range adapters {
		src := a.Source()
		if _, dup := r.adapters[src]; dup {
			return nil, fmt.Errorf("adapter for source %q registered twice", src)
		}
		r.adapters[src] = a
	}
	return r, nil
}

// Get returns the adapter for src.
func (r *Registry) Get(src model.Source) (Adapter, bool) {
	a, ok := r.adapters[src]
	return a, ok
}

// Sources returns the registered source tags in sorted order.
func (r *Registry) Sources() []model.Source {
	out := make([]model.Source, 0, len(r.adapters))
	for src := range r.adapters {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Adapters returns the registered adapters ordered by source tag.
func (r *Registry) Adapters() []Adapter {
	srcs := r.Sources()
	out := make([]Adapter, len(srcs))
	for i, src := range srcs {
		out[i] = r.adapters[src]
	}
	return out
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int { return len(r.adapters) }
