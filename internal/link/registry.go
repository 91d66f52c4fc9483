package link

import (
	"fmt"
	"strings"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry holds the transport factories known to the process.
// Factories are enumerated in registration order.
type Registry struct {
	mu        sync.RWMutex
	factories *orderedmap.OrderedMap[string, Factory]
}

// NewRegistry creates a registry pre-populated with the given factories
func NewRegistry(factories ...Factory) *Registry {
	r := &Registry{
		factories: orderedmap.New[string, Factory](),
	}
	for _, f := range factories {
		r.Register(f)
	}
	return r
}

// Register adds a factory. Registering a type twice replaces the previous
// factory but keeps its original position.
func (r *Registry) Register(f Factory) {
	if f == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories.Set(normalizeType(f.Type()), f)
}

// Factories returns the registered factories in registration order
func (r *Registry) Factories() []Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Factory, 0, r.factories.Len())
	for pair := r.factories.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// Types returns the selector strings of all registered factories
func (r *Registry) Types() []string {
	factories := r.Factories()
	types := make([]string, 0, len(factories))
	for _, f := range factories {
		types = append(types, f.Type())
	}
	return types
}

// Discover walks the factories and instantiates a transport from the first
// one matching selector. ErrNoTransport is returned when nothing matches.
func (r *Registry) Discover(selector string, opts *Options) (Transport, error) {
	want := normalizeType(selector)
	for _, f := range r.Factories() {
		if normalizeType(f.Type()) != want {
			continue
		}
		if opts == nil {
			opts = &Options{}
		}
		t, err := f.NewTransport(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s transport: %w", f.Type(), err)
		}
		return t, nil
	}
	return nil, &ConnectionError{
		State: NoTransport,
		Msg:   fmt.Sprintf("no factory matches %q (have: %s)", selector, strings.Join(r.Types(), ", ")),
	}
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
