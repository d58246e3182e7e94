// Package registry keeps the objects a frame exposes to its peers.
//
// Each channel owns one Registry for objects meant only for that peer. An
// embedder may also build a process-wide Registry and hand it to every
// channel through channel.Config.Global; channels consult it after their own.
//
//	reg := registry.New()
//	reg.Register("host.dialogs", dialogService)
//	reg.Register("host.session", registry.FactoryFunc(func(ctx any) any {
//		return newSession(ctx)
//	}))
package registry

import (
	"sort"
	"sync"
)

// Factory builds the instance for one request from its instance context.
// Returning nil means the object is not available. The method name is
// specific to registries so an ordinary service method called Resolve is
// never mistaken for a factory.
type Factory interface {
	NewInstance(contextData any) any
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(contextData any) any

func (f FactoryFunc) NewInstance(contextData any) any { return f(contextData) }

// Registry maps instance ids to objects or factories. It is safe for
// concurrent use, but two calls are not atomic with respect to each other.
type Registry struct {
	mu      sync.RWMutex
	objects map[string]any
}

func New() *Registry {
	return &Registry{objects: make(map[string]any)}
}

// Register binds id to an object or a Factory, replacing any earlier binding.
// A plain func(any) any is treated as a factory.
func (r *Registry) Register(id string, instanceOrFactory any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[id] = instanceOrFactory
}

// Unregister removes id. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, id)
}

// Resolve returns the object bound to id. Factories are invoked with
// contextData outside the lock, so they may use the registry themselves.
func (r *Registry) Resolve(id string, contextData any) (any, bool) {
	r.mu.RLock()
	entry, ok := r.objects[id]
	r.mu.RUnlock()
	if !ok || entry == nil {
		return nil, false
	}

	var instance any
	switch f := entry.(type) {
	case Factory:
		instance = f.NewInstance(contextData)
	case func(any) any:
		instance = f(contextData)
	default:
		return entry, true
	}
	if instance == nil {
		return nil, false
	}
	return instance, true
}

// IDs lists the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.objects))
	for id := range r.objects {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len reports the number of bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}
