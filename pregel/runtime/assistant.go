// Package runtime binds a thread registry (store.ThreadStore) to one or
// more graph engines (pregel.Engine), enforcing the multitasking policy
// that decides what happens when a new run is submitted for a thread that
// already has one in flight.
package runtime

import (
	"fmt"
	"sync"

	"github.com/dshills/pregel-go/pregel"
)

// Assistant is a named, registered graph configuration: the compiled engine
// a run submitted against AssistantID actually executes.
type Assistant struct {
	ID     string
	Engine *pregel.Engine
}

// Registry resolves an assistant ID to the engine that runs it. Multiple
// assistants may share an underlying graph shape with different bound
// options; Registry treats each registered ID as independent.
type Registry struct {
	mu         sync.RWMutex
	assistants map[string]*Assistant
}

// NewRegistry creates an empty assistant registry.
func NewRegistry() *Registry {
	return &Registry{assistants: make(map[string]*Assistant)}
}

// Register adds or replaces the assistant addressed by id.
func (r *Registry) Register(id string, engine *pregel.Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assistants[id] = &Assistant{ID: id, Engine: engine}
}

// Lookup resolves id to its engine, or an error if nothing is registered.
func (r *Registry) Lookup(id string) (*Assistant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assistants[id]
	if !ok {
		return nil, fmt.Errorf("runtime: no assistant registered for id %q", id)
	}
	return a, nil
}

// List returns every registered assistant ID, for the definition-registry
// listing endpoint.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.assistants))
	for id := range r.assistants {
		ids = append(ids, id)
	}
	return ids
}
