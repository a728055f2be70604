package session

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry maps session ids to their actor, creating and hydrating on
// first use. One actor per session id for the process lifetime.
type Registry struct {
	mu     sync.Mutex
	actors map[string]*Actor
	deps   Deps
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		actors: map[string]*Actor{},
		deps:   deps,
	}
}

// Get returns the actor for a session, hydrating it from durable
// storage on first access.
func (r *Registry) Get(sessionID string) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if actor, ok := r.actors[sessionID]; ok {
		return actor, nil
	}
	actor, err := NewActor(sessionID, r.deps)
	if err != nil {
		return nil, err
	}
	r.actors[sessionID] = actor
	return actor, nil
}

// Remove drops an actor from the registry after shutting it down.
func (r *Registry) Remove(ctx context.Context, sessionID string) {
	r.mu.Lock()
	actor, ok := r.actors[sessionID]
	delete(r.actors, sessionID)
	r.mu.Unlock()
	if ok {
		_ = actor.Shutdown(ctx)
	}
}

// Close shuts all actors down in parallel.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.actors = map[string]*Actor{}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range actors {
		a := a
		g.Go(func() error {
			return a.Shutdown(ctx)
		})
	}
	return g.Wait()
}
