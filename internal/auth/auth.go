// Package auth is the consumed identity-provider contract. Authentication
// mechanics live outside this system; the engine only needs a stable user id,
// a display name, and sign-in/sign-out notifications.
package auth

import "sync"

type Identity struct {
	ID          string
	DisplayName string
}

// Provider yields the current identity (nil when signed out) and change
// notifications.
type Provider interface {
	CurrentUser() *Identity
	OnChange(fn func(*Identity)) (cancel func())
}

// StaticProvider is a Provider whose identity is set programmatically. It
// backs tests, the headless player client, and the server-side token
// registry.
type StaticProvider struct {
	mu       sync.Mutex
	current  *Identity
	handlers map[int]func(*Identity)
	nextID   int
}

func NewStaticProvider(id *Identity) *StaticProvider {
	return &StaticProvider{current: id, handlers: map[int]func(*Identity){}}
}

func (p *StaticProvider) CurrentUser() *Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	c := *p.current
	return &c
}

// SignIn replaces the current identity and notifies handlers. Passing nil
// signs out.
func (p *StaticProvider) SignIn(id *Identity) {
	p.mu.Lock()
	p.current = id
	fns := make([]func(*Identity), 0, len(p.handlers))
	for _, fn := range p.handlers {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(id)
	}
}

func (p *StaticProvider) SignOut() { p.SignIn(nil) }

func (p *StaticProvider) OnChange(fn func(*Identity)) (cancel func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.handlers[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}
}

// Registry resolves opaque auth tokens to identities, e.g. on the server side
// of the store transport. Tokens are seeded from config.
type Registry struct {
	mu    sync.Mutex
	byTok map[string]Identity
}

func NewRegistry() *Registry {
	return &Registry{byTok: map[string]Identity{}}
}

func (r *Registry) Register(token string, id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTok[token] = id
}

// Lookup returns nil for unknown or empty tokens: the connection proceeds as
// an unauthenticated viewer.
func (r *Registry) Lookup(token string) *Identity {
	if token == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byTok[token]
	if !ok {
		return nil
	}
	c := id
	return &c
}
