package realtime

import "sync"

// Handler receives inbound MESSAGE frames for one destination.
type Handler func(Frame)

// Subscription is an intended binding of a destination to a handler.
type Subscription struct {
	Destination string
	Handler     Handler
	ID          string // optional; generated per connection when empty
}

// Registry records intended subscriptions independently of any physical
// connection so they can be replayed on every reconnect. Safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	order []string
	subs  map[string]Subscription
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]Subscription)}
}

// Add registers handler for destination. Re-adding a destination
// replaces its handler and ID but keeps its original position.
func (r *Registry) Add(destination string, handler Handler, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[destination]; !ok {
		r.order = append(r.order, destination)
	}

	r.subs[destination] = Subscription{Destination: destination, Handler: handler, ID: id}
}

// Remove forgets destination. Unknown destinations are ignored.
func (r *Registry) Remove(destination string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[destination]; !ok {
		return
	}

	delete(r.subs, destination)

	for i, d := range r.order {
		if d == destination {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the subscription for destination.
func (r *Registry) Get(destination string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.subs[destination]

	return s, ok
}

// List returns all subscriptions, oldest first.
func (r *Registry) List() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, 0, len(r.order))
	for _, d := range r.order {
		out = append(out, r.subs[d])
	}

	return out
}

// Len returns the number of registered destinations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.order)
}

// Clear removes every subscription.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.order = nil
	clear(r.subs)
}
