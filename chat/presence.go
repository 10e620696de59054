package chat

import (
	"slices"
	"sync"
)

// Presence is an in-memory PresenceTracker.
type Presence struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

// NewPresence returns a tracker with nobody online.
func NewPresence() *Presence {
	return &Presence{online: make(map[string]struct{})}
}

func (p *Presence) UserOnline(userID string) {
	p.mu.Lock()
	p.online[userID] = struct{}{}
	p.mu.Unlock()
}

func (p *Presence) UserOffline(userID string) {
	p.mu.Lock()
	delete(p.online, userID)
	p.mu.Unlock()
}

// IsOnline reports whether userID was last seen connecting.
func (p *Presence) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.online[userID]

	return ok
}

// Online returns the online user IDs in ascending order.
func (p *Presence) Online() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.online))

	for id := range p.online {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	slices.Sort(ids)

	return ids
}

// Reset forgets everyone, e.g. after the connection drops.
func (p *Presence) Reset() {
	p.mu.Lock()
	clear(p.online)
	p.mu.Unlock()
}
