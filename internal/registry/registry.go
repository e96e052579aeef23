// Package registry tracks live connections per user and per chat room.
package registry

import (
	"sync"

	"metachat/messaging-service/internal/models"
)

// Conn is one live client connection as seen by the messaging core.
type Conn interface {
	ID() string
	UserID() string
	// Send queues ev without blocking. It returns false when the event was dropped.
	Send(ev models.Event) bool
	Close() error
}

type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Conn // user -> conn id -> conn
	byConn map[string]Conn
}

func New() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]Conn),
		byConn: make(map[string]Conn),
	}
}

// Register adds c and reports whether it is the user's first live connection.
func (r *Registry) Register(c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.byUser[c.UserID()]
	if m == nil {
		m = make(map[string]Conn)
		r.byUser[c.UserID()] = m
	}
	m[c.ID()] = c
	r.byConn[c.ID()] = c
	return len(m) == 1
}

// Unregister removes c and reports whether the user has no live connections left.
// Unregistering an unknown connection is a no-op that returns false.
func (r *Registry) Unregister(c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[c.ID()]; !ok {
		return false
	}
	delete(r.byConn, c.ID())

	m := r.byUser[c.UserID()]
	delete(m, c.ID())
	if len(m) == 0 {
		delete(r.byUser, c.UserID())
		return true
	}
	return false
}

func (r *Registry) ConnectionsFor(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := r.byUser[userID]
	if len(m) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Len returns the number of live connections across all users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

func (r *Registry) All() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conn, 0, len(r.byConn))
	for _, c := range r.byConn {
		out = append(out, c)
	}
	return out
}

// BroadcastAll sends ev to every registered connection and returns how many accepted it.
func (r *Registry) BroadcastAll(ev models.Event) int {
	sent := 0
	for _, c := range r.All() {
		if c.Send(ev) {
			sent++
		}
	}
	return sent
}
