// Package registrytest provides an in-memory connection for tests.
package registrytest

import (
	"sync"

	"metachat/messaging-service/internal/models"
)

// Conn records every event sent to it.
type Conn struct {
	id     string
	userID string

	mu     sync.Mutex
	events []models.Event
	closed bool
	// Full makes Send drop events.
	full bool
}

func NewConn(id, userID string) *Conn {
	return &Conn{id: id, userID: userID}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

func (c *Conn) Send(ev models.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.full {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// SetFull toggles whether Send drops events.
func (c *Conn) SetFull(full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = full
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events returns a copy of everything received so far.
func (c *Conn) Events() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Event, len(c.events))
	copy(out, c.events)
	return out
}

// Named returns the received events with the given name.
func (c *Conn) Named(name string) []models.Event {
	var out []models.Event
	for _, ev := range c.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}
