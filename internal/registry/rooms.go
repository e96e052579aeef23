package registry

import (
	"sync"

	"metachat/messaging-service/internal/models"
)

type room struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func (rm *room) snapshot() []Conn {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	out := make([]Conn, 0, len(rm.conns))
	for _, c := range rm.conns {
		out = append(out, c)
	}
	return out
}

// Rooms maps chat ids to the connections subscribed to them. The index lock only guards the
// maps; fan-out copies a room's subscribers under that room's own lock.
//
// Only open connections can subscribe. Once UnsubscribeAll releases a connection, later
// Subscribe calls for it are ignored, so a stale snapshot cannot put it back into a room.
type Rooms struct {
	mu     sync.Mutex
	rooms  map[string]*room
	byConn map[string]map[string]struct{} // open conn id -> chat ids
}

func NewRooms() *Rooms {
	return &Rooms{
		rooms:  make(map[string]*room),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Open admits c to the index. Opening twice is a no-op.
func (r *Rooms) Open(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[c.ID()]; !ok {
		r.byConn[c.ID()] = make(map[string]struct{})
	}
}

// Subscribe adds c to the chat's room and reports whether c is open. Subscribing twice is a
// no-op.
func (r *Rooms) Subscribe(c Conn, chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, open := r.byConn[c.ID()]
	if !open {
		return false
	}

	rm, ok := r.rooms[chatID]
	if !ok {
		rm = &room{conns: make(map[string]Conn)}
		r.rooms[chatID] = rm
	}
	rm.mu.Lock()
	rm.conns[c.ID()] = c
	rm.mu.Unlock()

	set[chatID] = struct{}{}
	return true
}

func (r *Rooms) Unsubscribe(c Conn, chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(c.ID(), chatID)
}

// UnsubscribeAll removes c from every room it joined, closes it to further subscriptions and
// returns the chat ids it left.
func (r *Rooms) UnsubscribeAll(c Conn) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byConn[c.ID()]
	left := make([]string, 0, len(set))
	for chatID := range set {
		left = append(left, chatID)
	}
	for _, chatID := range left {
		r.unsubscribeLocked(c.ID(), chatID)
	}
	delete(r.byConn, c.ID())
	return left
}

func (r *Rooms) unsubscribeLocked(connID, chatID string) {
	if rm, ok := r.rooms[chatID]; ok {
		rm.mu.Lock()
		delete(rm.conns, connID)
		empty := len(rm.conns) == 0
		rm.mu.Unlock()
		if empty {
			delete(r.rooms, chatID)
		}
	}

	if set, ok := r.byConn[connID]; ok {
		delete(set, chatID)
	}
}

func (r *Rooms) room(chatID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[chatID]
}

// Broadcast sends ev to every subscriber of the chat and returns how many accepted it.
func (r *Rooms) Broadcast(chatID string, ev models.Event) int {
	rm := r.room(chatID)
	if rm == nil {
		return 0
	}

	sent := 0
	for _, c := range rm.snapshot() {
		if c.Send(ev) {
			sent++
		}
	}
	return sent
}

func (r *Rooms) Subscribers(chatID string) []Conn {
	rm := r.room(chatID)
	if rm == nil {
		return nil
	}
	return rm.snapshot()
}

func (r *Rooms) RoomsOf(c Conn) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byConn[c.ID()]
	out := make([]string, 0, len(set))
	for chatID := range set {
		out = append(out, chatID)
	}
	return out
}

// Len reports the number of non-empty rooms.
func (r *Rooms) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
