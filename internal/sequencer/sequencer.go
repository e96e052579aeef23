// Package sequencer serializes work per key. Work submitted for the same key runs one at a
// time in arrival order; different keys never block each other.
package sequencer

import (
	"context"
	"sync"
)

type lane struct {
	// busy is true while a caller owns the lane.
	busy    bool
	waiters []chan struct{}
}

type Sequencer struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

func New() *Sequencer {
	return &Sequencer{
		lanes: make(map[string]*lane),
	}
}

// Do runs fn once every earlier caller for key has finished. If ctx ends before the lane is
// acquired, fn is not run and ctx.Err() is returned.
func (s *Sequencer) Do(ctx context.Context, key string, fn func() error) error {
	if err := s.acquire(ctx, key); err != nil {
		return err
	}
	defer s.release(key)
	return fn()
}

func (s *Sequencer) acquire(ctx context.Context, key string) error {
	s.mu.Lock()
	l, ok := s.lanes[key]
	if !ok {
		l = &lane{}
		s.lanes[key] = l
	}
	if !l.busy {
		l.busy = true
		s.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, w := range l.waiters {
			if w == ready {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				s.mu.Unlock()
				return ctx.Err()
			}
		}
		s.mu.Unlock()
		// Already handed the lane; pass it on.
		s.release(key)
		return ctx.Err()
	}
}

func (s *Sequencer) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lanes[key]
	if len(l.waiters) == 0 {
		delete(s.lanes, key)
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	close(next)
}

// Len reports how many keys currently hold a lane.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}
