// Package presence derives each user's online status from their live connection count and
// announces changes to every connected client.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"metachat/messaging-service/internal/models"
	"metachat/messaging-service/internal/registry"
	"metachat/messaging-service/internal/sequencer"
)

// StatusStore persists a user's status and last-seen time.
type StatusStore interface {
	SetStatus(ctx context.Context, userID string, status models.UserStatus, lastSeen time.Time) error
}

type Tracker struct {
	store    StatusStore
	registry *registry.Registry
	lanes    *sequencer.Sequencer
	logger   *logrus.Logger
	now      func() time.Time

	mu sync.Mutex
	// announced holds the last status broadcast for users that are not offline.
	announced map[string]models.UserStatus
	away      map[string]bool
}

func NewTracker(store StatusStore, reg *registry.Registry, logger *logrus.Logger) *Tracker {
	return &Tracker{
		store:     store,
		registry:  reg,
		lanes:     sequencer.New(),
		logger:    logger,
		now:       time.Now,
		announced: make(map[string]models.UserStatus),
		away:      make(map[string]bool),
	}
}

// Attach registers conn and, for the user's first connection, announces them online.
func (t *Tracker) Attach(ctx context.Context, conn registry.Conn) error {
	return t.lanes.Do(ctx, conn.UserID(), func() error {
		t.registry.Register(conn)
		t.reconcile(ctx, conn.UserID())
		return nil
	})
}

// Detach unregisters conn and, when it was the user's last connection, announces them
// offline. Detaching an unknown connection changes nothing.
func (t *Tracker) Detach(ctx context.Context, conn registry.Conn) error {
	return t.lanes.Do(ctx, conn.UserID(), func() error {
		if !t.registry.Unregister(conn) {
			return nil
		}
		t.reconcile(ctx, conn.UserID())
		return nil
	})
}

// SetAway toggles a connected user between away and online. It is ignored for users with no
// live connections.
func (t *Tracker) SetAway(ctx context.Context, userID string, away bool) error {
	return t.lanes.Do(ctx, userID, func() error {
		if t.registry.Count(userID) == 0 {
			return nil
		}
		t.mu.Lock()
		if away {
			t.away[userID] = true
		} else {
			delete(t.away, userID)
		}
		t.mu.Unlock()

		t.reconcile(ctx, userID)
		return nil
	})
}

// Status returns the last announced status of userID.
func (t *Tracker) Status(userID string) models.UserStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.announced[userID]; ok {
		return s
	}
	return models.StatusOffline
}

// reconcile must run inside the user's lane.
func (t *Tracker) reconcile(ctx context.Context, userID string) {
	connected := t.registry.Count(userID) > 0

	t.mu.Lock()
	desired := models.StatusOffline
	switch {
	case connected && t.away[userID]:
		desired = models.StatusAway
	case connected:
		desired = models.StatusOnline
	default:
		delete(t.away, userID)
	}

	previous, ok := t.announced[userID]
	if !ok {
		previous = models.StatusOffline
	}
	if desired == previous {
		t.mu.Unlock()
		return
	}
	if desired == models.StatusOffline {
		delete(t.announced, userID)
	} else {
		t.announced[userID] = desired
	}
	t.mu.Unlock()

	now := t.now().UTC()
	if err := t.store.SetStatus(ctx, userID, desired, now); err != nil {
		t.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"status":  desired,
		}).Error("Failed to persist user status")
	}

	sent := t.registry.BroadcastAll(models.Event{
		Name: models.EventUserStatus,
		Data: models.UserStatusEvent{
			UserID:   userID,
			Status:   desired,
			LastSeen: &now,
		},
	})

	t.logger.WithFields(logrus.Fields{
		"user_id":    userID,
		"status":     desired,
		"recipients": sent,
	}).Debug("User status changed")
}
