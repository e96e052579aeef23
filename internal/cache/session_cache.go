// Package cache provides a Redis read-through cache in front of the session table.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"metachat/messaging-service/internal/models"
	"metachat/messaging-service/internal/repository"
)

const sessionPrefix = "session:"

// tombstone marks a deleted session. It outlives any entry a read in flight could still write.
const tombstone = "-"

var errRevoked = errors.New("session revoked")

// SessionCache wraps a SessionRepository with cache-aside reads. Redis failures fall back to
// the wrapped repository and are only logged.
type SessionCache struct {
	next   repository.SessionRepository
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
	group  singleflight.Group
	now    func() time.Time
}

func NewSessionCache(next repository.SessionRepository, client *redis.Client, ttl time.Duration, logger *logrus.Logger) *SessionCache {
	return &SessionCache{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

var _ repository.SessionRepository = (*SessionCache)(nil)

func (c *SessionCache) CreateSession(ctx context.Context, session *models.Session) error {
	if err := c.next.CreateSession(ctx, session); err != nil {
		return err
	}
	c.store(ctx, session)
	return nil
}

func (c *SessionCache) GetSession(ctx context.Context, sid string) (*models.Session, error) {
	session, err := c.load(ctx, sid)
	if errors.Is(err, errRevoked) {
		return nil, repository.ErrSessionNotFound
	}
	if err != nil {
		c.logger.WithError(err).WithField("sid", sid).Warn("Session cache read failed")
	}
	if session != nil {
		return session, nil
	}

	v, err, _ := c.group.Do(sid, func() (interface{}, error) {
		session, err := c.next.GetSession(ctx, sid)
		if err != nil {
			return nil, err
		}
		c.store(ctx, session)
		return session, nil
	})
	if err != nil {
		return nil, err
	}

	// copy so callers of a shared flight do not alias one another
	shared := *v.(*models.Session)
	return &shared, nil
}

// DeleteSession replaces the cached entry with a tombstone before deleting the row, so a read
// that loaded the row earlier cannot cache it again.
func (c *SessionCache) DeleteSession(ctx context.Context, sid string) error {
	if err := c.client.Set(ctx, sessionPrefix+sid, tombstone, c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("sid", sid).Warn("Failed to evict cached session")
	}
	return c.next.DeleteSession(ctx, sid)
}

// DeleteExpired only touches the table. Cached entries never outlive their session's expiry.
func (c *SessionCache) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return c.next.DeleteExpired(ctx, now)
}

func (c *SessionCache) load(ctx context.Context, sid string) (*models.Session, error) {
	data, err := c.client.Get(ctx, sessionPrefix+sid).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache get error: %w", err)
	}
	if string(data) == tombstone {
		return nil, errRevoked
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("cache unmarshal error: %w", err)
	}
	return &session, nil
}

func (c *SessionCache) store(ctx context.Context, session *models.Session) {
	ttl := c.ttl
	if remaining := session.Expire.Sub(c.now()); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(session)
	if err != nil {
		c.logger.WithError(err).WithField("sid", session.ID).Warn("Failed to encode session for cache")
		return
	}
	// SetNX leaves a tombstone or a fresher entry in place.
	if err := c.client.SetNX(ctx, sessionPrefix+session.ID, data, ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("sid", session.ID).Warn("Failed to cache session")
	}
}
