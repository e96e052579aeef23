package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"metachat/messaging-service/internal/models"
)

type SessionRepository interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sid string) (*models.Session, error)
	DeleteSession(ctx context.Context, sid string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type sessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) SessionRepository {
	return &sessionRepository{
		db: db,
	}
}

func (r *sessionRepository) CreateSession(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session.Data)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sessions (sid, sess, expire) VALUES ($1, $2, $3)`,
		session.ID, data, session.Expire,
	)
	return err
}

func (r *sessionRepository) GetSession(ctx context.Context, sid string) (*models.Session, error) {
	session := &models.Session{ID: sid}
	var data []byte

	err := r.db.QueryRowContext(ctx,
		`SELECT sess, expire FROM sessions WHERE sid = $1`, sid,
	).Scan(&data, &session.Expire)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(data, &session.Data); err != nil {
		return nil, err
	}
	return session, nil
}

func (r *sessionRepository) DeleteSession(ctx context.Context, sid string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE sid = $1`, sid)
	return err
}

func (r *sessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expire <= $1`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
