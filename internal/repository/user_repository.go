package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"metachat/messaging-service/internal/models"
)

type UserRepository interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUsers(ctx context.Context, ids []string) ([]*models.User, error)
	UpdateProfile(ctx context.Context, userID string, update models.ProfileUpdate) (*models.User, error)
	SetStatus(ctx context.Context, userID string, status models.UserStatus, lastSeen time.Time) error
}

type userRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) UserRepository {
	return &userRepository{
		db: db,
	}
}

const userColumns = `id, username, COALESCE(email, ''), password_hash, display_name, COALESCE(bio, ''),
	COALESCE(avatar_url, ''), status, last_seen, created_at, updated_at`

func scanUser(row scanner) (*models.User, error) {
	var user models.User
	var lastSeen sql.NullTime
	err := row.Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.DisplayName, &user.Bio,
		&user.AvatarURL, &user.Status, &lastSeen, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		user.LastSeen = &t
	}
	return &user, nil
}

func (r *userRepository) CreateUser(ctx context.Context, user *models.User) error {
	query := `
	INSERT INTO users (id, username, email, password_hash, display_name, status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	RETURNING created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		user.ID, user.Username, nullString(user.Email), user.PasswordHash, user.DisplayName,
		user.Status, user.CreatedAt,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateUser
		}
		return err
	}
	return nil
}

func (r *userRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	if !validID(id) {
		return nil, ErrUserNotFound
	}
	user, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

func (r *userRepository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

func (r *userRepository) GetUsers(ctx context.Context, ids []string) ([]*models.User, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if validID(id) {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ANY($1)`, pq.Array(valid))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (r *userRepository) UpdateProfile(ctx context.Context, userID string, update models.ProfileUpdate) (*models.User, error) {
	if !validID(userID) {
		return nil, ErrUserNotFound
	}
	query := `
	UPDATE users SET
		display_name = COALESCE($2, display_name),
		bio = COALESCE($3, bio),
		avatar_url = COALESCE($4, avatar_url),
		updated_at = NOW()
	WHERE id = $1
	RETURNING ` + userColumns

	user, err := scanUser(r.db.QueryRowContext(ctx, query,
		userID, nullStringPtr(update.DisplayName), nullStringPtr(update.Bio), nullStringPtr(update.AvatarURL),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

func (r *userRepository) SetStatus(ctx context.Context, userID string, status models.UserStatus, lastSeen time.Time) error {
	if !validID(userID) {
		return ErrUserNotFound
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET status = $2, last_seen = $3 WHERE id = $1`,
		userID, status, lastSeen,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
