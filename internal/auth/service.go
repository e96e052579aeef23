// Package auth owns the session credential: registration, login, token verification and
// expiry of stored sessions.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"metachat/messaging-service/internal/apperr"
	"metachat/messaging-service/internal/models"
	"metachat/messaging-service/internal/repository"
)

var (
	errMissingCredential = apperr.Authentication("missing credential")
	errInvalidCredential = apperr.Authentication("invalid credential")
	errSessionExpired    = apperr.Authentication("session expired")
	errBadLogin          = apperr.Authentication("invalid username or password")
)

type RegisterRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type LoginResult struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      *models.User `json:"user"`
}

type Service struct {
	users    repository.UserRepository
	sessions repository.SessionRepository
	tokens   *TokenManager
	hasher   *PasswordHasher
	ttl      time.Duration
	logger   *logrus.Logger
	now      func() time.Time
}

func NewService(
	users repository.UserRepository,
	sessions repository.SessionRepository,
	tokens *TokenManager,
	hasher *PasswordHasher,
	ttl time.Duration,
	logger *logrus.Logger,
) *Service {
	return &Service{
		users:    users,
		sessions: sessions,
		tokens:   tokens,
		hasher:   hasher,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.Username == "" || len(req.Username) > 64 {
		return nil, apperr.Validation("username must be between 1 and 64 characters")
	}
	if len(req.Password) < 8 {
		return nil, apperr.Validation("password must be at least 8 characters")
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, apperr.Storage("failed to hash password", err)
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Username:     req.Username,
		Email:        strings.TrimSpace(req.Email),
		PasswordHash: hash,
		DisplayName:  req.DisplayName,
		Status:       models.StatusOffline,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateUser) {
			return nil, apperr.Conflict(repository.ErrDuplicateUser.Error())
		}
		return nil, apperr.Storage("failed to create user", err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"username": user.Username,
	}).Info("User registered")

	return user, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	user, err := s.users.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, errBadLogin
		}
		return nil, apperr.Storage("failed to load user", err)
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		return nil, errBadLogin
	}

	session := &models.Session{
		ID:     uuid.New().String(),
		Data:   models.SessionData{UserID: user.ID},
		Expire: s.now().Add(s.ttl).UTC(),
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, apperr.Storage("failed to create session", err)
	}

	token, err := s.tokens.Generate(session.ID, user.ID, session.Expire)
	if err != nil {
		return nil, apperr.Storage("failed to sign token", err)
	}

	s.logger.WithField("user_id", user.ID).Info("User logged in")

	return &LoginResult{
		Token:     token,
		ExpiresAt: session.Expire,
		User:      user,
	}, nil
}

// Authenticate resolves a token to its live session. Unknown, malformed and expired
// credentials are all authentication errors.
func (s *Service) Authenticate(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, errMissingCredential
	}

	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, errInvalidCredential
	}

	session, err := s.sessions.GetSession(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, errInvalidCredential
		}
		return nil, apperr.Storage("failed to load session", err)
	}
	if session.Data.UserID == "" || session.Data.UserID != claims.Subject {
		return nil, errInvalidCredential
	}
	if session.Expired(s.now()) {
		return nil, errSessionExpired
	}
	return session, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	session, err := s.Authenticate(ctx, token)
	if err != nil {
		return err
	}
	if err := s.sessions.DeleteSession(ctx, session.ID); err != nil {
		return apperr.Storage("failed to delete session", err)
	}

	s.logger.WithField("user_id", session.Data.UserID).Info("User logged out")
	return nil
}

// RunPruner deletes expired sessions every interval until ctx is done.
func (s *Service) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PruneExpired(ctx)
		}
	}
}

func (s *Service) PruneExpired(ctx context.Context) {
	n, err := s.sessions.DeleteExpired(ctx, s.now())
	if err != nil {
		s.logger.WithError(err).Error("Failed to prune expired sessions")
		return
	}
	if n > 0 {
		s.logger.WithField("count", n).Info("Pruned expired sessions")
	}
}
