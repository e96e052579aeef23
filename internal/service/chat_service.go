package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"metachat/messaging-service/internal/apperr"
	"metachat/messaging-service/internal/models"
	"metachat/messaging-service/internal/presence"
	"metachat/messaging-service/internal/registry"
	"metachat/messaging-service/internal/repository"
	"metachat/messaging-service/internal/sequencer"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
	maxContentLength    = 4000
	maxChatNameLength   = 128
)

type ChatService interface {
	Connect(ctx context.Context, conn registry.Conn) error
	Disconnect(ctx context.Context, conn registry.Conn)
	SetPresence(ctx context.Context, userID string, status models.UserStatus) error

	SendMessage(ctx context.Context, req SendMessageRequest) (*models.Message, error)
	MarkRead(ctx context.Context, req MarkReadRequest) (*models.ReadReceipt, error)
	MarkChatRead(ctx context.Context, chatID, userID string) (int, error)

	RenameGroup(ctx context.Context, actorID, chatID, name string) (*models.Chat, error)
	AddMember(ctx context.Context, actorID, chatID, userID string) (*models.Chat, error)
	RemoveMember(ctx context.Context, actorID, chatID, userID string) (*models.Chat, error)

	CreateChat(ctx context.Context, req CreateChatRequest) (*models.Chat, error)
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
	GetUserChats(ctx context.Context, userID string) ([]*models.Chat, error)
	GetHistory(ctx context.Context, userID, chatID string, limit int, beforeMessageID string) ([]*models.Message, error)
	GetChatMessages(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]*models.Message, error)
	UpdateProfile(ctx context.Context, userID string, update models.ProfileUpdate) (*models.User, error)
}

type SendMessageRequest struct {
	ChatID   string
	SenderID string
	Content  string
	TempID   string
}

type MarkReadRequest struct {
	MessageID string
	ChatID    string
	UserID    string
}

type CreateChatRequest struct {
	CreatorID string   `json:"-"`
	MemberIDs []string `json:"memberIds"`
	IsGroup   bool     `json:"isGroup"`
	Name      string   `json:"name"`
}

var (
	errChatNotFound    = apperr.Wrap(apperr.Validation("chat not found"), repository.ErrChatNotFound)
	errUserNotFound    = apperr.Wrap(apperr.Validation("user not found"), repository.ErrUserNotFound)
	errMessageNotFound = apperr.Wrap(apperr.Validation("message not found"), repository.ErrMessageNotFound)
	errNotParticipant  = apperr.Authorization("user is not a participant in this chat")
	errCancelled       = apperr.Storage("request cancelled", nil)
)

type chatService struct {
	chats    repository.ChatRepository
	users    repository.UserRepository
	registry *registry.Registry
	rooms    *registry.Rooms
	presence *presence.Tracker
	lanes    *sequencer.Sequencer
	logger   *logrus.Logger
	now      func() time.Time
}

func NewChatService(
	chats repository.ChatRepository,
	users repository.UserRepository,
	reg *registry.Registry,
	rooms *registry.Rooms,
	tracker *presence.Tracker,
	logger *logrus.Logger,
) ChatService {
	return &chatService{
		chats:    chats,
		users:    users,
		registry: reg,
		rooms:    rooms,
		presence: tracker,
		lanes:    sequencer.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// inChat runs fn in the chat's lane so operations on one chat apply in arrival order.
func (s *chatService) inChat(ctx context.Context, chatID string, fn func() error) error {
	err := s.lanes.Do(ctx, chatID, fn)
	var classified *apperr.Error
	if err != nil && !errors.As(err, &classified) {
		return apperr.Wrap(errCancelled, err)
	}
	return err
}

// storageError logs the cause and returns the classified error the client sees.
func (s *chatService) storageError(msg string, err error, fields logrus.Fields) error {
	s.logger.WithError(err).WithFields(fields).Error(capitalize(msg))
	return apperr.Storage(msg, err)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (s *chatService) timestamp() time.Time {
	return s.now().UTC()
}

func (s *chatService) loadChat(ctx context.Context, chatID string) (*models.Chat, error) {
	if chatID == "" {
		return nil, apperr.Validation("chatId is required")
	}
	chat, err := s.chats.GetChatByID(ctx, chatID)
	if err != nil {
		if errors.Is(err, repository.ErrChatNotFound) {
			return nil, errChatNotFound
		}
		return nil, s.storageError("failed to load chat", err, logrus.Fields{"chat_id": chatID})
	}
	return chat, nil
}

// requireMember fails with an authorization error when userID has no membership row for the
// chat, or a validation error when the chat does not exist.
func (s *chatService) requireMember(ctx context.Context, chatID, userID string) error {
	if chatID == "" {
		return apperr.Validation("chatId is required")
	}
	ok, err := s.chats.IsMember(ctx, chatID, userID)
	if err != nil {
		return s.storageError("failed to check membership", err, logrus.Fields{
			"chat_id": chatID,
			"user_id": userID,
		})
	}
	if ok {
		return nil
	}
	if _, err := s.loadChat(ctx, chatID); err != nil {
		return err
	}
	return errNotParticipant
}

// subscribeUser joins every live connection of userID to the chat's room.
func (s *chatService) subscribeUser(userID, chatID string) {
	for _, conn := range s.registry.ConnectionsFor(userID) {
		s.rooms.Subscribe(conn, chatID)
	}
}

func (s *chatService) unsubscribeUser(userID, chatID string) {
	for _, conn := range s.registry.ConnectionsFor(userID) {
		s.rooms.Unsubscribe(conn, chatID)
	}
}

// CreateChat creates a group, or returns the direct chat between the two users, creating it
// on first use. Direct chats are found and created inside a lane keyed by the pair, so
// concurrent requests for one pair agree on a single chat.
func (s *chatService) CreateChat(ctx context.Context, req CreateChatRequest) (*models.Chat, error) {
	if req.CreatorID == "" {
		return nil, apperr.Validation("creator is required")
	}

	memberIDs := []string{req.CreatorID}
	seen := map[string]bool{req.CreatorID: true}
	for _, id := range req.MemberIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		memberIDs = append(memberIDs, id)
	}

	if req.IsGroup {
		name := strings.TrimSpace(req.Name)
		if name == "" || len(name) > maxChatNameLength {
			return nil, apperr.Validation("group name must be between 1 and 128 characters")
		}
		return s.newChat(ctx, req.CreatorID, memberIDs, name)
	}

	if len(memberIDs) != 2 {
		return nil, apperr.Validation("a direct chat needs exactly one other member")
	}

	var chat *models.Chat
	err := s.inChat(ctx, directLane(memberIDs[0], memberIDs[1]), func() error {
		existing, err := s.chats.FindDirectChat(ctx, memberIDs[0], memberIDs[1])
		if err == nil {
			chat = existing
			return nil
		}
		if !errors.Is(err, repository.ErrChatNotFound) {
			return s.storageError("failed to look up direct chat", err, logrus.Fields{
				"user_id1": memberIDs[0],
				"user_id2": memberIDs[1],
			})
		}
		chat, err = s.newChat(ctx, req.CreatorID, memberIDs, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// directLane names the lane for a pair of users. It cannot collide with a chat id.
func directLane(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "direct:" + a + ":" + b
}

// newChat stores a chat with the given members and joins their live connections to it. An
// empty name makes a direct chat.
func (s *chatService) newChat(ctx context.Context, creatorID string, memberIDs []string, name string) (*models.Chat, error) {
	users, err := s.users.GetUsers(ctx, memberIDs)
	if err != nil {
		return nil, s.storageError("failed to load members", err, logrus.Fields{"creator_id": creatorID})
	}
	if len(users) != len(memberIDs) {
		return nil, errUserNotFound
	}

	chat := &models.Chat{
		ID:        uuid.New().String(),
		Name:      name,
		IsGroup:   name != "",
		CreatedAt: s.timestamp(),
	}
	if chat.IsGroup {
		chat.AdminID = creatorID
	}

	err = s.inChat(ctx, chat.ID, func() error {
		if err := s.chats.CreateChat(ctx, chat, memberIDs); err != nil {
			return s.storageError("failed to create chat", err, logrus.Fields{"creator_id": creatorID})
		}
		for _, id := range memberIDs {
			s.subscribeUser(id, chat.ID)
		}
		s.rooms.Broadcast(chat.ID, models.Event{Name: models.EventChatCreated, Data: chat})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"chat_id":  chat.ID,
		"is_group": chat.IsGroup,
		"members":  len(memberIDs),
	}).Info("Chat created")

	return chat, nil
}

func (s *chatService) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	return s.loadChat(ctx, chatID)
}

func (s *chatService) GetUserChats(ctx context.Context, userID string) ([]*models.Chat, error) {
	chats, err := s.chats.GetUserChats(ctx, userID)
	if err != nil {
		return nil, s.storageError("failed to get user chats", err, logrus.Fields{"user_id": userID})
	}
	if chats == nil {
		chats = []*models.Chat{}
	}
	return chats, nil
}

// GetHistory returns a page of a chat's messages to one of its members.
func (s *chatService) GetHistory(ctx context.Context, userID, chatID string, limit int, beforeMessageID string) ([]*models.Message, error) {
	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return nil, err
	}
	return s.GetChatMessages(ctx, chatID, limit, beforeMessageID)
}

func (s *chatService) GetChatMessages(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]*models.Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	messages, err := s.chats.GetChatMessages(ctx, chatID, limit, beforeMessageID)
	if err != nil {
		return nil, s.storageError("failed to get chat messages", err, logrus.Fields{"chat_id": chatID})
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	return messages, nil
}

func (s *chatService) UpdateProfile(ctx context.Context, userID string, update models.ProfileUpdate) (*models.User, error) {
	if update.DisplayName != nil {
		trimmed := strings.TrimSpace(*update.DisplayName)
		if trimmed == "" || len(trimmed) > 128 {
			return nil, apperr.Validation("display name must be between 1 and 128 characters")
		}
		update.DisplayName = &trimmed
	}

	user, err := s.users.UpdateProfile(ctx, userID, update)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, errUserNotFound
		}
		return nil, s.storageError("failed to update profile", err, logrus.Fields{"user_id": userID})
	}

	s.logger.WithField("user_id", userID).Info("Profile updated")
	return user, nil
}
