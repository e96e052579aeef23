// Package repositorytest provides an in-memory store that satisfies the repository interfaces.
package repositorytest

import (
	"context"
	"sort"
	"sync"
	"time"

	"metachat/messaging-service/internal/models"
	"metachat/messaging-service/internal/repository"
)

// Store implements ChatRepository, UserRepository and SessionRepository in memory.
type Store struct {
	mu       sync.Mutex
	users    map[string]models.User
	chats    map[string]models.Chat
	members  map[string]map[string]time.Time // chat -> user -> joined
	messages map[string]models.Message
	byChat   map[string][]string             // chat -> message ids, oldest first
	receipts map[string]map[string]time.Time // message -> user -> read at
	sessions map[string]models.Session
	failures map[string]error
	hooks    map[string]func()
}

var (
	_ repository.ChatRepository    = (*Store)(nil)
	_ repository.UserRepository    = (*Store)(nil)
	_ repository.SessionRepository = (*Store)(nil)
)

func New() *Store {
	return &Store{
		users:    make(map[string]models.User),
		chats:    make(map[string]models.Chat),
		members:  make(map[string]map[string]time.Time),
		messages: make(map[string]models.Message),
		byChat:   make(map[string][]string),
		receipts: make(map[string]map[string]time.Time),
		sessions: make(map[string]models.Session),
		failures: make(map[string]error),
		hooks:    make(map[string]func()),
	}
}

// FailOn makes the named method return err until cleared with a nil err.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

// OnReturn runs fn each time the named method is about to return, after the store lock is
// released. A nil fn removes the hook. Supported for GetUserChatIDs, FindDirectChat and
// SetStatus.
func (s *Store) OnReturn(method string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.hooks, method)
		return
	}
	s.hooks[method] = fn
}

func (s *Store) after(method string) {
	s.mu.Lock()
	fn := s.hooks[method]
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Store) fail(method string) error {
	return s.failures[method]
}

// AddUser seeds a user.
func (s *Store) AddUser(id, username string) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := models.User{
		ID:          id,
		Username:    username,
		DisplayName: username,
		Status:      models.StatusOffline,
		CreatedAt:   time.Now().UTC(),
	}
	s.users[id] = u
	return &u
}

// MessageCount returns how many messages are stored for the chat.
func (s *Store) MessageCount(chatID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byChat[chatID])
}

// ReceiptCount returns how many receipts exist for (messageID, userID).
func (s *Store) ReceiptCount(messageID, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.receipts[messageID][userID]; ok {
		return 1
	}
	return 0
}

func (s *Store) UserStatus(userID string) models.UserStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID].Status
}

func (s *Store) summary(userID string) models.UserSummary {
	u := s.users[userID]
	return u.Summary()
}

func (s *Store) chatLocked(id string) *models.Chat {
	c, ok := s.chats[id]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(s.members[id]))
	for uid := range s.members[id] {
		ids = append(ids, uid)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.members[id][ids[i]].Before(s.members[id][ids[j]]) ||
			(s.members[id][ids[i]].Equal(s.members[id][ids[j]]) && ids[i] < ids[j])
	})
	c.Members = make([]models.UserSummary, 0, len(ids))
	for _, uid := range ids {
		c.Members = append(c.Members, s.summary(uid))
	}
	if c.LatestMessageID != "" {
		c.LatestMessage = s.messageLocked(c.LatestMessageID)
	}
	return &c
}

func (s *Store) messageLocked(id string) *models.Message {
	m, ok := s.messages[id]
	if !ok {
		return nil
	}
	sender := s.summary(m.SenderID)
	m.Sender = &sender
	m.ReadBy = []models.ReadReceipt{}
	for uid, at := range s.receipts[id] {
		m.ReadBy = append(m.ReadBy, models.ReadReceipt{
			MessageID: id,
			UserID:    uid,
			Username:  s.users[uid].Username,
			ChatID:    m.ChatID,
			ReadAt:    at,
		})
	}
	sort.Slice(m.ReadBy, func(i, j int) bool { return m.ReadBy[i].ReadAt.Before(m.ReadBy[j].ReadAt) })
	return &m
}

func (s *Store) CreateChat(_ context.Context, chat *models.Chat, memberIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateChat"); err != nil {
		return err
	}
	for _, id := range memberIDs {
		if _, ok := s.users[id]; !ok {
			return repository.ErrUserNotFound
		}
	}

	chat.UpdatedAt = chat.CreatedAt
	stored := *chat
	stored.Members = nil
	s.chats[chat.ID] = stored
	s.members[chat.ID] = make(map[string]time.Time)
	for _, id := range memberIDs {
		s.members[chat.ID][id] = chat.CreatedAt
	}
	chat.Members = s.chatLocked(chat.ID).Members
	return nil
}

func (s *Store) GetChatByID(_ context.Context, id string) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetChatByID"); err != nil {
		return nil, err
	}
	c := s.chatLocked(id)
	if c == nil {
		return nil, repository.ErrChatNotFound
	}
	return c, nil
}

func (s *Store) FindDirectChat(_ context.Context, userID1, userID2 string) (*models.Chat, error) {
	defer s.after("FindDirectChat")
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chats {
		if c.IsGroup {
			continue
		}
		_, ok1 := s.members[id][userID1]
		_, ok2 := s.members[id][userID2]
		if ok1 && ok2 {
			return s.chatLocked(id), nil
		}
	}
	return nil, repository.ErrChatNotFound
}

func (s *Store) GetUserChats(_ context.Context, userID string) ([]*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetUserChats"); err != nil {
		return nil, err
	}
	var out []*models.Chat
	for id := range s.chats {
		if _, ok := s.members[id][userID]; ok {
			out = append(out, s.chatLocked(id))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) GetUserChatIDs(_ context.Context, userID string) ([]string, error) {
	defer s.after("GetUserChatIDs")
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetUserChatIDs"); err != nil {
		return nil, err
	}
	var ids []string
	for id, m := range s.members {
		if _, ok := m[userID]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) GetMembers(_ context.Context, chatID string) ([]models.UserSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chatLocked(chatID)
	if c == nil {
		return nil, nil
	}
	return c.Members, nil
}

func (s *Store) IsMember(_ context.Context, chatID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("IsMember"); err != nil {
		return false, err
	}
	_, ok := s.members[chatID][userID]
	return ok, nil
}

func (s *Store) AddMember(_ context.Context, chatID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("AddMember"); err != nil {
		return err
	}
	c, ok := s.chats[chatID]
	if !ok {
		return repository.ErrChatNotFound
	}
	if _, ok := s.users[userID]; !ok {
		return repository.ErrUserNotFound
	}
	if _, ok := s.members[chatID][userID]; ok {
		return repository.ErrAlreadyMember
	}
	s.members[chatID][userID] = at
	c.UpdatedAt = at
	s.chats[chatID] = c
	return nil
}

func (s *Store) RemoveMember(_ context.Context, chatID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("RemoveMember"); err != nil {
		return err
	}
	if _, ok := s.members[chatID][userID]; !ok {
		return repository.ErrNotMember
	}
	delete(s.members[chatID], userID)
	c := s.chats[chatID]
	c.UpdatedAt = at
	s.chats[chatID] = c
	return nil
}

func (s *Store) RenameChat(_ context.Context, chatID, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("RenameChat"); err != nil {
		return err
	}
	c, ok := s.chats[chatID]
	if !ok {
		return repository.ErrChatNotFound
	}
	c.Name = name
	c.UpdatedAt = at
	s.chats[chatID] = c
	return nil
}

func (s *Store) CreateMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateMessage"); err != nil {
		return err
	}
	c, ok := s.chats[msg.ChatID]
	if !ok {
		return repository.ErrChatNotFound
	}

	msg.UpdatedAt = msg.CreatedAt
	stored := *msg
	stored.Sender = nil
	stored.ReadBy = nil
	stored.TempID = ""
	s.messages[msg.ID] = stored
	s.byChat[msg.ChatID] = append(s.byChat[msg.ChatID], msg.ID)
	s.receipts[msg.ID] = map[string]time.Time{msg.SenderID: msg.CreatedAt}

	c.LatestMessageID = msg.ID
	c.UpdatedAt = msg.CreatedAt
	s.chats[msg.ChatID] = c

	msg.ReadBy = []models.ReadReceipt{{
		MessageID: msg.ID,
		UserID:    msg.SenderID,
		Username:  s.users[msg.SenderID].Username,
		ChatID:    msg.ChatID,
		ReadAt:    msg.CreatedAt,
	}}
	return nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetMessage"); err != nil {
		return nil, err
	}
	m := s.messageLocked(id)
	if m == nil {
		return nil, repository.ErrMessageNotFound
	}
	return m, nil
}

func (s *Store) GetChatMessages(_ context.Context, chatID string, limit int, beforeMessageID string) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetChatMessages"); err != nil {
		return nil, err
	}
	ids := s.byChat[chatID]
	end := len(ids)
	if beforeMessageID != "" {
		end = 0
		for i, id := range ids {
			if id == beforeMessageID {
				end = i
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	out := make([]*models.Message, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, s.messageLocked(id))
	}
	return out, nil
}

func (s *Store) CreateReadReceipt(_ context.Context, messageID, userID string, at time.Time) (*models.ReadReceipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateReadReceipt"); err != nil {
		return nil, false, err
	}
	if _, ok := s.messages[messageID]; !ok {
		return nil, false, repository.ErrMessageNotFound
	}
	if existing, ok := s.receipts[messageID][userID]; ok {
		return &models.ReadReceipt{MessageID: messageID, UserID: userID, ReadAt: existing}, false, nil
	}
	s.receipts[messageID][userID] = at
	return &models.ReadReceipt{MessageID: messageID, UserID: userID, ReadAt: at}, true, nil
}

func (s *Store) MarkChatRead(_ context.Context, chatID, userID string, at time.Time) ([]models.ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("MarkChatRead"); err != nil {
		return nil, err
	}
	var out []models.ReadReceipt
	for _, id := range s.byChat[chatID] {
		if _, ok := s.receipts[id][userID]; ok {
			continue
		}
		s.receipts[id][userID] = at
		out = append(out, models.ReadReceipt{MessageID: id, UserID: userID, ChatID: chatID, ReadAt: at})
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateUser"); err != nil {
		return err
	}
	for _, u := range s.users {
		if u.Username == user.Username {
			return repository.ErrDuplicateUser
		}
	}
	user.UpdatedAt = user.CreatedAt
	s.users[user.ID] = *user
	return nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetUserByID"); err != nil {
		return nil, err
	}
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &u, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (s *Store) GetUsers(_ context.Context, ids []string) ([]*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.User
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out = append(out, &u)
		}
	}
	return out, nil
}

func (s *Store) UpdateProfile(_ context.Context, userID string, update models.ProfileUpdate) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	if update.DisplayName != nil {
		u.DisplayName = *update.DisplayName
	}
	if update.Bio != nil {
		u.Bio = *update.Bio
	}
	if update.AvatarURL != nil {
		u.AvatarURL = *update.AvatarURL
	}
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return &u, nil
}

func (s *Store) SetStatus(_ context.Context, userID string, status models.UserStatus, lastSeen time.Time) error {
	defer s.after("SetStatus")
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("SetStatus"); err != nil {
		return err
	}
	u, ok := s.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.Status = status
	u.LastSeen = &lastSeen
	s.users[userID] = u
	return nil
}

func (s *Store) CreateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateSession"); err != nil {
		return err
	}
	s.sessions[session.ID] = *session
	return nil
}

func (s *Store) GetSession(_ context.Context, sid string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetSession"); err != nil {
		return nil, err
	}
	session, ok := s.sessions[sid]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	return &session, nil
}

func (s *Store) DeleteSession(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sid)
	return nil
}

func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for sid, session := range s.sessions {
		if session.Expired(now) {
			delete(s.sessions, sid)
			n++
		}
	}
	return n, nil
}
