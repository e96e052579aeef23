package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"metachat/messaging-service/internal/models"
)

type ChatRepository interface {
	CreateChat(ctx context.Context, chat *models.Chat, memberIDs []string) error
	GetChatByID(ctx context.Context, id string) (*models.Chat, error)
	FindDirectChat(ctx context.Context, userID1, userID2 string) (*models.Chat, error)
	GetUserChats(ctx context.Context, userID string) ([]*models.Chat, error)
	GetUserChatIDs(ctx context.Context, userID string) ([]string, error)
	GetMembers(ctx context.Context, chatID string) ([]models.UserSummary, error)
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
	AddMember(ctx context.Context, chatID, userID string, at time.Time) error
	RemoveMember(ctx context.Context, chatID, userID string, at time.Time) error
	RenameChat(ctx context.Context, chatID, name string, at time.Time) error
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetChatMessages(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]*models.Message, error)
	CreateReadReceipt(ctx context.Context, messageID, userID string, at time.Time) (*models.ReadReceipt, bool, error)
	MarkChatRead(ctx context.Context, chatID, userID string, at time.Time) ([]models.ReadReceipt, error)
}

type chatRepository struct {
	db *sql.DB
}

func NewChatRepository(db *sql.DB) ChatRepository {
	return &chatRepository{
		db: db,
	}
}

const chatColumns = `c.id, COALESCE(c.name, ''), c.is_group, COALESCE(c.admin_id::text, ''),
	COALESCE(c.latest_message_id::text, ''), c.created_at, c.updated_at`

const summaryColumns = `u.id, u.username, u.display_name, COALESCE(u.avatar_url, ''), u.status`

const messageColumns = `m.id, m.chat_id, m.sender_id, m.content, m.created_at, m.updated_at, ` + summaryColumns

func scanChat(row scanner) (*models.Chat, error) {
	var chat models.Chat
	err := row.Scan(
		&chat.ID, &chat.Name, &chat.IsGroup, &chat.AdminID,
		&chat.LatestMessageID, &chat.CreatedAt, &chat.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var msg models.Message
	var sender models.UserSummary
	err := row.Scan(
		&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &msg.CreatedAt, &msg.UpdatedAt,
		&sender.ID, &sender.Username, &sender.DisplayName, &sender.AvatarURL, &sender.Status,
	)
	if err != nil {
		return nil, err
	}
	msg.Sender = &sender
	msg.ReadBy = []models.ReadReceipt{}
	return &msg, nil
}

func (r *chatRepository) CreateChat(ctx context.Context, chat *models.Chat, memberIDs []string) error {
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		query := `
		INSERT INTO chats (id, name, is_group, admin_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING created_at, updated_at
		`
		err := tx.QueryRowContext(ctx, query,
			chat.ID, nullString(chat.Name), chat.IsGroup, nullString(chat.AdminID), chat.CreatedAt,
		).Scan(&chat.CreatedAt, &chat.UpdatedAt)
		if err != nil {
			return err
		}

		membersQuery := `
		INSERT INTO chat_members (chat_id, user_id, joined_at)
		SELECT $1, member_id, $3 FROM unnest($2::uuid[]) AS member_id
		`
		_, err = tx.ExecContext(ctx, membersQuery, chat.ID, pq.Array(memberIDs), chat.CreatedAt)
		return err
	})
	if err != nil {
		return err
	}

	members, err := r.GetMembers(ctx, chat.ID)
	if err != nil {
		return err
	}
	chat.Members = members
	return nil
}

func (r *chatRepository) GetChatByID(ctx context.Context, id string) (*models.Chat, error) {
	if !validID(id) {
		return nil, ErrChatNotFound
	}
	query := `SELECT ` + chatColumns + ` FROM chats c WHERE c.id = $1`

	chat, err := scanChat(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}

	members, err := r.GetMembers(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	chat.Members = members
	return chat, nil
}

func (r *chatRepository) FindDirectChat(ctx context.Context, userID1, userID2 string) (*models.Chat, error) {
	if !validID(userID1, userID2) {
		return nil, ErrChatNotFound
	}
	query := `
	SELECT ` + chatColumns + `
	FROM chats c
	WHERE c.is_group = FALSE
		AND EXISTS (SELECT 1 FROM chat_members m WHERE m.chat_id = c.id AND m.user_id = $1)
		AND EXISTS (SELECT 1 FROM chat_members m WHERE m.chat_id = c.id AND m.user_id = $2)
	LIMIT 1
	`

	chat, err := scanChat(r.db.QueryRowContext(ctx, query, userID1, userID2))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}

	members, err := r.GetMembers(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	chat.Members = members
	return chat, nil
}

func (r *chatRepository) GetUserChats(ctx context.Context, userID string) ([]*models.Chat, error) {
	if !validID(userID) {
		return nil, nil
	}
	query := `
	SELECT ` + chatColumns + `
	FROM chats c
	JOIN chat_members cm ON cm.chat_id = c.id
	WHERE cm.user_id = $1
	ORDER BY c.updated_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []*models.Chat
	var chatIDs, latestIDs []string
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
		chatIDs = append(chatIDs, chat.ID)
		if chat.LatestMessageID != "" {
			latestIDs = append(latestIDs, chat.LatestMessageID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(chats) == 0 {
		return chats, nil
	}

	members, err := r.membersByChat(ctx, chatIDs)
	if err != nil {
		return nil, err
	}
	latest, err := r.messagesByID(ctx, latestIDs)
	if err != nil {
		return nil, err
	}

	for _, chat := range chats {
		chat.Members = members[chat.ID]
		chat.LatestMessage = latest[chat.LatestMessageID]
	}
	return chats, nil
}

func (r *chatRepository) GetUserChatIDs(ctx context.Context, userID string) ([]string, error) {
	if !validID(userID) {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `SELECT chat_id FROM chat_members WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *chatRepository) GetMembers(ctx context.Context, chatID string) ([]models.UserSummary, error) {
	if !validID(chatID) {
		return nil, nil
	}
	members, err := r.membersByChat(ctx, []string{chatID})
	if err != nil {
		return nil, err
	}
	return members[chatID], nil
}

func (r *chatRepository) membersByChat(ctx context.Context, chatIDs []string) (map[string][]models.UserSummary, error) {
	query := `
	SELECT cm.chat_id, ` + summaryColumns + `
	FROM chat_members cm
	JOIN users u ON u.id = cm.user_id
	WHERE cm.chat_id = ANY($1)
	ORDER BY cm.joined_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(chatIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]models.UserSummary, len(chatIDs))
	for rows.Next() {
		var chatID string
		var s models.UserSummary
		if err := rows.Scan(&chatID, &s.ID, &s.Username, &s.DisplayName, &s.AvatarURL, &s.Status); err != nil {
			return nil, err
		}
		out[chatID] = append(out[chatID], s)
	}
	return out, rows.Err()
}

func (r *chatRepository) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	if !validID(chatID, userID) {
		return false, nil
	}
	query := `SELECT EXISTS (SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2)`

	var ok bool
	if err := r.db.QueryRowContext(ctx, query, chatID, userID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (r *chatRepository) AddMember(ctx context.Context, chatID, userID string, at time.Time) error {
	if !validID(chatID) {
		return ErrChatNotFound
	}
	if !validID(userID) {
		return ErrUserNotFound
	}
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chat_members (chat_id, user_id, joined_at) VALUES ($1, $2, $3)`,
			chatID, userID, at,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyMember
			}
			return err
		}
		return touchChat(ctx, tx, chatID, at)
	})
}

func (r *chatRepository) RemoveMember(ctx context.Context, chatID, userID string, at time.Time) error {
	if !validID(chatID, userID) {
		return ErrNotMember
	}
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM chat_members WHERE chat_id = $1 AND user_id = $2`,
			chatID, userID,
		)
		if err != nil {
			return err
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rowsAffected == 0 {
			return ErrNotMember
		}
		return touchChat(ctx, tx, chatID, at)
	})
}

func (r *chatRepository) RenameChat(ctx context.Context, chatID, name string, at time.Time) error {
	if !validID(chatID) {
		return ErrChatNotFound
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE chats SET name = $2, updated_at = $3 WHERE id = $1`,
		chatID, name, at,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrChatNotFound
	}
	return nil
}

func touchChat(ctx context.Context, tx *sql.Tx, chatID string, at time.Time) error {
	result, err := tx.ExecContext(ctx, `UPDATE chats SET updated_at = $2 WHERE id = $1`, chatID, at)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrChatNotFound
	}
	return nil
}

// CreateMessage stores the message, the sender's own receipt and the chat's latest-message
// pointer in a single transaction.
func (r *chatRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	if !validID(msg.ChatID) {
		return ErrChatNotFound
	}
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		query := `
		INSERT INTO messages (id, chat_id, sender_id, content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING created_at, updated_at
		`
		err := tx.QueryRowContext(ctx, query,
			msg.ID, msg.ChatID, msg.SenderID, msg.Content, msg.CreatedAt,
		).Scan(&msg.CreatedAt, &msg.UpdatedAt)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO read_receipts (message_id, user_id, read_at) VALUES ($1, $2, $3)`,
			msg.ID, msg.SenderID, msg.CreatedAt,
		)
		if err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE chats SET latest_message_id = $2, updated_at = $3 WHERE id = $1`,
			msg.ChatID, msg.ID, msg.CreatedAt,
		)
		if err != nil {
			return err
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rowsAffected == 0 {
			return ErrChatNotFound
		}

		msg.ReadBy = []models.ReadReceipt{{
			MessageID: msg.ID,
			UserID:    msg.SenderID,
			ChatID:    msg.ChatID,
			ReadAt:    msg.CreatedAt,
		}}
		if msg.Sender != nil {
			msg.ReadBy[0].Username = msg.Sender.Username
		}
		return nil
	})
}

func (r *chatRepository) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	if !validID(id) {
		return nil, ErrMessageNotFound
	}
	query := `SELECT ` + messageColumns + ` FROM messages m JOIN users u ON u.id = m.sender_id WHERE m.id = $1`

	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return msg, nil
}

func (r *chatRepository) GetChatMessages(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]*models.Message, error) {
	if !validID(chatID) || (beforeMessageID != "" && !validID(beforeMessageID)) {
		return nil, nil
	}

	var query string
	var args []interface{}

	if beforeMessageID != "" {
		query = `
		SELECT ` + messageColumns + `
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.chat_id = $1
			AND m.created_at < (SELECT created_at FROM messages WHERE id = $2)
		ORDER BY m.created_at DESC
		LIMIT $3
		`
		args = []interface{}{chatID, beforeMessageID, limit}
	} else {
		query = `
		SELECT ` + messageColumns + `
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.chat_id = $1
		ORDER BY m.created_at DESC
		LIMIT $2
		`
		args = []interface{}{chatID, limit}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	var ids []string
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
		ids = append(ids, msg.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	receipts, err := r.receiptsByMessage(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, msg := range messages {
		if rr, ok := receipts[msg.ID]; ok {
			msg.ReadBy = rr
		}
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *chatRepository) messagesByID(ctx context.Context, ids []string) (map[string]*models.Message, error) {
	out := make(map[string]*models.Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `SELECT ` + messageColumns + ` FROM messages m JOIN users u ON u.id = m.sender_id WHERE m.id = ANY($1)`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out[msg.ID] = msg
	}
	return out, rows.Err()
}

func (r *chatRepository) receiptsByMessage(ctx context.Context, messageIDs []string) (map[string][]models.ReadReceipt, error) {
	out := make(map[string][]models.ReadReceipt, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	query := `
	SELECT r.message_id, r.user_id, u.username, m.chat_id, r.read_at
	FROM read_receipts r
	JOIN users u ON u.id = r.user_id
	JOIN messages m ON m.id = r.message_id
	WHERE r.message_id = ANY($1)
	ORDER BY r.read_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(messageIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var rr models.ReadReceipt
		if err := rows.Scan(&rr.MessageID, &rr.UserID, &rr.Username, &rr.ChatID, &rr.ReadAt); err != nil {
			return nil, err
		}
		out[rr.MessageID] = append(out[rr.MessageID], rr)
	}
	return out, rows.Err()
}

// CreateReadReceipt inserts the receipt unless one already exists. The stored receipt is
// returned in both cases; created reports whether this call wrote it.
func (r *chatRepository) CreateReadReceipt(ctx context.Context, messageID, userID string, at time.Time) (*models.ReadReceipt, bool, error) {
	if !validID(messageID) {
		return nil, false, ErrMessageNotFound
	}
	if !validID(userID) {
		return nil, false, ErrUserNotFound
	}

	query := `
	INSERT INTO read_receipts (message_id, user_id, read_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (message_id, user_id) DO NOTHING
	RETURNING read_at
	`

	receipt := &models.ReadReceipt{MessageID: messageID, UserID: userID}
	err := r.db.QueryRowContext(ctx, query, messageID, userID, at).Scan(&receipt.ReadAt)
	if err == nil {
		return receipt, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT read_at FROM read_receipts WHERE message_id = $1 AND user_id = $2`,
		messageID, userID,
	).Scan(&receipt.ReadAt)
	if err != nil {
		return nil, false, err
	}
	return receipt, false, nil
}

func (r *chatRepository) MarkChatRead(ctx context.Context, chatID, userID string, at time.Time) ([]models.ReadReceipt, error) {
	if !validID(chatID, userID) {
		return nil, nil
	}

	query := `
	INSERT INTO read_receipts (message_id, user_id, read_at)
	SELECT m.id, $2, $3 FROM messages m WHERE m.chat_id = $1
	ON CONFLICT (message_id, user_id) DO NOTHING
	RETURNING message_id, read_at
	`

	rows, err := r.db.QueryContext(ctx, query, chatID, userID, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []models.ReadReceipt
	for rows.Next() {
		rr := models.ReadReceipt{UserID: userID, ChatID: chatID}
		if err := rows.Scan(&rr.MessageID, &rr.ReadAt); err != nil {
			return nil, err
		}
		receipts = append(receipts, rr)
	}
	return receipts, rows.Err()
}
