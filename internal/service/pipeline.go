package service

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"metachat/messaging-service/internal/apperr"
	"metachat/messaging-service/internal/models"
)

// SendMessage persists a message with the sender's own receipt and moves the chat's latest
// pointer, then fans the message out to the chat's room. Nothing is broadcast unless every
// write succeeded.
func (s *chatService) SendMessage(ctx context.Context, req SendMessageRequest) (*models.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, apperr.Validation("message content cannot be empty")
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		return nil, apperr.Validation("message content is too long")
	}

	var msg *models.Message
	err := s.inChat(ctx, req.ChatID, func() error {
		if err := s.requireMember(ctx, req.ChatID, req.SenderID); err != nil {
			return err
		}

		sender, err := s.users.GetUserByID(ctx, req.SenderID)
		if err != nil {
			return s.storageError("failed to load sender", err, logrus.Fields{"sender_id": req.SenderID})
		}
		summary := sender.Summary()

		msg = &models.Message{
			ID:        uuid.New().String(),
			ChatID:    req.ChatID,
			SenderID:  req.SenderID,
			Sender:    &summary,
			Content:   content,
			CreatedAt: s.timestamp(),
		}
		if err := s.chats.CreateMessage(ctx, msg); err != nil {
			return s.storageError("failed to send message", err, logrus.Fields{
				"chat_id":   req.ChatID,
				"sender_id": req.SenderID,
			})
		}
		msg.TempID = req.TempID

		recipients := s.rooms.Broadcast(req.ChatID, models.Event{Name: models.EventMessageNew, Data: msg})

		s.logger.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"chat_id":    req.ChatID,
			"sender_id":  req.SenderID,
			"recipients": recipients,
		}).Info("Message sent")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}
