package service

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"metachat/messaging-service/internal/apperr"
	"metachat/messaging-service/internal/models"
	"metachat/messaging-service/internal/repository"
)

// MarkRead records that the user has read a message and tells the room. The event is sent
// whether or not the receipt already existed, so clients may retry freely.
func (s *chatService) MarkRead(ctx context.Context, req MarkReadRequest) (*models.ReadReceipt, error) {
	if req.MessageID == "" {
		return nil, apperr.Validation("messageId is required")
	}

	var receipt *models.ReadReceipt
	err := s.inChat(ctx, req.ChatID, func() error {
		if err := s.requireMember(ctx, req.ChatID, req.UserID); err != nil {
			return err
		}

		msg, err := s.chats.GetMessage(ctx, req.MessageID)
		if err != nil {
			if errors.Is(err, repository.ErrMessageNotFound) {
				return errMessageNotFound
			}
			return s.storageError("failed to load message", err, logrus.Fields{"message_id": req.MessageID})
		}
		if msg.ChatID != req.ChatID {
			return apperr.Validation("message does not belong to this chat")
		}

		stored, created, err := s.chats.CreateReadReceipt(ctx, req.MessageID, req.UserID, s.timestamp())
		if err != nil {
			return s.storageError("failed to mark message as read", err, logrus.Fields{
				"message_id": req.MessageID,
				"user_id":    req.UserID,
			})
		}
		stored.ChatID = req.ChatID
		stored.Username = s.username(ctx, req.UserID)
		receipt = stored

		s.rooms.Broadcast(req.ChatID, models.Event{Name: models.EventMessageRead, Data: *receipt})

		s.logger.WithFields(logrus.Fields{
			"message_id": req.MessageID,
			"chat_id":    req.ChatID,
			"user_id":    req.UserID,
			"created":    created,
		}).Debug("Message marked as read")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// MarkChatRead records receipts for every message in the chat the user has not read yet and
// broadcasts one event per new receipt.
func (s *chatService) MarkChatRead(ctx context.Context, chatID, userID string) (int, error) {
	var count int
	err := s.inChat(ctx, chatID, func() error {
		if err := s.requireMember(ctx, chatID, userID); err != nil {
			return err
		}

		receipts, err := s.chats.MarkChatRead(ctx, chatID, userID, s.timestamp())
		if err != nil {
			return s.storageError("failed to mark messages as read", err, logrus.Fields{
				"chat_id": chatID,
				"user_id": userID,
			})
		}
		count = len(receipts)
		if count == 0 {
			return nil
		}

		username := s.username(ctx, userID)
		for _, rr := range receipts {
			rr.ChatID = chatID
			rr.Username = username
			s.rooms.Broadcast(chatID, models.Event{Name: models.EventMessageRead, Data: rr})
		}

		s.logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"user_id": userID,
			"count":   count,
		}).Info("Messages marked as read")
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// username is a best-effort display lookup; receipts are broadcast without it on failure.
func (s *chatService) username(ctx context.Context, userID string) string {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("Failed to enrich read receipt")
		return ""
	}
	return user.Username
}
