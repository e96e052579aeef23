package service

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"metachat/messaging-service/internal/apperr"
	"metachat/messaging-service/internal/models"
	"metachat/messaging-service/internal/repository"
)

var (
	errNotGroup       = apperr.Validation("not a group chat")
	errNotAdmin       = apperr.Authorization("only the group admin can manage this chat")
	errAlreadyMember  = apperr.Wrap(apperr.Conflict("user is already a member of this chat"), repository.ErrAlreadyMember)
	errNotMember      = apperr.Wrap(apperr.Validation("user is not a member of this chat"), repository.ErrNotMember)
	errRemovingAdmin  = apperr.Validation("the group admin cannot be removed")
	errEmptyGroupName = apperr.Validation("group name must be between 1 and 128 characters")
)

// loadGroup must run inside the chat's lane. It returns the group only if actorID is its admin.
func (s *chatService) loadGroup(ctx context.Context, actorID, chatID string) (*models.Chat, error) {
	chat, err := s.loadChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.IsGroup {
		return nil, errNotGroup
	}
	if chat.AdminID != actorID {
		return nil, errNotAdmin
	}
	return chat, nil
}

func (s *chatService) RenameGroup(ctx context.Context, actorID, chatID, name string) (*models.Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxChatNameLength {
		return nil, errEmptyGroupName
	}

	var chat *models.Chat
	err := s.inChat(ctx, chatID, func() error {
		var err error
		chat, err = s.loadGroup(ctx, actorID, chatID)
		if err != nil {
			return err
		}

		now := s.timestamp()
		if err := s.chats.RenameChat(ctx, chatID, name, now); err != nil {
			return s.storageError("failed to rename group", err, logrus.Fields{"chat_id": chatID})
		}
		chat.Name = name
		chat.UpdatedAt = now

		s.rooms.Broadcast(chatID, models.Event{
			Name: models.EventGroupRenamed,
			Data: models.GroupRenamedEvent{ChatID: chatID, Name: name},
		})

		s.logger.WithFields(logrus.Fields{
			"chat_id":  chatID,
			"admin_id": actorID,
		}).Info("Group renamed")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// AddMember adds userID to the group and joins their live connections to the room before
// announcing it, so the new member sees the event too.
func (s *chatService) AddMember(ctx context.Context, actorID, chatID, userID string) (*models.Chat, error) {
	if userID == "" {
		return nil, apperr.Validation("userId is required")
	}

	var chat *models.Chat
	err := s.inChat(ctx, chatID, func() error {
		var err error
		chat, err = s.loadGroup(ctx, actorID, chatID)
		if err != nil {
			return err
		}
		if chat.HasMember(userID) {
			return errAlreadyMember
		}

		user, err := s.users.GetUserByID(ctx, userID)
		if err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				return errUserNotFound
			}
			return s.storageError("failed to load user", err, logrus.Fields{"user_id": userID})
		}

		now := s.timestamp()
		if err := s.chats.AddMember(ctx, chatID, userID, now); err != nil {
			if errors.Is(err, repository.ErrAlreadyMember) {
				return errAlreadyMember
			}
			return s.storageError("failed to add member", err, logrus.Fields{
				"chat_id": chatID,
				"user_id": userID,
			})
		}
		summary := user.Summary()
		chat.Members = append(chat.Members, summary)
		chat.UpdatedAt = now

		s.subscribeUser(userID, chatID)
		s.rooms.Broadcast(chatID, models.Event{
			Name: models.EventGroupMemberAdded,
			Data: models.MemberAddedEvent{ChatID: chatID, User: summary},
		})

		s.logger.WithFields(logrus.Fields{
			"chat_id":  chatID,
			"admin_id": actorID,
			"user_id":  userID,
		}).Info("Group member added")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// RemoveMember deletes userID's membership and announces it before the removed member's
// connections leave the room. The admin cannot be removed, so a group always keeps a member.
func (s *chatService) RemoveMember(ctx context.Context, actorID, chatID, userID string) (*models.Chat, error) {
	if userID == "" {
		return nil, apperr.Validation("userId is required")
	}

	var chat *models.Chat
	err := s.inChat(ctx, chatID, func() error {
		var err error
		chat, err = s.loadGroup(ctx, actorID, chatID)
		if err != nil {
			return err
		}
		if userID == chat.AdminID {
			return errRemovingAdmin
		}
		if !chat.HasMember(userID) {
			return errNotMember
		}

		now := s.timestamp()
		if err := s.chats.RemoveMember(ctx, chatID, userID, now); err != nil {
			if errors.Is(err, repository.ErrNotMember) {
				return errNotMember
			}
			return s.storageError("failed to remove member", err, logrus.Fields{
				"chat_id": chatID,
				"user_id": userID,
			})
		}
		members := chat.Members[:0]
		for _, m := range chat.Members {
			if m.ID != userID {
				members = append(members, m)
			}
		}
		chat.Members = members
		chat.UpdatedAt = now

		s.rooms.Broadcast(chatID, models.Event{
			Name: models.EventGroupMemberRemoved,
			Data: models.MemberRemovedEvent{ChatID: chatID, UserID: userID},
		})
		s.unsubscribeUser(userID, chatID)

		s.logger.WithFields(logrus.Fields{
			"chat_id":  chatID,
			"admin_id": actorID,
			"user_id":  userID,
		}).Info("Group member removed")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}
