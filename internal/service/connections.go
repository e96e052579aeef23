package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"metachat/messaging-service/internal/apperr"
	"metachat/messaging-service/internal/models"
	"metachat/messaging-service/internal/registry"
)

// Connect admits an authenticated connection: it joins the rooms of every chat the user
// belongs to, registers the connection and runs the presence transition.
//
// Membership is read twice, before and after registration. Chats that appear in only one
// read are settled inside their chat lane, where they cannot race a concurrent add or remove.
func (s *chatService) Connect(ctx context.Context, conn registry.Conn) error {
	userID := conn.UserID()
	fields := logrus.Fields{"user_id": userID, "conn_id": conn.ID()}

	before, err := s.chats.GetUserChatIDs(ctx, userID)
	if err != nil {
		return s.storageError("failed to load chats", err, fields)
	}
	s.rooms.Open(conn)
	for _, chatID := range before {
		s.rooms.Subscribe(conn, chatID)
	}

	if err := s.presence.Attach(ctx, conn); err != nil {
		s.rooms.UnsubscribeAll(conn)
		return apperr.Wrap(errCancelled, err)
	}

	after, err := s.chats.GetUserChatIDs(ctx, userID)
	if err != nil {
		s.Disconnect(ctx, conn)
		return s.storageError("failed to load chats", err, fields)
	}

	for _, chatID := range symmetricDifference(before, after) {
		if err := s.settle(ctx, conn, chatID); err != nil {
			s.Disconnect(ctx, conn)
			return err
		}
	}

	s.logger.WithFields(fields).WithField("rooms", len(after)).Info("Connection admitted")
	return nil
}

// settle subscribes or unsubscribes conn according to the membership the chat lane sees.
func (s *chatService) settle(ctx context.Context, conn registry.Conn, chatID string) error {
	return s.inChat(ctx, chatID, func() error {
		ok, err := s.chats.IsMember(ctx, chatID, conn.UserID())
		if err != nil {
			return s.storageError("failed to check membership", err, logrus.Fields{
				"chat_id": chatID,
				"user_id": conn.UserID(),
			})
		}
		if ok {
			s.rooms.Subscribe(conn, chatID)
		} else {
			s.rooms.Unsubscribe(conn, chatID)
		}
		return nil
	})
}

// Disconnect leaves every room, then unregisters the connection and runs the presence
// transition. It completes even if ctx is already cancelled. Leaving the rooms also closes
// the connection to subscriptions, so a membership change that still sees it registered
// cannot put it back into a room.
func (s *chatService) Disconnect(ctx context.Context, conn registry.Conn) {
	ctx = context.WithoutCancel(ctx)

	left := s.rooms.UnsubscribeAll(conn)
	if err := s.presence.Detach(ctx, conn); err != nil {
		s.logger.WithError(err).WithField("user_id", conn.UserID()).Error("Failed to detach connection")
	}

	s.logger.WithFields(logrus.Fields{
		"user_id": conn.UserID(),
		"conn_id": conn.ID(),
		"rooms":   len(left),
	}).Info("Connection closed")
}

// SetPresence lets a connected user switch between online and away.
func (s *chatService) SetPresence(ctx context.Context, userID string, status models.UserStatus) error {
	switch status {
	case models.StatusAway, models.StatusOnline:
	default:
		return apperr.Validation("status must be online or away")
	}

	if err := s.presence.SetAway(ctx, userID, status == models.StatusAway); err != nil {
		return apperr.Wrap(errCancelled, err)
	}
	return nil
}

func symmetricDifference(a, b []string) []string {
	inA := make(map[string]bool, len(a))
	for _, id := range a {
		inA[id] = true
	}
	inB := make(map[string]bool, len(b))
	for _, id := range b {
		inB[id] = true
	}

	var out []string
	for _, id := range a {
		if !inB[id] {
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !inA[id] {
			out = append(out, id)
		}
	}
	return out
}
