package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"metachat/messaging-service/internal/apperr"
	"metachat/messaging-service/internal/models"
	"metachat/messaging-service/internal/registry"
	"metachat/messaging-service/internal/service"
)

var errInternal = apperr.Storage("internal server error", nil)

// Dispatcher routes client events to the chat service. Every failure becomes a single error
// event to the issuing connection.
type Dispatcher struct {
	svc    service.ChatService
	logger *logrus.Logger
}

func NewDispatcher(svc service.ChatService, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		svc:    svc,
		logger: logger,
	}
}

// Handle processes one inbound event for conn. It never panics.
func (d *Dispatcher) Handle(ctx context.Context, conn registry.Conn, ev models.InboundEvent) {
	var tempID string
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithFields(logrus.Fields{
				"user_id": conn.UserID(),
				"event":   ev.Name,
				"panic":   fmt.Sprint(r),
			}).Error("Recovered from panic while handling event")
			reportError(conn, ev.Name, tempID, errInternal)
		}
	}()

	var err error
	switch ev.Name {
	case models.EventMessageSend:
		var p models.SendMessagePayload
		if err = decode(ev.Data, &p); err == nil {
			tempID = p.TempID
			_, err = d.svc.SendMessage(ctx, service.SendMessageRequest{
				ChatID:   p.ChatID,
				SenderID: conn.UserID(),
				Content:  p.Content,
				TempID:   p.TempID,
			})
		}

	case models.EventMessageRead:
		var p models.ReadMessagePayload
		if err = decode(ev.Data, &p); err == nil {
			if p.UserID != "" && p.UserID != conn.UserID() {
				err = apperr.Authorization("cannot mark messages as read for another user")
				break
			}
			_, err = d.svc.MarkRead(ctx, service.MarkReadRequest{
				MessageID: p.MessageID,
				ChatID:    p.ChatID,
				UserID:    conn.UserID(),
			})
		}

	case models.EventGroupRename:
		var p models.RenameGroupPayload
		if err = decode(ev.Data, &p); err == nil {
			_, err = d.svc.RenameGroup(ctx, conn.UserID(), p.ChatID, p.Name)
		}

	case models.EventGroupAddMember:
		var p models.GroupMemberPayload
		if err = decode(ev.Data, &p); err == nil {
			_, err = d.svc.AddMember(ctx, conn.UserID(), p.ChatID, p.UserID)
		}

	case models.EventGroupRemoveMember:
		var p models.GroupMemberPayload
		if err = decode(ev.Data, &p); err == nil {
			_, err = d.svc.RemoveMember(ctx, conn.UserID(), p.ChatID, p.UserID)
		}

	case models.EventPresenceSet:
		var p models.PresencePayload
		if err = decode(ev.Data, &p); err == nil {
			err = d.svc.SetPresence(ctx, conn.UserID(), p.Status)
		}

	default:
		err = apperr.Validation("unknown event: " + ev.Name)
	}

	if err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": conn.UserID(),
			"event":   ev.Name,
			"kind":    apperr.KindOf(err),
		}).Debug("Event rejected")
		reportError(conn, ev.Name, tempID, err)
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return apperr.Validation("missing event payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Validation("invalid event payload")
	}
	return nil
}

func reportError(conn registry.Conn, event, tempID string, err error) {
	conn.Send(models.Event{
		Name: models.EventError,
		Data: models.ErrorEvent{
			Message: apperr.Message(err),
			Code:    string(apperr.KindOf(err)),
			Event:   event,
			TempID:  tempID,
		},
	})
}
