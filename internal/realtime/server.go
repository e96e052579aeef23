package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"metachat/messaging-service/internal/apperr"
	"metachat/messaging-service/internal/config"
	"metachat/messaging-service/internal/models"
	"metachat/messaging-service/internal/service"
)

type Server struct {
	svc        service.ChatService
	dispatcher *Dispatcher
	cfg        config.RealtimeConfig
	logger     *logrus.Logger
}

func NewServer(svc service.ChatService, cfg config.RealtimeConfig, logger *logrus.Logger) *Server {
	return &Server{
		svc:        svc,
		dispatcher: NewDispatcher(svc, logger),
		cfg:        cfg,
		logger:     logger,
	}
}

// Serve runs an authenticated connection for userID until it closes. It blocks for the
// lifetime of the connection.
func (s *Server) Serve(ctx context.Context, userID string, conn WSConn) {
	var limiter *rate.Limiter
	if s.cfg.EventsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.EventsPerSecond), s.cfg.Burst)
	}
	client := newClient(userID, conn, s.cfg.SendBuffer, limiter, s.logger)

	if err := s.svc.Connect(ctx, client); err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Failed to admit connection")
		rejectAndClose(conn, err)
		return
	}

	writerDone := make(chan struct{})
	go func() {
		client.writePump()
		close(writerDone)
	}()

	client.readPump(ctx, s.cfg.MaxMessageSize, s.dispatcher.Handle)

	s.svc.Disconnect(ctx, client)
	client.Close()
	<-writerDone
}

// rejectAndClose writes one error event directly, for connections that never got a pump.
func rejectAndClose(conn WSConn, err error) {
	data, _ := json.Marshal(models.Event{
		Name: models.EventError,
		Data: models.ErrorEvent{
			Message: apperr.Message(err),
			Code:    string(apperr.KindOf(err)),
		},
	})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, data)
	_ = conn.Close()
}
