// Package realtime carries the event channel: one Client per websocket connection with a
// read pump feeding the dispatcher and a write pump draining a bounded send buffer.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"metachat/messaging-service/internal/apperr"
	"metachat/messaging-service/internal/models"
	"metachat/messaging-service/internal/registry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSConn is the part of a websocket connection the client uses.
type WSConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type Client struct {
	id      string
	userID  string
	conn    WSConn
	send    chan models.Event
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	logger  *logrus.Logger
}

var _ registry.Conn = (*Client)(nil)

func newClient(userID string, conn WSConn, bufferSize int, limiter *rate.Limiter, logger *logrus.Logger) *Client {
	return &Client{
		id:      uuid.New().String(),
		userID:  userID,
		conn:    conn,
		send:    make(chan models.Event, bufferSize),
		done:    make(chan struct{}),
		limiter: limiter,
		logger:  logger,
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

// Send queues ev for the write pump. A client whose buffer is full cannot keep up and is
// closed; its reader then runs the normal disconnect path.
func (c *Client) Send(ev models.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- ev:
		return true
	default:
		c.logger.WithFields(logrus.Fields{
			"user_id": c.userID,
			"conn_id": c.id,
			"event":   ev.Name,
		}).Warn("Send buffer full, closing connection")
		c.Close()
		return false
	}
}

func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			data, err := json.Marshal(ev)
			if err != nil {
				c.logger.WithError(err).WithField("event", ev.Name).Error("Failed to encode event")
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.WithError(err).WithField("conn_id", c.id).Debug("Write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles inbound events one at a time, in arrival order, until the connection fails
// or is closed.
func (c *Client) readPump(ctx context.Context, maxMessageSize int64, dispatch func(context.Context, registry.Conn, models.InboundEvent)) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).WithField("conn_id", c.id).Warn("Unexpected websocket close")
			}
			return
		}

		var ev models.InboundEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.Name == "" {
			reportError(c, "", "", apperr.Validation("invalid event format"))
			continue
		}

		if c.limiter != nil && !c.limiter.Allow() {
			reportError(c, ev.Name, "", apperr.Validation("rate limit exceeded, please slow down"))
			continue
		}

		dispatch(ctx, c, ev)
	}
}
