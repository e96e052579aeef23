// Package httpapi exposes the REST surface and the authenticated websocket upgrade.
package httpapi

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"metachat/messaging-service/internal/apperr"
	"metachat/messaging-service/internal/auth"
	"metachat/messaging-service/internal/config"
	"metachat/messaging-service/internal/realtime"
	"metachat/messaging-service/internal/registry"
	"metachat/messaging-service/internal/service"
)

const authRequestsPerMinute = 30

type Server struct {
	app      *fiber.App
	auth     *auth.Service
	chats    service.ChatService
	realtime *realtime.Server
	registry *registry.Registry
	logger   *logrus.Logger

	// base outlives individual requests; websocket sessions run under it.
	base context.Context
}

func NewServer(
	ctx context.Context,
	authSvc *auth.Service,
	chats service.ChatService,
	rt *realtime.Server,
	reg *registry.Registry,
	cfg config.HTTPConfig,
	logger *logrus.Logger,
) *Server {
	s := &Server{
		auth:     authSvc,
		chats:    chats,
		realtime: rt,
		registry: reg,
		logger:   logger,
		base:     ctx,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "Metachat Messaging",
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})

	s.app.Use(recover.New())
	s.app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} ${method} ${path} ${latency}\n",
		Output: logger.Writer(),
	}))
	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     "GET,POST,PUT,OPTIONS",
		AllowHeaders:     "Content-Type,Authorization",
		AllowCredentials: true,
	}))

	s.registerRoutes()
	return s
}

func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.health)

	authGroup := s.app.Group("/api/auth", limiter.New(limiter.Config{
		Max:        authRequestsPerMinute,
		Expiration: time.Minute,
	}))
	authGroup.Post("/register", s.register)
	authGroup.Post("/login", s.login)
	authGroup.Post("/logout", s.logout)

	api := s.app.Group("/api")
	api.Get("/chats", s.requireSession, s.listChats)
	api.Post("/chats", s.requireSession, s.createChat)
	api.Get("/chats/:id/messages", s.requireSession, s.chatMessages)
	api.Put("/profile", s.requireSession, s.updateProfile)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", s.requireSession, websocket.New(s.serveWS))
}

func (s *Server) serveWS(c *websocket.Conn) {
	userID, _ := c.Locals(userIDKey).(string)
	s.realtime.Serve(s.base, userID, c)
}

// errorHandler renders every failure as {"error": msg} with a status derived from its kind.
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal server error"

	var fe *fiber.Error
	var ae *apperr.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
		message = fe.Message
	case errors.As(err, &ae):
		code = statusFor(ae.Kind)
		message = apperr.Message(err)
	}

	if code >= fiber.StatusInternalServerError {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"method": c.Method(),
			"path":   c.Path(),
		}).Error("HTTP request failed")
	}

	return c.Status(code).JSON(fiber.Map{
		"error": message,
	})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindAuthentication:
		return fiber.StatusUnauthorized
	case apperr.KindAuthorization:
		return fiber.StatusForbidden
	case apperr.KindValidation:
		return fiber.StatusBadRequest
	case apperr.KindConflict:
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}
