package httpapi

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"metachat/messaging-service/internal/apperr"
	"metachat/messaging-service/internal/auth"
	"metachat/messaging-service/internal/models"
	"metachat/messaging-service/internal/service"
)

var errInvalidBody = apperr.Validation("invalid request body")

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":      "healthy",
		"connections": s.registry.Len(),
	})
}

func (s *Server) register(c *fiber.Ctx) error {
	var req auth.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return errInvalidBody
	}

	user, err := s.auth.Register(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(user)
}

func (s *Server) login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return errInvalidBody
	}

	result, err := s.auth.Login(c.UserContext(), req.Username, req.Password)
	if err != nil {
		return err
	}

	c.Cookie(&fiber.Cookie{
		Name:     cookieName,
		Value:    result.Token,
		Expires:  result.ExpiresAt,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return c.JSON(result)
}

func (s *Server) logout(c *fiber.Ctx) error {
	if err := s.auth.Logout(c.UserContext(), credential(c)); err != nil {
		return err
	}

	c.Cookie(&fiber.Cookie{
		Name:     cookieName,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HTTPOnly: true,
	})
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) listChats(c *fiber.Ctx) error {
	chats, err := s.chats.GetUserChats(c.UserContext(), currentUser(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"chats": chats})
}

func (s *Server) createChat(c *fiber.Ctx) error {
	var req service.CreateChatRequest
	if err := c.BodyParser(&req); err != nil {
		return errInvalidBody
	}
	req.CreatorID = currentUser(c)

	chat, err := s.chats.CreateChat(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(chat)
}

func (s *Server) chatMessages(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	messages, err := s.chats.GetHistory(c.UserContext(), currentUser(c), c.Params("id"), limit, c.Query("before"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"messages": messages})
}

func (s *Server) updateProfile(c *fiber.Ctx) error {
	var update models.ProfileUpdate
	if err := c.BodyParser(&update); err != nil {
		return errInvalidBody
	}

	user, err := s.chats.UpdateProfile(c.UserContext(), currentUser(c), update)
	if err != nil {
		return err
	}
	return c.JSON(user)
}
