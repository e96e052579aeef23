package httpapi

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

const (
	userIDKey    = "user_id"
	sessionIDKey = "session_id"
	cookieName   = "session"
)

// credential pulls the session token from the Authorization header, the token query
// parameter or the session cookie, in that order.
func credential(c *fiber.Ctx) string {
	if header := c.Get(fiber.HeaderAuthorization); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if token := c.Query("token"); token != "" {
		return token
	}
	return c.Cookies(cookieName)
}

// requireSession rejects requests without a live session and stores the caller's identity
// in Locals.
func (s *Server) requireSession(c *fiber.Ctx) error {
	session, err := s.auth.Authenticate(c.UserContext(), credential(c))
	if err != nil {
		return err
	}

	c.Locals(userIDKey, session.Data.UserID)
	c.Locals(sessionIDKey, session.ID)
	return c.Next()
}

func currentUser(c *fiber.Ctx) string {
	userID, _ := c.Locals(userIDKey).(string)
	return userID
}
