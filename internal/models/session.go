package models

import (
	"time"
)

// SessionData is the serialized payload stored in the sessions table.
type SessionData struct {
	UserID string `json:"userId"`
}

type Session struct {
	ID     string      `json:"sid"`
	Data   SessionData `json:"sess"`
	Expire time.Time   `json:"expire"`
}

func (s *Session) Expired(now time.Time) bool {
	return !s.Expire.After(now)
}
