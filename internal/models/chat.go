package models

import (
	"time"
)

type Chat struct {
	ID              string        `json:"id"`
	Name            string        `json:"name,omitempty"`
	IsGroup         bool          `json:"isGroup"`
	AdminID         string        `json:"adminId,omitempty"`
	LatestMessageID string        `json:"latestMessageId,omitempty"`
	LatestMessage   *Message      `json:"latestMessage,omitempty"`
	Members         []UserSummary `json:"members,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// HasMember reports whether userID is among the loaded members.
func (c *Chat) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m.ID == userID {
			return true
		}
	}
	return false
}

// MemberIDs returns the ids of the loaded members.
func (c *Chat) MemberIDs() []string {
	ids := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		ids = append(ids, m.ID)
	}
	return ids
}

type ChatMembership struct {
	ChatID   string    `json:"chatId"`
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}

type Message struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chatId"`
	SenderID  string        `json:"senderId"`
	Sender    *UserSummary  `json:"sender,omitempty"`
	Content   string        `json:"content"`
	TempID    string        `json:"tempId,omitempty"`
	ReadBy    []ReadReceipt `json:"readBy"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

type ReadReceipt struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username,omitempty"`
	ChatID    string    `json:"chatId,omitempty"`
	ReadAt    time.Time `json:"readAt"`
}
