package models

import (
	"encoding/json"
	"time"
)

// Client -> server event names.
const (
	EventMessageSend       = "message:send"
	EventMessageRead       = "message:read"
	EventGroupRename       = "group:rename"
	EventGroupAddMember    = "group:addMember"
	EventGroupRemoveMember = "group:removeMember"
	EventPresenceSet       = "presence:set"
)

// Server -> client event names. message:read is shared by both directions.
const (
	EventMessageNew         = "message:new"
	EventUserStatus         = "user:status"
	EventGroupRenamed       = "group:renamed"
	EventGroupMemberAdded   = "group:memberAdded"
	EventGroupMemberRemoved = "group:memberRemoved"
	EventChatCreated        = "chat:created"
	EventError              = "error"
)

// Event is one frame on the bidirectional channel.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// InboundEvent is a decoded client frame whose payload is parsed by the handler.
type InboundEvent struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

type SendMessagePayload struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
	TempID  string `json:"tempId"`
}

type ReadMessagePayload struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	UserID    string `json:"userId"`
}

type RenameGroupPayload struct {
	ChatID string `json:"chatId"`
	Name   string `json:"name"`
}

type GroupMemberPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type PresencePayload struct {
	Status UserStatus `json:"status"`
}

type UserStatusEvent struct {
	UserID   string     `json:"userId"`
	Status   UserStatus `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type GroupRenamedEvent struct {
	ChatID string `json:"chatId"`
	Name   string `json:"name"`
}

type MemberAddedEvent struct {
	ChatID string      `json:"chatId"`
	User   UserSummary `json:"user"`
}

type MemberRemovedEvent struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Event   string `json:"event,omitempty"`
	TempID  string `json:"tempId,omitempty"`
}
