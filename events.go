package main

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client-originated event names.
const (
	EventAuthenticate    = "authenticate"
	EventMessageNew      = "message:new"
	EventTypingStart     = "typing:start"
	EventTypingEnd       = "typing:end"
	EventSubscribeChat   = "subscribe:chat"
	EventUnsubscribeChat = "unsubscribe:chat"
	EventChatRead        = "chat:read"
	EventPing            = "ping"
)

// Server-originated event names.
const (
	EventAuthenticated  = "authenticated"
	EventStatusOnline   = "status:online"
	EventStatusOffline  = "status:offline"
	EventMessageCreated = "message:created"
	EventMessageUpdated = "message:updated"
	EventMessageDeleted = "message:deleted"
	EventChatReadBy     = "chat:read"
	EventPong           = "pong"
	EventAck            = "ack"
	EventError          = "error"
)

// Error codes surfaced to clients.
const (
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeNotParticipant  = "NOT_PARTICIPANT"
	CodeChatNotFound    = "CHAT_NOT_FOUND"
	CodeInternalError   = "INTERNAL_ERROR"
)

// Sentinel errors mapped to client error codes at the dispatch boundary.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotParticipant  = errors.New("not a chat participant")
	ErrChatNotFound    = errors.New("chat not found")
)

// errorCode maps an operation error to its client-visible code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrNotParticipant):
		return CodeNotParticipant
	case errors.Is(err, ErrChatNotFound):
		return CodeChatNotFound
	default:
		return CodeInternalError
	}
}

// ClientEnvelope is the wire format for client-to-gateway frames.
// AckId, when non-zero, requests an ack callback carrying the result.
type ClientEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckId int64           `json:"ackId,omitempty"`
}

// ServerEnvelope is the wire format for gateway-to-client frames. Id is set
// on fanned-out events so clients can deduplicate at-least-once delivery.
type ServerEnvelope struct {
	Id    string      `json:"id,omitempty"`
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
	AckId int64       `json:"ackId,omitempty"`
}

func encodeServerEvent(event string, data interface{}) []byte {
	b, err := json.Marshal(ServerEnvelope{Event: event, Data: data})
	if err != nil {
		// Payload types are all marshalable; this is unreachable in practice.
		b, _ = json.Marshal(ServerEnvelope{
			Event: EventError,
			Data:  ErrorPayload{Code: CodeInternalError, Message: "encoding failure"},
		})
	}
	return b
}

// AuthenticatePayload is the client credential frame.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// AuthenticatedPayload confirms a successful handshake.
type AuthenticatedPayload struct {
	UserId   string `json:"userId"`
	Username string `json:"username"`
}

// StatusPayload announces a presence transition.
type StatusPayload struct {
	UserId string `json:"userId"`
}

// NewMessagePayload is a client draft message for a chat.
type NewMessagePayload struct {
	ChatId   string          `json:"chatId"`
	Content  string          `json:"content"`
	Type     string          `json:"type,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// TypingPayload carries typing indicator events in both directions.
type TypingPayload struct {
	ChatId   string `json:"chatId"`
	UserId   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
}

// SubscribePayload selects a chat for subscribe/unsubscribe operations.
type SubscribePayload struct {
	ChatId string `json:"chatId"`
}

// ChatReadPayload marks a chat read up to an optional message.
type ChatReadPayload struct {
	ChatId    string `json:"chatId"`
	MessageId string `json:"messageId,omitempty"`
}

// ErrorPayload is the error event body.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	roomKindChat = "chat"
	roomKindUser = "user"
)

// chatRoom and userRoom build the two room name forms: "chat:{chatId}" for
// per-chat broadcast and "user:{userId}" for per-identity delivery.
func chatRoom(chatId string) string { return roomKindChat + ":" + chatId }
func userRoom(userId string) string { return roomKindUser + ":" + userId }

// validateRoomId rejects ids that would corrupt NATS subject mapping.
func validateRoomId(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty chat id", ErrChatNotFound)
	}
	for _, r := range id {
		switch r {
		case '.', ':', '*', '>', ' ', '\t', '\n', '\r':
			return fmt.Errorf("%w: invalid chat id %q", ErrChatNotFound, id)
		}
	}
	return nil
}
