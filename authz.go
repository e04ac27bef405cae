package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/example/nats-chat-gateway/pkg/otelhelper"
)

// ParticipantAuthorizer answers whether an identity may join a chat room.
// A nil return means the user is a participant; otherwise the error carries
// ErrNotParticipant, ErrChatNotFound, or an internal dependency failure.
type ParticipantAuthorizer interface {
	IsParticipant(ctx context.Context, userId, chatId string) error
}

// SQLAuthorizer checks chat participation against the chat database directly,
// avoiding a messaging round-trip per join.
type SQLAuthorizer struct {
	db *sql.DB
}

func NewSQLAuthorizer(db *sql.DB) *SQLAuthorizer {
	return &SQLAuthorizer{db: db}
}

func (a *SQLAuthorizer) IsParticipant(ctx context.Context, userId, chatId string) error {
	var exists int
	err := a.db.QueryRowContext(ctx, "SELECT 1 FROM chats WHERE id = $1", chatId).Scan(&exists)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: chat %s", ErrChatNotFound, chatId)
		}
		return fmt.Errorf("chat lookup failed: %w", err)
	}

	var count int
	err = a.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chat_participants WHERE chat_id = $1 AND user_id = $2",
		chatId, userId).Scan(&count)
	if err != nil {
		return fmt.Errorf("participant lookup failed: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("%w: user %s in chat %s", ErrNotParticipant, userId, chatId)
	}
	return nil
}

// NATSAuthorizer resolves participation by querying the room service's member
// list over request/reply. Used when the gateway runs without database access.
type NATSAuthorizer struct {
	nc *nats.Conn
}

func NewNATSAuthorizer(nc *nats.Conn) *NATSAuthorizer {
	return &NATSAuthorizer{nc: nc}
}

func (a *NATSAuthorizer) IsParticipant(ctx context.Context, userId, chatId string) error {
	reply, err := otelhelper.TracedRequest(ctx, a.nc, "room.members."+chatId, nil)
	if err != nil {
		return fmt.Errorf("room members query failed: %w", err)
	}

	var members []string
	if err := json.Unmarshal(reply.Data, &members); err != nil {
		return fmt.Errorf("invalid room members reply: %w", err)
	}
	for _, m := range members {
		if m == userId {
			return nil
		}
	}
	slog.DebugContext(ctx, "Authorization denied", "user", userId, "chat", chatId, "members", len(members))
	return fmt.Errorf("%w: user %s in chat %s", ErrNotParticipant, userId, chatId)
}
