package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/nats-chat-gateway/pkg/otelhelper"
)

const (
	messageStoreSubject = "message.store"
	readUpdatePrefix    = "read.update."
)

// DraftMessage is what the gateway hands to the persistence collaborator.
// The gateway never writes message content itself; it relays the confirmed
// result onward to subscribers.
type DraftMessage struct {
	ChatId     string          `json:"chatId"`
	SenderId   string          `json:"senderId"`
	SenderName string          `json:"senderName"`
	Content    string          `json:"content"`
	Type       string          `json:"type,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// MessageStore persists a draft message through the persistence collaborator
// and returns the stored record as the collaborator confirmed it.
type MessageStore interface {
	Store(ctx context.Context, draft *DraftMessage) (json.RawMessage, error)
}

// storeError is the collaborator's failure reply shape.
type storeError struct {
	Error string `json:"error"`
}

// NATSMessageStore persists messages via request/reply to the persistence
// worker.
type NATSMessageStore struct {
	nc *nats.Conn
}

func NewNATSMessageStore(nc *nats.Conn) *NATSMessageStore {
	return &NATSMessageStore{nc: nc}
}

func (s *NATSMessageStore) Store(ctx context.Context, draft *DraftMessage) (json.RawMessage, error) {
	data, err := json.Marshal(draft)
	if err != nil {
		return nil, fmt.Errorf("marshal draft: %w", err)
	}

	reply, err := otelhelper.TracedRequest(ctx, s.nc, messageStoreSubject, data)
	if err != nil {
		return nil, fmt.Errorf("message store request: %w", err)
	}

	var se storeError
	if json.Unmarshal(reply.Data, &se) == nil && se.Error != "" {
		if strings.Contains(se.Error, "not found") {
			return nil, fmt.Errorf("%w: chat %s", ErrChatNotFound, draft.ChatId)
		}
		return nil, fmt.Errorf("message store rejected write: %s", se.Error)
	}
	return json.RawMessage(reply.Data), nil
}

// ReadUpdate is the read-position payload consumed by the read-receipt
// collaborator.
type ReadUpdate struct {
	UserId    string `json:"userId"`
	MessageId string `json:"messageId,omitempty"`
	LastRead  int64  `json:"lastRead"`
}

// receiptPublisher is the gateway-side view of read-receipt forwarding.
type receiptPublisher interface {
	Publish(ctx context.Context, chatId, userId, messageId string)
}

// ReadReceiptPublisher forwards read positions to the read-receipt service.
// Fire-and-forget: a lost update is re-established by the next read.
type ReadReceiptPublisher struct {
	nc *nats.Conn
}

func NewReadReceiptPublisher(nc *nats.Conn) *ReadReceiptPublisher {
	return &ReadReceiptPublisher{nc: nc}
}

func (r *ReadReceiptPublisher) Publish(ctx context.Context, chatId, userId, messageId string) {
	update := ReadUpdate{
		UserId:    userId,
		MessageId: messageId,
		LastRead:  time.Now().UnixMilli(),
	}
	data, err := json.Marshal(update)
	if err != nil {
		return
	}
	if err := otelhelper.TracedPublish(ctx, r.nc, readUpdatePrefix+chatId, data); err != nil {
		slog.DebugContext(ctx, "Read receipt publish failed", "chat", chatId, "user", userId, "error", err)
	}
}
