package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// handlerFunc processes one client operation. The returned value, if any, is
// delivered through the ack callback when the client supplied a correlation
// id. Errors are scoped to the operation: they are reported back on the
// originating connection and never disconnect the session.
type handlerFunc func(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error)

func (g *Gateway) buildDispatchTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		EventAuthenticate:    g.handleReauthenticate,
		EventMessageNew:      g.handleMessageNew,
		EventTypingStart:     g.handleTypingStart,
		EventTypingEnd:       g.handleTypingEnd,
		EventSubscribeChat:   g.handleSubscribeChat,
		EventUnsubscribeChat: g.handleUnsubscribeChat,
		EventChatRead:        g.handleChatRead,
		EventPing:            g.handlePing,
	}
}

// dispatch routes one inbound frame to its handler and maps the outcome onto
// ack or error events.
func (g *Gateway) dispatch(ctx context.Context, c *Connection, raw []byte) {
	var env ClientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.sendError(CodeInternalError, "malformed frame", 0)
		return
	}

	handler, ok := g.handlers[env.Event]
	if !ok {
		c.sendError(CodeInternalError, "unknown event: "+env.Event, env.AckId)
		return
	}

	result, err := handler(ctx, c, env.Data)
	if err != nil {
		code := errorCode(err)
		msg := err.Error()
		if code == CodeInternalError {
			// Dependency failure details stay server-side.
			slog.WarnContext(ctx, "Operation failed", "event", env.Event, "conn", c.id, "user", c.identity.ID, "error", err)
			msg = "internal error"
		}
		c.sendError(code, msg, env.AckId)
		return
	}

	if env.AckId != 0 {
		c.sendAck(env.AckId, result)
	} else if env.Event == EventPing {
		c.sendEvent(EventPong, result)
	}
}

// handleReauthenticate answers an authenticate frame sent after the handshake
// already bound an identity. Idempotent.
func (g *Gateway) handleReauthenticate(_ context.Context, c *Connection, _ json.RawMessage) (interface{}, error) {
	return AuthenticatedPayload{UserId: c.identity.ID, Username: c.identity.Username}, nil
}

func (g *Gateway) handleMessageNew(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
	var p NewMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.New("invalid message:new payload")
	}
	if err := validateRoomId(p.ChatId); err != nil {
		return nil, err
	}
	room := chatRoom(p.ChatId)
	if !c.InRoom(room) {
		return nil, ErrNotParticipant
	}

	draft := &DraftMessage{
		ChatId:     p.ChatId,
		SenderId:   c.identity.ID,
		SenderName: c.identity.Username,
		Content:    p.Content,
		Type:       p.Type,
		Metadata:   p.Metadata,
		Timestamp:  time.Now().UnixMilli(),
	}

	// Fan-out only relays what the persistence collaborator confirmed; an
	// unconfirmed write reaches nobody.
	stored, err := g.store.Store(ctx, draft)
	if err != nil {
		return nil, err
	}

	if err := g.fanout.Publish(ctx, room, EventMessageCreated, stored, ""); err != nil {
		slog.WarnContext(ctx, "Fanout publish failed for stored message", "chat", p.ChatId, "error", err)
	}
	return stored, nil
}

func (g *Gateway) handleTypingStart(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
	return g.handleTyping(ctx, c, data, EventTypingStart, true)
}

func (g *Gateway) handleTypingEnd(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
	return g.handleTyping(ctx, c, data, EventTypingEnd, false)
}

// handleTyping relays a typing indicator to the chat's other subscribers.
// The sender is excluded: typing events are never echoed back.
func (g *Gateway) handleTyping(ctx context.Context, c *Connection, data json.RawMessage, event string, withName bool) (interface{}, error) {
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.New("invalid typing payload")
	}
	if err := validateRoomId(p.ChatId); err != nil {
		return nil, err
	}
	room := chatRoom(p.ChatId)
	if !c.InRoom(room) {
		return nil, ErrNotParticipant
	}

	out := TypingPayload{ChatId: p.ChatId, UserId: c.identity.ID}
	if withName {
		out.Username = c.identity.Username
	}
	if err := g.fanout.Publish(ctx, room, event, out, c.identity.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (g *Gateway) handleSubscribeChat(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
	var p SubscribePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.New("invalid subscribe payload")
	}
	if err := validateRoomId(p.ChatId); err != nil {
		return nil, err
	}

	room := chatRoom(p.ChatId)
	if c.InRoom(room) {
		return map[string]interface{}{"chatId": p.ChatId, "subscribed": true}, nil
	}

	// Membership is validated here and trusted for the connection's lifetime;
	// a revoked participant keeps the room until reconnect.
	if err := g.authz.IsParticipant(ctx, c.identity.ID, p.ChatId); err != nil {
		return nil, err
	}

	g.reg.Subscribe(c, room)
	slog.InfoContext(ctx, "Connection subscribed to chat", "conn", c.id, "user", c.identity.ID, "chat", p.ChatId)
	return map[string]interface{}{"chatId": p.ChatId, "subscribed": true}, nil
}

func (g *Gateway) handleUnsubscribeChat(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
	var p SubscribePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.New("invalid unsubscribe payload")
	}
	if err := validateRoomId(p.ChatId); err != nil {
		return nil, err
	}

	// Idempotent: leaving a chat never joined is a no-op.
	g.reg.Unsubscribe(c, chatRoom(p.ChatId))
	slog.DebugContext(ctx, "Connection unsubscribed from chat", "conn", c.id, "user", c.identity.ID, "chat", p.ChatId)
	return map[string]interface{}{"chatId": p.ChatId, "subscribed": false}, nil
}

func (g *Gateway) handleChatRead(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
	var p ChatReadPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.New("invalid chat:read payload")
	}
	if err := validateRoomId(p.ChatId); err != nil {
		return nil, err
	}
	room := chatRoom(p.ChatId)
	if !c.InRoom(room) {
		return nil, ErrNotParticipant
	}

	g.receipts.Publish(ctx, p.ChatId, c.identity.ID, p.MessageId)

	readBy := ChatReadPayload{ChatId: p.ChatId, MessageId: p.MessageId}
	out := struct {
		ChatReadPayload
		UserId string `json:"userId"`
	}{readBy, c.identity.ID}
	if err := g.fanout.Publish(ctx, room, EventChatReadBy, out, c.identity.ID); err != nil {
		slog.DebugContext(ctx, "Read receipt fanout failed", "chat", p.ChatId, "error", err)
	}
	return map[string]bool{"ok": true}, nil
}

func (g *Gateway) handlePing(_ context.Context, c *Connection, _ json.RawMessage) (interface{}, error) {
	c.touch()
	return map[string]bool{"pong": true}, nil
}
