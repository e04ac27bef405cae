package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
)

type fakeStore struct {
	mu     sync.Mutex
	err    error
	drafts []*DraftMessage
}

func (f *fakeStore) Store(_ context.Context, draft *DraftMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.drafts = append(f.drafts, draft)
	return json.RawMessage(`{"id":"m1","chatId":"` + draft.ChatId + `","content":"` + draft.Content + `"}`), nil
}

type fakeAuthz struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeAuthz) IsParticipant(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type receiptCall struct {
	chatId, userId, messageId string
}

type fakeReceipts struct {
	mu    sync.Mutex
	calls []receiptCall
}

func (f *fakeReceipts) Publish(_ context.Context, chatId, userId, messageId string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, receiptCall{chatId, userId, messageId})
}

type dispatchFixture struct {
	g        *Gateway
	reg      *Registry
	store    *fakeStore
	authz    *fakeAuthz
	receipts *fakeReceipts
	subjects []string
}

func newDispatchFixture() *dispatchFixture {
	f := &dispatchFixture{
		reg:      NewRegistry(),
		store:    &fakeStore{},
		authz:    &fakeAuthz{},
		receipts: &fakeReceipts{},
	}
	meter := otel.Meter("test")
	fanout := NewFanoutEngine(nil, f.reg, "origin-A", meter)
	fanout.publishWire = func(_ context.Context, subject string, _ []byte) error {
		f.subjects = append(f.subjects, subject)
		return nil
	}
	f.g = NewGateway(Config{}, "origin-A", f.reg, nil, fanout, nil, f.authz, f.store, f.receipts, meter)
	return f
}

func frame(t *testing.T, event string, data interface{}, ackId int64) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("Marshal payload: %v", err)
	}
	b, err := json.Marshal(ClientEnvelope{Event: event, Data: raw, AckId: ackId})
	if err != nil {
		t.Fatalf("Marshal envelope: %v", err)
	}
	return b
}

func expectError(t *testing.T, c *Connection, code string, ackId int64) string {
	t.Helper()
	env := drainOne(t, c)
	if env.Event != EventError {
		t.Fatalf("Expected %s event, got %s", EventError, env.Event)
	}
	if env.AckId != ackId {
		t.Errorf("Expected ackId %d, got %d", ackId, env.AckId)
	}
	data, _ := env.Data.(map[string]interface{})
	if got, _ := data["code"].(string); got != code {
		t.Errorf("Expected code %s, got %s", code, got)
	}
	msg, _ := data["message"].(string)
	return msg
}

func TestDispatch_UnknownEvent(t *testing.T) {
	f := newDispatchFixture()
	c := testConn("c1", "alice")
	f.reg.Add(c)

	f.g.dispatch(context.Background(), c, frame(t, "message:edit", nil, 7))
	msg := expectError(t, c, CodeInternalError, 7)
	if !strings.Contains(msg, "unknown event") {
		t.Errorf("Expected an unknown-event message, got %q", msg)
	}
}

func TestDispatch_MalformedFrame(t *testing.T) {
	f := newDispatchFixture()
	c := testConn("c1", "alice")

	f.g.dispatch(context.Background(), c, []byte("{not json"))
	expectError(t, c, CodeInternalError, 0)
}

func TestMessageNew_RequiresMembership(t *testing.T) {
	f := newDispatchFixture()
	c := testConn("c1", "alice")
	f.reg.Add(c)

	f.g.dispatch(context.Background(), c, frame(t, EventMessageNew,
		NewMessagePayload{ChatId: "42", Content: "hi"}, 3))
	expectError(t, c, CodeNotParticipant, 3)

	if len(f.store.drafts) != 0 {
		t.Error("Store must not be called for a non-subscriber")
	}
	if len(f.subjects) != 0 {
		t.Error("Nothing should reach the wire for a rejected message")
	}
}

func TestMessageNew_StoresThenFansOut(t *testing.T) {
	f := newDispatchFixture()
	sender := testConn("c1", "alice")
	peer := testConn("c2", "bob")
	f.reg.Add(sender)
	f.reg.Add(peer)
	f.reg.Subscribe(sender, "chat:42")
	f.reg.Subscribe(peer, "chat:42")

	f.g.dispatch(context.Background(), sender, frame(t, EventMessageNew,
		NewMessagePayload{ChatId: "42", Content: "hi"}, 11))

	if len(f.store.drafts) != 1 {
		t.Fatalf("Expected 1 stored draft, got %d", len(f.store.drafts))
	}
	d := f.store.drafts[0]
	if d.SenderId != "alice" || d.ChatId != "42" || d.Timestamp == 0 {
		t.Errorf("Draft not populated from the connection identity: %+v", d)
	}

	if len(f.subjects) != 1 || f.subjects[0] != "fanout.chat.42" {
		t.Errorf("Expected wire publish to fanout.chat.42, got %v", f.subjects)
	}

	env := drainOne(t, peer)
	if env.Event != EventMessageCreated {
		t.Errorf("Peer expected %s, got %s", EventMessageCreated, env.Event)
	}
	if env.Id == "" {
		t.Error("Fanned-out frame must carry a dedup id")
	}

	// Sender gets both the local fan-out copy and the ack.
	first := drainOne(t, sender)
	second := drainOne(t, sender)
	if first.Event != EventMessageCreated {
		t.Errorf("Sender expected fanned-out copy first, got %s", first.Event)
	}
	if second.Event != EventAck || second.AckId != 11 {
		t.Errorf("Expected ack with id 11, got %+v", second)
	}
}

func TestMessageNew_StoreErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		storeErr error
		wantCode string
		masked   bool
	}{
		{"chat not found", ErrChatNotFound, CodeChatNotFound, false},
		{"backend failure", errors.New("nats: timeout"), CodeInternalError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatchFixture()
			f.store.err = tt.storeErr
			c := testConn("c1", "alice")
			f.reg.Add(c)
			f.reg.Subscribe(c, "chat:42")

			f.g.dispatch(context.Background(), c, frame(t, EventMessageNew,
				NewMessagePayload{ChatId: "42", Content: "hi"}, 5))
			msg := expectError(t, c, tt.wantCode, 5)
			if tt.masked && msg != "internal error" {
				t.Errorf("Backend failure detail leaked to the client: %q", msg)
			}
			if len(f.subjects) != 0 {
				t.Error("Unconfirmed writes must not be fanned out")
			}
		})
	}
}

func TestSubscribeChat(t *testing.T) {
	f := newDispatchFixture()
	c := testConn("c1", "alice")
	f.reg.Add(c)

	f.g.dispatch(context.Background(), c, frame(t, EventSubscribeChat, SubscribePayload{ChatId: "42"}, 1))
	env := drainOne(t, c)
	if env.Event != EventAck || env.AckId != 1 {
		t.Fatalf("Expected subscribe ack, got %+v", env)
	}
	if !c.InRoom("chat:42") {
		t.Error("Connection should have joined chat:42")
	}
	if f.authz.calls != 1 {
		t.Errorf("Expected 1 membership check, got %d", f.authz.calls)
	}

	// Re-subscribing is a no-op and skips the membership check.
	f.g.dispatch(context.Background(), c, frame(t, EventSubscribeChat, SubscribePayload{ChatId: "42"}, 2))
	drainOne(t, c)
	if f.authz.calls != 1 {
		t.Errorf("Duplicate subscribe re-checked membership: %d calls", f.authz.calls)
	}
}

func TestSubscribeChat_Denied(t *testing.T) {
	f := newDispatchFixture()
	f.authz.err = ErrNotParticipant
	c := testConn("c1", "alice")
	f.reg.Add(c)

	f.g.dispatch(context.Background(), c, frame(t, EventSubscribeChat, SubscribePayload{ChatId: "42"}, 1))
	expectError(t, c, CodeNotParticipant, 1)
	if c.InRoom("chat:42") {
		t.Error("Denied subscriber must not join the room")
	}
}

func TestSubscribeChat_InvalidChatId(t *testing.T) {
	f := newDispatchFixture()
	c := testConn("c1", "alice")
	f.reg.Add(c)

	f.g.dispatch(context.Background(), c, frame(t, EventSubscribeChat, SubscribePayload{ChatId: "a.b"}, 1))
	expectError(t, c, CodeChatNotFound, 1)
	if f.authz.calls != 0 {
		t.Error("Invalid chat ids must be rejected before the membership check")
	}
}

func TestUnsubscribeChat_Idempotent(t *testing.T) {
	f := newDispatchFixture()
	c := testConn("c1", "alice")
	f.reg.Add(c)

	f.g.dispatch(context.Background(), c, frame(t, EventUnsubscribeChat, SubscribePayload{ChatId: "42"}, 1))
	env := drainOne(t, c)
	if env.Event != EventAck {
		t.Fatalf("Expected ack for unsubscribe of a never-joined chat, got %+v", env)
	}
}

func TestTyping_ExcludesSender(t *testing.T) {
	f := newDispatchFixture()
	sender := testConn("c1", "alice")
	peer := testConn("c2", "bob")
	f.reg.Add(sender)
	f.reg.Add(peer)
	f.reg.Subscribe(sender, "chat:42")
	f.reg.Subscribe(peer, "chat:42")

	f.g.dispatch(context.Background(), sender, frame(t, EventTypingStart, TypingPayload{ChatId: "42"}, 0))

	env := drainOne(t, peer)
	if env.Event != EventTypingStart {
		t.Fatalf("Peer expected %s, got %s", EventTypingStart, env.Event)
	}
	data, _ := env.Data.(map[string]interface{})
	if data["userId"] != "alice" || data["username"] != "u-alice" {
		t.Errorf("Typing payload should carry the sender identity, got %v", data)
	}

	select {
	case b := <-sender.send:
		t.Errorf("Typing must not echo to the sender, got %s", b)
	default:
	}
}

func TestTyping_RequiresMembership(t *testing.T) {
	f := newDispatchFixture()
	c := testConn("c1", "alice")
	f.reg.Add(c)

	f.g.dispatch(context.Background(), c, frame(t, EventTypingStart, TypingPayload{ChatId: "42"}, 4))
	expectError(t, c, CodeNotParticipant, 4)
}

func TestChatRead(t *testing.T) {
	f := newDispatchFixture()
	reader := testConn("c1", "alice")
	peer := testConn("c2", "bob")
	f.reg.Add(reader)
	f.reg.Add(peer)
	f.reg.Subscribe(reader, "chat:42")
	f.reg.Subscribe(peer, "chat:42")

	f.g.dispatch(context.Background(), reader, frame(t, EventChatRead,
		ChatReadPayload{ChatId: "42", MessageId: "m9"}, 0))

	if len(f.receipts.calls) != 1 {
		t.Fatalf("Expected 1 receipt publish, got %d", len(f.receipts.calls))
	}
	if got := f.receipts.calls[0]; got != (receiptCall{"42", "alice", "m9"}) {
		t.Errorf("Unexpected receipt call: %+v", got)
	}

	env := drainOne(t, peer)
	if env.Event != EventChatReadBy {
		t.Errorf("Peer expected %s, got %s", EventChatReadBy, env.Event)
	}

	select {
	case b := <-reader.send:
		t.Errorf("Read receipts must not echo to the reader, got %s", b)
	default:
	}
}

func TestPing(t *testing.T) {
	f := newDispatchFixture()
	c := testConn("c1", "alice")
	f.reg.Add(c)

	f.g.dispatch(context.Background(), c, frame(t, EventPing, nil, 0))
	env := drainOne(t, c)
	if env.Event != EventPong {
		t.Errorf("Ackless ping expected %s, got %s", EventPong, env.Event)
	}

	f.g.dispatch(context.Background(), c, frame(t, EventPing, nil, 9))
	env = drainOne(t, c)
	if env.Event != EventAck || env.AckId != 9 {
		t.Errorf("Acked ping expected ack 9, got %+v", env)
	}
}

func TestReauthenticate_Idempotent(t *testing.T) {
	f := newDispatchFixture()
	c := testConn("c1", "alice")
	f.reg.Add(c)

	f.g.dispatch(context.Background(), c, frame(t, EventAuthenticate, AuthenticatePayload{Token: "t"}, 2))
	env := drainOne(t, c)
	if env.Event != EventAck || env.AckId != 2 {
		t.Fatalf("Expected ack, got %+v", env)
	}
	data, _ := env.Data.(map[string]interface{})
	if data["userId"] != "alice" {
		t.Errorf("Expected bound identity in reply, got %v", data)
	}
}
