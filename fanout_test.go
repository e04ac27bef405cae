package main

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func testEngine(reg *Registry) *FanoutEngine {
	return NewFanoutEngine(nil, reg, "origin-A", otel.Meter("test"))
}

func fanoutEvt(room, event string, data interface{}, origin, exclude string) *FanoutEvent {
	raw, _ := json.Marshal(data)
	return &FanoutEvent{
		Id:          "evt-1",
		Room:        room,
		Event:       event,
		Data:        raw,
		Origin:      origin,
		ExcludeUser: exclude,
		Timestamp:   time.Now().UnixMilli(),
	}
}

func drainOne(t *testing.T, c *Connection) ServerEnvelope {
	t.Helper()
	select {
	case frame := <-c.send:
		var env ServerEnvelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("Bad frame: %v", err)
		}
		return env
	default:
		t.Fatal("Expected a queued frame")
		return ServerEnvelope{}
	}
}

func TestRoomSubject(t *testing.T) {
	tests := []struct {
		room    string
		want    string
		wantErr bool
	}{
		{"chat:42", "fanout.chat.42", false},
		{"user:alice", "fanout.user.alice", false},
		{"chat:", "", true},
		{"42", "", true},
		{"group:42", "", true},
		{"chat:a.b", "", true},
		{"chat:a b", "", true},
		{"chat:a>b", "", true},
	}

	for _, tt := range tests {
		got, err := roomSubject(tt.room)
		if tt.wantErr {
			if err == nil {
				t.Errorf("roomSubject(%q): expected error", tt.room)
			}
			continue
		}
		if err != nil {
			t.Errorf("roomSubject(%q): %v", tt.room, err)
			continue
		}
		if got != tt.want {
			t.Errorf("roomSubject(%q) = %q, want %q", tt.room, got, tt.want)
		}
	}
}

func TestFanout_DeliversToSubscribersOnly(t *testing.T) {
	reg := NewRegistry()
	a := testConn("ca", "alice")
	b := testConn("cb", "bob")
	c := testConn("cc", "carol")
	for _, conn := range []*Connection{a, b, c} {
		reg.Add(conn)
	}
	reg.Subscribe(a, "chat:42")
	reg.Subscribe(b, "chat:42")
	// carol never joined chat:42

	eng := testEngine(reg)
	eng.deliverLocal(context.Background(), fanoutEvt("chat:42", EventMessageCreated, map[string]string{"id": "m1"}, "origin-B", ""))

	for _, conn := range []*Connection{a, b} {
		env := drainOne(t, conn)
		if env.Event != EventMessageCreated {
			t.Errorf("Expected %s, got %s", EventMessageCreated, env.Event)
		}
		if env.Id != "evt-1" {
			t.Errorf("Expected event id propagated for dedup, got %q", env.Id)
		}
	}

	select {
	case <-c.send:
		t.Error("Non-subscriber received a room event")
	default:
	}
}

func TestFanout_ExcludeUserSkipsAllTheirConnections(t *testing.T) {
	reg := NewRegistry()
	a1 := testConn("ca1", "alice")
	a2 := testConn("ca2", "alice") // second device
	b := testConn("cb", "bob")
	for _, conn := range []*Connection{a1, a2, b} {
		reg.Add(conn)
		reg.Subscribe(conn, "chat:42")
	}

	eng := testEngine(reg)
	eng.deliverLocal(context.Background(), fanoutEvt("chat:42", EventTypingStart,
		TypingPayload{ChatId: "42", UserId: "alice", Username: "alice"}, "origin-A", "alice"))

	for _, conn := range []*Connection{a1, a2} {
		select {
		case <-conn.send:
			t.Error("Typing event echoed back to the sender")
		default:
		}
	}
	if env := drainOne(t, b); env.Event != EventTypingStart {
		t.Errorf("Expected %s, got %s", EventTypingStart, env.Event)
	}
}

func TestFanout_SlowConsumerTerminated(t *testing.T) {
	reg := NewRegistry()
	slow := newConnection("cs", Identity{ID: "slow"}, nil, "test", 1)
	var cleanups atomic.Int32
	slow.cleanup = func(*Connection, string) { cleanups.Add(1) }
	fast := testConn("cf", "fast")

	reg.Add(slow)
	reg.Add(fast)
	reg.Subscribe(slow, "chat:42")
	reg.Subscribe(fast, "chat:42")

	slow.enqueue([]byte("fill")) // saturate

	eng := testEngine(reg)
	eng.deliverLocal(context.Background(), fanoutEvt("chat:42", EventMessageCreated, map[string]string{"id": "m1"}, "origin-B", ""))

	if got := cleanups.Load(); got != 1 {
		t.Errorf("Expected saturated connection terminated exactly once, got %d cleanups", got)
	}
	// Delivery to the healthy connection is unaffected
	if env := drainOne(t, fast); env.Event != EventMessageCreated {
		t.Errorf("Expected %s, got %s", EventMessageCreated, env.Event)
	}
}

func TestFanout_NoSubscribersIsNoop(t *testing.T) {
	eng := testEngine(NewRegistry())
	eng.deliverLocal(context.Background(), fanoutEvt("chat:42", EventMessageCreated, map[string]string{"id": "m1"}, "origin-B", ""))
}
