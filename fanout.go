package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-gateway/pkg/otelhelper"
)

const fanoutSubjectPrefix = "fanout."

// FanoutEvent is the ephemeral envelope carried between gateway instances.
// Delivery is at-least-once: the origin id lets a receiving instance skip
// events it already delivered locally, and the event id lets clients
// deduplicate anything that still slips through during reconnects.
type FanoutEvent struct {
	Id          string          `json:"id"`
	Room        string          `json:"room"`
	Event       string          `json:"event"`
	Data        json.RawMessage `json:"data,omitempty"`
	Origin      string          `json:"origin"`
	ExcludeUser string          `json:"excludeUser,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}

// roomSubject maps a room name ("chat:42", "user:7") onto its NATS fan-out
// subject ("fanout.chat.42", "fanout.user.7").
func roomSubject(room string) (string, error) {
	kind, id, ok := strings.Cut(room, ":")
	if !ok || id == "" {
		return "", fmt.Errorf("malformed room name %q", room)
	}
	if kind != roomKindChat && kind != roomKindUser {
		return "", fmt.Errorf("unknown room kind %q", kind)
	}
	if err := validateRoomId(id); err != nil {
		return "", err
	}
	return fanoutSubjectPrefix + kind + "." + id, nil
}

// FanoutEngine delivers events to every local subscriber of a room and
// publishes them for sibling gateway instances to do the same.
type FanoutEngine struct {
	nc     *nats.Conn
	reg    *Registry
	origin string

	// publishWire sends the envelope to sibling instances; swappable in tests.
	publishWire func(ctx context.Context, subject string, data []byte) error

	fanoutCounter  metric.Int64Counter
	fanoutDuration metric.Float64Histogram
	droppedCounter metric.Int64Counter
}

func NewFanoutEngine(nc *nats.Conn, reg *Registry, origin string, meter metric.Meter) *FanoutEngine {
	f := &FanoutEngine{
		nc:     nc,
		reg:    reg,
		origin: origin,
	}
	f.publishWire = func(ctx context.Context, subject string, data []byte) error {
		return otelhelper.TracedPublish(ctx, f.nc, subject, data)
	}
	f.fanoutCounter, _ = meter.Int64Counter("fanout_events_total",
		metric.WithDescription("Total events delivered to local connections"))
	f.fanoutDuration, _ = otelhelper.NewDurationHistogram(meter, "fanout_duration_seconds",
		"Time to deliver one event to all local subscribers of a room")
	f.droppedCounter, _ = meter.Int64Counter("fanout_slow_consumers_total",
		metric.WithDescription("Connections terminated because their outbound queue was full"))
	return f
}

// Publish fans an event out to the room: synchronously to local subscribers,
// then over NATS for every other gateway instance. Joiners after this point
// do not see the event; they fetch history from the persistence service.
func (f *FanoutEngine) Publish(ctx context.Context, room, event string, data interface{}, excludeUser string) error {
	subject, err := roomSubject(room)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	evt := FanoutEvent{
		Id:          uuid.NewString(),
		Room:        room,
		Event:       event,
		Data:        raw,
		Origin:      f.origin,
		ExcludeUser: excludeUser,
		Timestamp:   time.Now().UnixMilli(),
	}

	f.deliverLocal(ctx, &evt)

	wire, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal fanout envelope: %w", err)
	}
	if err := f.publishWire(ctx, subject, wire); err != nil {
		// Local subscribers already have the event; cross-process delivery
		// degrades until NATS recovers.
		slog.WarnContext(ctx, "Cross-process fanout publish failed", "room", room, "event", event, "error", err)
		return err
	}
	return nil
}

// Start subscribes to the shared fan-out channel and re-dispatches events
// from sibling instances to locally registered connections.
func (f *FanoutEngine) Start() error {
	_, err := f.nc.Subscribe(fanoutSubjectPrefix+">", func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "fanout deliver")
		defer span.End()

		var evt FanoutEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			slog.Warn("Invalid fanout event", "subject", msg.Subject, "error", err)
			return
		}
		if evt.Origin == f.origin {
			return // already delivered synchronously at publish time
		}
		span.SetAttributes(
			attribute.String("fanout.room", evt.Room),
			attribute.String("fanout.event", evt.Event),
		)
		f.deliverLocal(ctx, &evt)
	})
	return err
}

// deliverLocal sends the event to every connection subscribed to the room at
// this moment. A connection whose queue is full is terminated, never skipped
// silently, and never allowed to stall delivery to the others.
func (f *FanoutEngine) deliverLocal(ctx context.Context, evt *FanoutEvent) {
	start := time.Now()
	subs := f.reg.Subscribers(evt.Room)
	if len(subs) == 0 {
		return
	}

	frame, err := json.Marshal(ServerEnvelope{Id: evt.Id, Event: evt.Event, Data: evt.Data})
	if err != nil {
		slog.Warn("Failed to encode fanout frame", "event", evt.Event, "error", err)
		return
	}

	delivered := 0
	for _, c := range subs {
		if evt.ExcludeUser != "" && c.identity.ID == evt.ExcludeUser {
			continue
		}
		if !c.enqueue(frame) {
			f.droppedCounter.Add(ctx, 1)
			slog.Warn("Outbound queue full, terminating slow consumer", "conn", c.id, "user", c.identity.ID, "room", evt.Room)
			c.Terminate("send queue full")
			continue
		}
		delivered++
	}

	attrs := metric.WithAttributes(attribute.String("event", evt.Event))
	f.fanoutCounter.Add(ctx, int64(delivered), attrs)
	f.fanoutDuration.Record(ctx, time.Since(start).Seconds(), attrs)

	if delivered > 0 {
		slog.DebugContext(ctx, "Fanned out event", "room", evt.Room, "event", evt.Event, "delivered", delivered)
	}
}
