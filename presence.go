package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-gateway/pkg/otelhelper"
)

const (
	statusBucket = "PRESENCE"
	connBucket   = "PRESENCE_CONN"

	statusSubject = "presence.status"

	statusOnline  = "online"
	statusOffline = "offline"
)

// PresenceStatus is the value stored in the status KV for each user.
type PresenceStatus struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen"`
}

// StatusEvent is broadcast on presence.status when a user transitions between
// online and offline. Every gateway instance delivers it to its local
// connections; the event id lets receivers deduplicate.
type StatusEvent struct {
	Id     string `json:"id"`
	UserId string `json:"userId"`
	Status string `json:"status"`
}

// connTracker is a thread-safe in-memory mirror of the liveness KV bucket.
// Because the KV watcher sees keys written by every gateway instance, "last
// connection gone" here means the user has no live connection anywhere, not
// just on this process.
type connTracker struct {
	mu    sync.RWMutex
	conns map[string]map[string]bool // userId → set of connIds
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[string]map[string]bool)}
}

func (ct *connTracker) add(userId, connId string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.conns[userId] == nil {
		ct.conns[userId] = make(map[string]bool)
	}
	ct.conns[userId][connId] = true
}

// remove drops one connection reference and reports whether it was the
// user's last.
func (ct *connTracker) remove(userId, connId string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if conns, ok := ct.conns[userId]; ok {
		delete(conns, connId)
		if len(conns) == 0 {
			delete(ct.conns, userId)
			return true
		}
	}
	return false
}

func (ct *connTracker) hasConns(userId string) bool {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.conns[userId]) > 0
}

func (ct *connTracker) reset() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.conns = make(map[string]map[string]bool)
}

// presenceKV is the subset of nats.KeyValue the coordinator uses. Narrowed
// so the state machine runs against an in-memory store in tests.
type presenceKV interface {
	Get(key string) (nats.KeyValueEntry, error)
	Put(key string, value []byte) (uint64, error)
	Create(key string, value []byte) (uint64, error)
	Update(key string, value []byte, last uint64) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
	WatchAll(opts ...nats.WatchOpt) (nats.KeyWatcher, error)
}

// PresenceCoordinator drives the per-user online/offline state machine and
// externalizes it to NATS JetStream KV so all gateway instances agree on who
// is online. Liveness is a per-connection key in a TTL bucket refreshed by
// heartbeats; the bucket's expiry, observed through a KV watcher, is the sole
// mechanism that turns missing heartbeats into offline transitions.
type PresenceCoordinator struct {
	nc      *nats.Conn
	reg     *Registry
	tracker *connTracker
	breaker *CircuitBreaker
	ttl     time.Duration

	kvMu     sync.RWMutex
	statusKV presenceKV
	connKV   presenceKV

	// publish sends a status event to sibling instances; swappable in tests.
	publish func(ctx context.Context, subject string, data []byte) error

	watchMu     sync.Mutex
	watchCancel context.CancelFunc

	heartbeatCounter  metric.Int64Counter
	expirationCounter metric.Int64Counter
	transitionCounter metric.Int64Counter
}

func NewPresenceCoordinator(nc *nats.Conn, reg *Registry, breaker *CircuitBreaker, ttl time.Duration, meter metric.Meter) *PresenceCoordinator {
	p := &PresenceCoordinator{
		nc:      nc,
		reg:     reg,
		tracker: newConnTracker(),
		breaker: breaker,
		ttl:     ttl,
	}
	p.publish = func(ctx context.Context, subject string, data []byte) error {
		return otelhelper.TracedPublish(ctx, p.nc, subject, data)
	}
	p.heartbeatCounter, _ = meter.Int64Counter("presence_heartbeats_total",
		metric.WithDescription("Total liveness refreshes written to the presence store"))
	p.expirationCounter, _ = meter.Int64Counter("presence_expirations_total",
		metric.WithDescription("Total connection expirations observed via KV TTL"))
	p.transitionCounter, _ = meter.Int64Counter("presence_transitions_total",
		metric.WithDescription("Total online/offline transitions won by this instance"))
	return p
}

// EnsureBuckets creates (or re-binds to) the presence KV buckets.
func (p *PresenceCoordinator) EnsureBuckets(js nats.JetStreamContext) error {
	if _, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  statusBucket,
		History: 1,
		Storage: nats.MemoryStorage,
	}); err != nil {
		return err
	}
	if _, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  connBucket,
		History: 1,
		TTL:     p.ttl,
		Storage: nats.MemoryStorage,
	}); err != nil {
		return err
	}

	statusKV, err := js.KeyValue(statusBucket)
	if err != nil {
		return err
	}
	connKV, err := js.KeyValue(connBucket)
	if err != nil {
		return err
	}

	p.kvMu.Lock()
	p.statusKV = statusKV
	p.connKV = connKV
	p.kvMu.Unlock()
	return nil
}

func (p *PresenceCoordinator) buckets() (presenceKV, presenceKV) {
	p.kvMu.RLock()
	defer p.kvMu.RUnlock()
	return p.statusKV, p.connKV
}

func connKey(userId, connId string) string {
	return userId + "." + connId
}

// MarkOnline registers a connection's liveness and, when this is the user's
// first live connection anywhere, wins the online transition via KV
// create/compare-and-swap so exactly one instance broadcasts status:online.
// Re-entrant for additional devices: only the liveness key is refreshed.
func (p *PresenceCoordinator) MarkOnline(ctx context.Context, userId, connId string) {
	statusKV, connKV := p.buckets()
	if statusKV == nil || connKV == nil {
		return
	}

	p.tracker.add(userId, connId)
	p.storeWrite(func() error {
		_, err := connKV.Put(connKey(userId, connId), []byte(`{}`))
		return err
	}, "liveness put", userId)

	online := PresenceStatus{Status: statusOnline, LastSeen: time.Now().UnixMilli()}
	data, _ := json.Marshal(online)

	entry, err := statusKV.Get(userId)
	switch {
	case err == nil:
		var ps PresenceStatus
		if json.Unmarshal(entry.Value(), &ps) == nil && ps.Status == statusOnline {
			// online → online: multi-device re-entry, no duplicate broadcast
			return
		}
		if _, err := statusKV.Update(userId, data, entry.Revision()); err != nil {
			slog.Debug("Online CAS lost, another instance won", "user", userId)
			return
		}
	case errors.Is(err, nats.ErrKeyNotFound):
		if _, err := statusKV.Create(userId, data); err != nil {
			slog.Debug("Online create lost, another instance won", "user", userId)
			return
		}
	default:
		slog.Warn("Presence store unavailable, skipping online transition", "user", userId, "error", err)
		p.breaker.RecordFailure()
		return
	}

	p.transitionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", statusOnline)))
	p.publishStatus(ctx, userId, statusOnline)
}

// Heartbeat extends the connection's liveness TTL. Called periodically by
// each connection's supervisor, well under the bucket TTL.
func (p *PresenceCoordinator) Heartbeat(ctx context.Context, userId, connId string) {
	_, connKV := p.buckets()
	if connKV == nil {
		return
	}
	if p.storeWrite(func() error {
		_, err := connKV.Put(connKey(userId, connId), []byte(`{}`))
		return err
	}, "heartbeat", userId) {
		p.heartbeatCounter.Add(ctx, 1)
	}
	p.tracker.add(userId, connId)
}

// MarkOffline removes a connection's liveness on graceful disconnect. The
// offline transition fires only when this was the user's last known live
// connection across all gateway instances.
func (p *PresenceCoordinator) MarkOffline(ctx context.Context, userId, connId string) {
	_, connKV := p.buckets()
	if connKV == nil {
		return
	}
	p.storeWrite(func() error {
		return connKV.Delete(connKey(userId, connId))
	}, "liveness delete", userId)

	if p.tracker.remove(userId, connId) {
		slog.Info("Last connection gone for user", "user", userId, "conn", connId)
		p.handleUserOffline(ctx, userId)
	} else {
		slog.Debug("User still has other connections", "user", userId, "conn", connId)
	}
}

// handleUserOffline flips the stored status to offline. CAS on the status KV
// deduplicates across N gateway instances: only the instance whose Update
// succeeds broadcasts status:offline; the rest see a revision mismatch.
func (p *PresenceCoordinator) handleUserOffline(ctx context.Context, userId string) {
	statusKV, _ := p.buckets()
	if statusKV == nil {
		return
	}

	entry, err := statusKV.Get(userId)
	if errors.Is(err, nats.ErrKeyNotFound) {
		// No status entry: publish defensively so clients converge
		p.publishStatus(ctx, userId, statusOffline)
		return
	}
	if err != nil {
		// Transient store failure: the user may well be online elsewhere, so
		// broadcasting offline here would be a lie. Skip and let the liveness
		// TTL settle it.
		p.breaker.RecordFailure()
		slog.Warn("Presence store read failed, skipping offline transition", "user", userId, "error", err)
		return
	}

	var ps PresenceStatus
	if json.Unmarshal(entry.Value(), &ps) == nil && ps.Status == statusOffline {
		return // already offline, another instance handled it
	}

	offline := PresenceStatus{Status: statusOffline, LastSeen: time.Now().UnixMilli()}
	data, _ := json.Marshal(offline)

	if _, err := statusKV.Update(userId, data, entry.Revision()); err != nil {
		slog.Debug("Offline CAS lost, another instance won", "user", userId)
		return
	}

	p.transitionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", statusOffline)))
	p.publishStatus(ctx, userId, statusOffline)
}

func (p *PresenceCoordinator) publishStatus(ctx context.Context, userId, status string) {
	evt := StatusEvent{
		Id:     uuid.NewString(),
		UserId: userId,
		Status: status,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := p.publish(ctx, statusSubject, data); err != nil {
		slog.Warn("Failed to publish status event", "user", userId, "status", status, "error", err)
	}
}

// SubscribeStatus delivers presence.status broadcasts to every locally
// registered connection. Self-originated events are not skipped: local
// delivery of status changes happens only through this path, so each
// connection sees each transition once.
func (p *PresenceCoordinator) SubscribeStatus() error {
	_, err := p.nc.Subscribe(statusSubject, func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "presence status fanout")
		defer span.End()

		var evt StatusEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			slog.Warn("Invalid status event", "error", err)
			return
		}

		event := EventStatusOnline
		if evt.Status == statusOffline {
			event = EventStatusOffline
		}
		payload := StatusPayload{UserId: evt.UserId}
		for _, c := range p.reg.All() {
			c.sendEvent(event, payload)
		}
		slog.DebugContext(ctx, "Delivered status event", "user", evt.UserId, "status", evt.Status)
	})
	return err
}

// StartWatcher runs the liveness KV watcher: an initial pass seeds the conn
// tracker with keys already present (written by any instance), then delete
// and purge operations (TTL expiries included) drive offline detection.
func (p *PresenceCoordinator) StartWatcher(ctx context.Context) {
	p.watchMu.Lock()
	if p.watchCancel != nil {
		p.watchCancel()
	}
	watchCtx, cancel := context.WithCancel(ctx)
	p.watchCancel = cancel
	p.watchMu.Unlock()

	go p.watch(watchCtx)
}

// StopWatcher cancels the running watcher, if any.
func (p *PresenceCoordinator) StopWatcher() {
	p.watchMu.Lock()
	defer p.watchMu.Unlock()
	if p.watchCancel != nil {
		p.watchCancel()
		p.watchCancel = nil
	}
}

func (p *PresenceCoordinator) watch(ctx context.Context) {
	_, connKV := p.buckets()
	if connKV == nil {
		return
	}

	seed, err := connKV.WatchAll(nats.IgnoreDeletes())
	if err != nil {
		slog.Error("Failed to start liveness KV watcher", "error", err)
		return
	}
	for entry := range seed.Updates() {
		if entry == nil {
			break
		}
		parts := strings.SplitN(entry.Key(), ".", 2)
		if len(parts) == 2 {
			p.tracker.add(parts[0], parts[1])
		}
	}
	seed.Stop()
	slog.Info("Liveness KV watcher seeded, conn tracker synced")

	watcher, err := connKV.WatchAll()
	if err != nil {
		slog.Error("Failed to start liveness KV watcher with deletes", "error", err)
		return
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue
			}

			parts := strings.SplitN(entry.Key(), ".", 2)
			if len(parts) != 2 {
				continue
			}
			userId, connId := parts[0], parts[1]

			switch entry.Operation() {
			case nats.KeyValuePut:
				p.tracker.add(userId, connId)
			case nats.KeyValueDelete, nats.KeyValuePurge:
				if p.tracker.remove(userId, connId) {
					p.expirationCounter.Add(ctx, 1)
					slog.Info("Connection liveness expired, last connection gone", "user", userId, "conn", connId)
					p.handleUserOffline(ctx, userId)
				} else {
					slog.Debug("Connection liveness expired, user has other connections", "user", userId, "conn", connId)
				}
			}
		}
	}
}

// HandleReconnect re-establishes presence state after a NATS reconnect:
// buckets are recreated, the tracker is reset, and the watcher restarted so
// the tracker re-seeds from whatever survived on the server.
func (p *PresenceCoordinator) HandleReconnect(ctx context.Context, nc *nats.Conn) {
	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to get JetStream after reconnect", "error", err)
		return
	}
	if err := p.EnsureBuckets(js); err != nil {
		slog.Error("Failed to recreate presence buckets after reconnect", "error", err)
		return
	}
	p.tracker.reset()
	p.StartWatcher(ctx)
	slog.Info("Presence state reset and watcher restarted after reconnect")
}

// storeWrite runs a presence-store write behind the circuit breaker. Store
// failures degrade presence to best-effort; they never propagate to the
// connection path. Returns true when the write happened.
func (p *PresenceCoordinator) storeWrite(op func() error, what, userId string) bool {
	if !p.breaker.Allow() {
		slog.Debug("Presence store breaker open, skipping write", "op", what, "user", userId)
		return false
	}
	if err := op(); err != nil {
		p.breaker.RecordFailure()
		slog.Warn("Presence store write failed", "op", what, "user", userId, "error", err)
		return false
	}
	p.breaker.RecordSuccess()
	return true
}
