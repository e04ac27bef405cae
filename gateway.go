package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Gateway owns the connection lifecycle: accept → authenticate → register →
// dispatch → cleanup. Cleanup runs exactly once per connection regardless of
// whether termination was client-initiated, server-initiated, or a transport
// error.
type Gateway struct {
	cfg      Config
	origin   string
	reg      *Registry
	presence *PresenceCoordinator
	fanout   *FanoutEngine
	verifier TokenVerifier
	authz    ParticipantAuthorizer
	store    MessageStore
	receipts receiptPublisher

	upgrader websocket.Upgrader
	handlers map[string]handlerFunc

	authFailCounter   metric.Int64Counter
	disconnectCounter metric.Int64Counter
}

func NewGateway(cfg Config, origin string, reg *Registry, presence *PresenceCoordinator, fanout *FanoutEngine,
	verifier TokenVerifier, authz ParticipantAuthorizer, store MessageStore, receipts receiptPublisher,
	meter metric.Meter) *Gateway {

	g := &Gateway{
		cfg:      cfg,
		origin:   origin,
		reg:      reg,
		presence: presence,
		fanout:   fanout,
		verifier: verifier,
		authz:    authz,
		store:    store,
		receipts: receipts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients arrive through the load balancer with
			// arbitrary origins; credential checks happen at handshake.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	g.handlers = g.buildDispatchTable()

	g.authFailCounter, _ = meter.Int64Counter("gateway_auth_failures_total",
		metric.WithDescription("Total rejected connection handshakes"))
	g.disconnectCounter, _ = meter.Int64Counter("gateway_disconnects_total",
		metric.WithDescription("Total connection cleanups"))

	connGauge, _ := meter.Int64ObservableGauge("gateway_connections",
		metric.WithDescription("Currently registered connections"))
	roomGauge, _ := meter.Int64ObservableGauge("gateway_rooms",
		metric.WithDescription("Rooms with at least one local subscriber"))
	meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(connGauge, int64(reg.Len()))
		o.ObserveInt64(roomGauge, int64(reg.RoomCount()))
		return nil
	}, connGauge, roomGauge)

	return g
}

// ServeWS upgrades the HTTP request and runs the connection to completion.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	identity, err := g.authenticate(r, ws)
	if err != nil {
		g.authFailCounter.Add(r.Context(), 1)
		slog.Info("Connection rejected", "remote", r.RemoteAddr, "error", err)
		g.rejectAndClose(ws)
		return
	}

	c := newConnection(uuid.NewString(), identity, ws, r.RemoteAddr, g.cfg.SendBuffer)
	c.cleanup = g.cleanupConnection
	ws.SetReadLimit(g.cfg.MaxMessageBytes)

	g.reg.Add(c)
	g.reg.Subscribe(c, userRoom(identity.ID))

	go c.writePump()
	go g.heartbeatLoop(c)

	// Presence externalization is asynchronous: a slow store never delays
	// the first inbound frame.
	go g.presence.MarkOnline(context.Background(), identity.ID, c.id)

	c.sendEvent(EventAuthenticated, AuthenticatedPayload{UserId: identity.ID, Username: identity.Username})
	slog.Info("Connection established", "conn", c.id, "user", identity.ID, "username", identity.Username, "remote", r.RemoteAddr)

	g.readLoop(c)
}

// authenticate resolves the bearer credential from the upgrade request or,
// failing that, from a first authenticate frame sent within the auth
// deadline. No Connection is allocated and nothing is registered until the
// credential verifies.
func (g *Gateway) authenticate(r *http.Request, tr transport) (Identity, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}

	if token == "" {
		tr.SetReadDeadline(time.Now().Add(g.cfg.AuthTimeout))
		_, raw, err := tr.ReadMessage()
		if err != nil {
			return Identity{}, ErrUnauthenticated
		}
		var env ClientEnvelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event != EventAuthenticate {
			return Identity{}, ErrUnauthenticated
		}
		var p AuthenticatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.Token == "" {
			return Identity{}, ErrUnauthenticated
		}
		token = p.Token
	}

	return g.verifier.Verify(r.Context(), token)
}

func (g *Gateway) rejectAndClose(tr transport) {
	frame := encodeServerEvent(EventError, ErrorPayload{Code: CodeUnauthenticated, Message: "authentication required"})
	tr.SetWriteDeadline(time.Now().Add(writeTimeout))
	tr.WriteMessage(websocket.TextMessage, frame)
	tr.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, CodeUnauthenticated),
		time.Now().Add(writeTimeout))
	tr.Close()
}

// readLoop is the connection's inbound task: one goroutine per connection,
// frames dispatched in arrival order.
func (g *Gateway) readLoop(c *Connection) {
	c.tr.SetReadDeadline(time.Now().Add(pongTimeout))
	c.tr.SetPongHandler(func(string) error {
		c.tr.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, raw, err := c.tr.ReadMessage()
		if err != nil {
			reason := "read error"
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "client closed"
			}
			c.Terminate(reason)
			return
		}
		c.tr.SetReadDeadline(time.Now().Add(pongTimeout))
		c.touch()
		g.dispatch(context.Background(), c, raw)
	}
}

// cleanupConnection is installed as the connection's once-only cleanup
// handler. It unsubscribes every room synchronously, then lets the presence
// store decide whether this was the user's last live connection.
func (g *Gateway) cleanupConnection(c *Connection, reason string) {
	rooms := g.reg.Remove(c)
	g.disconnectCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	// Asynchronous like MarkOnline, and unordered relative to it: an instant
	// disconnect can leave a stale liveness key, which the store TTL expires.
	go g.presence.MarkOffline(context.Background(), c.identity.ID, c.id)
	slog.Info("Connection closed", "conn", c.id, "user", c.identity.ID, "reason", reason, "rooms", len(rooms))
}

// heartbeatLoop periodically refreshes the connection's presence TTL. The
// interval sits well under the store TTL so a single missed beat never
// flickers the user offline.
func (g *Gateway) heartbeatLoop(c *Connection) {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			g.presence.Heartbeat(context.Background(), c.identity.ID, c.id)
		}
	}
}

// Shutdown terminates every registered connection.
func (g *Gateway) Shutdown() {
	conns := g.reg.All()
	for _, c := range conns {
		c.Terminate("server shutdown")
	}
	slog.Info("Closed all client connections", "count", len(conns))
}
