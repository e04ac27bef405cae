package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/example/nats-chat-gateway/pkg/otelhelper"
)

func main() {
	ctx := context.Background()

	// Initialize OpenTelemetry
	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	meter := otel.Meter("chat-gateway")
	cfg := loadConfig()

	// Process identity for cross-instance fan-out origin tracking
	origin := uuid.NewString()

	slog.Info("Starting Chat Gateway", "nats_url", cfg.NATSURL, "listen", cfg.ListenAddr, "origin", origin)

	verifier, err := NewKeycloakVerifier(cfg.KeycloakURL, cfg.KeycloakRealm, cfg.KeycloakIssuer)
	if err != nil {
		slog.Error("Failed to initialize token verifier", "error", err)
		os.Exit(1)
	}
	defer verifier.Close()

	reg := NewRegistry()
	breaker := NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldownSeconds)

	var presence *PresenceCoordinator

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NATSURL,
			nats.UserInfo(cfg.NATSUser, cfg.NATSPass),
			nats.Name("chat-gateway-"+origin),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected, resetting presence state")
				if presence != nil {
					presence.HandleReconnect(context.Background(), nc)
				}
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}

	presence = NewPresenceCoordinator(nc, reg, breaker, cfg.PresenceTTL, meter)
	if err := presence.EnsureBuckets(js); err != nil {
		slog.Error("Failed to create presence KV buckets", "error", err)
		os.Exit(1)
	}
	slog.Info("Presence KV buckets ready", "buckets", statusBucket+", "+connBucket, "ttl", cfg.PresenceTTL)

	// Participant authorization: direct SQL when a database is configured,
	// room-service request/reply otherwise.
	var authz ParticipantAuthorizer
	if cfg.DatabaseURL != "" {
		db, err := otelsql.Open("postgres", cfg.DatabaseURL,
			otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
		if err != nil {
			slog.Error("Failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemPostgreSQL))

		if err := pingWithRetry(db); err != nil {
			slog.Error("Database not ready", "error", err)
			os.Exit(1)
		}
		authz = NewSQLAuthorizer(db)
		slog.Info("Using SQL participant authorizer")
	} else {
		authz = NewNATSAuthorizer(nc)
		slog.Info("Using room-service participant authorizer")
	}

	fanout := NewFanoutEngine(nc, reg, origin, meter)
	store := NewNATSMessageStore(nc)
	receipts := NewReadReceiptPublisher(nc)

	gateway := NewGateway(cfg, origin, reg, presence, fanout, verifier, authz, store, receipts, meter)

	if err := fanout.Start(); err != nil {
		slog.Error("Failed to subscribe to fanout channel", "error", err)
		os.Exit(1)
	}
	if err := presence.SubscribeStatus(); err != nil {
		slog.Error("Failed to subscribe to status channel", "error", err)
		os.Exit(1)
	}
	presence.StartWatcher(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gateway.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !nc.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "nats disconnected")
			return
		}
		fmt.Fprintf(w, "ok connections=%d rooms=%d\n", reg.Len(), reg.RoomCount())
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Gateway listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	presence.StopWatcher()
	gateway.Shutdown()
	nc.Drain()
	slog.Info("Gateway shutdown complete")
}

func pingWithRetry(db *sql.DB) error {
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		if err = db.Ping(); err == nil {
			return nil
		}
		slog.Info("Waiting for database", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	return err
}
