package main

import (
	"os"
	"strconv"
	"time"
)

// Config is the gateway's runtime configuration, read from environment
// variables with docker-compose-friendly defaults.
type Config struct {
	ListenAddr string

	NATSURL  string
	NATSUser string
	NATSPass string

	KeycloakURL    string
	KeycloakRealm  string
	KeycloakIssuer string

	// DatabaseURL enables the direct SQL participant authorizer; when empty
	// the gateway falls back to room-service request/reply.
	DatabaseURL string

	PresenceTTL       time.Duration
	HeartbeatInterval time.Duration
	AuthTimeout       time.Duration

	SendBuffer      int
	MaxMessageBytes int64

	BreakerThreshold       int
	BreakerCooldownSeconds int
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func loadConfig() Config {
	return Config{
		ListenAddr: envOrDefault("LISTEN_ADDR", ":8080"),

		NATSURL:  envOrDefault("NATS_URL", "nats://localhost:4222"),
		NATSUser: envOrDefault("NATS_USER", "gateway"),
		NATSPass: envOrDefault("NATS_PASS", "gateway-secret"),

		KeycloakURL:    envOrDefault("KEYCLOAK_URL", "http://localhost:8081"),
		KeycloakRealm:  envOrDefault("KEYCLOAK_REALM", "chat"),
		KeycloakIssuer: envOrDefault("KEYCLOAK_ISSUER", ""),

		DatabaseURL: envOrDefault("DATABASE_URL", ""),

		// Heartbeats run at a third of the TTL: losing two in a row still
		// keeps the user online.
		PresenceTTL:       time.Duration(envInt("PRESENCE_TTL_SECONDS", 90)) * time.Second,
		HeartbeatInterval: time.Duration(envInt("HEARTBEAT_SECONDS", 30)) * time.Second,
		AuthTimeout:       time.Duration(envInt("AUTH_TIMEOUT_SECONDS", 10)) * time.Second,

		SendBuffer:      envInt("SEND_BUFFER", 256),
		MaxMessageBytes: int64(envInt("MAX_MESSAGE_BYTES", 65536)),

		BreakerThreshold:       envInt("BREAKER_THRESHOLD", 5),
		BreakerCooldownSeconds: envInt("BREAKER_COOLDOWN_SECONDS", 30),
	}
}
