package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier validates a bearer credential and resolves the authenticated
// identity. Verification failures carry ErrUnauthenticated.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// gatewayTokenClaims extends jwt.RegisteredClaims with the Keycloak profile
// claims the gateway binds to a connection.
type gatewayTokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
}

// KeycloakVerifier validates Keycloak access tokens using cached JWKS keys.
type KeycloakVerifier struct {
	jwks      *keyfunc.JWKS
	issuerURL string
}

// NewKeycloakVerifier fetches and caches the realm's JWKS. If issuerOverride
// is non-empty it is used as the expected token issuer instead of deriving it
// from keycloakURL (needed when the browser-facing URL differs from the
// internal service URL). Retries while Keycloak is still starting.
func NewKeycloakVerifier(keycloakURL, realm, issuerOverride string) (*KeycloakVerifier, error) {
	jwksURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", keycloakURL, realm)
	issuerURL := fmt.Sprintf("%s/realms/%s", keycloakURL, realm)
	if issuerOverride != "" {
		issuerURL = issuerOverride
	}

	slog.Info("Initializing Keycloak JWKS verifier", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for Keycloak JWKS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch Keycloak JWKS after retries: %w", err)
	}

	slog.Info("Keycloak JWKS loaded", "jwks_url", jwksURL)

	return &KeycloakVerifier{
		jwks:      jwks,
		issuerURL: issuerURL,
	}, nil
}

// Verify parses and validates an access token and maps its claims to an
// Identity. The subject claim becomes the user id.
func (v *KeycloakVerifier) Verify(_ context.Context, tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}

	claims := &gatewayTokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuerURL),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !token.Valid {
		return Identity{}, fmt.Errorf("%w: token is not valid", ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Subject
	}

	return Identity{
		ID:       claims.Subject,
		Email:    claims.Email,
		Username: username,
	}, nil
}

// Close shuts down the JWKS background refresh goroutine.
func (v *KeycloakVerifier) Close() {
	v.jwks.EndBackground()
}
