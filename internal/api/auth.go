package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Authenticator verifies bearer tokens against an OIDC issuer. When Deps
// carries no Authenticator the API runs open, which is the development mode.
type Authenticator struct {
	verifier *oidc.IDTokenVerifier
	logger   *slog.Logger
}

// NewAuthenticator discovers the issuer and prepares a verifier for tokens
// minted for clientID.
func NewAuthenticator(ctx context.Context, issuerURL, clientID string, logger *slog.Logger) (*Authenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	return &Authenticator{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		logger:   logger,
	}, nil
}

type subjectKey struct{}

// Subject returns the authenticated token subject, or "" for an
// unauthenticated request.
func Subject(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey{}).(string)
	return sub
}

// Middleware rejects requests without a valid bearer token and records the
// token subject on the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			unauthorized(w, "missing bearer token")
			return
		}
		idToken, err := a.verifier.Verify(r.Context(), raw)
		if err != nil {
			a.logger.Warn("token rejected", "error", err)
			unauthorized(w, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), subjectKey{}, idToken.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
