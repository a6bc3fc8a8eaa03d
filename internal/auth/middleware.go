package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"ms-momo/internal/logger"

	"github.com/coreos/go-oidc/v3/oidc"
)

type contextKey string

const userIDKey contextKey = "user_id"

// SubjectVerifier checks a bearer token and returns its subject.
type SubjectVerifier func(ctx context.Context, rawToken string) (string, error)

// NewOIDCVerifier discovers the issuer (e.g. a Keycloak realm URL) and returns
// a verifier for its ID tokens. No client ID is required.
func NewOIDCVerifier(ctx context.Context, issuer string) (SubjectVerifier, error) {
	if issuer == "" {
		return nil, fmt.Errorf("OIDC issuer not set")
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		SkipClientIDCheck: true,
	})

	return func(ctx context.Context, rawToken string) (string, error) {
		idToken, err := verifier.Verify(ctx, rawToken)
		if err != nil {
			return "", err
		}
		var claims struct {
			Sub string `json:"sub"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return "", fmt.Errorf("failed to parse claims: %w", err)
		}
		return claims.Sub, nil
	}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// token subject in the request context.
func Middleware(verify SubjectVerifier, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "missing Authorization header", http.StatusUnauthorized)
				return
			}

			// Expect "Bearer <token>"
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			sub, err := verify(r.Context(), parts[1])
			if err != nil {
				log.LogSecurity("TOKEN_REJECTED", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID returns the authenticated subject, or "" for anonymous requests.
func UserID(ctx context.Context) string {
	if uid, ok := ctx.Value(userIDKey).(string); ok {
		return uid
	}
	return ""
}
