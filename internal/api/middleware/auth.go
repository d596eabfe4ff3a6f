package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/narvanalabs/sandbox-plane/internal/api/errors"
	"github.com/narvanalabs/sandbox-plane/internal/auth"
	"github.com/narvanalabs/sandbox-plane/pkg/logger"
)

type contextKey string

// ClaimsKey is the context key for validated token claims.
const ClaimsKey contextKey = "claims"

// GetClaims returns the claims stored by Authenticate, or nil.
func GetClaims(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(ClaimsKey).(*auth.Claims)
	return c
}

// WithClaims stores claims in ctx.
func WithClaims(ctx context.Context, c *auth.Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, c)
}

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// AuthMiddleware handles JWT bearer authentication.
type AuthMiddleware struct {
	validator TokenValidator
	logger    *slog.Logger
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(validator TokenValidator, logger *slog.Logger) *AuthMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{validator: validator, logger: logger}
}

// Authenticate rejects requests without a valid bearer token.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			apierrors.WriteError(w, r, apierrors.NewUnauthorizedError("Missing authentication"))
			return
		}

		claims, err := m.validator.ValidateToken(token)
		if err != nil {
			m.logger.Debug("JWT validation failed", "error", err)
			if errors.Is(err, auth.ErrExpiredToken) {
				apierrors.WriteError(w, r, apierrors.NewUnauthorizedError("Token has expired"))
				return
			}
			apierrors.WriteError(w, r, apierrors.NewUnauthorizedError("Invalid token"))
			return
		}

		ctx := WithClaims(r.Context(), claims)
		if claims.EstateID != "" {
			ctx = logger.ContextWithEstateID(ctx, claims.EstateID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope rejects authenticated requests whose token has another scope.
func RequireScope(scope auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r.Context())
			if claims == nil {
				apierrors.WriteError(w, r, apierrors.NewUnauthorizedError("Authentication required"))
				return
			}
			if claims.Scope != scope {
				apierrors.WriteError(w, r, apierrors.NewForbiddenError("Token scope not allowed"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TokenFromQuery copies an access_token query parameter into the
// Authorization header when the header is absent. Browsers cannot set
// headers on websocket handshakes.
func TokenFromQuery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			if token := r.URL.Query().Get("access_token"); token != "" {
				r.Header.Set("Authorization", "Bearer "+token)
			}
		}
		next.ServeHTTP(w, r)
	})
}
