package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/fitmirror/fitmirror/auth"
	"github.com/fitmirror/fitmirror/store"
)

type contextKey string

const identityContextKey contextKey = "identity"

func getIdentityFromContext(ctx context.Context) *auth.Identity {
	identity, _ := ctx.Value(identityContextKey).(*auth.Identity)
	return identity
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// authMiddleware validates the bearer token and stores the resulting
// identity in the request context. Requests without a valid token get 401.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing or invalid authorization header")
			return
		}

		identity, err := s.authProvider.ValidateToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// optionalAuthMiddleware resolves an identity when a bearer token is present
// but lets anonymous requests through. A present-but-invalid token is still
// rejected so a client with an expired session gets a clear 401 instead of
// being silently treated as a guest.
func (s *Server) optionalAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := s.authProvider.ValidateToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ensureUserMiddleware provisions a local user row for identities minted by
// an external identity provider. First sight of a new external subject
// creates the user and applies the signup credit grant.
func (s *Server) ensureUserMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := getIdentityFromContext(r.Context())
		if identity == nil {
			next.ServeHTTP(w, r)
			return
		}

		existing, err := s.store.GetUserByExternalID(r.Context(), identity.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if existing == nil {
			user := &store.User{
				ID:         uuid.NewString(),
				Email:      identity.Email,
				ExternalID: identity.UserID,
				Role:       identity.Role,
			}
			if user.Role == "" {
				user.Role = "user"
			}
			if err := s.store.CreateUser(r.Context(), user); err != nil {
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			existing = user
			if s.signupGrant > 0 {
				if _, err := s.granter.Grant(r.Context(), user.ID, s.signupGrant, "signup grant"); err != nil {
					s.logger.Error("signup grant failed", "user_id", user.ID, "error", err)
				}
			}
			s.logger.Info("provisioned external user", "user_id", user.ID, "external_id", identity.UserID)
		}

		// Downstream handlers key everything off the local user ID.
		resolved := &auth.Identity{UserID: existing.ID, Email: existing.Email, Role: existing.Role}
		ctx := context.WithValue(r.Context(), identityContextKey, resolved)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminOnlyMiddleware rejects requests from non-admin identities.
func (s *Server) adminOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := getIdentityFromContext(r.Context())
		if identity == nil || identity.Role != "admin" {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// makeCORSMiddleware builds CORS middleware for the configured origins.
// An empty origin list disables cross-origin access entirely.
func makeCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	allowAll := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				if allowAll {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
