package auth

import (
	"context"

	"github.com/fitmirror/fitmirror/store"
)

// Identity is the authenticated caller extracted from a bearer token.
type Identity struct {
	UserID string
	Email  string
	Role   string // "admin" or "user"
}

// Provider validates bearer tokens.
type Provider interface {
	// ValidateToken validates a bearer token and returns the caller's Identity.
	ValidateToken(ctx context.Context, token string) (*Identity, error)

	// Bootstrap performs any one-time setup (e.g. creating the initial admin).
	Bootstrap(ctx context.Context) error

	// Name returns the provider name ("builtin" or "jwks").
	Name() string
}

// LoginProvider issues tokens from credentials. Only the builtin provider
// implements it; external providers issue tokens out of band.
type LoginProvider interface {
	Login(ctx context.Context, email, password string) (string, error)
	Register(ctx context.Context, email, password, role string) (*store.User, error)
}
