package auth

import (
	"fmt"

	"github.com/fitmirror/fitmirror/config"
	"github.com/fitmirror/fitmirror/store"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig, s store.Store) (Provider, error) {
	switch cfg.Provider {
	case "jwks":
		return NewJWKSProvider(cfg.JWKSIssuer)
	case "builtin", "":
		return NewService(s, cfg), nil
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
