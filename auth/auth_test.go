package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fitmirror/fitmirror/config"
	"github.com/fitmirror/fitmirror/store"
)

func setupTestAuth(t *testing.T, initialAdmin *config.InitialAdmin) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	svc := NewService(s, config.AuthConfig{
		JWTSecret:    "test-secret-at-least-32-chars-long",
		JWTExpiry:    config.Duration{Duration: time.Hour},
		InitialAdmin: initialAdmin,
	})
	return svc, s
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := setupTestAuth(t, nil)
	ctx := context.Background()

	user, err := svc.Register(ctx, "user@example.com", "testpassword123", "")
	if err != nil {
		t.Fatal(err)
	}
	if user.Email != "user@example.com" {
		t.Errorf("expected email user@example.com, got %q", user.Email)
	}
	if user.Role != "user" {
		t.Errorf("expected default role user, got %q", user.Role)
	}

	token, err := svc.Login(ctx, "user@example.com", "testpassword123")
	if err != nil {
		t.Fatal(err)
	}

	identity, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if identity.UserID != user.ID {
		t.Errorf("expected user ID %s, got %s", user.ID, identity.UserID)
	}
	if identity.Email != "user@example.com" {
		t.Errorf("expected email user@example.com, got %q", identity.Email)
	}
	if identity.Role != "user" {
		t.Errorf("expected role user, got %q", identity.Role)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	svc, _ := setupTestAuth(t, nil)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "dup@example.com", "testpassword123", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Register(ctx, "dup@example.com", "otherpassword123", ""); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	svc, _ := setupTestAuth(t, nil)
	ctx := context.Background()

	if _, err := svc.Login(ctx, "ghost@example.com", "whatever123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}

	if _, err := svc.Register(ctx, "real@example.com", "testpassword123", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Login(ctx, "real@example.com", "wrongpassword"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc, _ := setupTestAuth(t, nil)

	if _, err := svc.ValidateToken(context.Background(), "not-a-jwt"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	svc, s := setupTestAuth(t, nil)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "user@example.com", "testpassword123", ""); err != nil {
		t.Fatal(err)
	}
	token, err := svc.Login(ctx, "user@example.com", "testpassword123")
	if err != nil {
		t.Fatal(err)
	}

	other := NewService(s, config.AuthConfig{
		JWTSecret: "a-completely-different-32-char-secret!",
		JWTExpiry: config.Duration{Duration: time.Hour},
	})
	if _, err := other.ValidateToken(ctx, token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized with wrong secret, got %v", err)
	}
}

func TestBootstrapCreatesInitialAdmin(t *testing.T) {
	svc, s := setupTestAuth(t, &config.InitialAdmin{
		Email:    "admin@example.com",
		Password: "adminpassword123",
	})
	ctx := context.Background()

	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}

	admin, err := s.GetUserByEmail(ctx, "admin@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if admin == nil {
		t.Fatal("expected admin user to exist")
	}
	if admin.Role != "admin" {
		t.Errorf("expected role admin, got %q", admin.Role)
	}

	// Bootstrap is idempotent.
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}

	// And the admin can log in.
	if _, err := svc.Login(ctx, "admin@example.com", "adminpassword123"); err != nil {
		t.Fatal(err)
	}
}
