package tryon

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fitmirror/fitmirror/credits"
	"github.com/fitmirror/fitmirror/store"
)

// stubGenerator returns a canned output or error.
type stubGenerator struct {
	out   *Output
	err   error
	calls int
}

func (g *stubGenerator) Generate(ctx context.Context, req Request) (*Output, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return g.out, nil
}

func validRequest() Request {
	return Request{
		ModelImageURL:   "https://img.example.com/model.jpg",
		GarmentImageURL: "https://img.example.com/garment.jpg",
		Settings:        Settings{Creativity: 40},
	}
}

func setupTestService(t *testing.T, gen Generator) (*Service, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	exec := credits.NewExecutor(s, slog.Default())
	svc := NewService(s, gen, exec, nil, slog.Default())
	return svc, s
}

// createTestUser inserts a user row so balances can reference it.
func createTestUser(t *testing.T, s *store.SQLiteStore) string {
	t.Helper()
	id := uuid.New().String()
	err := s.CreateUser(context.Background(), &store.User{
		ID:        id,
		Email:     id + "@example.com",
		Role:      "user",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name      string
		req       Request
		wantField string
	}{
		{
			name: "missing model image",
			req: Request{
				GarmentImageURL: "https://img.example.com/garment.jpg",
			},
			wantField: "modelImageUrl",
		},
		{
			name: "non-http garment image",
			req: Request{
				ModelImageURL:   "https://img.example.com/model.jpg",
				GarmentImageURL: "ftp://img.example.com/garment.jpg",
			},
			wantField: "garmentImageUrl",
		},
		{
			name: "creativity out of range",
			req: Request{
				ModelImageURL:   "https://img.example.com/model.jpg",
				GarmentImageURL: "https://img.example.com/garment.jpg",
				Settings:        Settings{Creativity: 101},
			},
			wantField: "settings.creativity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if _, ok := vErr.Fields[tt.wantField]; !ok {
				t.Errorf("expected field %q in %v", tt.wantField, vErr.Fields)
			}
		})
	}

	if err := validRequest().Validate(); err != nil {
		t.Errorf("expected valid request, got %v", err)
	}
}

func TestTryOnSuccess(t *testing.T) {
	gen := &stubGenerator{out: &Output{ResultImageURL: "https://img.example.com/result.jpg", ProcessingMS: 900}}
	svc, s := setupTestService(t, gen)
	ctx := context.Background()
	userID := createTestUser(t, s)

	if _, err := s.GrantCredits(ctx, userID, 1, "signup grant"); err != nil {
		t.Fatal(err)
	}

	result, err := svc.TryOn(ctx, userID, validRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ResultImageURL != "https://img.example.com/result.jpg" {
		t.Errorf("unexpected result URL %q", result.ResultImageURL)
	}
	if result.ProcessingMS != 900 {
		t.Errorf("expected processing time 900, got %d", result.ProcessingMS)
	}

	// Persisted and retrievable.
	saved, err := svc.Get(ctx, result.ID)
	if err != nil {
		t.Fatal(err)
	}
	if saved == nil || saved.UserID != userID {
		t.Fatalf("expected saved generation for %s, got %+v", userID, saved)
	}

	balance, err := s.Balance(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if balance.Remaining != 0 {
		t.Errorf("expected remaining 0 after charge, got %d", balance.Remaining)
	}
}

func TestTryOnValidationCostsNothing(t *testing.T) {
	gen := &stubGenerator{}
	svc, s := setupTestService(t, gen)
	ctx := context.Background()
	userID := createTestUser(t, s)

	if _, err := s.GrantCredits(ctx, userID, 1, "signup grant"); err != nil {
		t.Fatal(err)
	}

	_, err := svc.TryOn(ctx, userID, Request{})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}

	if gen.calls != 0 {
		t.Errorf("expected generator not to run, ran %d times", gen.calls)
	}
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if balance.Remaining != 1 {
		t.Errorf("expected remaining 1, got %d", balance.Remaining)
	}
}

func TestTryOnInsufficientCredits(t *testing.T) {
	gen := &stubGenerator{}
	svc, _ := setupTestService(t, gen)

	_, err := svc.TryOn(context.Background(), "user-1", validRequest())
	if !errors.Is(err, credits.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if gen.calls != 0 {
		t.Errorf("expected generator not to run, ran %d times", gen.calls)
	}
}

func TestTryOnGeneratorFailureRefunds(t *testing.T) {
	gen := &stubGenerator{err: errors.New("upstream timeout")}
	svc, s := setupTestService(t, gen)
	ctx := context.Background()
	userID := createTestUser(t, s)

	if _, err := s.GrantCredits(ctx, userID, 1, "signup grant"); err != nil {
		t.Fatal(err)
	}

	_, err := svc.TryOn(ctx, userID, validRequest())
	var opErr *credits.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *credits.OperationError, got %v", err)
	}

	balance, err := s.Balance(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if balance.Remaining != 1 {
		t.Errorf("expected credit refunded, remaining %d", balance.Remaining)
	}

	// Nothing was persisted for the failed run.
	gens, err := svc.History(ctx, userID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(gens) != 0 {
		t.Errorf("expected no generations, got %d", len(gens))
	}
}

func TestTryOnGuest(t *testing.T) {
	gen := &stubGenerator{out: &Output{ResultImageURL: "https://img.example.com/result.jpg", ProcessingMS: 700}}
	svc, s := setupTestService(t, gen)
	ctx := context.Background()

	result, err := svc.TryOn(ctx, "", validRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.UserID != "" {
		t.Errorf("expected anonymous generation, got user %q", result.UserID)
	}

	// Guest runs never create balances or ledger entries.
	balance, err := s.Balance(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if balance != nil {
		t.Errorf("expected no balance row for guests, got %+v", balance)
	}
}
