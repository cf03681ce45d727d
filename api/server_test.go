package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fitmirror/fitmirror/auth"
	"github.com/fitmirror/fitmirror/billing"
	"github.com/fitmirror/fitmirror/config"
	"github.com/fitmirror/fitmirror/credits"
	"github.com/fitmirror/fitmirror/store"
	"github.com/fitmirror/fitmirror/tryon"
)

// stubGenerator returns a canned output or error.
type stubGenerator struct {
	out *tryon.Output
	err error
}

func (g *stubGenerator) Generate(ctx context.Context, req tryon.Request) (*tryon.Output, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.out, nil
}

func setupTestServer(t *testing.T, gen tryon.Generator) (*Server, *auth.Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
			UploadPath:     t.TempDir(),
			MaxUploadBytes: 1024 * 1024,
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-at-least-32-chars-long",
			JWTExpiry: config.Duration{Duration: 1 * time.Hour},
		},
		Credits: config.CreditsConfig{
			SignupGrant: 2,
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
	}

	if gen == nil {
		gen = &stubGenerator{out: &tryon.Output{ResultImageURL: "https://cdn.example.com/out.jpg", ProcessingMS: 900}}
	}

	logger := slog.Default()
	authSvc := auth.NewService(s, cfg.Auth)
	exec := credits.NewExecutor(s, logger)
	tryonSvc := tryon.NewService(s, gen, exec, nil, logger)
	granter := billing.NewGranter(s, nil, logger)

	srv := NewServer(s, authSvc, authSvc, tryonSvc, granter, cfg, ServerOptions{}, logger)
	return srv, authSvc, s
}

func parseJSONResponse(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
}

func doJSON(t *testing.T, srv *Server, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	return w
}

func signupAndGetToken(t *testing.T, srv *Server, email string) string {
	t.Helper()
	w := doJSON(t, srv, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email":    email,
		"password": "testpassword123",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("signup: expected status 201, got %d; body: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["token"] == "" {
		t.Fatal("signup: expected non-empty token")
	}
	return resp["token"]
}

func validTryOnPayload() map[string]any {
	return map[string]any{
		"modelImageUrl":   "https://img.example.com/model.jpg",
		"garmentImageUrl": "https://img.example.com/garment.jpg",
		"settings": map[string]any{
			"preserveIdentity": true,
			"creativity":       40,
		},
	}
}

// --- Tests ---

func TestHealthz(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]any
	parseJSONResponse(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
}

func TestAuthConfig(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)

	w := doJSON(t, srv, http.MethodGet, "/api/auth/config", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["provider"] != "builtin" {
		t.Errorf("expected provider builtin, got %q", resp["provider"])
	}
}

func TestSignupGrantsCredits(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	token := signupAndGetToken(t, srv, "new@example.com")

	w := doJSON(t, srv, http.MethodGet, "/api/credits", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	var resp map[string]int64
	parseJSONResponse(t, w, &resp)
	if resp["remaining"] != 2 {
		t.Errorf("expected 2 signup credits, got %d", resp["remaining"])
	}
	if resp["usedTotal"] != 0 {
		t.Errorf("expected usedTotal 0, got %d", resp["usedTotal"])
	}
}

func TestSignupDuplicateEmail(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	signupAndGetToken(t, srv, "dup@example.com")

	w := doJSON(t, srv, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email":    "dup@example.com",
		"password": "testpassword123",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", w.Code)
	}
}

func TestLogin(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	signupAndGetToken(t, srv, "login@example.com")

	w := doJSON(t, srv, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    "login@example.com",
		"password": "testpassword123",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["token"] == "" {
		t.Error("expected non-empty token in response")
	}

	w = doJSON(t, srv, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    "login@example.com",
		"password": "wrongpassword",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for bad password, got %d", w.Code)
	}
}

func TestGetMe(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	token := signupAndGetToken(t, srv, "me@example.com")

	w := doJSON(t, srv, http.MethodGet, "/api/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]any
	parseJSONResponse(t, w, &resp)
	if resp["email"] != "me@example.com" {
		t.Errorf("expected email me@example.com, got %v", resp["email"])
	}
	if resp["credits"] != float64(2) {
		t.Errorf("expected 2 credits, got %v", resp["credits"])
	}
}

func TestMeRequiresAuth(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)

	w := doJSON(t, srv, http.MethodGet, "/api/me", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodGet, "/api/me", "not-a-jwt", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for garbage token, got %d", w.Code)
	}
}

func TestTryOnSuccess(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	token := signupAndGetToken(t, srv, "tryon@example.com")

	w := doJSON(t, srv, http.MethodPost, "/api/tryon", token, validTryOnPayload())
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Success bool               `json:"success"`
		Result  generationResponse `json:"result"`
	}
	parseJSONResponse(t, w, &resp)
	if !resp.Success {
		t.Error("expected success true")
	}
	if resp.Result.ID == "" {
		t.Error("expected non-empty generation id")
	}
	if resp.Result.ResultImageURL != "https://cdn.example.com/out.jpg" {
		t.Errorf("unexpected result URL %q", resp.Result.ResultImageURL)
	}
	if resp.Result.ProcessingTime != 900 {
		t.Errorf("expected processing time 900, got %d", resp.Result.ProcessingTime)
	}
	if resp.Result.CreatedAt == "" {
		t.Error("expected createdAt to be set")
	}

	// One credit spent.
	w = doJSON(t, srv, http.MethodGet, "/api/credits", token, nil)
	var creditsResp map[string]int64
	parseJSONResponse(t, w, &creditsResp)
	if creditsResp["remaining"] != 1 {
		t.Errorf("expected remaining 1, got %d", creditsResp["remaining"])
	}
}

func TestTryOnValidationError(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	token := signupAndGetToken(t, srv, "invalid@example.com")

	w := doJSON(t, srv, http.MethodPost, "/api/tryon", token, map[string]any{
		"modelImageUrl":   "not-a-url",
		"garmentImageUrl": "https://img.example.com/garment.jpg",
		"settings":        map[string]any{"creativity": 150},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d; body: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	parseJSONResponse(t, w, &resp)
	if resp.Error != "validation failed" {
		t.Errorf("expected error 'validation failed', got %q", resp.Error)
	}
	if _, ok := resp.Fields["modelImageUrl"]; !ok {
		t.Errorf("expected modelImageUrl field error, got %v", resp.Fields)
	}
	if _, ok := resp.Fields["settings.creativity"]; !ok {
		t.Errorf("expected settings.creativity field error, got %v", resp.Fields)
	}

	// Validation failures never cost a credit.
	w = doJSON(t, srv, http.MethodGet, "/api/credits", token, nil)
	var creditsResp map[string]int64
	parseJSONResponse(t, w, &creditsResp)
	if creditsResp["remaining"] != 2 {
		t.Errorf("expected remaining 2, got %d", creditsResp["remaining"])
	}
}

func TestTryOnInsufficientCredits(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	token := signupAndGetToken(t, srv, "broke@example.com")

	// Burn through the signup grant.
	for i := 0; i < 2; i++ {
		w := doJSON(t, srv, http.MethodPost, "/api/tryon", token, validTryOnPayload())
		if w.Code != http.StatusOK {
			t.Fatalf("call %d: expected status 200, got %d", i+1, w.Code)
		}
	}

	w := doJSON(t, srv, http.MethodPost, "/api/tryon", token, validTryOnPayload())
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d; body: %s", w.Code, w.Body.String())
	}
}

func TestTryOnGeneratorFailureRefunds(t *testing.T) {
	gen := &stubGenerator{err: errors.New("upstream timeout")}
	srv, _, _ := setupTestServer(t, gen)
	token := signupAndGetToken(t, srv, "fail@example.com")

	w := doJSON(t, srv, http.MethodPost, "/api/tryon", token, validTryOnPayload())
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d; body: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["error"] != "generation failed, your credit has been refunded" {
		t.Errorf("unexpected error message %q", resp["error"])
	}

	// Balance is unchanged after the refund.
	w = doJSON(t, srv, http.MethodGet, "/api/credits", token, nil)
	var creditsResp map[string]int64
	parseJSONResponse(t, w, &creditsResp)
	if creditsResp["remaining"] != 2 {
		t.Errorf("expected remaining 2 after refund, got %d", creditsResp["remaining"])
	}
}

// failingRefundStore makes every refund write fail while leaving the rest of
// the store intact.
type failingRefundStore struct {
	store.Store
}

func (f *failingRefundStore) RefundCredit(ctx context.Context, userID, description string) (int64, error) {
	return 0, errors.New("refund write failed")
}

func TestTryOnRefundFailureSurfacesSupportMessage(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	broken := &failingRefundStore{Store: s}

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
			UploadPath:     t.TempDir(),
			MaxUploadBytes: 1024 * 1024,
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-at-least-32-chars-long",
			JWTExpiry: config.Duration{Duration: 1 * time.Hour},
		},
		Credits:   config.CreditsConfig{SignupGrant: 2},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 100, Burst: 200},
	}

	logger := slog.Default()
	gen := &stubGenerator{err: errors.New("upstream timeout")}
	authSvc := auth.NewService(broken, cfg.Auth)
	exec := credits.NewExecutor(broken, logger)
	tryonSvc := tryon.NewService(broken, gen, exec, nil, logger)
	granter := billing.NewGranter(broken, nil, logger)
	srv := NewServer(broken, authSvc, authSvc, tryonSvc, granter, cfg, ServerOptions{}, logger)

	token := signupAndGetToken(t, srv, "stuck@example.com")

	w := doJSON(t, srv, http.MethodPost, "/api/tryon", token, validTryOnPayload())
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d; body: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	// A failed refund is a distinct condition, not the generic refunded message.
	if resp["error"] != "generation failed and the credit could not be refunded — please contact support" {
		t.Errorf("unexpected error message %q", resp["error"])
	}

	// The credit stays spent until an operator settles it.
	w = doJSON(t, srv, http.MethodGet, "/api/credits", token, nil)
	var creditsResp map[string]int64
	parseJSONResponse(t, w, &creditsResp)
	if creditsResp["remaining"] != 1 {
		t.Errorf("expected remaining 1 (charge not refunded), got %d", creditsResp["remaining"])
	}
}

func TestTryOnGuest(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)

	w := doJSON(t, srv, http.MethodPost, "/api/tryon", "", validTryOnPayload())
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 for guest, got %d; body: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Success bool `json:"success"`
	}
	parseJSONResponse(t, w, &resp)
	if !resp.Success {
		t.Error("expected success true")
	}
}

func TestTryOnGuestRejectsInvalidToken(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)

	w := doJSON(t, srv, http.MethodPost, "/api/tryon", "expired-garbage", validTryOnPayload())
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for invalid token, got %d", w.Code)
	}
}

func TestLedger(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	token := signupAndGetToken(t, srv, "ledger@example.com")

	w := doJSON(t, srv, http.MethodPost, "/api/tryon", token, validTryOnPayload())
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodGet, "/api/credits/ledger", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp struct {
		Entries []credits.LedgerEntry `json:"entries"`
	}
	parseJSONResponse(t, w, &resp)
	// Signup grant plus one charge.
	if len(resp.Entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(resp.Entries))
	}
	var sum int64
	for _, e := range resp.Entries {
		sum += e.Amount
	}
	if sum != 1 {
		t.Errorf("expected ledger sum 1, got %d", sum)
	}
}

func TestGenerationHistoryAndOwnership(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	tokenA := signupAndGetToken(t, srv, "owner@example.com")
	tokenB := signupAndGetToken(t, srv, "other@example.com")

	w := doJSON(t, srv, http.MethodPost, "/api/tryon", tokenA, validTryOnPayload())
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var created struct {
		Result generationResponse `json:"result"`
	}
	parseJSONResponse(t, w, &created)

	// Owner sees it in history and by ID.
	w = doJSON(t, srv, http.MethodGet, "/api/tryon", tokenA, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var history struct {
		Generations []generationResponse `json:"generations"`
	}
	parseJSONResponse(t, w, &history)
	if len(history.Generations) != 1 {
		t.Fatalf("expected 1 generation, got %d", len(history.Generations))
	}

	w = doJSON(t, srv, http.MethodGet, "/api/tryon/"+created.Result.ID, tokenA, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	// Another user can't read it.
	w = doJSON(t, srv, http.MethodGet, "/api/tryon/"+created.Result.ID, tokenB, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for non-owner, got %d", w.Code)
	}
}

func TestAdminGrantCredits(t *testing.T) {
	srv, authSvc, s := setupTestServer(t, nil)
	ctx := context.Background()

	user, err := authSvc.Register(ctx, "target@example.com", "testpassword123", "user")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := authSvc.Register(ctx, "admin@example.com", "adminpassword123", "admin"); err != nil {
		t.Fatal(err)
	}
	adminToken, err := authSvc.Login(ctx, "admin@example.com", "adminpassword123")
	if err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, srv, http.MethodPost, "/api/admin/credits/grant", adminToken, map[string]any{
		"user_id":     user.ID,
		"amount":      10,
		"description": "support credit",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	var resp map[string]int64
	parseJSONResponse(t, w, &resp)
	if resp["remaining"] != 10 {
		t.Errorf("expected remaining 10, got %d", resp["remaining"])
	}

	balance, err := s.Balance(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if balance == nil || balance.Remaining != 10 {
		t.Fatalf("expected balance 10, got %+v", balance)
	}

	// Unknown user is a 404.
	w = doJSON(t, srv, http.MethodPost, "/api/admin/credits/grant", adminToken, map[string]any{
		"user_id": "missing",
		"amount":  10,
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for unknown user, got %d", w.Code)
	}
}

func TestAdminRoutesForbiddenForUsers(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	token := signupAndGetToken(t, srv, "mortal@example.com")

	w := doJSON(t, srv, http.MethodPost, "/api/admin/credits/grant", token, map[string]any{
		"user_id": "someone",
		"amount":  10,
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodGet, "/api/admin/users/someone/ledger", token, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", w.Code)
	}
}

func TestBillingPacks(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)

	w := doJSON(t, srv, http.MethodGet, "/api/billing/packs", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp struct {
		Packs []billing.Pack `json:"packs"`
	}
	parseJSONResponse(t, w, &resp)
	if len(resp.Packs) == 0 {
		t.Fatal("expected at least one credit pack")
	}
}
