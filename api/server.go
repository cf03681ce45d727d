// Package api implements the HTTP API server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/fitmirror/fitmirror/auth"
	"github.com/fitmirror/fitmirror/billing"
	"github.com/fitmirror/fitmirror/config"
	"github.com/fitmirror/fitmirror/credits"
	"github.com/fitmirror/fitmirror/store"
	"github.com/fitmirror/fitmirror/tryon"
)

// Server is the HTTP API server.
type Server struct {
	store            store.Store
	authProvider     auth.Provider
	loginProvider    auth.LoginProvider // nil unless builtin auth
	tryonSvc         *tryon.Service
	granter          *billing.Granter
	billing          billing.Service // nil unless billing is enabled
	logger           *slog.Logger
	mux              *chi.Mux
	startTime        time.Time
	authProviderName string
	signupGrant      int64
	maxBodyBytes     int64
	uploadPath       string
	maxUploadBytes   int64
	publicBaseURL    string
	loginRL          *rateLimiter
	rl               *rateLimiter
}

// ServerOptions carries optional collaborators.
type ServerOptions struct {
	Billing billing.Service
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, svc *tryon.Service, granter *billing.Granter, cfg *config.Config, opts ServerOptions, logger *slog.Logger) *Server {
	srv := &Server{
		store:            s,
		authProvider:     ap,
		loginProvider:    lp,
		tryonSvc:         svc,
		granter:          granter,
		billing:          opts.Billing,
		logger:           logger.With("component", "api"),
		startTime:        time.Now(),
		authProviderName: ap.Name(),
		signupGrant:      cfg.Credits.SignupGrant,
		maxBodyBytes:     cfg.Server.MaxBodyBytes,
		uploadPath:       cfg.Server.UploadPath,
		maxUploadBytes:   cfg.Server.MaxUploadBytes,
		publicBaseURL:    strings.TrimSuffix(cfg.Server.PublicBaseURL, "/"),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Signup/login routes only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/signup", srv.handleSignup)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// Uploaded images are fetched by the upstream generator, so the GET side
	// is public. IDs are random UUIDs.
	mux.Get("/api/uploads/{uploadID}", srv.handleServeUpload)

	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	// Try-on accepts guests: anonymous requests run unmetered, authenticated
	// ones are charged a credit.
	mux.Group(func(r chi.Router) {
		r.Use(srv.optionalAuthMiddleware)
		if srv.authProviderName == "jwks" {
			r.Use(srv.ensureUserMiddleware)
		}
		r.Use(rateLimitMiddleware(srv.rl))

		r.Post("/api/tryon", srv.handleTryOn)
	})

	// Authenticated API routes
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		// Auto-provision users when using external auth.
		if srv.authProviderName == "jwks" {
			r.Use(srv.ensureUserMiddleware)
		}
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/credits", srv.handleGetCredits)
		r.Get("/api/credits/ledger", srv.handleGetLedger)
		r.Get("/api/tryon", srv.handleListGenerations)
		r.Get("/api/tryon/{generationID}", srv.handleGetGeneration)
		r.Post("/api/uploads", srv.handleUpload)

		r.Group(func(r chi.Router) {
			r.Use(srv.adminOnlyMiddleware)
			r.Post("/api/admin/credits/grant", srv.handleAdminGrantCredits)
			r.Get("/api/admin/users/{userID}/ledger", srv.handleAdminUserLedger)
		})
	})

	// Billing routes (only when billing is enabled).
	mux.Get("/api/billing/packs", srv.handleGetPacks) // public, no auth needed
	if opts.Billing != nil {
		mux.Post("/api/billing/webhook", opts.Billing.HandleWebhook) // public, signature-verified
		mux.Group(func(r chi.Router) {
			r.Use(srv.authMiddleware)
			if srv.authProviderName == "jwks" {
				r.Use(srv.ensureUserMiddleware)
			}
			r.Post("/api/billing/create-checkout", srv.handleCreateCheckout)
			r.Post("/api/billing/create-portal", srv.handleCreatePortal)
		})
	}

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProviderName})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !strings.Contains(req.Email, "@") || len(req.Email) > 254 {
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Email, req.Password, "user")
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeError(w, http.StatusConflict, "an account with this email already exists")
			return
		}
		s.logger.Error("signup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if s.signupGrant > 0 {
		if _, err := s.granter.Grant(r.Context(), user.ID, s.signupGrant, "signup grant"); err != nil {
			// The account exists; the grant can be settled by an operator.
			s.logger.Error("signup grant failed", "user_id", user.ID, "error", err)
		}
	}

	token, err := s.loginProvider.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.logger.Error("post-signup login failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	balance, err := s.store.Balance(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := map[string]any{
		"id":    identity.UserID,
		"email": identity.Email,
		"role":  identity.Role,
	}
	if balance != nil {
		resp["credits"] = balance.Remaining
	} else {
		resp["credits"] = 0
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Credit handlers ---

func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	balance, err := s.store.Balance(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if balance == nil {
		// No grants yet: report an empty balance rather than 404.
		balance = &credits.Balance{UserID: identity.UserID}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"remaining": balance.Remaining,
		"usedTotal": balance.UsedTotal,
	})
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	limit, offset := paginationParams(r, 50, 200)

	entries, err := s.store.ListLedgerEntries(r.Context(), identity.UserID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// --- Try-on handlers ---

type generationResponse struct {
	ID             string `json:"id"`
	ResultImageURL string `json:"resultImageUrl"`
	ProcessingTime int64  `json:"processingTime"`
	CreatedAt      string `json:"createdAt"`
}

func toGenerationResponse(g *store.Generation) generationResponse {
	return generationResponse{
		ID:             g.ID,
		ResultImageURL: g.ResultImageURL,
		ProcessingTime: g.ProcessingMS,
		CreatedAt:      g.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleTryOn(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req tryon.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID := ""
	if identity := getIdentityFromContext(r.Context()); identity != nil {
		userID = identity.UserID
	}

	gen, err := s.tryonSvc.TryOn(r.Context(), userID, req)
	if err != nil {
		s.writeTryOnError(w, userID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  toGenerationResponse(gen),
	})
}

func (s *Server) writeTryOnError(w http.ResponseWriter, userID string, err error) {
	var validationErr *tryon.ValidationError
	var compErr *credits.CompensationError
	var opErr *credits.OperationError

	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": validationErr.Fields,
		})
	case errors.Is(err, credits.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, "insufficient credits")
	case errors.As(err, &compErr):
		// The credit was charged and the refund failed; support has to settle it.
		s.logger.Error("try-on failed and refund failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "generation failed and the credit could not be refunded — please contact support")
	case errors.As(err, &opErr):
		s.logger.Warn("try-on failed, credit refunded", "user_id", userID, "error", opErr.Err)
		writeError(w, http.StatusInternalServerError, "generation failed, your credit has been refunded")
	default:
		s.logger.Error("try-on failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	limit, offset := paginationParams(r, 20, 100)

	gens, err := s.tryonSvc.History(r.Context(), identity.UserID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]generationResponse, 0, len(gens))
	for i := range gens {
		resp = append(resp, toGenerationResponse(&gens[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"generations": resp})
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	genID := chi.URLParam(r, "generationID")

	gen, err := s.tryonSvc.Get(r.Context(), genID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if gen == nil || (gen.UserID != identity.UserID && identity.Role != "admin") {
		writeError(w, http.StatusNotFound, "generation not found")
		return
	}

	writeJSON(w, http.StatusOK, toGenerationResponse(gen))
}

// --- Admin handlers ---

func (s *Server) handleAdminGrantCredits(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		UserID      string `json:"user_id"`
		Amount      int64  `json:"amount"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	user, err := s.store.GetUserByID(r.Context(), req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	description := req.Description
	if description == "" {
		description = "manual grant"
	}
	remaining, err := s.granter.Grant(r.Context(), req.UserID, req.Amount, description)
	if err != nil {
		s.logger.Error("admin grant failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"remaining": remaining})
}

func (s *Server) handleAdminUserLedger(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit, offset := paginationParams(r, 50, 200)

	entries, err := s.store.ListLedgerEntries(r.Context(), userID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// --- Billing handlers ---

func (s *Server) handleGetPacks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"packs": billing.Packs})
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		PackID     string `json:"pack_id"`
		SuccessURL string `json:"success_url"`
		CancelURL  string `json:"cancel_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if billing.GetPack(req.PackID) == nil {
		writeError(w, http.StatusBadRequest, "unknown credit pack")
		return
	}

	url, err := s.billing.CreateCheckoutSession(r.Context(), identity.UserID, req.PackID, req.SuccessURL, req.CancelURL)
	if err != nil {
		s.logger.Error("create checkout failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create checkout session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleCreatePortal(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		ReturnURL string `json:"return_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	url, err := s.billing.CreatePortalSession(r.Context(), identity.UserID, req.ReturnURL)
	if err != nil {
		s.logger.Error("create portal failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create portal session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "store unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Helpers ---

func paginationParams(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxLimit {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
