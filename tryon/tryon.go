// Package tryon implements the virtual try-on generation workflow: request
// validation, the credit-metered call to the upstream generator, and result
// persistence.
package tryon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/fitmirror/fitmirror/credits"
	"github.com/fitmirror/fitmirror/events"
	"github.com/fitmirror/fitmirror/store"
)

// CostKind is the ledger description used when a try-on charge is taken.
const CostKind = "try-on generation"

// Settings controls how the generator renders a try-on.
type Settings struct {
	PreserveIdentity bool `json:"preserveIdentity"`
	HighResolution   bool `json:"highResolution"`
	Creativity       int  `json:"creativity"` // 0-100
}

// Request is one try-on generation request.
type Request struct {
	ModelImageURL   string   `json:"modelImageUrl"`
	GarmentImageURL string   `json:"garmentImageUrl"`
	Settings        Settings `json:"settings"`
}

// ValidationError carries field-level problems with a request. It is raised
// before any metering, so invalid requests never cost a credit.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %d field error(s)", len(e.Fields))
}

// Validate checks the request and returns a *ValidationError listing every
// problem, or nil.
func (r Request) Validate() error {
	fields := make(map[string]string)
	if !validHTTPURL(r.ModelImageURL) {
		fields["modelImageUrl"] = "must be a valid http(s) URL"
	}
	if !validHTTPURL(r.GarmentImageURL) {
		fields["garmentImageUrl"] = "must be a valid http(s) URL"
	}
	if r.Settings.Creativity < 0 || r.Settings.Creativity > 100 {
		fields["settings.creativity"] = "must be between 0 and 100"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Service runs try-on generations under credit metering.
type Service struct {
	store     store.Store
	generator Generator
	executor  *credits.Executor
	publisher events.Publisher
	logger    *slog.Logger
}

// NewService creates a try-on service.
func NewService(s store.Store, gen Generator, exec *credits.Executor, pub events.Publisher, logger *slog.Logger) *Service {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Service{
		store:     s,
		generator: gen,
		executor:  exec,
		publisher: pub,
		logger:    logger.With("component", "tryon"),
	}
}

// TryOn validates the request, then runs the generation as a metered
// operation for userID. An empty userID runs the guest path: the generation
// happens but no credit is charged and nothing touches the balance or ledger.
//
// Error contract: *ValidationError for bad input (no credit touched),
// credits.ErrInsufficientCredits when the balance is empty (generator never
// called), *credits.OperationError when the generator fails (credit refunded),
// *credits.CompensationError when the refund itself fails.
func (s *Service) TryOn(ctx context.Context, userID string, req Request) (*store.Generation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var gen *store.Generation
	op := func(ctx context.Context) error {
		start := time.Now()
		out, err := s.generator.Generate(ctx, req)
		if err != nil {
			return err
		}

		processingMS := out.ProcessingMS
		if processingMS == 0 {
			processingMS = time.Since(start).Milliseconds()
		}

		g := &store.Generation{
			ID:               uuid.New().String(),
			UserID:           userID,
			ModelImageURL:    req.ModelImageURL,
			GarmentImageURL:  req.GarmentImageURL,
			PreserveIdentity: req.Settings.PreserveIdentity,
			HighResolution:   req.Settings.HighResolution,
			Creativity:       req.Settings.Creativity,
			ResultImageURL:   out.ResultImageURL,
			ProcessingMS:     processingMS,
			CreatedAt:        time.Now(),
		}
		if err := s.store.SaveGeneration(ctx, g); err != nil {
			return fmt.Errorf("save generation: %w", err)
		}
		gen = g
		return nil
	}

	if err := s.executor.Execute(ctx, userID, CostKind, op); err != nil {
		var opErr *credits.OperationError
		if errors.As(err, &opErr) && userID != "" {
			s.publishEvent(ctx, events.TypeCreditsRefunded, userID, map[string]any{"reason": opErr.Err.Error()})
		}
		return nil, err
	}

	s.logger.Info("generation completed",
		"generation_id", gen.ID,
		"user_id", userID,
		"processing_ms", gen.ProcessingMS,
	)
	s.publishEvent(ctx, events.TypeGenerationCompleted, userID, map[string]any{
		"generation_id": gen.ID,
		"processing_ms": gen.ProcessingMS,
	})

	return gen, nil
}

// Get returns one generation, or (nil, nil) when it does not exist.
func (s *Service) Get(ctx context.Context, id string) (*store.Generation, error) {
	return s.store.GetGeneration(ctx, id)
}

// History lists a user's generations, newest first.
func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]store.Generation, error) {
	return s.store.ListGenerationsByUser(ctx, userID, limit, offset)
}

// publishEvent emits a best-effort event; failures are logged and dropped so
// the event stream can never change a request's outcome.
func (s *Service) publishEvent(ctx context.Context, eventType, userID string, detail map[string]any) {
	if err := s.publisher.Publish(ctx, events.Event{
		Type:      eventType,
		UserID:    userID,
		Detail:    detail,
		Timestamp: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to publish event", "type", eventType, "error", err)
	}
}
