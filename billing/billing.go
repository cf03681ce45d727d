// Package billing defines the billing interfaces for the service. This repo
// carries only the interfaces, the credit pack catalog, and the granting
// helper; the payment-provider integration (Stripe checkout sessions, webhook
// signature verification) lives in the hosting deployment.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fitmirror/fitmirror/events"
	"github.com/fitmirror/fitmirror/store"
)

// Service handles billing operations (checkout, portal, webhooks).
type Service interface {
	HandleWebhook(w http.ResponseWriter, r *http.Request)
	CreateCheckoutSession(ctx context.Context, userID, packID, successURL, cancelURL string) (string, error)
	CreatePortalSession(ctx context.Context, userID, returnURL string) (string, error)
}

// Granter applies purchased or manually-reconciled credits to an account.
// Webhook implementations call it after a verified purchase; operators use it
// through the admin API to settle failed refunds.
type Granter struct {
	store     store.Store
	publisher events.Publisher
	logger    *slog.Logger
}

// NewGranter creates a Granter.
func NewGranter(s store.Store, pub events.Publisher, logger *slog.Logger) *Granter {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Granter{
		store:     s,
		publisher: pub,
		logger:    logger.With("component", "billing"),
	}
}

// Grant adds amount credits to the user's balance with a ledger entry.
func (g *Granter) Grant(ctx context.Context, userID string, amount int64, description string) (int64, error) {
	remaining, err := g.store.GrantCredits(ctx, userID, amount, description)
	if err != nil {
		return 0, fmt.Errorf("grant credits: %w", err)
	}

	g.logger.Info("credits granted", "user_id", userID, "amount", amount, "description", description)
	if err := g.publisher.Publish(ctx, events.Event{
		Type:      events.TypeCreditsGranted,
		UserID:    userID,
		Detail:    map[string]any{"amount": amount, "description": description},
		Timestamp: time.Now(),
	}); err != nil {
		g.logger.Warn("failed to publish grant event", "error", err)
	}

	return remaining, nil
}
