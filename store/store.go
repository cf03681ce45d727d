// Package store defines the persistence interface for the service and
// provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"time"

	"github.com/fitmirror/fitmirror/credits"
)

// Store is the persistence interface for the service. Credit methods satisfy
// credits.BalanceStore; the ledger is append-only and reservation/refund
// writes pair the balance update with the ledger insert in one transaction.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)

	// Credits
	Balance(ctx context.Context, userID string) (*credits.Balance, error)
	ReserveCredit(ctx context.Context, userID, description string) (int64, error)
	RefundCredit(ctx context.Context, userID, description string) (int64, error)
	GrantCredits(ctx context.Context, userID string, amount int64, description string) (int64, error)
	ListLedgerEntries(ctx context.Context, userID string, limit, offset int) ([]credits.LedgerEntry, error)

	// Generations
	SaveGeneration(ctx context.Context, gen *Generation) error
	GetGeneration(ctx context.Context, id string) (*Generation, error)
	ListGenerationsByUser(ctx context.Context, userID string, limit, offset int) ([]Generation, error)

	// Uploads
	SaveUpload(ctx context.Context, up *Upload) error
	GetUpload(ctx context.Context, id string) (*Upload, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User represents an account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	ExternalID   string    `json:"external_id,omitempty"` // external auth subject or empty
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Generation is the stored outcome of one successful try-on run, tagged with
// the inputs and settings that produced it.
type Generation struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id,omitempty"` // empty for guest runs
	ModelImageURL    string    `json:"model_image_url"`
	GarmentImageURL  string    `json:"garment_image_url"`
	PreserveIdentity bool      `json:"preserve_identity"`
	HighResolution   bool      `json:"high_resolution"`
	Creativity       int       `json:"creativity"`
	ResultImageURL   string    `json:"result_image_url"`
	ProcessingMS     int64     `json:"processing_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// Upload records an image uploaded by a user; the bytes live on disk.
type Upload struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Path      string    `json:"-"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}
