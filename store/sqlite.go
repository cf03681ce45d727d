package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fitmirror/fitmirror/credits"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// SQLite allows one writer at a time. A single pooled connection makes
	// concurrent reservations queue instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_external_id ON users(external_id)`,
		`CREATE TABLE IF NOT EXISTS balances (
			user_id TEXT PRIMARY KEY REFERENCES users(id),
			remaining INTEGER NOT NULL DEFAULT 0 CHECK (remaining >= 0),
			used_total INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS credit_ledger (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_ledger_user_id ON credit_ledger(user_id)`,
		`CREATE TABLE IF NOT EXISTS generations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			model_image_url TEXT NOT NULL,
			garment_image_url TEXT NOT NULL,
			preserve_identity INTEGER NOT NULL DEFAULT 0,
			high_resolution INTEGER NOT NULL DEFAULT 0,
			creativity INTEGER NOT NULL DEFAULT 0,
			result_image_url TEXT NOT NULL,
			processing_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_generations_user_id ON generations(user_id)`,
		`CREATE TABLE IF NOT EXISTS uploads (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL,
			mime_type TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_user_id ON uploads(user_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, external_id, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		user.ID, user.Email, user.ExternalID, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, email, external_id, password_hash, role, created_at FROM users WHERE email = ?", email))
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, email, external_id, password_hash, role, created_at FROM users WHERE id = ?", id))
}

func (s *SQLiteStore) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, email, external_id, password_hash, role, created_at FROM users WHERE external_id = ?", externalID))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.ExternalID, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Credits ---

func (s *SQLiteStore) Balance(ctx context.Context, userID string) (*credits.Balance, error) {
	var b credits.Balance
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, remaining, used_total, updated_at FROM balances WHERE user_id = ?", userID,
	).Scan(&b.UserID, &b.Remaining, &b.UsedTotal, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ReserveCredit performs the check-and-decrement as a single conditional
// UPDATE so concurrent reservations against remaining=1 cannot both succeed,
// then appends the -1 ledger entry in the same transaction.
func (s *SQLiteStore) ReserveCredit(ctx context.Context, userID, description string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var remaining int64
	err = tx.QueryRowContext(ctx,
		`UPDATE balances SET remaining = remaining - 1, used_total = used_total + 1, updated_at = ?
		 WHERE user_id = ? AND remaining >= 1 RETURNING remaining`,
		time.Now(), userID,
	).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, credits.ErrInsufficientCredits
	}
	if err != nil {
		return 0, err
	}

	if err := s.appendLedgerTx(ctx, tx, userID, -1, description); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return remaining, nil
}

func (s *SQLiteStore) RefundCredit(ctx context.Context, userID, description string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var remaining int64
	err = tx.QueryRowContext(ctx,
		`UPDATE balances SET remaining = remaining + 1, updated_at = ?
		 WHERE user_id = ? RETURNING remaining`,
		time.Now(), userID,
	).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("no balance for user %s", userID)
	}
	if err != nil {
		return 0, err
	}

	if err := s.appendLedgerTx(ctx, tx, userID, 1, description); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return remaining, nil
}

func (s *SQLiteStore) GrantCredits(ctx context.Context, userID string, amount int64, description string) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("grant amount must be non-negative, got %d", amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var remaining int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO balances (user_id, remaining, used_total, updated_at) VALUES (?, ?, 0, ?)
		 ON CONFLICT(user_id) DO UPDATE SET remaining = balances.remaining + excluded.remaining, updated_at = excluded.updated_at
		 RETURNING remaining`,
		userID, amount, time.Now(),
	).Scan(&remaining)
	if err != nil {
		return 0, err
	}

	if amount > 0 {
		if err := s.appendLedgerTx(ctx, tx, userID, amount, description); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return remaining, nil
}

func (s *SQLiteStore) ListLedgerEntries(ctx context.Context, userID string, limit, offset int) ([]credits.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, amount, description, created_at FROM credit_ledger
		 WHERE user_id = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []credits.LedgerEntry
	for rows.Next() {
		var e credits.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// appendLedgerTx inserts one ledger row inside an open transaction.
func (s *SQLiteStore) appendLedgerTx(ctx context.Context, tx *sql.Tx, userID string, amount int64, description string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO credit_ledger (id, user_id, amount, description, created_at) VALUES (?, ?, ?, ?, ?)",
		uuid.New().String(), userID, amount, description, time.Now(),
	)
	return err
}

// --- Generations ---

func (s *SQLiteStore) SaveGeneration(ctx context.Context, gen *Generation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations (id, user_id, model_image_url, garment_image_url, preserve_identity,
		   high_resolution, creativity, result_image_url, processing_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gen.ID, gen.UserID, gen.ModelImageURL, gen.GarmentImageURL, gen.PreserveIdentity,
		gen.HighResolution, gen.Creativity, gen.ResultImageURL, gen.ProcessingMS, gen.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	var g Generation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, model_image_url, garment_image_url, preserve_identity,
		   high_resolution, creativity, result_image_url, processing_ms, created_at
		 FROM generations WHERE id = ?`, id,
	).Scan(&g.ID, &g.UserID, &g.ModelImageURL, &g.GarmentImageURL, &g.PreserveIdentity,
		&g.HighResolution, &g.Creativity, &g.ResultImageURL, &g.ProcessingMS, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *SQLiteStore) ListGenerationsByUser(ctx context.Context, userID string, limit, offset int) ([]Generation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, model_image_url, garment_image_url, preserve_identity,
		   high_resolution, creativity, result_image_url, processing_ms, created_at
		 FROM generations WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var gens []Generation
	for rows.Next() {
		var g Generation
		if err := rows.Scan(&g.ID, &g.UserID, &g.ModelImageURL, &g.GarmentImageURL, &g.PreserveIdentity,
			&g.HighResolution, &g.Creativity, &g.ResultImageURL, &g.ProcessingMS, &g.CreatedAt); err != nil {
			return nil, err
		}
		gens = append(gens, g)
	}
	return gens, rows.Err()
}

// --- Uploads ---

func (s *SQLiteStore) SaveUpload(ctx context.Context, up *Upload) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO uploads (id, user_id, name, path, mime_type, size, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		up.ID, up.UserID, up.Name, up.Path, up.MimeType, up.Size, up.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUpload(ctx context.Context, id string) (*Upload, error) {
	var u Upload
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, name, path, mime_type, size, created_at FROM uploads WHERE id = ?", id,
	).Scan(&u.ID, &u.UserID, &u.Name, &u.Path, &u.MimeType, &u.Size, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
