package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fitmirror/fitmirror/credits"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_external_id ON users(external_id)`,
		`CREATE TABLE IF NOT EXISTS balances (
			user_id TEXT PRIMARY KEY REFERENCES users(id),
			remaining BIGINT NOT NULL DEFAULT 0 CHECK (remaining >= 0),
			used_total BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS credit_ledger (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_ledger_user_id ON credit_ledger(user_id)`,
		`CREATE TABLE IF NOT EXISTS generations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			model_image_url TEXT NOT NULL,
			garment_image_url TEXT NOT NULL,
			preserve_identity BOOLEAN NOT NULL DEFAULT FALSE,
			high_resolution BOOLEAN NOT NULL DEFAULT FALSE,
			creativity INTEGER NOT NULL DEFAULT 0,
			result_image_url TEXT NOT NULL,
			processing_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_generations_user_id ON generations(user_id)`,
		`CREATE TABLE IF NOT EXISTS uploads (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL,
			mime_type TEXT NOT NULL DEFAULT '',
			size BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, external_id, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		user.ID, user.Email, user.ExternalID, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, email, external_id, password_hash, role, created_at FROM users WHERE email = $1", email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, email, external_id, password_hash, role, created_at FROM users WHERE id = $1", id))
}

func (s *PostgresStore) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, email, external_id, password_hash, role, created_at FROM users WHERE external_id = $1", externalID))
}

func (s *PostgresStore) scanUser(row *sql.Row) (*User, error) {
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

func (s *PostgresStore) Balance(ctx context.Context, userID string) (*credits.Balance, error) {
	var b credits.Balance
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, remaining, used_total, updated_at FROM balances WHERE user_id = $1", userID,
	).Scan(&b.UserID, &b.Remaining, &b.UsedTotal, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ReserveCredit uses a single conditional UPDATE so two concurrent
// reservations against remaining=1 cannot both succeed; the -1 ledger entry
// is written in the same transaction.
func (s *PostgresStore) ReserveCredit(ctx context.Context, userID, description string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var remaining int64
	err = tx.QueryRowContext(ctx,
		`UPDATE balances SET remaining = remaining - 1, used_total = used_total + 1, updated_at = NOW()
		 WHERE user_id = $1 AND remaining >= 1 RETURNING remaining`,
		userID,
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

func (s *PostgresStore) RefundCredit(ctx context.Context, userID, description string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var remaining int64
	err = tx.QueryRowContext(ctx,
		`UPDATE balances SET remaining = remaining + 1, updated_at = NOW()
		 WHERE user_id = $1 RETURNING remaining`,
		userID,
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

func (s *PostgresStore) GrantCredits(ctx context.Context, userID string, amount int64, description string) (int64, error) {
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
		`INSERT INTO balances (user_id, remaining, used_total, updated_at) VALUES ($1, $2, 0, NOW())
		 ON CONFLICT(user_id) DO UPDATE SET remaining = balances.remaining + EXCLUDED.remaining, updated_at = EXCLUDED.updated_at
		 RETURNING remaining`,
		userID, amount,
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

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, userID string, limit, offset int) ([]credits.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, amount, description, created_at FROM credit_ledger
		 WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`,
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

func (s *PostgresStore) appendLedgerTx(ctx context.Context, tx *sql.Tx, userID string, amount int64, description string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO credit_ledger (id, user_id, amount, description, created_at) VALUES ($1, $2, $3, $4, NOW())",
		uuid.New().String(), userID, amount, description,
	)
	return err
}

// --- Generations ---

func (s *PostgresStore) SaveGeneration(ctx context.Context, gen *Generation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations (id, user_id, model_image_url, garment_image_url, preserve_identity,
		   high_resolution, creativity, result_image_url, processing_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		gen.ID, gen.UserID, gen.ModelImageURL, gen.GarmentImageURL, gen.PreserveIdentity,
		gen.HighResolution, gen.Creativity, gen.ResultImageURL, gen.ProcessingMS, gen.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	var g Generation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, model_image_url, garment_image_url, preserve_identity,
		   high_resolution, creativity, result_image_url, processing_ms, created_at
		 FROM generations WHERE id = $1`, id,
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

func (s *PostgresStore) ListGenerationsByUser(ctx context.Context, userID string, limit, offset int) ([]Generation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, model_image_url, garment_image_url, preserve_identity,
		   high_resolution, creativity, result_image_url, processing_ms, created_at
		 FROM generations WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
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

func (s *PostgresStore) SaveUpload(ctx context.Context, up *Upload) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO uploads (id, user_id, name, path, mime_type, size, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		up.ID, up.UserID, up.Name, up.Path, up.MimeType, up.Size, up.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUpload(ctx context.Context, id string) (*Upload, error) {
	var u Upload
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, name, path, mime_type, size, created_at FROM uploads WHERE id = $1", id,
	).Scan(&u.ID, &u.UserID, &u.Name, &u.Path, &u.MimeType, &u.Size, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
