package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashureev/buildrelay/internal/domain"
	"github.com/ashureev/buildrelay/internal/shared"
)

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000" +
		"&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS apps (
		app_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS app_prompts (
		id TEXT PRIMARY KEY,
		app_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		prompt TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_app_prompts_app ON app_prompts(app_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_app_prompts_user ON app_prompts(user_id, kind, created_at);

	CREATE TABLE IF NOT EXISTS custom_message_limits (
		user_id TEXT PRIMARY KEY,
		daily_limit INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// withRetry runs a write, retrying with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := range writeRetries {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		delay := writeBaseDelay * time.Duration(1<<i)
		slog.Warn("sqlite write conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s after %d retries: %w", op, writeRetries, err)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// ClaimApplication records the owner of a new application. Claiming an
// application already owned by the same user is a no-op.
func (s *SQLiteStore) ClaimApplication(ctx context.Context, applicationID, ownerID string) error {
	err := s.withRetry(ctx, "claim application", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO apps (app_id, owner_id, created_at) VALUES (?, ?, ?)
			 ON CONFLICT(app_id) DO NOTHING`,
			applicationID, ownerID, time.Now().UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("claim application: %w", err)
	}

	owner, err := s.ApplicationOwner(ctx, applicationID)
	if err != nil {
		return err
	}
	if owner != ownerID {
		return fmt.Errorf("application %s already owned by another user", applicationID)
	}
	return nil
}

// ApplicationOwner returns the owner of applicationID.
func (s *SQLiteStore) ApplicationOwner(ctx context.Context, applicationID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM apps WHERE app_id = ?`, applicationID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("scan application owner: %w", err)
	}
	return owner, nil
}

// RecordPrompt appends a prompt. Missing ids and timestamps are filled in.
func (s *SQLiteStore) RecordPrompt(ctx context.Context, prompt *domain.Prompt) error {
	if prompt.ID == "" {
		prompt.ID = uuid.NewString()
	}
	if prompt.CreatedAt.IsZero() {
		prompt.CreatedAt = time.Now()
	}
	err := s.withRetry(ctx, "record prompt", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO app_prompts (id, app_id, user_id, kind, prompt, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			prompt.ID, prompt.ApplicationID, prompt.UserID, string(prompt.Kind), prompt.Text, prompt.CreatedAt.UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("record prompt: %w", err)
	}
	return nil
}

// ListPrompts returns the prompt history of an application, oldest first.
func (s *SQLiteStore) ListPrompts(ctx context.Context, applicationID string) ([]domain.Prompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, app_id, user_id, kind, prompt, created_at
		 FROM app_prompts WHERE app_id = ? ORDER BY created_at, rowid`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("query prompts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close prompt rows", "error", closeErr)
		}
	}()

	var prompts []domain.Prompt
	for rows.Next() {
		var p domain.Prompt
		var kind string
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.ApplicationID, &p.UserID, &kind, &p.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan prompt row: %w", err)
		}
		p.Kind = domain.PromptKind(kind)
		p.CreatedAt = time.UnixMilli(createdAt)
		prompts = append(prompts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompts: %w", err)
	}
	return prompts, nil
}

// CountUserPrompts counts user-authored prompts of userID created in [from, to).
func (s *SQLiteStore) CountUserPrompts(ctx context.Context, userID string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM app_prompts
		 WHERE user_id = ? AND kind = ? AND created_at >= ? AND created_at < ?`,
		userID, string(domain.PromptKindUser), from.UnixMilli(), to.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count user prompts: %w", err)
	}
	return n, nil
}

// CustomLimit returns the per-user daily limit override.
func (s *SQLiteStore) CustomLimit(ctx context.Context, userID string) (int, bool, error) {
	var limit int
	err := s.db.QueryRowContext(ctx,
		`SELECT daily_limit FROM custom_message_limits WHERE user_id = ?`, userID).Scan(&limit)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("scan custom limit: %w", err)
	}
	return limit, true, nil
}

// SetCustomLimit creates or replaces a per-user daily limit override.
func (s *SQLiteStore) SetCustomLimit(ctx context.Context, userID string, limit int) error {
	err := s.withRetry(ctx, "set custom limit", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO custom_message_limits (user_id, daily_limit, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET
				daily_limit = excluded.daily_limit,
				updated_at = excluded.updated_at`,
			userID, limit, time.Now().UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("set custom limit: %w", err)
	}
	return nil
}
