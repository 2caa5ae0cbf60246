package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"consentbot-go/internal/provider"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the durable Store implementation. Any process instance
// sharing the database file can serve the callback for a flow started on
// another instance.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and verifies the
// connection.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Migrate applies any pending schema migrations.
func (s *SQLiteStore) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Get returns the stored record for (userID, providerName), or a zero
// Record when none exists.
func (s *SQLiteStore) Get(ctx context.Context, userID, providerName string) (Record, error) {
	if userID == "" || providerName == "" {
		return Record{}, fmt.Errorf("user ID and provider cannot be empty")
	}

	var (
		state     string
		tokenJSON sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT oauth_state, token_json FROM flow_state WHERE user_id = ? AND provider = ?`,
		userID, providerName).Scan(&state, &tokenJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("loading flow state: %w", err)
	}

	rec := Record{OAuthState: state}
	if tokenJSON.Valid && tokenJSON.String != "" {
		rec.Token = new(provider.UserToken)
		if err := json.Unmarshal([]byte(tokenJSON.String), rec.Token); err != nil {
			return Record{}, fmt.Errorf("decoding stored token: %w", err)
		}
	}
	return rec, nil
}

// Set overwrites the stored record for (userID, providerName). Token expiry
// and validation are denormalized into columns so the refresh sweeper can
// query them without decoding every row.
func (s *SQLiteStore) Set(ctx context.Context, userID, providerName string, rec Record) error {
	if userID == "" || providerName == "" {
		return fmt.Errorf("user ID and provider cannot be empty")
	}

	var (
		tokenJSON sql.NullString
		validated bool
		expiresAt sql.NullTime
	)
	if rec.Token != nil {
		raw, err := json.Marshal(rec.Token)
		if err != nil {
			return fmt.Errorf("encoding token: %w", err)
		}
		tokenJSON = sql.NullString{String: string(raw), Valid: true}
		validated = rec.Token.VerificationCodeValidated
		expiresAt = sql.NullTime{Time: rec.Token.ExpirationTime, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flow_state (user_id, provider, oauth_state, token_json, token_validated, token_expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (user_id, provider) DO UPDATE SET
		   oauth_state = excluded.oauth_state,
		   token_json = excluded.token_json,
		   token_validated = excluded.token_validated,
		   token_expires_at = excluded.token_expires_at,
		   updated_at = CURRENT_TIMESTAMP`,
		userID, providerName, rec.OAuthState, tokenJSON, validated, expiresAt)
	if err != nil {
		return fmt.Errorf("storing flow state: %w", err)
	}
	return nil
}

// ListRefreshable returns the keys of flows holding a validated token that
// expires before the given instant.
func (s *SQLiteStore) ListRefreshable(ctx context.Context, before time.Time) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, provider FROM flow_state
		 WHERE token_validated = 1 AND token_expires_at IS NOT NULL AND token_expires_at < ?`,
		before)
	if err != nil {
		return nil, fmt.Errorf("listing refreshable flows: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.UserID, &k.Provider); err != nil {
			return nil, fmt.Errorf("scanning flow key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating flow keys: %w", err)
	}
	return keys, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
