// Package postgres provides PostgreSQL implementation of the store interfaces.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/narvanalabs/credential-gateway/internal/store"
)

// schema is applied by Migrate. Statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS revoked_subjects (
	subject    TEXT PRIMARY KEY,
	reason     TEXT NOT NULL DEFAULT '',
	revoked_by TEXT NOT NULL DEFAULT '',
	revoked_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS audit_log (
	id             UUID PRIMARY KEY,
	request_id     TEXT NOT NULL DEFAULT '',
	occurred_at    TIMESTAMPTZ NOT NULL,
	duration_ms    BIGINT NOT NULL,
	subject        TEXT NOT NULL DEFAULT '',
	issuer         TEXT NOT NULL DEFAULT '',
	token_id       TEXT NOT NULL DEFAULT '',
	fingerprint    TEXT NOT NULL DEFAULT '',
	scopes         TEXT[] NOT NULL DEFAULT '{}',
	secret_name    TEXT NOT NULL DEFAULT '',
	final_state    TEXT NOT NULL,
	status         INTEGER NOT NULL,
	detail         TEXT NOT NULL DEFAULT '',
	rejection      TEXT NOT NULL DEFAULT '',
	decision       TEXT NOT NULL DEFAULT '',
	deny_reason    TEXT NOT NULL DEFAULT '',
	credential_ids TEXT[] NOT NULL DEFAULT '{}',
	attempts       JSONB NOT NULL DEFAULT '[]',
	diagnostic     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS audit_log_subject_idx ON audit_log (subject, occurred_at DESC);
`

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db          *sql.DB
	logger      *slog.Logger
	revocations *RevocationStore
	audit       *AuditStore
}

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// NewPostgresStore creates a new PostgreSQL store with the given configuration.
func NewPostgresStore(cfg *Config, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("connected to PostgreSQL database")
	return newStore(db, logger), nil
}

func newStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:          db,
		logger:      logger,
		revocations: &RevocationStore{db: db, logger: logger},
		audit:       &AuditStore{db: db, logger: logger},
	}
}

// Migrate creates the tables the gateway uses if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Revocations returns the RevocationStore.
func (s *PostgresStore) Revocations() store.RevocationStore {
	return s.revocations
}

// RevocationChecker returns the concrete revocation store for the policy engine.
func (s *PostgresStore) RevocationChecker() *RevocationStore {
	return s.revocations
}

// Audit returns the AuditStore.
func (s *PostgresStore) Audit() store.AuditStore {
	return s.audit
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing PostgreSQL connection")
	return s.db.Close()
}

var _ store.Store = (*PostgresStore)(nil)
