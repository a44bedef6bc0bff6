package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/narvanalabs/credential-gateway/internal/store"
)

// RevocationStore implements store.RevocationStore using PostgreSQL.
type RevocationStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// IsRevoked reports whether subject is in the revoked set.
func (s *RevocationStore) IsRevoked(ctx context.Context, subject string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM revoked_subjects WHERE subject = $1)`

	var revoked bool
	if err := s.db.QueryRowContext(ctx, query, subject).Scan(&revoked); err != nil {
		if isUndefinedTable(err) {
			return false, fmt.Errorf("checking revocation: schema not migrated: %w", err)
		}
		return false, fmt.Errorf("checking revocation: %w", err)
	}
	return revoked, nil
}

// Revoke adds a subject to the revoked set.
func (s *RevocationStore) Revoke(ctx context.Context, r *store.Revocation) error {
	if r == nil || strings.TrimSpace(r.Subject) == "" {
		return ErrInvalidSubject
	}

	query := `
		INSERT INTO revoked_subjects (subject, reason, revoked_by, revoked_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject) DO UPDATE SET
			reason = EXCLUDED.reason,
			revoked_by = EXCLUDED.revoked_by,
			revoked_at = EXCLUDED.revoked_at`

	if r.RevokedAt.IsZero() {
		r.RevokedAt = time.Now().UTC()
	}

	if _, err := s.db.ExecContext(ctx, query, r.Subject, r.Reason, r.RevokedBy, r.RevokedAt); err != nil {
		return fmt.Errorf("revoking subject: %w", err)
	}

	s.logger.Info("subject revoked", "subject", r.Subject, "revoked_by", r.RevokedBy)
	return nil
}

// Restore removes a subject from the revoked set.
func (s *RevocationStore) Restore(ctx context.Context, subject string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM revoked_subjects WHERE subject = $1`, subject)
	if err != nil {
		return fmt.Errorf("restoring subject: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Info("subject restored", "subject", subject)
	return nil
}

// List returns every revocation, newest first.
func (s *RevocationStore) List(ctx context.Context) ([]*store.Revocation, error) {
	query := `
		SELECT subject, reason, revoked_by, revoked_at
		FROM revoked_subjects
		ORDER BY revoked_at DESC, subject`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying revocations: %w", err)
	}
	defer rows.Close()

	var out []*store.Revocation
	for rows.Next() {
		r := &store.Revocation{}
		if err := rows.Scan(&r.Subject, &r.Reason, &r.RevokedBy, &r.RevokedAt); err != nil {
			return nil, fmt.Errorf("scanning revocation: %w", err)
		}
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating revocations: %w", err)
	}

	return out, nil
}

// Ping checks database connectivity.
func (s *RevocationStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
