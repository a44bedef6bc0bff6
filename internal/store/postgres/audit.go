package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/narvanalabs/credential-gateway/internal/audit"
	"github.com/narvanalabs/credential-gateway/internal/backend"
)

// AuditStore implements store.AuditStore and audit.Sink using PostgreSQL.
type AuditStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Record inserts an audit entry.
func (s *AuditStore) Record(ctx context.Context, e *audit.Entry) error {
	attempts, err := json.Marshal(nonNilAttempts(e.Attempts))
	if err != nil {
		return fmt.Errorf("marshaling attempts: %w", err)
	}

	query := `
		INSERT INTO audit_log (
			id, request_id, occurred_at, duration_ms, subject, issuer, token_id,
			fingerprint, scopes, secret_name, final_state, status, detail,
			rejection, decision, deny_reason, credential_ids, attempts, diagnostic
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err = s.db.ExecContext(ctx, query,
		e.ID,
		e.RequestID,
		e.Time,
		e.Duration.Milliseconds(),
		e.Subject,
		e.Issuer,
		e.TokenID,
		e.Fingerprint,
		pq.Array(nonNilStrings(e.Scopes)),
		e.SecretName,
		e.FinalState,
		e.Status,
		e.Detail,
		e.Rejection,
		e.Decision,
		e.DenyReason,
		pq.Array(e.CredentialIDs()),
		string(attempts),
		e.Diagnostic,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListBySubject returns the newest entries recorded for subject.
func (s *AuditStore) ListBySubject(ctx context.Context, subject string, limit int) ([]*audit.Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, request_id, occurred_at, duration_ms, subject, issuer, token_id,
			fingerprint, scopes, secret_name, final_state, status, detail,
			rejection, decision, deny_reason, attempts, diagnostic
		FROM audit_log
		WHERE subject = $1
		ORDER BY occurred_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var out []*audit.Entry
	for rows.Next() {
		e := &audit.Entry{}
		var durationMS int64
		var attempts []byte
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.Time, &durationMS, &e.Subject, &e.Issuer, &e.TokenID,
			&e.Fingerprint, pq.Array(&e.Scopes), &e.SecretName, &e.FinalState, &e.Status, &e.Detail,
			&e.Rejection, &e.Decision, &e.DenyReason, &attempts, &e.Diagnostic,
		); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Duration = msToDuration(durationMS)
		if err := json.Unmarshal(attempts, &e.Attempts); err != nil {
			return nil, fmt.Errorf("unmarshaling attempts: %w", err)
		}
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit log: %w", err)
	}

	return out, nil
}

func nonNilAttempts(a []backend.Attempt) []backend.Attempt {
	if a == nil {
		return []backend.Attempt{}
	}
	return a
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
