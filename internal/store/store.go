// Package store provides database access interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/narvanalabs/credential-gateway/internal/audit"
)

// Revocation is a revoked subject.
type Revocation struct {
	Subject   string
	Reason    string
	RevokedAt time.Time
	RevokedBy string
}

// RevocationStore defines operations on the revoked-subject set.
type RevocationStore interface {
	// IsRevoked reports whether subject is revoked.
	IsRevoked(ctx context.Context, subject string) (bool, error)
	// Revoke adds subject to the set, replacing any earlier reason.
	Revoke(ctx context.Context, r *Revocation) error
	// Restore removes subject from the set.
	Restore(ctx context.Context, subject string) error
	// List returns every revocation, newest first.
	List(ctx context.Context) ([]*Revocation, error)
}

// AuditStore persists audit entries.
type AuditStore interface {
	// Record stores one entry.
	Record(ctx context.Context, e *audit.Entry) error
	// ListBySubject returns the newest entries for subject.
	ListBySubject(ctx context.Context, subject string, limit int) ([]*audit.Entry, error)
}

// Store is the main interface for database operations.
type Store interface {
	// Revocations returns the RevocationStore.
	Revocations() RevocationStore
	// Audit returns the AuditStore.
	Audit() AuditStore
	// Ping checks database connectivity.
	Ping(ctx context.Context) error
	// Close releases the connection pool.
	Close() error
}
