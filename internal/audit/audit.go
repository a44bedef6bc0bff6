// Package audit records exactly one entry per credential request.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/credential-gateway/internal/backend"
)

// Entry is the audit record of a single request. It may carry diagnostic
// detail that is never returned to the client, but never a credential.
type Entry struct {
	ID        string        `json:"id"`
	RequestID string        `json:"request_id,omitempty"`
	Time      time.Time     `json:"time"`
	Duration  time.Duration `json:"duration"`

	Subject     string   `json:"subject,omitempty"`
	Issuer      string   `json:"issuer,omitempty"`
	TokenID     string   `json:"token_id,omitempty"`
	Fingerprint string   `json:"credential_fingerprint,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	SecretName  string   `json:"secret_name"`

	FinalState string `json:"final_state"`
	Status     int    `json:"status"`
	Detail     string `json:"detail,omitempty"`
	Rejection  string `json:"rejection,omitempty"`
	Decision   string `json:"decision,omitempty"`
	DenyReason string `json:"deny_reason,omitempty"`

	Attempts   []backend.Attempt `json:"attempts,omitempty"`
	Diagnostic string            `json:"diagnostic,omitempty"`
}

// CredentialIDs returns the IDs of the service credentials minted for the request.
func (e *Entry) CredentialIDs() []string {
	ids := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.CredentialID != "" {
			ids = append(ids, a.CredentialID)
		}
	}
	return ids
}

// Sink persists audit entries.
type Sink interface {
	Record(ctx context.Context, e *Entry) error
}

// LogSink writes entries to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Record implements Sink.
func (s *LogSink) Record(ctx context.Context, e *Entry) error {
	level := slog.LevelInfo
	if e.Status >= 500 {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "credential request",
		slog.String("audit_id", e.ID),
		slog.String("request_id", e.RequestID),
		slog.String("subject", e.Subject),
		slog.String("issuer", e.Issuer),
		slog.String("token_id", e.TokenID),
		slog.String("credential_fingerprint", e.Fingerprint),
		slog.String("secret_name", e.SecretName),
		slog.String("final_state", e.FinalState),
		slog.Int("status", e.Status),
		slog.String("detail", e.Detail),
		slog.String("rejection", e.Rejection),
		slog.String("decision", e.Decision),
		slog.String("deny_reason", e.DenyReason),
		slog.Any("attempts", e.Attempts),
		slog.String("diagnostic", e.Diagnostic),
		slog.Duration("duration", e.Duration),
	)
	return nil
}

// MultiSink fans an entry out to several sinks.
type MultiSink []Sink

// Record implements Sink. Every sink is tried; errors are joined.
func (m MultiSink) Record(ctx context.Context, e *Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps entries in memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// Record implements Sink.
func (m *MemorySink) Record(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

// Entries returns a copy of the recorded entries.
func (m *MemorySink) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Trail commits the audit entry of one request, at most once.
type Trail struct {
	sink   Sink
	logger *slog.Logger
	start  time.Time
	once   sync.Once
}

// NewTrail starts a trail for a request received at start.
func NewTrail(sink Sink, logger *slog.Logger, start time.Time) *Trail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{sink: sink, logger: logger, start: start}
}

// Commit records e unless an entry was already committed. The write is detached
// from ctx cancellation so aborted requests are still audited.
func (t *Trail) Commit(ctx context.Context, e *Entry, now time.Time) bool {
	committed := false
	t.once.Do(func() {
		committed = true
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.Time = t.start.UTC()
		e.Duration = now.Sub(t.start)
		if err := t.sink.Record(context.WithoutCancel(ctx), e); err != nil {
			t.logger.Error("failed to record audit entry", "audit_id", e.ID, "error", err)
		}
	})
	return committed
}
