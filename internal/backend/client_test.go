package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/credential-gateway/internal/auth"
	"github.com/narvanalabs/credential-gateway/internal/policy"
)

const testAudience = "credential-manager"

var testRootKey = []byte("root-signing-key-0123456789abcdef")

func newTestMinter(t *testing.T) *auth.Minter {
	t.Helper()
	m, err := auth.NewMinter(testRootKey, "credential-gateway", testAudience)
	require.NoError(t, err)
	return m
}

func allowDecision(name string) policy.Decision {
	return policy.Decision{
		Effect:    policy.Allow,
		Scope:     policy.ScopePrefix + name,
		TTL:       30 * time.Second,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func newTestClient(t *testing.T, url string, retries int, timeout time.Duration) *Client {
	t.Helper()
	return NewClient(Config{
		BaseURL:        url,
		Timeout:        timeout,
		MaxRetries:     retries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, newTestMinter(t))
}

// credentialRecorder verifies and remembers the service credentials the backend sees.
type credentialRecorder struct {
	t      *testing.T
	minter *auth.Minter
	mu     sync.Mutex
	seen   []*auth.ServiceCredential
}

func (r *credentialRecorder) record(req *http.Request) {
	token, ok := strings.CutPrefix(req.Header.Get("Authorization"), auth.BearerPrefix)
	if !assert.True(r.t, ok, "missing bearer credential") {
		return
	}
	cred, err := r.minter.Verify(token)
	if !assert.NoError(r.t, err) {
		return
	}
	r.mu.Lock()
	r.seen = append(r.seen, cred)
	r.mu.Unlock()
}

func TestFetchSecretSuccess(t *testing.T) {
	rec := &credentialRecorder{t: t, minter: newTestMinter(t)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		assert.Equal(t, "/secret/db-password", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value":"xyz","version":3,"metadata":{"path":"kv/db"},"_internal":true}`))
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL, 2, time.Second).FetchSecret(context.Background(), Request{
		SecretName: "db-password",
		Subject:    "svc-a",
		Decision:   allowDecision("db-password"),
	})
	require.NoError(t, err)

	body, err := json.Marshal(res.Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":"xyz","version":3}`, string(body))

	require.Len(t, res.Attempts, 1)
	assert.Equal(t, OutcomeOK, res.Attempts[0].Outcome)
	assert.Equal(t, http.StatusOK, res.Attempts[0].Status)

	require.Len(t, rec.seen, 1)
	cred := rec.seen[0]
	assert.Equal(t, "svc-a", cred.Subject)
	assert.Equal(t, "secrets:read:db-password", cred.Scope)
	assert.Equal(t, res.Attempts[0].CredentialID, cred.ID)
	assert.LessOrEqual(t, cred.TTL(), 30*time.Second)
}

func TestFetchSecretNestedName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/secret/team/app/api_key", r.URL.Path)
		w.Write([]byte(`{"value":"k"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL+"/", 0, time.Second).FetchSecret(context.Background(), Request{
		SecretName: "team/app/api_key",
		Subject:    "svc-a",
		Decision:   allowDecision("team/app/api_key"),
	})
	require.NoError(t, err)
}

func TestFetchSecretRetriesWithFreshCredentials(t *testing.T) {
	rec := &credentialRecorder{t: t, minter: newTestMinter(t)}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"value":"xyz"}`))
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL, 2, time.Second).FetchSecret(context.Background(), Request{
		SecretName: "db-password",
		Subject:    "svc-a",
		Decision:   allowDecision("db-password"),
	})
	require.NoError(t, err)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, OutcomeServerError, res.Attempts[0].Outcome)
	assert.Equal(t, OutcomeServerError, res.Attempts[1].Outcome)
	assert.Equal(t, OutcomeOK, res.Attempts[2].Outcome)

	ids := map[string]bool{}
	for _, c := range rec.seen {
		ids[c.ID] = true
	}
	assert.Len(t, ids, 3, "each attempt must carry its own credential")
}

func TestFetchSecretFailures(t *testing.T) {
	tests := []struct {
		name         string
		handler      http.HandlerFunc
		retries      int
		wantErr      error
		wantAttempts int
		wantOutcome  Outcome
	}{
		{
			name:         "server errors exhaust retries",
			handler:      func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			retries:      2,
			wantErr:      ErrUnavailable,
			wantAttempts: 3,
			wantOutcome:  OutcomeServerError,
		},
		{
			name: "throttling exhausts retries",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			retries:      1,
			wantErr:      ErrUnavailable,
			wantAttempts: 2,
			wantOutcome:  OutcomeThrottled,
		},
		{
			name:         "not found is not retried",
			handler:      func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) },
			retries:      2,
			wantErr:      &RejectedError{Status: http.StatusNotFound},
			wantAttempts: 1,
			wantOutcome:  OutcomeRejected,
		},
		{
			name:         "forbidden is not retried",
			handler:      func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusForbidden) },
			retries:      2,
			wantErr:      &RejectedError{Status: http.StatusForbidden},
			wantAttempts: 1,
			wantOutcome:  OutcomeRejected,
		},
		{
			name:         "non-object payload",
			handler:      func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(`["xyz"]`)) },
			retries:      2,
			wantErr:      ErrUnavailable,
			wantAttempts: 1,
			wantOutcome:  OutcomeBadPayload,
		},
		{
			name:         "null payload",
			handler:      func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(`null`)) },
			retries:      2,
			wantErr:      ErrUnavailable,
			wantAttempts: 1,
			wantOutcome:  OutcomeBadPayload,
		},
		{
			name: "redirects are not followed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, "http://attacker.invalid/collect", http.StatusFound)
			},
			retries:      2,
			wantErr:      ErrUnavailable,
			wantAttempts: 1,
			wantOutcome:  OutcomeUnexpected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			res, err := newTestClient(t, srv.URL, tt.retries, time.Second).FetchSecret(context.Background(), Request{
				SecretName: "db-password",
				Subject:    "svc-a",
				Decision:   allowDecision("db-password"),
			})
			require.Nil(t, res)
			require.Error(t, err)

			var rejected *RejectedError
			if want, ok := tt.wantErr.(*RejectedError); ok {
				require.ErrorAs(t, err, &rejected)
				assert.Equal(t, want.Status, rejected.Status)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}

			attempts := AttemptsOf(err)
			require.Len(t, attempts, tt.wantAttempts)
			assert.Equal(t, tt.wantOutcome, attempts[len(attempts)-1].Outcome)
		})
	}
}

func TestFetchSecretTimeout(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, 1, 50*time.Millisecond).FetchSecret(context.Background(), Request{
		SecretName: "db-password",
		Subject:    "svc-a",
		Decision:   allowDecision("db-password"),
	})
	require.ErrorIs(t, err, ErrTimeout)

	attempts := AttemptsOf(err)
	require.Len(t, attempts, 2)
	for _, a := range attempts {
		assert.Equal(t, OutcomeTimeout, a.Outcome)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchSecretTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(t, url, 1, time.Second).FetchSecret(context.Background(), Request{
		SecretName: "db-password",
		Subject:    "svc-a",
		Decision:   allowDecision("db-password"),
	})
	require.ErrorIs(t, err, ErrUnavailable)
	attempts := AttemptsOf(err)
	require.Len(t, attempts, 2)
	assert.Equal(t, OutcomeTransportError, attempts[1].Outcome)
}

func TestFetchSecretCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := newTestClient(t, srv.URL, 2, time.Second).FetchSecret(ctx, Request{
		SecretName: "db-password",
		Subject:    "svc-a",
		Decision:   allowDecision("db-password"),
	})
	require.ErrorIs(t, err, ErrCanceled)
	attempts := AttemptsOf(err)
	require.Len(t, attempts, 1)
	assert.Equal(t, OutcomeCanceled, attempts[0].Outcome)
}

func TestFetchSecretRequiresAllow(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", 0, time.Second)
	_, err := c.FetchSecret(context.Background(), Request{
		SecretName: "db-password",
		Subject:    "svc-a",
		Decision:   policy.Decision{Effect: policy.Deny},
	})
	assert.ErrorIs(t, err, ErrMintFailed)
}

func TestFetchSecretExpiredAuthorization(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls.Add(1) }))
	defer srv.Close()

	d := allowDecision("db-password")
	d.ExpiresAt = time.Now().Add(-time.Second)

	_, err := newTestClient(t, srv.URL, 2, time.Second).FetchSecret(context.Background(), Request{
		SecretName: "db-password",
		Subject:    "svc-a",
		Decision:   d,
	})
	require.ErrorIs(t, err, ErrAuthorizationExpired)
	assert.Zero(t, calls.Load(), "no request may be sent without a credential")
	attempts := AttemptsOf(err)
	require.Len(t, attempts, 1)
	assert.Equal(t, OutcomeAuthExpired, attempts[0].Outcome)
}

func TestFetchSecretAuthorizationLapsesBeforeMint(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls.Add(1) }))
	defer srv.Close()

	decidedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := allowDecision("db-password")
	d.TTL = time.Second
	d.ExpiresAt = decidedAt.Add(time.Second + 100*time.Microsecond)

	c := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second, MaxRetries: 2}, newTestMinter(t),
		WithClock(func() time.Time { return decidedAt.Add(time.Millisecond) }))
	_, err := c.FetchSecret(context.Background(), Request{
		SecretName: "db-password",
		Subject:    "svc-a",
		Decision:   d,
	})

	require.ErrorIs(t, err, ErrAuthorizationExpired)
	assert.False(t, errors.Is(err, ErrMintFailed))
	assert.Zero(t, calls.Load())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Equal(t, 10*time.Second, parseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("-5", now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Zero(t, parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestMaxAttempts(t *testing.T) {
	assert.Equal(t, 3, NewClient(Config{MaxRetries: 2}, nil).MaxAttempts())
	assert.Equal(t, 1, NewClient(Config{MaxRetries: -1}, nil).MaxAttempts())
}
