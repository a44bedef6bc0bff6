// Package backend fetches secrets from the downstream credential store using a
// freshly minted service credential for every HTTP attempt.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/narvanalabs/credential-gateway/internal/auth"
	"github.com/narvanalabs/credential-gateway/internal/policy"
)

// Defaults applied by NewClient for zero-valued Config fields.
const (
	DefaultTimeout        = 10 * time.Second
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
	DefaultMaxBodyBytes   = 1 << 20
)

// Minter issues service credentials. *auth.Minter satisfies it.
type Minter interface {
	Mint(subject, scope string, ttl time.Duration) (*auth.ServiceCredential, error)
}

// Config holds backend client settings.
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Request is a single secret read that policy has allowed.
type Request struct {
	SecretName string
	Subject    string
	Decision   policy.Decision
}

// Result is a successful read.
type Result struct {
	// Payload is the backend's JSON object with internal keys removed.
	Payload  map[string]json.RawMessage
	Attempts []Attempt
}

// Outcome classifies a single attempt.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeServerError    Outcome = "server_error"
	OutcomeThrottled      Outcome = "throttled"
	OutcomeRejected       Outcome = "rejected"
	OutcomeBadPayload     Outcome = "bad_payload"
	OutcomeUnexpected     Outcome = "unexpected_status"
	OutcomeCanceled       Outcome = "canceled"
	OutcomeMintFailed     Outcome = "mint_failed"
	OutcomeAuthExpired    Outcome = "authorization_expired"
)

// Retryable reports whether another attempt may follow this outcome.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeTimeout, OutcomeTransportError, OutcomeServerError, OutcomeThrottled:
		return true
	default:
		return false
	}
}

// Attempt records one HTTP attempt for the audit log.
type Attempt struct {
	Number       int           `json:"number"`
	CredentialID string        `json:"credential_id,omitempty"`
	Status       int           `json:"status,omitempty"`
	Outcome      Outcome       `json:"outcome"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`

	retryAfter time.Duration
}

// Client talks to the credential store.
type Client struct {
	baseURL        string
	timeout        time.Duration
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxBodyBytes   int64

	minter     Minter
	httpClient *http.Client
	now        func() time.Time
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Redirects are never followed
// regardless of the supplied client's policy.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		clone := *hc
		clone.CheckRedirect = noRedirects
		c.httpClient = &clone
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClock sets the clock used to bound minted credential lifetimes.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// WithMaxBodyBytes bounds the size of an accepted response body.
func WithMaxBodyBytes(n int64) ClientOption {
	return func(c *Client) {
		c.maxBodyBytes = n
	}
}

func noRedirects(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// NewClient creates a backend client.
func NewClient(cfg Config, minter Minter, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		timeout:        cfg.Timeout,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		maxBodyBytes:   DefaultMaxBodyBytes,
		minter:         minter,
		httpClient:     &http.Client{CheckRedirect: noRedirects},
		now:            time.Now,
		logger:         slog.Default(),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = DefaultInitialBackoff
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = DefaultMaxBackoff
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxAttempts returns the upper bound on HTTP attempts per fetch.
func (c *Client) MaxAttempts() int {
	return c.maxRetries + 1
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.initialBackoff
	exp.MaxInterval = c.maxBackoff
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.maxRetries)), ctx)
}

// FetchSecret reads req.SecretName from the credential store. Each attempt
// carries its own service credential; the client's token is never forwarded.
func (c *Client) FetchSecret(ctx context.Context, req Request) (*Result, error) {
	if !req.Decision.Allowed() {
		return nil, &FetchError{Err: fmt.Errorf("%w: decision is not ALLOW", ErrMintFailed)}
	}

	b := c.newBackOff(ctx)
	var attempts []Attempt

	for n := 1; ; n++ {
		att, payload := c.attempt(ctx, req, n)
		attempts = append(attempts, att)

		if att.Outcome == OutcomeOK {
			return &Result{Payload: payload, Attempts: attempts}, nil
		}
		if !att.Outcome.Retryable() {
			return nil, &FetchError{Err: terminalError(att), Attempts: attempts}
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		if att.retryAfter > wait {
			wait = min(att.retryAfter, c.maxBackoff)
		}
		if c.remaining(req.Decision) < time.Second+wait {
			c.logger.Info("authorization lapses before next attempt, giving up",
				"secret", req.SecretName, "attempt", n)
			break
		}

		c.logger.Warn("backend attempt failed, retrying",
			"secret", req.SecretName,
			"attempt", n,
			"outcome", att.Outcome,
			"status", att.Status,
			"credential_id", att.CredentialID,
			"backoff", wait,
		)

		if err := sleep(ctx, wait); err != nil {
			return nil, &FetchError{Err: ErrCanceled, Attempts: attempts}
		}
	}

	if ctx.Err() != nil {
		return nil, &FetchError{Err: ErrCanceled, Attempts: attempts}
	}
	last := attempts[len(attempts)-1]
	if last.Outcome == OutcomeTimeout {
		return nil, &FetchError{Err: ErrTimeout, Attempts: attempts}
	}
	return nil, &FetchError{Err: ErrUnavailable, Attempts: attempts}
}

func (c *Client) remaining(d policy.Decision) time.Duration {
	ttl := d.TTL
	if !d.ExpiresAt.IsZero() {
		ttl = min(ttl, d.ExpiresAt.Sub(c.now()))
	}
	return ttl
}

func terminalError(att Attempt) error {
	switch att.Outcome {
	case OutcomeRejected:
		return &RejectedError{Status: att.Status}
	case OutcomeCanceled:
		return ErrCanceled
	case OutcomeMintFailed:
		return ErrMintFailed
	case OutcomeAuthExpired:
		return ErrAuthorizationExpired
	default:
		return ErrUnavailable
	}
}

func (c *Client) attempt(ctx context.Context, req Request, n int) (att Attempt, payload map[string]json.RawMessage) {
	att.Number = n
	start := c.now()
	defer func() {
		att.Duration = c.now().Sub(start)
	}()

	if err := ctx.Err(); err != nil {
		att.Outcome, att.Error = OutcomeCanceled, err.Error()
		return att, nil
	}

	ttl := c.remaining(req.Decision)
	if ttl < auth.MinCredentialTTL {
		att.Outcome, att.Error = OutcomeAuthExpired, fmt.Sprintf("authorization remaining %s", ttl)
		return att, nil
	}

	cred, err := c.minter.Mint(req.Subject, req.Decision.Scope, ttl)
	if err != nil {
		att.Outcome, att.Error = OutcomeMintFailed, err.Error()
		return att, nil
	}
	att.CredentialID = cred.ID

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, c.secretURL(req.SecretName), nil)
	if err != nil {
		att.Outcome, att.Error = OutcomeUnexpected, err.Error()
		return att, nil
	}
	httpReq.Header.Set("Authorization", auth.BearerPrefix+cred.Token)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		att.Outcome, att.Error = classifyTransport(ctx, attemptCtx, err), err.Error()
		return att, nil
	}
	defer resp.Body.Close()

	att.Status = resp.StatusCode
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := c.readPayload(resp.Body)
		if err != nil {
			if ctxErr := attemptCtx.Err(); ctxErr != nil {
				att.Outcome, att.Error = classifyTransport(ctx, attemptCtx, ctxErr), err.Error()
				return att, nil
			}
			att.Outcome, att.Error = OutcomeBadPayload, err.Error()
			return att, nil
		}
		att.Outcome = OutcomeOK
		return att, body
	case resp.StatusCode == http.StatusTooManyRequests:
		att.Outcome = OutcomeThrottled
		att.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
	case resp.StatusCode >= 500:
		att.Outcome = OutcomeServerError
	case resp.StatusCode >= 400:
		att.Outcome = OutcomeRejected
	default:
		att.Outcome = OutcomeUnexpected
	}
	drain(resp.Body)
	return att, nil
}

func (c *Client) secretURL(name string) string {
	segments := strings.Split(name, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.baseURL + "/secret/" + strings.Join(segments, "/")
}

func (c *Client) readPayload(body io.Reader) (map[string]json.RawMessage, error) {
	data, err := io.ReadAll(io.LimitReader(body, c.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(data)) > c.maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", c.maxBodyBytes)
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decoding body: %w", err)
	}
	if payload == nil {
		return nil, errors.New("body is not a JSON object")
	}
	return StripInternal(payload), nil
}

// StripInternal removes backend-internal keys from a payload: the "metadata"
// key and any top-level key starting with an underscore.
func StripInternal(payload map[string]json.RawMessage) map[string]json.RawMessage {
	for k := range payload {
		if k == "metadata" || strings.HasPrefix(k, "_") {
			delete(payload, k)
		}
	}
	return payload
}

func classifyTransport(parent, attemptCtx context.Context, err error) Outcome {
	if parent.Err() != nil {
		return OutcomeCanceled
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	return OutcomeTransportError
}

func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func drain(body io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
