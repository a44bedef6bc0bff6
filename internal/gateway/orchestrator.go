// Package gateway sequences token validation, policy and the backend fetch for
// one credential request and assembles the client-facing response.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/narvanalabs/credential-gateway/internal/audit"
	"github.com/narvanalabs/credential-gateway/internal/auth"
	"github.com/narvanalabs/credential-gateway/internal/backend"
	"github.com/narvanalabs/credential-gateway/internal/metrics"
	"github.com/narvanalabs/credential-gateway/internal/policy"
	"github.com/narvanalabs/credential-gateway/pkg/logger"
)

// TokenValidator verifies the Authorization header. *auth.Validator satisfies it.
type TokenValidator interface {
	ValidateHeader(header string) (*auth.Claims, error)
}

// PolicyDecider authorizes a read. *policy.Engine satisfies it.
type PolicyDecider interface {
	Decide(ctx context.Context, claims *auth.Claims, secretName string) policy.Decision
}

// SecretFetcher reads from the credential store. *backend.Client satisfies it.
type SecretFetcher interface {
	FetchSecret(ctx context.Context, req backend.Request) (*backend.Result, error)
}

// Response is what the gateway returns to the client.
type Response struct {
	Status int
	// Body is a JSON document: the secret payload or {"detail": category}.
	Body []byte
	// States is the path the request took through the state machine.
	States []State `json:"-"`
}

// Detail returns the error category of an error response.
func (r *Response) Detail() string {
	var body struct {
		Detail string `json:"detail"`
	}
	if r.Status < 300 || json.Unmarshal(r.Body, &body) != nil {
		return ""
	}
	return body.Detail
}

// Orchestrator handles credential requests. It holds no per-request state and
// is safe for concurrent use.
type Orchestrator struct {
	validator TokenValidator
	policy    PolicyDecider
	backend   SecretFetcher
	sink      audit.Sink
	metrics   *metrics.Collector
	logger    *logger.Logger
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithClock sets the clock used for audit timing.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an orchestrator. A nil sink discards audit entries.
func New(v TokenValidator, p PolicyDecider, b SecretFetcher, sink audit.Sink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		validator: v,
		policy:    p,
		backend:   b,
		sink:      sink,
		logger:    logger.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sink == nil {
		o.sink = audit.MultiSink{}
	}
	return o
}

// run is the state of a single request.
type run struct {
	o      *Orchestrator
	ctx    context.Context
	log    *logger.Logger
	state  State
	states []State
	trail  *audit.Trail
	entry  *audit.Entry
}

func (r *run) advance(to State) {
	if !CanTransition(r.state, to) {
		r.log.Error("illegal state transition", "from", r.state, "to", to)
		return
	}
	r.state = to
	r.states = append(r.states, to)
}

func (r *run) finish(status int, body []byte, detail string) *Response {
	if r.state != StateResponding {
		r.advance(StateResponding)
	}
	if status >= 200 && status < 300 {
		r.advance(StateRespondedOK)
	} else {
		r.advance(StateRespondedError)
	}

	r.entry.Status = status
	r.entry.Detail = detail
	r.entry.FinalState = string(r.state)

	now := r.o.now()
	if r.trail.Commit(r.ctx, r.entry, now) {
		r.o.metrics.ObserveRequest(status, detail, r.entry.FinalState, r.entry.Duration)
	}

	return &Response{Status: status, Body: body, States: r.states}
}

func (r *run) fail(status int, detail, diagnostic string) *Response {
	if diagnostic != "" {
		r.entry.Diagnostic = diagnostic
	}
	return r.finish(status, detailBody(detail), detail)
}

func detailBody(detail string) []byte {
	body, _ := json.Marshal(map[string]string{"detail": detail})
	return body
}

// Handle processes GET /internal/credentials/{secretName}. The response never
// contains the client credential or internal error text.
func (o *Orchestrator) Handle(ctx context.Context, authHeader, secretName string) *Response {
	r := &run{
		o:      o,
		ctx:    ctx,
		log:    o.logger.WithContext(ctx).WithComponent("gateway"),
		state:  StateReceived,
		states: []State{StateReceived},
		trail:  audit.NewTrail(o.sink, o.logger.Logger, o.now()),
		entry: &audit.Entry{
			RequestID:   logger.RequestIDFromContext(ctx),
			SecretName:  secretName,
			Fingerprint: logger.Fingerprint(strings.TrimPrefix(authHeader, auth.BearerPrefix)),
		},
	}

	defer func() {
		if p := recover(); p != nil {
			r.fail(http.StatusInternalServerError, DetailInternalError, fmt.Sprintf("panic: %v", p))
			panic(p)
		}
	}()

	r.advance(StateValidating)
	claims, err := o.validator.ValidateHeader(authHeader)
	if err != nil {
		reason, _ := auth.RejectionOf(err)
		o.metrics.ObserveRejection(string(reason))
		r.entry.Rejection = string(reason)
		r.log.Info("credential rejected", "reason", reason, "fingerprint", r.entry.Fingerprint)
		return r.fail(http.StatusUnauthorized, rejectionDetail(reason), diagnosticOf(err))
	}

	r.entry.Subject = claims.Subject
	r.entry.Issuer = claims.Issuer
	r.entry.TokenID = claims.TokenID
	r.entry.Scopes = claims.ScopeList()
	ctx = logger.ContextWithSubject(ctx, claims.Subject)
	r.log = o.logger.WithContext(ctx).WithComponent("gateway")

	r.advance(StatePolicyCheck)
	decision := o.policy.Decide(ctx, claims, secretName)
	r.entry.Decision = string(decision.Effect)
	r.entry.DenyReason = string(decision.Reason)
	o.metrics.ObserveDecision(string(decision.Effect), string(decision.Reason), decision.RevocationErr != nil)
	if !decision.Allowed() {
		status, detail := decisionStatus(decision)
		r.log.Info("request denied", "secret", secretName, "reason", decision.Reason)
		return r.fail(status, detail, errorText(decision.RevocationErr))
	}

	r.advance(StateFetching)
	result, err := o.backend.FetchSecret(ctx, backend.Request{
		SecretName: secretName,
		Subject:    claims.Subject,
		Decision:   decision,
	})
	if err != nil {
		r.entry.Attempts = backend.AttemptsOf(err)
		o.observeAttempts(r.entry.Attempts)
		status, detail := backendStatus(err)
		r.log.WithError(err).Warn("backend fetch failed", "secret", secretName, "detail", detail, "attempts", len(r.entry.Attempts))
		return r.fail(status, detail, err.Error())
	}
	r.entry.Attempts = result.Attempts
	o.observeAttempts(result.Attempts)

	r.advance(StateResponding)
	body, err := json.Marshal(result.Payload)
	if err != nil {
		return r.fail(http.StatusInternalServerError, DetailInternalError, "encoding payload: "+err.Error())
	}
	return r.finish(http.StatusOK, body, "")
}

func (o *Orchestrator) observeAttempts(attempts []backend.Attempt) {
	for _, a := range attempts {
		o.metrics.ObserveAttempt(string(a.Outcome))
	}
}

// diagnosticOf returns the internal cause of a rejection for the audit log.
func diagnosticOf(err error) string {
	if cause := errors.Unwrap(err); cause != nil {
		return cause.Error()
	}
	return err.Error()
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
