// Package handlers provides the HTTP handlers of the gateway API.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/narvanalabs/credential-gateway/internal/api/errors"
	"github.com/narvanalabs/credential-gateway/internal/gateway"
)

// CredentialService handles one credential request. *gateway.Orchestrator satisfies it.
type CredentialService interface {
	Handle(ctx context.Context, authHeader, secretName string) *gateway.Response
}

// CredentialHandler serves GET /internal/credentials/{name}.
type CredentialHandler struct {
	service CredentialService
	logger  *slog.Logger
}

// NewCredentialHandler creates a new credential handler.
func NewCredentialHandler(service CredentialService, logger *slog.Logger) *CredentialHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialHandler{
		service: service,
		logger:  logger,
	}
}

// Get handles GET /internal/credentials/* - returns the named secret.
// The name is the rest of the path and may contain slashes. chi matches on the
// raw path when the client escaped it, so the name is unescaped here; a name
// that does not unescape is passed through and fails the charset check.
func (h *CredentialHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}

	resp := h.service.Handle(r.Context(), r.Header.Get("Authorization"), name)
	if resp.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="credential-gateway"`)
	}
	apierrors.WriteRaw(w, resp.Status, resp.Body)
}
