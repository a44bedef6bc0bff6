package gateway

import (
	"errors"
	"net/http"

	"github.com/narvanalabs/credential-gateway/internal/auth"
	"github.com/narvanalabs/credential-gateway/internal/backend"
	"github.com/narvanalabs/credential-gateway/internal/policy"
)

// Detail categories returned to clients in {"detail": ...}.
const (
	DetailMissingCredential   = "missing_credential"
	DetailMalformedCredential = "malformed_credential"
	DetailExpiredCredential   = "expired_credential"
	DetailInvalidCredential   = "invalid_credential"
	DetailInvalidSecretName   = "invalid_secret_name"
	DetailPolicyDenied        = "policy_denied"
	DetailBackendUnavailable  = "backend_unavailable"
	DetailBackendTimeout      = "backend_timeout"
	DetailBackendRejected     = "backend_rejected"
	DetailRequestCanceled     = "request_canceled"
	DetailInternalError       = "internal_error"
)

// rejectionDetail maps a validator rejection to its client category. Bad
// signatures and untrusted issuers share one category.
func rejectionDetail(r auth.Rejection) string {
	switch r {
	case auth.RejectMissing:
		return DetailMissingCredential
	case auth.RejectMalformed:
		return DetailMalformedCredential
	case auth.RejectExpired:
		return DetailExpiredCredential
	default:
		return DetailInvalidCredential
	}
}

func decisionStatus(d policy.Decision) (int, string) {
	if d.Reason == policy.ReasonInvalidSecretName {
		return http.StatusBadRequest, DetailInvalidSecretName
	}
	return http.StatusForbidden, DetailPolicyDenied
}

func backendStatus(err error) (int, string) {
	var rejected *backend.RejectedError
	switch {
	case errors.As(err, &rejected):
		return rejected.Status, DetailBackendRejected
	case errors.Is(err, backend.ErrTimeout):
		return http.StatusGatewayTimeout, DetailBackendTimeout
	case errors.Is(err, backend.ErrCanceled):
		return http.StatusGatewayTimeout, DetailRequestCanceled
	case errors.Is(err, backend.ErrAuthorizationExpired):
		return http.StatusUnauthorized, DetailExpiredCredential
	case errors.Is(err, backend.ErrMintFailed):
		return http.StatusInternalServerError, DetailInternalError
	default:
		return http.StatusBadGateway, DetailBackendUnavailable
	}
}
