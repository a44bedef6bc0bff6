package middleware

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/narvanalabs/credential-gateway/internal/api/errors"
)

// Recovery returns a middleware that recovers from panics and logs the error.
// The client only ever sees {"detail":"internal_error"}.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}

					logEntry := apierrors.NewErrorLogEntry(
						middleware.GetReqID(r.Context()),
						apierrors.DetailInternalError,
						fmt.Sprint(rec),
					)
					attrs := append(logEntry.ToSlogAttrs(), "method", r.Method, "path", r.URL.Path)
					logger.Error("panic recovered", attrs...)

					apierrors.WriteDetail(w, http.StatusInternalServerError, apierrors.DetailInternalError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
