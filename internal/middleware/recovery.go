package middleware

import (
	"net/http"

	"github.com/jangji/backend/internal/models"
	"go.uber.org/zap"
)

// RecoveryMiddleware recovers from panics, logs them and answers with the internal error envelope
func RecoveryMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}

					logger.Error("Panic recovered",
						zap.String("request_id", GetRequestID(r.Context())),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Any("panic", rec),
						zap.Stack("stack"),
					)

					writeError(w, http.StatusInternalServerError, models.ErrorInternal)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
