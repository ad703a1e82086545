package middleware

import (
	"net/http"
)

// ErrorRequestTooLarge is the envelope error for bodies over the limit
const ErrorRequestTooLarge = "Request Entity Too Large"

// RequestSizeLimitMiddleware limits the size of request bodies.
// Bodies with a declared length over maxRequestSize are rejected up front, others are
// cut off by http.MaxBytesReader and fail when the handler decodes them.
func RequestSizeLimitMiddleware(maxRequestSize int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxRequestSize {
				writeError(w, http.StatusRequestEntityTooLarge, ErrorRequestTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)
			next.ServeHTTP(w, r)
		})
	}
}
