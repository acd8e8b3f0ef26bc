package middleware

import (
	"net/http"

	apperrors "staybook/pkg/errors"
	httputil "staybook/pkg/http"
)

// MaxRequestSize caps the request body. Bodies announced larger than limit are
// refused up front; others are cut off by http.MaxBytesReader while decoding.
func MaxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				httputil.WriteError(w, apperrors.New(apperrors.CodeInvalidInput,
					"Request body too large", http.StatusRequestEntityTooLarge))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
