package uploadguard

import (
	"net/http"
)

// MaxBodySize returns middleware that limits request body size.
//
// Requests whose Content-Length exceeds maxBytes are rejected with 413 before the
// handler runs. Every body is also wrapped in http.MaxBytesReader, which catches
// chunked transfers and lying Content-Length headers; handlers see an
// *http.MaxBytesError from Read once the limit is crossed. BindJSON turns that
// error into a 413.
//
//	r.With(uploadguard.MaxBodySize(100 << 20)).Post("/v1/uploads", upload)
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				SetError(w, r, ErrPayloadTooLarge.With("Request body too large"))
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
