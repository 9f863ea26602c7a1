package middlewares

import "net/http"

// DefaultBodyLimit is 10 MB.
const DefaultBodyLimit int64 = 10 << 20

// BodyLimit caps request bodies at limit bytes. Reading past the cap fails
// with *http.MaxBytesError, which the error handler reports as 413.
// Declared oversize bodies are rejected before the handler runs.
func BodyLimit(limit int64, onError ErrorResponder) func(next http.Handler) http.Handler {
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	if onError == nil {
		onError = NewErrorHandler(nil).Handle
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				onError(w, r, &http.MaxBytesError{Limit: limit})
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
