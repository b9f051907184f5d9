package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const traceHeader = "X-Trace-Id"

// maxTraceIDLen caps partner-supplied trace ids so a hostile header cannot
// bloat every log line of the request.
const maxTraceIDLen = 64

// TraceMiddleware tags the request with a trace id. An id supplied by the
// partner's edge is kept, so one exchange can be followed across both
// systems' logs; otherwise a fresh one is minted. The id is echoed on the
// response and carried in the context for the request and payload logs.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(traceHeader)
		if id == "" || len(id) > maxTraceIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(traceHeader, id)
		ctx := context.WithValue(r.Context(), traceContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
