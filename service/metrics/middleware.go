package metrics

import (
	"net/http"
	"time"
)

// HTTPMetricsMiddleware records latency and status of every request under
// route, a fixed name such as "/api/v1/orders/{id}" rather than the raw path,
// so order ids never become label values. m may be nil.
func HTTPMetricsMiddleware(m *Metrics, route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			m.RecordHTTPRequest(route, r.Method, rec.code(), time.Since(start).Seconds())
		})
	}
}

// statusRecorder remembers the first status written. Handlers that only
// call Write get an implicit 200.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	if s.status == 0 {
		s.status = status
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) code() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

// Flush keeps SSE streams working through the middleware.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
