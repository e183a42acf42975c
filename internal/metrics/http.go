package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"
)

// otherRoute labels requests that match no registered route.
const otherRoute = "other"

// Router resolves a request to the pattern that serves it.
// *http.ServeMux satisfies it.
type Router interface {
	Handler(r *http.Request) (h http.Handler, pattern string)
}

// HTTPMiddleware records count, latency and in-flight gauge for every
// request served by next. Requests are labelled with the route pattern
// router matches, so label cardinality is bounded by the route table.
func HTTPMiddleware(m *Metrics, router Router, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeOf(router, r)

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		m.RecordHTTP(r.Method, route, sw.Status(), time.Since(start))
	})
}

func routeOf(router Router, r *http.Request) string {
	if router == nil {
		return otherRoute
	}
	if _, pattern := router.Handler(r); pattern != "" {
		return pattern
	}
	return otherRoute
}

// statusWriter remembers the first status written through it.
type statusWriter struct {
	http.ResponseWriter
	status int
}

// Status returns the recorded status, 200 if the handler never set one.
func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets WebSocket upgrades through; the request is then counted
// as 101.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot be hijacked")
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}
