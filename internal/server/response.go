package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	reqctx "github.com/zonedesk/zonedesk/internal/pkg/context"
)

// ResponseMeta accompanies every successful /api response.
type ResponseMeta struct {
	RequestID string `json:"request_id"`
	LatencyMS int64  `json:"latency_ms"`
	Timestamp string `json:"timestamp"`
}

// WrappedResponse is the /api success envelope.
type WrappedResponse struct {
	Data json.RawMessage `json:"data"`
	Meta ResponseMeta    `json:"meta"`
}

// bufferedWriter holds a handler's output until the envelope decision is made.
type bufferedWriter struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (b *bufferedWriter) WriteHeader(status int) { b.status = status }

func (b *bufferedWriter) Write(p []byte) (int, error) { return b.buf.Write(p) }

// flush writes the handler's output to w as it was produced.
func (b *bufferedWriter) flush(w http.ResponseWriter) {
	w.WriteHeader(b.status)
	_, _ = w.Write(b.buf.Bytes())
}

// ResponseWrapperMiddleware assigns a request id to /api requests and
// wraps their successful JSON bodies as {"data": ..., "meta": ...}.
// Errors, empty bodies and non-JSON output are passed through.
func ResponseWrapperMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", id)

		bw := &bufferedWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(bw, r.WithContext(reqctx.WithRequestID(r.Context(), id)))

		body := bytes.TrimSpace(bw.buf.Bytes())
		if bw.status >= http.StatusBadRequest || len(body) == 0 || !json.Valid(body) {
			bw.flush(w)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(bw.status)
		_ = json.NewEncoder(w).Encode(WrappedResponse{
			Data: body,
			Meta: ResponseMeta{
				RequestID: id,
				LatencyMS: time.Since(start).Milliseconds(),
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			},
		})
	})
}

// GenerateRequestID returns an eight character random id.
func GenerateRequestID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}
