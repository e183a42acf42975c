// Package server provides the HTTP server that wires the real-time
// delivery services together and accepts WebSocket sessions.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/zonedesk/zonedesk/internal/bus"
	"github.com/zonedesk/zonedesk/internal/clock"
	"github.com/zonedesk/zonedesk/internal/config"
	"github.com/zonedesk/zonedesk/internal/connection"
	"github.com/zonedesk/zonedesk/internal/dispatch"
	"github.com/zonedesk/zonedesk/internal/events"
	"github.com/zonedesk/zonedesk/internal/filter"
	"github.com/zonedesk/zonedesk/internal/metrics"
	"github.com/zonedesk/zonedesk/internal/pkg/logger"
	"github.com/zonedesk/zonedesk/internal/pkg/middleware"
	"github.com/zonedesk/zonedesk/internal/subscription"
)

// Server is the main HTTP server that wires all services together.
type Server struct {
	cfg     *config.Config
	log     *logger.Logger
	version string

	// Services
	bus        bus.Bus
	policy     *events.Policy
	registry   *subscription.Registry
	directory  *connection.Directory
	dispatcher *dispatch.Dispatcher
	rateLimit  *filter.RateLimit
	metrics    *metrics.Metrics
	audit      *connection.AuditLogger
	journal    *bus.Journal
	auth       Authenticator

	upgrades *middleware.RateLimiter
	upgrader websocket.Upgrader

	httpServer      *http.Server
	shutdownTimeout time.Duration
	ready           atomic.Bool
}

// Options carries collaborators that callers may supply. Nil fields are
// built from the config.
type Options struct {
	Version       string
	Bus           bus.Bus
	Authenticator Authenticator
	Metrics       *metrics.Metrics
	Clock         clock.Clock

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration
}

// New creates a new server with all dependencies.
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Server, error) {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Authenticator == nil {
		opts.Authenticator = NewStaticAuthenticator(cfg.Auth.Tokens)
	}

	policy, err := cfg.Policy()
	if err != nil {
		return nil, fmt.Errorf("building role policy: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		log:     log.WithComponent("server"),
		version: opts.Version,
		policy:  policy,
		metrics: opts.Metrics,
		auth:    opts.Authenticator,
	}

	// Event bus, journaled when an event log is configured
	var eventBus bus.Bus
	if opts.Bus == nil {
		eventBus, s.journal, err = bus.NewJournaledFromConfig(cfg.Bus, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create event bus: %w", err)
		}
	} else {
		eventBus = opts.Bus
		if cfg.Bus.EventLogPath != "" {
			s.journal, err = bus.OpenJournal(cfg.Bus.EventLogPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open event journal: %w", err)
			}
			eventBus = bus.NewJournaledBus(eventBus, s.journal, log)
		}
	}
	s.bus = bus.NewInstrumentedBus(eventBus, s.metrics)

	// Session audit
	if cfg.Audit.Enabled {
		s.audit, err = connection.NewAuditLogger(connection.AuditLoggerConfig{
			LogPath:       cfg.Audit.Path,
			PublishEvents: cfg.Audit.PublishEvents,
		}, s.bus, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create audit logger: %w", err)
		}
	}

	// Subscriptions and sessions
	s.registry = subscription.NewRegistry(policy, nil, log)
	s.directory = connection.NewDirectory(s.registry, connection.Config{
		IdleTimeout:   cfg.Realtime.IdleTimeout,
		SweepInterval: cfg.Realtime.SweepInterval,
		Clock:         opts.Clock,
		Recorder:      s.metrics,
		Audit:         s.audit,
		Log:           log,
	})

	// Filter chain and dispatcher
	chain, rl := filter.NewDefaultChain(policy, filter.RateLimitConfig{
		Events: cfg.Dispatch.RateLimitEvents,
		Window: cfg.Dispatch.RateLimitWindow,
	})
	s.rateLimit = rl
	s.dispatcher = dispatch.New(s.directory, s.registry, chain, dispatch.Config{
		BatchWindow:  cfg.Dispatch.BatchWindow,
		MaxBatchSize: cfg.Dispatch.MaxBatchSize,
		Workers:      cfg.Dispatch.Workers,
		Clock:        opts.Clock,
		Recorder:     s.metrics,
		Log:          log,
	})
	s.directory.OnDetach(s.dispatcher.Forget)
	s.directory.OnDetach(func(user string, _ connection.Session) {
		s.rateLimit.Forget(user)
	})

	// WebSocket upgrades
	s.upgrades = middleware.NewRateLimiter(middleware.RateLimiterConfig{
		RequestsPerSecond: cfg.Realtime.UpgradeRate,
		Burst:             cfg.Realtime.UpgradeBurst,
	})
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.shutdownTimeout = opts.ShutdownTimeout

	return s, nil
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Address(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the dispatcher, the liveness sweeper, the role change
// consumer and the HTTP server on ln until ctx is done, then shuts down
// every session and closes the bus.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := s.bus.Subscribe(gctx, s.cfg.Bus.RolesTopic, s.handleRoleChange); err != nil {
		ln.Close()
		return fmt.Errorf("subscribing to %s: %w", s.cfg.Bus.RolesTopic, err)
	}

	g.Go(func() error {
		return s.dispatcher.Run(gctx, s.bus, s.cfg.Bus.EventsTopic)
	})
	g.Go(func() error {
		s.directory.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.log.Info("Starting HTTP server", "addr", ln.Addr().String(), "version", s.version)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	s.ready.Store(true)
	err := g.Wait()
	s.close()
	return err
}

func (s *Server) shutdown() {
	s.ready.Store(false)
	s.log.Info("Shutting down server...")

	s.directory.CloseAll(connection.ReasonShutdown)

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Error("HTTP shutdown error", "error", err.Error())
	}
}

func (s *Server) close() {
	s.upgrades.Stop()
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			s.log.Warn("Closing audit log", "error", err.Error())
		}
	}
	if err := s.bus.Close(); err != nil {
		s.log.Warn("Closing event bus", "error", err.Error())
	}
	s.log.Info("Server stopped")
}

// Ready reports whether the server is accepting sessions and dispatching.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Bus returns the server's event bus.
func (s *Server) Bus() bus.Bus { return s.bus }

// Directory returns the connection directory.
func (s *Server) Directory() *connection.Directory { return s.directory }

// Dispatcher returns the broadcast dispatcher.
func (s *Server) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Handler returns the HTTP handler with every route and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(s.cfg.Realtime.Path, s.upgrades.Middleware(http.HandlerFunc(s.handleWebSocket)))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/events", s.handleIngest)
	mux.HandleFunc("/api/events/recent", s.handleRecent)
	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Path != "" {
		mux.Handle(s.cfg.Metrics.Path, s.metrics.Handler())
	}

	var handler http.Handler = ResponseWrapperMiddleware(mux)
	handler = wrapWithLogging(handler, s.log)
	return metrics.HTTPMiddleware(s.metrics, mux, handler)
}

// checkOrigin admits same-origin requests, requests without an Origin
// header, and origins on the allow list.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.Realtime.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// wrapWithLogging returns a handler with logging middleware.
func wrapWithLogging(handler http.Handler, log *logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create response writer wrapper to capture status
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		handler.ServeHTTP(wrapped, r)

		log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades through the wrapper.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
