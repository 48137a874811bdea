package api

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/flow"
	"github.com/c360/dataplane/flowstore"
	"github.com/c360/dataplane/health"
	"github.com/c360/dataplane/metric"
	"github.com/c360/dataplane/pkg/tlsutil"
	"github.com/c360/dataplane/transfer"
)

// Dispatcher is the part of the dispatcher served over HTTP
type Dispatcher interface {
	Enqueue(ctx context.Context, req flow.Request) error
	Validate(req flow.Request) transfer.Result
	TransferTo(ctx context.Context, sink transfer.Sink, req flow.Request) transfer.Result
	Status(ctx context.Context, processID string) (flowstore.Entry, error)
}

// Server serves the control API
type Server struct {
	cfg        Config
	dispatcher Dispatcher
	logger     *slog.Logger
	monitor    *health.Monitor
	metrics    *metric.MetricsRegistry
	hub        *Hub
	limiter    *rate.Limiter

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHealth serves /health from monitor
func WithHealth(monitor *health.Monitor) Option {
	return func(s *Server) { s.monitor = monitor }
}

// WithMetricsRegistry serves /metrics from registry
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(s *Server) { s.metrics = registry }
}

// WithHub serves the event stream from hub. Without it the server creates
// its own hub; either way the hub must be registered as a dispatcher
// listener to receive events.
func WithHub(hub *Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// NewServer creates a server for d
func NewServer(cfg Config, d Dispatcher, opts ...Option) (*Server, error) {
	if d == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "NewServer", "dispatcher is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, dispatcher: d, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")
	if s.hub == nil {
		s.hub = NewHub(s.logger, cfg.EventBuffer)
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return s, nil
}

// Hub returns the event hub
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/transfers", s.limited(http.HandlerFunc(s.handleEnqueue)))
	mux.Handle("POST /api/v1/transfers/pull", s.limited(http.HandlerFunc(s.handlePull)))
	mux.HandleFunc("POST /api/v1/transfers/validate", s.handleValidate)
	mux.Handle("GET /api/v1/transfers/events", s.hub)
	mux.HandleFunc("GET /api/v1/transfers/{processId}", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return s.withRequestID(s.withCORS(mux))
}

// Start listens on the configured address and serves in the background
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "check running state")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.cfg.Addr))
	}
	tlsCfg, err := tlsutil.LoadServerTLSConfig(s.cfg.TLS)
	if err != nil {
		_ = ln.Close()
		return errors.WrapFatal(err, "Server", "Start", "load tls config")
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.server, s.listener, s.done = srv, ln, make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server stopped", "error", err)
		}
	}(s.done)

	s.logger.Info("API server listening", "addr", ln.Addr().String(), "tls", tlsCfg != nil)
	return nil
}

// Addr returns the listening address, or the configured one before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Stop closes event streams and shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	s.hub.Close()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.server.Shutdown(ctx)
	<-s.done
	s.server, s.listener = nil, nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown api server")
	}
	return nil
}

// limited rejects requests beyond the configured rate with 429
func (s *Server) limited(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, errors.ErrRateLimited.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

type requestIDKey struct{}

// requestID returns the id assigned by withRequestID
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// withRequestID propagates X-Request-ID, generating one when absent, and
// logs every request at debug level.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", id)
	})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	if !s.cfg.EnableCORS {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range s.cfg.CORSOrigins {
			if allowed == "*" || allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", cmpOrigin(origin))
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "3600")
				break
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func cmpOrigin(origin string) string {
	if origin == "" {
		return "*"
	}
	return origin
}

// statusRecorder captures the response status for logging. It forwards
// Flush and Hijack so streaming and websocket upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status, r.wroteHeader = code, true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
