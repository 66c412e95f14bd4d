package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/modelrelay/modelrelay/pkg/config"
	"github.com/modelrelay/modelrelay/pkg/logger"
	"github.com/modelrelay/modelrelay/pkg/protocol"
)

// Runner executes call specs. The coordinator satisfies this; tests
// substitute fakes.
type Runner interface {
	Run(ctx context.Context, spec *protocol.CallSpec) (*protocol.Response, error)
	RunStream(ctx context.Context, spec *protocol.CallSpec) (<-chan protocol.StreamEvent, error)
}

// Server is the HTTP/SSE front end.
type Server struct {
	cfg        *config.ServerConfig
	pluginsDir string
	runner     Runner
	log        *logger.Logger

	runLimiter    *limiter
	streamLimiter *limiter
	rates         *rateLimiters
	authorizer    Authorizer

	httpServer *http.Server
}

// Option customizes the server.
type Option func(*Server)

// WithAuthorizer installs a post-authentication authorization hook.
func WithAuthorizer(a Authorizer) Option {
	return func(s *Server) { s.authorizer = a }
}

// New creates a server for the given runner. The plugins directory is
// only consulted by the readiness probe.
func New(cfg *config.ServerConfig, pluginsDir string, runner Runner, opts ...Option) *Server {
	queueTimeout := time.Duration(cfg.QueueTimeoutMs) * time.Millisecond
	s := &Server{
		cfg:           cfg,
		pluginsDir:    pluginsDir,
		runner:        runner,
		log:           logger.Adapter(),
		runLimiter:    newLimiter(cfg.MaxConcurrentRequests, cfg.MaxQueueSize, queueTimeout),
		streamLimiter: newLimiter(cfg.MaxConcurrentStreams, cfg.MaxQueueSize, queueTimeout),
	}
	if cfg.RateLimit != nil && cfg.RateLimit.Enabled {
		s.rates = newRateLimiters(cfg.RateLimit)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	if s.cfg.SecurityHeadersEnabled() {
		r.Use(securityHeaders)
	}
	if s.cfg.CORS != nil && s.cfg.CORS.Enabled {
		r.Use(s.corsMiddleware)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(s.admitMiddleware)
		r.Post("/run", s.handleRun)
		r.Post("/stream", s.handleStream)
	})
	return r
}

// Start runs the listener until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.cfg.Address(),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	s.log.Info("HTTP server starting", "address", s.cfg.Address())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.log.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}

// requestID tags every response with a correlation identifier,
// honoring one supplied by the client.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	cors := s.cfg.CORS
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(cors.AllowedOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			if allowed := strings.Join(cors.AllowedHeaders, ", "); allowed != "" {
				w.Header().Set("Access-Control-Allow-Headers", allowed)
			} else if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
				w.Header().Set("Access-Control-Allow-Headers", requested)
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// admitMiddleware authenticates and rate-limits before any body byte
// is read: a bad credential yields 401 even when the body is also
// malformed.
func (s *Server) admitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var identity string
		if s.cfg.Auth != nil && s.cfg.Auth.Enabled {
			id, err := authenticate(s.cfg.Auth, r)
			if err != nil {
				s.writeError(w, err)
				return
			}
			if s.authorizer != nil && !s.authorizer(r, id) {
				s.writeError(w, protocol.NewError(protocol.ErrForbidden, "access denied"))
				return
			}
			identity = id
		}

		if s.rates != nil {
			if identity == "" {
				identity = clientIdentity(r, s.rates.cfg.TrustProxyHeaders)
			}
			if !s.rates.allow(identity) {
				s.writeError(w, protocol.NewError(protocol.ErrRateLimited, "rate limit exceeded"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleReady reports readiness: the plugin manifest directory must
// exist for the process to serve real traffic.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if info, err := os.Stat(s.pluginsDir); err != nil || !info.IsDir() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	ae := protocol.AsAdapterError(err)
	if ae.Code.HTTPStatus() >= 500 {
		s.log.Error("request failed", "code", ae.Code, "error", err)
	}
	writeJSON(w, ae.Code.HTTPStatus(), map[string]any{
		"type": "error",
		"error": protocol.WireError{
			Code:    ae.Code,
			Message: ae.Message,
			Details: ae.Details,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
