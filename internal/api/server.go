package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"code-runner-sandbox/internal/config"
	"code-runner-sandbox/internal/service"
	"code-runner-sandbox/internal/storage"
)

// Server is the HTTP front of the code runner.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	svc        *service.Service
	db         *storage.DB
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates the HTTP server with every route and middleware. db may
// be nil. ctx bounds background work such as the rate limiter sweeper.
func NewServer(ctx context.Context, cfg *config.Config, svc *service.Service, db *storage.DB) *Server {
	var audit AuditReader
	if db != nil {
		audit = db
	}
	handlers := NewHandlers(svc, audit)

	s := &Server{
		handlers:  handlers,
		svc:       svc,
		db:        db,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false, all requests will be rejected")
		}
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.routes(ctx),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes(ctx context.Context) http.Handler {
	h := s.handlers

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /sessions/{session}/execute", h.HandleExecute)
	apiMux.HandleFunc("POST /sessions/{session}/run", h.HandleRun)
	apiMux.HandleFunc("POST /sessions/{session}/messages", h.HandleMessage)
	apiMux.HandleFunc("GET /sessions/{session}", h.HandleSession)
	apiMux.HandleFunc("GET /sessions/{session}/files", h.HandleListFiles)
	apiMux.HandleFunc("GET /sessions/{session}/files/{folder}/{name}", h.HandleGetFile)
	apiMux.HandleFunc("PUT /sessions/{session}/files/{folder}/{name}", h.HandlePutFile)
	apiMux.HandleFunc("DELETE /sessions/{session}/files/{folder}/{name}", h.HandleDeleteFile)
	apiMux.HandleFunc("GET /executions", h.HandleListRunning)
	apiMux.HandleFunc("DELETE /executions/{id}", h.HandleKill)
	apiMux.HandleFunc("GET /history", h.HandleListExecutions)
	apiMux.HandleFunc("GET /history/{id}", h.HandleGetExecution)

	sec := s.cfg.Security
	authed := AuthMiddleware(sec.APIKeyHeader, sec.AllowedKeys, sec.AllowUnauthenticated)(apiMux)

	// health and metrics bypass auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(s.svc.Metrics().Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authed)

	// outermost last
	var handler http.Handler = mux
	handler = MetricsMiddleware(s.svc.Metrics())(handler)
	handler = RateLimitMiddleware(ctx, sec.RateLimitRPS, sec.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(s.cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.db == nil || s.db.Healthy(r.Context())
	sandboxOK := s.svc.SandboxAvailable(r.Context())

	resp := HealthResponse{
		Status:   "ok",
		Backend:  s.svc.Runner().Launcher().Name(),
		Sandbox:  sandboxOK,
		Database: dbOK,
		Running:  s.svc.Runner().Registry().Len(),
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}
	if !dbOK || !sandboxOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
