// Package server provides the HTTP API for the retrieval pipeline.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ragpipe/config"
	"ragpipe/internal/adapter/generator"
	"ragpipe/internal/port"
	"ragpipe/internal/usecase"
)

// Version is reported by the health endpoint.
var Version = "dev"

// GeneratorFactory builds a chat generator for one request.
type GeneratorFactory func(cfg generator.Config) (port.StreamingGenerator, error)

// Deps are the collaborators a Server routes requests to.
type Deps struct {
	Index    port.VectorIndex
	Ingest   *usecase.IngestUseCase
	Retrieve *usecase.RetrieveUseCase
	Chat     *usecase.ChatUseCase

	// Generator is the base chat configuration. Requests may override the
	// model, sampling settings and API key on a copy of it.
	Generator    generator.Config
	NewGenerator GeneratorFactory
}

// Server is the HTTP server for the pipeline API.
type Server struct {
	deps    Deps
	config  config.ServerConfig
	logger  *zap.Logger
	limiter *clientLimiter
	started time.Time
	server  *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(deps Deps, cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.NewGenerator == nil {
		deps.NewGenerator = func(c generator.Config) (port.StreamingGenerator, error) {
			return generator.New(c)
		}
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = 4000
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 10
	}

	s := &Server{
		deps:    deps,
		config:  cfg,
		logger:  logger,
		started: time.Now(),
	}
	if cfg.RateLimit > 0 && cfg.RateWindow > 0 {
		s.limiter = newClientLimiter(cfg.RateLimit, cfg.RateWindow)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/models", s.handleModels)

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.middleware)
		}
		r.Post("/api/documents", s.handleDocuments)
		r.Post("/api/upload", s.handleUpload)
		r.Post("/api/query", s.handleQuery)
		r.Post("/api/chat", s.handleChat)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting server", zap.String("addr", s.config.Addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("client", clientIP(r)),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
