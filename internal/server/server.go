package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/engine"
	"github.com/lazypower/memgraph/internal/metrics"
)

const maxBodyBytes = 4 << 20

// Server is the memgraph HTTP API server.
type Server struct {
	engine  *engine.Engine
	router  chi.Router
	log     *zap.Logger
	metrics *metrics.Collector
	origins []string
	version string
	started time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l.Named("http") }
}

// WithMetrics counts requests and serves /metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithCORS allows browser clients from the given origins.
func WithCORS(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// New creates a new Server over the engine.
func New(e *engine.Engine, version string, opts ...Option) *Server {
	s := &Server{
		engine:  e,
		log:     zap.NewNop(),
		version: version,
		started: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/context", s.handleGetContext)

		r.Post("/activities", s.handleIngest)
		r.Post("/activities/batch", s.handleIngestBatch)
		r.Post("/query", s.handleQuery)
		r.Post("/maintenance/tick", s.handleTick)
		r.Post("/maintenance/check", s.handleCheck)

		r.Get("/nodes/{id}", s.handleGetNode)
		r.Get("/nodes/{id}/neighbors", s.handleNeighbors)
		r.Get("/clusters", s.handleClusters)
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	s.router = r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	var halted string
	if err := s.engine.Store.Failed(); err != nil {
		status = "halted"
		halted = err.Error()
		code = http.StatusServiceUnavailable
	}

	embedder := "none"
	if s.engine.Embedder != nil {
		embedder = s.engine.Embedder.Model()
	}

	writeJSON(w, code, map[string]any{
		"status":   status,
		"halted":   halted,
		"version":  s.version,
		"uptime":   time.Since(s.started).Seconds(),
		"embedder": embedder,
		"stats":    s.engine.Stats(),
	})
}
