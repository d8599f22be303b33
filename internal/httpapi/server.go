// Package httpapi exposes the read-only snapshot surface: the snapshot
// document itself, a health probe and Prometheus metrics. All writes
// go through the keeper, never through HTTP.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/yusef-r/daowyn-sub000/internal/cache"
	"github.com/yusef-r/daowyn-sub000/internal/snapshot"
	"github.com/yusef-r/daowyn-sub000/internal/telemetry"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// Scheduler reports the pending reveal fire time for a snapshot body.
// Satisfied by the keeper; nil means no keeper runs in this process.
type Scheduler interface {
	WillTriggerAt(body *snapshot.Canonical) (int64, bool)
}

// Config holds server tunables.
type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 25 * time.Second
	}
}

// Server is the read-only HTTP surface.
type Server struct {
	cfg       Config
	router    *mux.Router
	srv       *http.Server
	cache     *cache.Cache
	scheduler Scheduler
	tel       *telemetry.Aggregator
	gatherer  prometheus.Gatherer
	started   time.Time
}

// New wires the server. scheduler, tel and gatherer may be nil; the
// corresponding features degrade gracefully.
func New(cfg Config, c *cache.Cache, scheduler Scheduler, tel *telemetry.Aggregator, gatherer prometheus.Gatherer) *Server {
	cfg.applyDefaults()

	s := &Server{
		cfg:       cfg,
		router:    mux.NewRouter(),
		cache:     c,
		scheduler: scheduler,
		tel:       tel,
		gatherer:  gatherer,
		started:   time.Now(),
	}
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	s.router.HandleFunc("/snapshot", s.handleSnapshot).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving requests until the listener fails or the server
// is shut down.
func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("http server shutting down")
	return s.srv.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		id, _ := r.Context().Value(requestIDKey).(string)
		log.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("elapsed", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP extracts the admission key for a request. The first
// X-Forwarded-For hop wins when a proxy sits in front.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}
