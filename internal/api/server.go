package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/connpulse/internal/domain"
	"github.com/xela07ax/connpulse/internal/engine"
	"github.com/xela07ax/connpulse/internal/infra/auth"
)

// SyncEngine - то, что API требует от движка синхронизации.
type SyncEngine interface {
	Snapshot() *engine.Snapshot
	OnViewabilityChanged(items []domain.ViewableItem) error
	SetCandidates(ids []domain.ConnectionID) error
	Refresh() error
	Reset() error
}

// BreakerState - состояние предохранителя проб здоровья (ReliableProber).
type BreakerState interface {
	State() gobreaker.State
}

type Server struct {
	router *chi.Mux
	logger *zap.Logger

	engine  SyncEngine
	breaker BreakerState

	// nil - API открыт (локальная разработка)
	authValidator auth.TokenValidator
	gatherer      prometheus.Gatherer
}

type Option func(*Server)

func WithAuth(v auth.TokenValidator) Option { return func(s *Server) { s.authValidator = v } }

func WithBreaker(b BreakerState) Option { return func(s *Server) { s.breaker = b } }

func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// NewServer собирает локальный API для слоя отрисовки
func NewServer(e SyncEngine, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger.Named("local-api"),
		engine:   e,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, o := range opts {
		o(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные Middleware ---
	r.Use(middleware.RealIP)
	r.Use(RequestTracing(s.logger))
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// --- 3. Защищенный периметр ---
	r.Group(func(r chi.Router) {
		if s.authValidator != nil {
			r.Use(auth.NewMiddleware(s.authValidator, s.logger))
		}

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeSyncRead))
			r.Get("/v1/telemetry", s.listTelemetry)
			r.Get("/v1/telemetry/{id}", s.getTelemetry)
			r.Get("/v1/sync/state", s.syncState)
			r.Get("/v1/sync/health", s.syncHealth)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeSyncWrite))
			r.Post("/v1/viewport", s.postViewport)
			r.Put("/v1/candidates", s.putCandidates)
			r.Post("/v1/sync/refresh", s.refresh)
			r.Post("/v1/sync/reset", s.reset)
		})
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
