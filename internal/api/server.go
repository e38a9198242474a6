// Package api exposes the governance engine over HTTP. Handlers are
// thin: they decode, delegate to the service layer, and map domain
// errors onto status codes. All state changes flow through the same
// services the CLI uses.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/model-governor/internal/config"
	"github.com/sells-group/model-governor/internal/experiment"
	"github.com/sells-group/model-governor/internal/ingest"
	"github.com/sells-group/model-governor/internal/model"
	"github.com/sells-group/model-governor/internal/monitoring"
	"github.com/sells-group/model-governor/internal/registry"
	"github.com/sells-group/model-governor/internal/retrain"
	"github.com/sells-group/model-governor/internal/shadow"
	"github.com/sells-group/model-governor/internal/store"
)

// Server bundles the services the HTTP layer fronts.
type Server struct {
	store        store.Store
	registry     *registry.Registry
	ingestor     *ingest.Ingestor
	recorder     *shadow.Recorder
	reconciler   *shadow.Reconciler
	aggregator   *shadow.Aggregator
	orchestrator *retrain.Orchestrator
	workflow     *experiment.Workflow
	collector    *monitoring.Collector
	cfg          config.ServerConfig
	log          *zap.Logger
}

type ServerDeps struct {
	Store        store.Store
	Registry     *registry.Registry
	Ingestor     *ingest.Ingestor
	Recorder     *shadow.Recorder
	Reconciler   *shadow.Reconciler
	Aggregator   *shadow.Aggregator
	Orchestrator *retrain.Orchestrator
	Workflow     *experiment.Workflow
	Collector    *monitoring.Collector
}

func NewServer(deps ServerDeps, cfg config.ServerConfig) *Server {
	return &Server{
		store:        deps.Store,
		registry:     deps.Registry,
		ingestor:     deps.Ingestor,
		recorder:     deps.Recorder,
		reconciler:   deps.Reconciler,
		aggregator:   deps.Aggregator,
		orchestrator: deps.Orchestrator,
		workflow:     deps.Workflow,
		collector:    deps.Collector,
		cfg:          cfg,
		log:          zap.L().With(zap.String("component", "api")),
	}
}

// Router builds the versioned route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := s.store.Ping(req.Context()); err != nil {
			s.respond(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Route("/tenants/{tenantID}/models/{modelName}", func(r chi.Router) {
			r.Get("/health", s.handleModelHealth)
			r.Get("/history", s.handleHistory)
			r.Post("/versions", s.handleRegister)
			r.Post("/promote", s.handlePromote)
			r.Post("/rollback", s.handleRollback)
			r.Post("/retrain", s.handleRetrain)
		})

		r.Get("/versions/{versionID}/backtest", s.handleBacktestResults)
		r.Get("/versions/{versionID}/shadow", s.handleShadowAggregates)

		r.Post("/metrics", s.handleIngest)
		r.Post("/shadow/predictions", s.handleShadowRecord)
		r.Post("/shadow/reconcile", s.handleReconcile)

		r.Route("/experiments", func(r chi.Router) {
			r.Post("/", s.handleExperimentPropose)
			r.Get("/", s.handleExperimentList)
			r.Get("/{experimentID}", s.handleExperimentGet)
			r.Post("/{experimentID}/approve", s.handleExperimentApprove)
			r.Patch("/{experimentID}/approve", s.handleExperimentApprove)
			r.Post("/{experimentID}/reject", s.handleExperimentReject)
			r.Patch("/{experimentID}/reject", s.handleExperimentReject)
			r.Post("/{experimentID}/start", s.handleExperimentStart)
			r.Post("/{experimentID}/shadow", s.handleExperimentShadow)
			r.Post("/{experimentID}/complete", s.handleExperimentComplete)
		})
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.log.Error("encode response", zap.Error(err))
		}
	}
}

// respondError maps domain errors onto status codes. Optimistic-lock
// conflicts and in-flight retraining are 409: the caller's view is
// stale, not malformed.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	var (
		ve  *model.ValidationError
		cme *model.ConcurrentModificationError
		ife *retrain.InFlightError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.As(err, &cme), errors.As(err, &ife):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	s.respond(w, status, map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &model.ValidationError{Field: "body", Reason: "invalid JSON"}
	}
	return nil
}
