// Package api exposes detection, health, metrics and registry views over
// HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sells-group/detection-orchestrator/internal/model"
	"github.com/sells-group/detection-orchestrator/internal/orchestrator"
	"github.com/sells-group/detection-orchestrator/internal/pipeline"
	"github.com/sells-group/detection-orchestrator/internal/resilience"
	"github.com/sells-group/detection-orchestrator/internal/store"
)

// Runner processes a detection request end to end.
type Runner interface {
	Run(ctx context.Context, req model.DetectionRequest, correlationID string) (*pipeline.Result, error)
}

// Monitor exposes orchestrator health and metrics.
type Monitor interface {
	GetHealthStatus(ctx context.Context) model.HealthStatus
	GetMetrics() model.OrchestratorMetrics
	BreakerStates() []orchestrator.BreakerState
}

// Models exposes the model registry.
type Models interface {
	Models(capability model.CapabilityType) []model.ModelVersion
	GetActiveModel(capability model.CapabilityType) (model.ModelVersion, bool)
	Experiments() []model.ABTestConfig
}

// Breakers resets per-endpoint circuit breakers.
type Breakers interface {
	Reset(endpoint string) bool
	ResetAll() []string
	States() map[string]resilience.CircuitState
}

// Deps are the collaborators behind the HTTP handlers. Breakers is
// optional; without it the reset route is not mounted.
type Deps struct {
	Runner   Runner
	Monitor  Monitor
	Models   Models
	Breakers Breakers
	Store    store.Store
}

// Options tunes the router.
type Options struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// NewRouter builds the chi router for the public API.
func NewRouter(deps Deps, opts Options) http.Handler {
	h := &handlers{deps: deps}

	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", CorrelationHeader},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(middleware.Timeout(opts.RequestTimeout))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/detections", h.createDetection)
		r.Get("/detections", h.listDetections)
		r.Get("/detections/{id}", h.getDetection)

		r.Get("/health", h.health)
		r.Get("/metrics", h.metrics)
		r.Get("/breakers", h.breakers)
		if deps.Breakers != nil {
			r.Post("/breakers/reset", h.resetBreakers)
		}

		r.Get("/models/{capability}", h.models)
		r.Get("/experiments", h.experiments)

		r.Get("/dlq", h.listDLQ)
	})

	return r
}
