package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nikhilbhutani/datasetingest/internal/api/handlers"
	"github.com/nikhilbhutani/datasetingest/internal/api/middleware"
	"github.com/nikhilbhutani/datasetingest/internal/auth"
	"github.com/nikhilbhutani/datasetingest/internal/ingest"
)

type Deps struct {
	Ingest         *ingest.Service
	JWT            *auth.JWTMiddleware
	Health         map[string]handlers.Pinger
	MaxUploadBytes int64
	CORSOrigins    []string
}

type Router struct {
	mux  *chi.Mux
	deps Deps
	rl   *middleware.RateLimiter
}

func NewRouter(deps Deps) *Router {
	if len(deps.CORSOrigins) == 0 {
		deps.CORSOrigins = []string{"*"}
	}
	return &Router{
		mux:  chi.NewRouter(),
		deps: deps,
		rl:   middleware.NewRateLimiter(10, 20),
	}
}

func (rt *Router) Setup() http.Handler {
	r := rt.mux

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(rt.deps.CORSOrigins))

	// Health and metrics endpoints (no auth)
	health := handlers.NewHealthHandler(rt.deps.Health)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rt.deps.JWT.Authenticate)
		r.Use(auth.RequireRole(auth.RoleAuthenticated, auth.RoleService))
		r.Use(rt.rl.Limit)

		datasetH := handlers.NewDatasetHandler(rt.deps.Ingest, rt.deps.MaxUploadBytes)
		r.Route("/datasets", func(r chi.Router) {
			r.Post("/", datasetH.Upload)
			r.Get("/", datasetH.List)
			r.Post("/estimate", datasetH.Estimate)
			r.Get("/{id}", datasetH.Get)
			r.Get("/{id}/ingestion", datasetH.Ingestion)
		})
	})

	return r
}

// Close releases background resources held by middleware.
func (rt *Router) Close() {
	rt.rl.Close()
}
