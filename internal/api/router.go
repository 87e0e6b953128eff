package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maestro-llm/maestro/internal/api/handlers"
	"github.com/maestro-llm/maestro/internal/api/middleware"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & metrics
	r.Get("/healthz", healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/query", h.Query)

		r.Route("/models", func(r chi.Router) {
			r.Get("/", h.ListModels)
			r.Post("/scan", h.ScanModels)
			r.Route("/{modelID}", func(r chi.Router) {
				r.Patch("/", h.PatchModel)
				r.Post("/enable", h.EnableModel)
				r.Post("/disable", h.DisableModel)
			})
		})

		r.Route("/servers", func(r chi.Router) {
			r.Get("/", h.ListServers)
			r.Post("/start-all", h.StartAllServers)
			r.Post("/stop-all", h.StopAllServers)
			r.Route("/{modelID}", func(r chi.Router) {
				r.Post("/start", h.StartServer)
				r.Post("/stop", h.StopServer)
				r.Post("/restart", h.RestartServer)
			})
		})

		r.Route("/pipelines", func(r chi.Router) {
			r.Get("/stats", h.PipelineStats)
			r.Get("/{queryID}", h.GetPipeline)
		})

		r.Post("/index", h.BuildIndex)

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", h.GetSettings)
			r.Put("/", h.UpdateSettings)
		})

		r.Get("/profiles", h.ListProfiles)
		r.Get("/events", h.Events)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "maestro",
	})
}
