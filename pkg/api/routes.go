package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	if s.cfg.Server.RateLimit.Enabled {
		r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/artefacts", func(r chi.Router) {
			r.Get("/", s.handleListArtefacts)
			r.Get("/{id}", s.handleGetArtefact)
			r.Patch("/{id}", s.handlePatchArtefact)
			r.Delete("/{id}", s.handleDeleteArtefact)

			r.Get("/{id}/builds", s.handleArtefactBuilds)
			r.Get("/{id}/approval-eligibility",
				s.handleApprovalEligibility)
			r.Get("/{id}/environment-reviews",
				s.handleListEnvironmentReviews)
			r.Patch("/{id}/environment-reviews/{reviewID}",
				s.handlePatchEnvironmentReview)
		})

		r.Route("/test-executions", func(r chi.Router) {
			r.Put("/start", s.handleStartTestExecution)
			r.Patch("/{id}", s.handlePatchTestExecution)
			r.Post("/{id}/test-results", s.handlePostTestResults)
			r.Get("/{id}/test-results", s.handleGetTestResults)
		})

		r.Post("/families/{family}/promote", s.handlePromoteFamily)
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
