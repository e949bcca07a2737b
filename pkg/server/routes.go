package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"mercator-hq/custodian/pkg/telemetry/health"
	"mercator-hq/custodian/pkg/telemetry/tracing"
)

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.recoverer, requestID, tracing.HTTPMiddleware(routePattern), s.observe)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusNotFound, errTypeNotFound, "not found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusMethodNotAllowed, errTypeInvalidRequest, "method not allowed", "")
	})

	for path, h := range map[string]http.HandlerFunc{
		"/health":  s.deps.Health.LivenessHandler(),
		"/ready":   s.deps.Health.ReadinessHandler(),
		"/version": health.VersionHandler(s.deps.Build.Version, s.deps.Build.Commit, s.deps.Build.BuildTime),
	} {
		r.Get(path, h)
		r.Head(path, h)
	}
	if s.deps.Metrics != nil && s.deps.MetricsPath != "" {
		r.Method(http.MethodGet, s.deps.MetricsPath, s.deps.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/subjects/{subjectID}", func(r chi.Router) {
			r.Use(s.requireSubject)
			r.Post("/export", s.handleExport)
			r.Post("/deletion", s.handleRequestDeletion)
			r.Post("/deletion/confirm", s.handleConfirmDeletion)
		})

		// admin routes only exist when a token is configured
		if s.cfg.AdminToken != "" {
			r.Route("/admin/retention", func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Get("/stats", s.handleStats)
				r.Post("/cleanup/{kind}", s.handleCleanup)
			})
		}
	})
	return r
}

// routePattern returns the matched chi pattern, or "" before routing.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}
