package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "visionq/internal/api/middleware"
	"visionq/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	CreateJobHandler    http.HandlerFunc
	GetJobHandler       http.HandlerFunc
	JobResultHandler    http.HandlerFunc
	JobAnnotatedHandler http.HandlerFunc

	LiveHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Submission is the only throttled route; polling and artifact reads
	// are cheap.
	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}
		r.Post("/api/v1/jobs", orNotImplemented(deps.CreateJobHandler))
	})

	r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
	r.Get("/api/v1/jobs/{jobID}/result", orNotImplemented(deps.JobResultHandler))
	r.Get("/api/v1/jobs/{jobID}/annotated", orNotImplemented(deps.JobAnnotatedHandler))

	r.Get("/ws/live", orNotImplemented(deps.LiveHandler))

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
