package server

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/pysugar/strava-poster-hub/internal/auth/flow"
	"github.com/pysugar/strava-poster-hub/internal/auth/session"
	"github.com/pysugar/strava-poster-hub/internal/logging"
	"github.com/pysugar/strava-poster-hub/internal/poster"
	"github.com/pysugar/strava-poster-hub/internal/queue"
	"github.com/pysugar/strava-poster-hub/internal/ratelimit"
	"github.com/pysugar/strava-poster-hub/internal/strava"
)

// Deps bundles everything the router needs.
type Deps struct {
	Flow     *flow.Controller
	Sessions *session.Store
	Client   *strava.Client
	Queue    *queue.Queue
	Store    *poster.Store
	Limiter  *ratelimit.Limiter
}

// NewRouter builds the HTTP surface.
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(logging.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", HealthHandler())
	r.Get("/auth/strava/login", LoginHandler(d.Flow))
	r.Get("/auth/strava/callback", CallbackHandler(d.Flow))
	r.Post("/auth/logout", LogoutHandler(d.Flow))

	// Session-protected API
	r.Route("/api", func(r chi.Router) {
		r.Use(SessionAuth(d.Sessions))

		r.Get("/athlete", AthleteHandler(d.Client))
		r.Get("/activities", ActivitiesHandler(d.Client))
		r.Get("/activities/{id}/streams", ActivityStreamsHandler(d.Client))
		r.Get("/ratelimit", RateLimitHandler(d.Limiter))

		r.Route("/posters", func(r chi.Router) {
			r.Post("/", SubmitPosterHandler(d.Queue))
			r.Get("/", ListPostersHandler(d.Queue))
			r.Get("/{id}", PosterStatusHandler(d.Queue))
			r.Post("/{id}/cancel", CancelPosterHandler(d.Queue))
			r.Get("/{id}/download", DownloadPosterHandler(d.Queue, d.Store))
		})
	})

	return r
}
