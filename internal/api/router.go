package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
)

// NewRouter builds and returns the Chi router with all routes configured.
// The health endpoint is unauthenticated; every other route requires the
// gateway bearer token. Rate limiting is applied globally: 60 requests per
// minute per IP.
func NewRouter(handlers *Handlers, token string, db dbPinger, redisClient redisPinger, log *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(log))
	r.Use(httprate.LimitByIP(60, time.Minute))

	r.Get("/api/v1/health", HealthHandlerFunc(db, redisClient, handlers.sessions, log))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(token))

		r.Post("/api/v1/auth/login", handlers.Login)
		r.Post("/api/v1/auth/register", handlers.Register)
		r.Post("/api/v1/auth/logout", handlers.Logout)
		r.Get("/api/v1/auth/session", handlers.GetSession)

		r.Get("/api/v1/points", handlers.GetPoint)
		r.Post("/api/v1/taps", handlers.Tap)
		r.Get("/api/v1/taps/latest", handlers.LatestTap)

		r.Get("/api/v1/buildings/{id}", handlers.GetBuilding)
		r.Get("/api/v1/buildings/{id}/reviews", handlers.ListReviews)
		r.Post("/api/v1/buildings/{id}/reviews", handlers.CreateReview)

		r.Get("/api/v1/saved-buildings", handlers.ListSavedBuildings)
		r.Post("/api/v1/saved-buildings", handlers.SaveBuilding)
		r.Delete("/api/v1/saved-buildings/{saveID}", handlers.DeleteSavedBuilding)

		r.Get("/api/v1/workplace", handlers.GetWorkplace)
		r.Put("/api/v1/workplace", handlers.PutWorkplace)
		r.Delete("/api/v1/workplace", handlers.DeleteWorkplace)

		r.Get("/api/v1/lookups", handlers.ListLookups)
	})

	return r
}

// Ensure chi.Mux implements http.Handler.
var _ http.Handler = (*chi.Mux)(nil)
