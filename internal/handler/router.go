package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"transitmap/internal/middleware"
)

type RouterConfig struct {
	HTTP        *HTTPHandler
	Favorites   *FavoritesHandler
	WS          *WSHandler
	Health      *HealthHandler
	Stats       *StatsHandler
	RateLimiter *middleware.RateLimiter
	CORSOrigins []string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(CountRequests)
	r.Use(CORSMiddleware(cfg.CORSOrigins))

	r.Get("/healthz", cfg.Health.Healthz)
	r.Get("/readyz", cfg.Health.Readyz)

	if cfg.WS != nil {
		r.With(rateLimit(cfg.RateLimiter)).Get("/v1/ws", cfg.WS.ServeWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(rateLimit(cfg.RateLimiter))
		r.Use(GzipMiddleware)

		r.Get("/v1/favorites", cfg.Favorites.List)
		r.Post("/v1/favorites/{routeId}/toggle", cfg.Favorites.Toggle)

		r.Get("/v1/agencies", cfg.HTTP.ListAgencies)
		r.Get("/v1/alerts", cfg.HTTP.ListAlerts)

		r.Route("/v1/stops/{id}", func(r chi.Router) {
			r.Get("/routes", cfg.HTTP.GetStopRoutes)
			r.Get("/arrivals", cfg.HTTP.GetStopArrivals)
		})

		r.Route("/v1/routes/{id}", func(r chi.Router) {
			r.Get("/shape", cfg.HTTP.GetRouteShape)
			r.Get("/stops", cfg.HTTP.GetRouteStops)
			r.Get("/positions", cfg.HTTP.GetRoutePositions)
		})

		r.Route("/v1/stations/{id}", func(r chi.Router) {
			r.Get("/", cfg.HTTP.GetStation)
			r.Get("/arrivals", cfg.HTTP.GetStationArrivals)
		})

		r.Route("/v1/subway-lines/{name}", func(r chi.Router) {
			r.Get("/shape", cfg.HTTP.GetSubwayLineShape)
			r.Get("/stations", cfg.HTTP.GetSubwayLineStations)
		})

		if cfg.Stats != nil {
			r.Get("/v1/stats", cfg.Stats.GetStats)
		}
	})

	return r
}

func rateLimit(rl *middleware.RateLimiter) func(http.Handler) http.Handler {
	if rl == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return rl.Middleware
}
