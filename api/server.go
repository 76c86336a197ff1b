/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:    request logging
  2. Recoverer: panic recovery (500 instead of crash)
  3. RequestID: unique ID per request for tracing
  4. CORS:      cross-origin requests for the frontend

SECURITY NOTE:
  No authentication middleware here; sessions and API keys live in the
  surrounding application, outside this core.
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)
			r.Post("/", h.CreateUser)
			r.Get("/{id}", h.GetUser)
			r.Delete("/{id}", h.DeleteUser)
			r.Get("/{id}/events", h.GetUserEvents)
		})

		r.Route("/reasons", func(r chi.Router) {
			r.Get("/", h.ListReasons)
			r.Post("/", h.CreateReason)
			r.Delete("/{id}", h.DeleteReason)
			r.Post("/{id}/reweight", h.ReweightReason)
		})

		r.Route("/rewards", func(r chi.Router) {
			r.Get("/", h.ListRewards)
			r.Post("/", h.CreateReward)
			r.Delete("/{id}", h.DeleteReward)
			r.Post("/{id}/reweight", h.ReweightReward)
		})

		r.Route("/stars", func(r chi.Router) {
			r.Post("/award", h.AwardStars)
			r.Post("/redeem", h.RedeemReward)
		})

		r.Delete("/events/{kind}/{id}", h.UndoEvent)
		r.Get("/counts", h.GetCounts)
	})

	return r
}
