package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"externalorder/internal/mw"
)

// NewRouter wires the external order API. Write routes require a bearer token
// when jwtSecret is set.
func NewRouter(svc OrderService, jwtSecret string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", HealthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/external-order", func(r chi.Router) {
		r.Get("/query", QueryOrderHandler(svc))
		r.Get("/page-query", PageQueryHandler(svc))

		r.Group(func(r chi.Router) {
			if jwtSecret != "" {
				r.Use(mw.AuthMiddleware(jwtSecret))
			}
			r.Post("/insert", InsertOrderHandler(svc))
			r.Post("/update", UpdateOrderHandler(svc))
			r.Post("/delete", DeleteOrderHandler(svc))
		})
	})

	return r
}
