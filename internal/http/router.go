package http

import (
	"net/http"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"greenops/internal/config"
)

// NewRouter wires application routes and middleware using chi.
func NewRouter(cfg config.Config, handler *GCPHandler, resolver UserResolver, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(newSecurityHeadersMiddleware(cfg.Environment))
	r.Use(newSlogMiddleware(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"environment": cfg.Environment,
		})
	})

	r.Route("/api/gcp", func(r chi.Router) {
		r.Use(newUserMiddleware(resolver))

		r.Get("/connect", handler.Connect)
		r.Get("/callback", handler.Callback)
		r.Post("/sync", handler.Sync)
		r.Get("/status", handler.Status)
		r.Delete("/connection", handler.Disconnect)
	})

	r.NotFound(http.NotFoundHandler().ServeHTTP)

	return r
}
