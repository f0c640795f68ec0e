/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/engine/*         Finalization
  /api/streaks/*        Streak state and history
  /api/logs/*           Daily PASS/MISS/UNKNOWN entry
  /api/index, /api/series, /api/statistics   Scores
  /api/rules/*          Rule administration

SECURITY NOTE:
  No authentication middleware currently. This is a single-user tool;
  all endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Engine routes
		r.Route("/engine", func(r chi.Router) {
			r.Post("/process", h.ProcessUpTo)
		})

		// Streak routes
		r.Route("/streaks", func(r chi.Router) {
			r.Get("/", h.ListStreaks)
			r.Get("/open", h.GetOpenStreak)
			r.Get("/buffers", h.GetBuffers)
			r.Post("/reset", h.ResetStreak)
		})

		// Daily log routes
		r.Route("/logs", func(r chi.Router) {
			r.Get("/", h.GetDayLogs)
			r.Put("/{date}", h.SaveDayLogs)
		})

		// Score routes
		r.Get("/index", h.GetIndex)
		r.Get("/series", h.GetSeries)
		r.Get("/statistics", h.GetStatistics)

		// Rule admin routes
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Get("/{key}", h.GetRuleVersions)
			r.Post("/{key}/versions", h.AddRuleVersion)
			r.Post("/{key}/deactivate", h.DeactivateRule)
		})
	})

	// Minimal landing page so a browser hit isn't a bare 404.
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Discipline Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Discipline Engine API</h1>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/streaks/open">/api/streaks/open</a> - Current open streak</li>
<li><a href="/api/streaks/buffers">/api/streaks/buffers</a> - Per-rule buffer status</li>
<li><a href="/api/index">/api/index</a> - Discipline index</li>
<li><a href="/api/rules">/api/rules</a> - Rule catalog</li>
</ul>
</body>
</html>`))
	})

	return r
}
