// Package handlers exposes the relay daemon's control API: tool settings,
// diagnostics, probe management, reconnect scheduling and prefetch state.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/keyframed/relayd/internal/diagnostics"
	"github.com/keyframed/relayd/internal/instrument"
	"github.com/keyframed/relayd/internal/middleware"
	"github.com/keyframed/relayd/internal/prefetch"
	"github.com/keyframed/relayd/internal/realtime"
	"github.com/keyframed/relayd/internal/reconnect"
	"github.com/keyframed/relayd/internal/settings"
)

// API holds the injected services the HTTP handlers operate on.
type API struct {
	Diag     *diagnostics.Channel
	Probes   *instrument.Manager
	Sched    *reconnect.Scheduler
	Super    *realtime.Supervisor
	Settings *settings.Service
	Prefetch *prefetch.Prefetcher
}

// Router builds the full HTTP surface. /health is unauthenticated; the
// /api/v1 tree requires the bearer token.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", a.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireAuth)

		r.Route("/settings/{tool}", func(r chi.Router) {
			r.Get("/resolved", a.ResolveToolSettings)
			r.Get("/{scope}/{scopeID}", a.GetToolSettings)
			r.Put("/{scope}/{scopeID}", a.PutToolSettings)
			r.Delete("/{scope}/{scopeID}", a.DeleteToolSettings)
		})

		r.Route("/logs", func(r chi.Router) {
			r.Get("/", a.GetServerLogs)
			r.Delete("/", a.ClearServerLogs)
		})

		r.Route("/diagnostics", func(r chi.Router) {
			r.Get("/", a.GetDiagnostics)
			r.Get("/records", a.GetDiagnosticRecords)
			r.Put("/level", a.SetDiagnosticLevel)
			r.Put("/tags", a.SetDiagnosticTags)
		})

		r.Route("/probes", func(r chi.Router) {
			r.Get("/", a.ListProbes)
			r.Post("/{type}/install", a.InstallProbe)
			r.Post("/{type}/uninstall", a.UninstallProbe)
			r.Patch("/{type}", a.PatchProbe)
		})

		r.Route("/reconnect", func(r chi.Router) {
			r.Get("/status", a.ReconnectStatus)
			r.Post("/request", a.RequestReconnect)
			r.Get("/events", a.ConnectionEvents)
			r.Get("/audit", a.ReconnectAudit)
		})

		r.Route("/prefetch", func(r chi.Router) {
			r.Get("/status", a.PrefetchStatus)
			r.Put("/capabilities", a.SetPrefetchCapabilities)
			r.Put("/context", a.SetPageContext)
			r.Post("/trim", a.TrimPrefetchCache)
		})
	})

	return r
}
