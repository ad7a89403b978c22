package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yegors/skywarden/internal/cooldown"
	"github.com/yegors/skywarden/pkg/logger"
)

// Deps are the services exposed over HTTP. Safety, Tasks, Simulation,
// WebSocket and Metrics are optional; their routes are omitted when nil.
type Deps struct {
	Rules            RuleStore
	History          HistoryStore
	Poller           Poller
	DryRun           DryRunner
	RuleCache        RuleCacheStats
	Cooldowns        cooldown.Store
	Safety           TrackCounter
	Tasks            TaskLister
	Simulation       SimulationControl
	WebSocket        http.HandlerFunc
	WebSocketClients func() int
	Metrics          http.Handler
	MetricsPath      string
	Logger           *logger.Logger
}

// Router builds the HTTP routes
type Router struct {
	handler     *Handler
	deps        Deps
	logger      *logger.Logger
	requestTime time.Duration
}

// NewRouter creates a new router
func NewRouter(deps Deps) *Router {
	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}
	return &Router{
		handler:     NewHandler(deps),
		deps:        deps,
		logger:      deps.Logger.Named("api"),
		requestTime: 30 * time.Second,
	}
}

// Routes returns the router with all routes
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()
	h := rt.handler

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(rt.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.GetHealth)

	if rt.deps.Metrics != nil {
		r.Method(http.MethodGet, rt.deps.MetricsPath, rt.deps.Metrics)
	}
	if rt.deps.WebSocket != nil {
		r.Get("/ws", rt.deps.WebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// /ws is registered outside this group; upgraded connections must not time out
		r.Use(middleware.Timeout(rt.requestTime))

		r.Get("/status", h.GetStatus)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Post("/test", h.TestRule)
			r.Get("/{id}", h.GetRule)
			r.Put("/{id}", h.UpdateRule)
			r.Delete("/{id}", h.DeleteRule)
		})

		r.Get("/cooldowns", h.GetCooldownStatus)
		r.Delete("/cooldowns/{scope}", h.ClearCooldowns)

		r.Get("/alerts/recent", h.GetRecentAlerts)
		r.Get("/safety/events/recent", h.GetRecentSafetyEvents)

		if rt.deps.Tasks != nil {
			r.Get("/scheduler/tasks", h.GetTasks)
		}

		if rt.deps.Simulation != nil {
			r.Route("/simulation/aircraft", func(r chi.Router) {
				r.Get("/", h.GetSimulatedAircraft)
				r.Post("/", h.CreateSimulatedAircraft)
				r.Delete("/{hex}", h.RemoveSimulatedAircraft)
			})
		}
	})

	return r
}

// requestLogger logs each request at debug level
func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		rt.logger.Debug("HTTP request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Duration("duration", time.Since(start)),
			logger.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
