/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zerolog request logging + request duration histogram
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the front desk UI
  5. RateLimit:  Token bucket shared by all clients (429 on excess)
  6. Invalidate: Flushes the dashboard cache before and after every write

ROUTE GROUPS:
  /api/referrers/*      Referrer management
  /api/patients/*       Patients and reward payment
  /api/rewards          Reward ledger and ad-hoc grants
  /api/gifts/*          Gift inventory
  /api/settings         Clinic default commission rate
  /api/stats            Dashboard
  /api/admin/*          Admin operations
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. The service is meant to run on the clinic's
  internal network.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/xinjie/referral-engine/metrics"
)

// RouterOptions configures the middleware stack.
type RouterOptions struct {
	AllowedOrigins []string
	RateLimit      rate.Limit // requests per second; 0 disables limiting
	RateBurst      int
	Logger         zerolog.Logger
}

// DefaultRouterOptions are used by tests and local development.
func DefaultRouterOptions() RouterOptions {
	return RouterOptions{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		RateLimit:      50,
		RateBurst:      100,
		Logger:         zerolog.Nop(),
	}
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	if opts.RateLimit > 0 {
		r.Use(NewRateLimiter(RateLimiterConfig{Rate: opts.RateLimit, Burst: opts.RateBurst}).RateLimit)
	}

	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(h.invalidateOnWrite)

		r.Route("/referrers", func(r chi.Router) {
			r.Get("/", h.ListReferrers)
			r.Post("/", h.CreateReferrer)
			r.Get("/{id}", h.GetReferrer)
			r.Put("/{id}", h.UpdateReferrer)
			r.Delete("/{id}", h.DeleteReferrer)
			r.Get("/{id}/patients", h.GetReferrerPatients)
			r.Get("/{id}/rewards", h.GetReferrerRewards)
			r.Post("/{id}/recompute", h.RecomputeReferrer)
		})

		r.Route("/patients", func(r chi.Router) {
			r.Get("/", h.ListPatients)
			r.Post("/", h.CreatePatient)
			r.Get("/{id}", h.GetPatient)
			r.Put("/{id}", h.UpdatePatient)
			r.Delete("/{id}", h.DeletePatient)
			r.Post("/{id}/pay", h.PayReward)
		})

		r.Route("/rewards", func(r chi.Router) {
			r.Get("/", h.ListRewards)
			r.Post("/", h.GrantReward)
		})

		r.Route("/gifts", func(r chi.Router) {
			r.Get("/", h.ListGifts)
			r.Post("/", h.CreateGift)
			r.Get("/{id}", h.GetGift)
			r.Put("/{id}", h.UpdateGift)
			r.Delete("/{id}", h.DeleteGift)
		})

		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.UpdateSettings)
		r.Get("/stats", h.GetStats)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/recompute", h.RecomputeAll)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// requestLogger logs each request with chi's request id and records its
// duration under the matched route pattern.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			latency := time.Since(start)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			metrics.ObserveRequest(r.Method, route, status, latency)

			var ev *zerolog.Event
			switch {
			case status >= 500:
				ev = log.Error()
			case status >= 400:
				ev = log.Warn()
			default:
				ev = log.Info()
			}
			ev.Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", latency).
				Msg("request")
		})
	}
}

// invalidateOnWrite flushes the dashboard cache around any request that may
// change the ledger. The flush after the handler drops a summary that a
// concurrent GET computed from pre-commit rows and cached mid-write.
func (h *Handler) invalidateOnWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		h.invalidate()
		defer h.invalidate()
		next.ServeHTTP(w, r)
	})
}

// RateLimiterConfig configures the shared token bucket.
type RateLimiterConfig struct {
	Rate  rate.Limit
	Burst int
}

type RateLimiter struct {
	limiter *rate.Limiter
}

func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(config.Rate, config.Burst),
	}
}

func (rl *RateLimiter) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
