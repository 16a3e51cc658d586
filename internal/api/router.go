package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-slot-scheduling/internal/availability"
)

type RouterConfig struct {
	Service *availability.Service
	Log     *zap.Logger

	// DB and Cache back the readiness probe; nil when the dependency is not used.
	DB    Pinger
	Cache Pinger

	Env     string
	Version string

	RateLimitRPS       int
	CORSAllowedOrigins []string
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	svc := cfg.Service

	r := chi.NewRouter()

	origins := cfg.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(middleware.Recoverer)

	// Health endpoints stay outside the rate limit so probes never get throttled.
	health := NewHealthHandler(cfg.DB, cfg.Cache, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Group(func(r chi.Router) {
		if cfg.RateLimitRPS > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimitRPS, time.Second))
		}

		r.Route("/doctors/{doctorID}", func(r chi.Router) {
			r.Get("/schedule", getScheduleHandler(svc, log))
			r.Put("/schedule", putScheduleHandler(svc, log))

			r.Route("/availability", func(r chi.Router) {
				r.Post("/", markAvailableHandler(svc, log))
				r.Get("/", listAvailabilityHandler(svc, log))
				r.Get("/next", nextAvailableHandler(svc, log))

				r.Route("/{date}", func(r chi.Router) {
					r.Get("/slots", slotsForDateHandler(svc, log))
					r.Post("/cancel", cancelAllHandler(svc, log))
					r.Post("/slots/{slotID}/book", bookSlotHandler(svc, log))
					r.Post("/slots/{slotID}/cancel", cancelSlotHandler(svc, log))
					r.Post("/slots/{slotID}/release", releaseSlotHandler(svc, log))
				})
			})

			r.Get("/bookings", doctorBookingsHandler(svc, log))
		})

		r.Get("/patients/{patientID}/bookings", patientBookingsHandler(svc, log))
	})

	return r
}
