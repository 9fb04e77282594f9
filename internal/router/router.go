// internal/router/router.go
package router

import (
	"net/http"
	"strconv"
	"time"

	"ussd-service/internal/handler"
	"ussd-service/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Handlers struct {
	USSD         *handler.USSDHandler
	Webhook      *handler.WebhookHandler
	Callback     *handler.CallbackHandler
	Auth         *handler.AuthHandler
	Transactions *handler.TransactionHandler
	Health       *handler.HealthHandler
}

func SetupRoutes(h Handlers, sessions handler.SessionValidator, throttle Throttle, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(logger))
	r.Use(MetricsMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Signature", "X-Timestamp"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health.Health)

		// gateway callback, one request per menu turn
		r.With(PhoneThrottle(throttle, logger)).Post("/ussd", h.USSD.HandleUSSD)

		r.Post("/webhooks/{provider}", h.Webhook.HandleProviderWebhook)

		r.Route("/callbacks/mpesa", func(r chi.Router) {
			r.Post("/stk/{ref}", h.Callback.HandleMpesaSTKCallback)
			r.Post("/b2c/{ref}", h.Callback.HandleMpesaB2CCallback)
			r.Post("/b2c/timeout/{ref}", h.Callback.HandleMpesaB2CTimeout)
		})

		r.Route("/auth", func(r chi.Router) {
			r.Post("/otp", h.Auth.IssueOTP)
			r.Post("/otp/verify", h.Auth.VerifyOTP)
			r.Get("/session", h.Auth.Session)
			r.Post("/logout", h.Auth.Logout)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Use(handler.RequireSession(sessions, logger))
			r.Get("/", h.Transactions.List)
			r.Post("/{id}/retry", h.Transactions.Retry)
			r.Post("/{id}/cancel", h.Transactions.Cancel)
			r.Post("/{id}/reconcile", h.Transactions.Reconcile)
		})
	})

	return r
}

// LoggerMiddleware logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()))
		})
	}
}

// MetricsMiddleware records request counts and latency per route pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
