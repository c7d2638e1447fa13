// Package researchgate собирает HTTP-приложение ленты исследований.
package researchgate

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/research-gate/internal/http/middlewarectx"
)

// Handlers — обработчики маршрутов приложения. Webhook равен nil, если секрет
// подписи не настроен: такой маршрут не регистрируется.
type Handlers struct {
	Register    http.Handler
	Login       http.Handler
	Verify      http.Handler
	Logout      http.Handler
	Me          http.Handler
	FeedAccess  http.Handler
	Checkout    http.Handler
	Webhook     http.Handler
	TrialExtend http.Handler
	Health      http.Handler
	Metrics     http.Handler
}

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, guards *middlewarectx.Guards, authLimiter *rate.Limiter,
	requestMetrics func(http.Handler) http.Handler, h Handlers) {
	// Глобальные middleware
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
	)
	if requestMetrics != nil {
		r.Use(requestMetrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(guards.Optional)
				r.Use(middlewarectx.RateLimitMiddleware(logger, authLimiter))
				r.Method(http.MethodPost, "/register", h.Register)
				r.Method(http.MethodPost, "/login", h.Login)
			})
			r.Method(http.MethodGet, "/verify/{token}", h.Verify)
			r.Method(http.MethodPost, "/logout", h.Logout)
			r.With(guards.Optional).Method(http.MethodGet, "/me", h.Me)
		})

		// Группа с проверкой подписчика
		r.Group(func(r chi.Router) {
			r.Use(guards.RequireSubscriber)
			r.Method(http.MethodGet, "/feed/access", h.FeedAccess)
			r.Method(http.MethodPost, "/billing/checkout", h.Checkout)
		})

		r.With(guards.RequireAdmin).Method(http.MethodPost, "/admin/subscribers/{id}/trial", h.TrialExtend)

		// Webhook endpoint (без аутентификации, проверяется подпись)
		if h.Webhook != nil {
			r.Method(http.MethodPost, "/stripe/webhook", h.Webhook)
		} else {
			logger.Warn("stripe webhook secret is not set, webhook route is not mounted")
		}
	})

	r.Method(http.MethodGet, "/health", h.Health)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics)
	}
	// Swagger docs endpoint
	r.Get("/docs/*", httpSwagger.WrapHandler)
}
