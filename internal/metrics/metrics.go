// Package metrics содержит счётчики Prometheus для входа, сессий и биллинга.
//
// Все методы безопасны для nil-получателя: сервисы в тестах создаются без метрик.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics набор коллекторов сервиса.
type Metrics struct {
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	linksIssued      *prometheus.CounterVec
	linksRedeemed    *prometheus.CounterVec
	sessionResolved  *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	trialsExpired    prometheus.Counter
	deliveryFailures prometheus.Counter
}

// New регистрирует коллекторы в reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "code"}),
		linksIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "magic_links_issued_total",
			Help: "Magic link issuance attempts by result.",
		}, []string{"result"}),
		linksRedeemed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "magic_links_redeemed_total",
			Help: "Magic link redemptions by result.",
		}, []string{"result"}),
		sessionResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "session_resolutions_total",
			Help: "Session cookie resolutions by result.",
		}, []string{"result"}),
		webhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Billing webhook events by type and result.",
		}, []string{"type", "result"}),
		trialsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "trials_expired_total",
			Help: "Lazy trial expirations applied.",
		}),
		deliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "magic_link_delivery_failures_total",
			Help: "Magic link deliveries that failed.",
		}),
	}
}

// LinkIssued учитывает попытку выдачи ссылки.
func (m *Metrics) LinkIssued(result string) {
	if m == nil {
		return
	}
	m.linksIssued.WithLabelValues(result).Inc()
}

// LinkRedeemed учитывает погашение ссылки.
func (m *Metrics) LinkRedeemed(result string) {
	if m == nil {
		return
	}
	m.linksRedeemed.WithLabelValues(result).Inc()
}

// SessionResolved учитывает разбор сессионной cookie.
func (m *Metrics) SessionResolved(result string) {
	if m == nil {
		return
	}
	m.sessionResolved.WithLabelValues(result).Inc()
}

// WebhookEvent учитывает обработанное событие биллинга.
func (m *Metrics) WebhookEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, result).Inc()
}

// TrialExpired учитывает ленивое истечение пробного периода.
func (m *Metrics) TrialExpired() {
	if m == nil {
		return
	}
	m.trialsExpired.Inc()
}

// DeliveryFailed учитывает неудачную доставку ссылки.
func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

// Middleware считает запросы и их длительность по шаблону маршрута chi.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		code := strconv.Itoa(ww.Status())
		m.httpRequests.WithLabelValues(r.Method, path, code).Inc()
		m.httpDuration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
	})
}
