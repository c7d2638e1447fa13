// Package paymentwebhook принимает биллинговые события платёжного провайдера.
//
// Тело проверяется по подписи до разбора. Событие с неизвестным подписчиком
// подтверждается 200: повторная доставка его не исправит.
package paymentwebhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/research-gate/internal/http/response"
	"github.com/magabrotheeeer/research-gate/internal/lib/sl"
	"github.com/magabrotheeeer/research-gate/internal/lib/webhooksig"
	"github.com/magabrotheeeer/research-gate/internal/metrics"
	"github.com/magabrotheeeer/research-gate/internal/models"
	"github.com/magabrotheeeer/research-gate/internal/paymentprovider"
	"github.com/magabrotheeeer/research-gate/internal/services/billing"
)

// MaxBodyBytes — предел размера тела вебхука.
const MaxBodyBytes = 1 << 20

// Service применяет разобранное событие.
type Service interface {
	HandleEvent(ctx context.Context, ev paymentprovider.Event) (billing.Result, error)
}

type Handler struct {
	log           *slog.Logger // Логгер для записи информации и ошибок
	service       Service
	webhookSecret string // Секрет для проверки подписи
	tolerance     time.Duration
	metrics       *metrics.Metrics
	now           func() time.Time
}

func New(log *slog.Logger, service Service, secret string, m *metrics.Metrics) *Handler {
	return &Handler{
		log:           log,
		service:       service,
		webhookSecret: secret,
		tolerance:     webhooksig.DefaultTolerance,
		metrics:       m,
		now:           time.Now,
	}
}

// ServeHTTP godoc
// @Summary Вебхук платёжного провайдера
// @Description Проверяет подпись Stripe-Signature и применяет биллинговое событие к подписчику.
// @Tags Billing
// @Accept  json
// @Produce  json
// @Param Stripe-Signature header string true "t=<unix>,v1=<hex>"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.ErrorResponse "Неверная подпись или повреждённое событие"
// @Failure 422 {object} response.ErrorResponse "Тип события не обрабатывается"
// @Failure 500 {object} response.ErrorResponse "Внутренняя ошибка сервера"
// @Router /api/stripe/webhook [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.webhook"
	log := h.log.With(slog.String("op", op))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		log.Error("failed to read webhook body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}
	defer r.Body.Close()

	if !webhooksig.Verify(body, r.Header.Get(webhooksig.HeaderName), h.webhookSecret, h.tolerance, h.now()) {
		log.Warn("invalid or missing webhook signature")
		h.metrics.WebhookEvent("unknown", "bad_signature")
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid signature"))
		return
	}

	ev, err := paymentprovider.DecodeEvent(body)
	switch {
	case errors.Is(err, paymentprovider.ErrUnsupportedEvent):
		log.Info("unsupported webhook event", sl.Err(err))
		h.metrics.WebhookEvent("unknown", "unsupported")
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error("unsupported event type"))
		return
	case err != nil:
		log.Error("malformed webhook event", sl.Err(err))
		h.metrics.WebhookEvent("unknown", "malformed")
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("malformed event"))
		return
	}

	meta := ev.Meta()
	log = log.With(slog.String("event_id", meta.ID), slog.String("event_type", string(meta.Type)))

	result, err := h.service.HandleEvent(r.Context(), ev)
	switch {
	case errors.Is(err, models.ErrSubscriberNotFound):
		log.Warn("webhook event for unknown subscriber acknowledged", sl.Err(err))
		render.JSON(w, r, response.StatusOKWithData(map[string]any{"result": "unknown_subscriber"}))
		return
	case err != nil:
		log.Error("failed to process webhook event", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Internal())
		return
	}

	log.Info("webhook processed", slog.String("result", string(result)))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{"result": result}))
}
