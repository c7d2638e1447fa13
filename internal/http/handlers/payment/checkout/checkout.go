// Package checkout создаёт сессию оформления подписки у платёжного провайдера.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/research-gate/internal/http/middlewarectx"
	"github.com/magabrotheeeer/research-gate/internal/http/response"
	"github.com/magabrotheeeer/research-gate/internal/lib/sl"
	"github.com/magabrotheeeer/research-gate/internal/models"
	"github.com/magabrotheeeer/research-gate/internal/services/billing"
)

// Request — выбранный тариф.
type Request struct {
	Plan string `json:"plan" validate:"required,oneof=monthly annual"`
}

// Service определяет создание сессии оформления.
type Service interface {
	CreateCheckout(ctx context.Context, user *models.AuthUser, plan string) (string, error)
}

// Handler обрабатывает запросы на оформление подписки.
type Handler struct {
	log      *slog.Logger        // Логгер для записи информации и ошибок
	service  Service             // Биллинг
	validate *validator.Validate // Валидатор структуры входящих данных
}

func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

// ServeHTTP godoc
// @Summary Оформление подписки
// @Description Создаёт сессию оформления у провайдера. Клиент провайдера создаётся при первом обращении.
// @Tags Billing
// @Accept  json
// @Produce  json
// @Param request body Request true "Тариф: monthly или annual"
// @Success 200 {object} response.Response "Адрес страницы оплаты"
// @Failure 400 {object} response.ErrorResponse "Некорректный JSON"
// @Failure 409 {object} response.ErrorResponse "Подписка уже активна"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Failure 500 {object} response.ErrorResponse "Внутренняя ошибка сервера"
// @Router /api/billing/checkout [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.checkout"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	user := middlewarectx.UserFromContext(r.Context())
	if user == nil {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("not authenticated"))
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("failed to decode request body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}

	url, err := h.service.CreateCheckout(r.Context(), user, req.Plan)
	switch {
	case errors.Is(err, billing.ErrAlreadySubscribed):
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, response.Error("subscription is already active"))
		return
	case errors.Is(err, billing.ErrUnknownPlan):
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error("plan is not available"))
		return
	case err != nil:
		log.Error("failed to create checkout", slog.String("subscriber_id", user.ID), sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Internal())
		return
	}

	log.Info("checkout created", slog.String("subscriber_id", user.ID), slog.String("plan", req.Plan))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"url": url,
	}))
}
