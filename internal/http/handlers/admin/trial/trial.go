// Package trial реализует административное продление пробного периода.
package trial

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"
	"github.com/google/uuid"

	"github.com/magabrotheeeer/research-gate/internal/entitlement"
	"github.com/magabrotheeeer/research-gate/internal/http/response"
	"github.com/magabrotheeeer/research-gate/internal/lib/sl"
	"github.com/magabrotheeeer/research-gate/internal/models"
	"github.com/magabrotheeeer/research-gate/internal/services/billing"
)

// Request — на сколько дней продлить.
type Request struct {
	Days int `json:"days" validate:"required,min=1,max=365"`
}

// Service продлевает пробный период.
type Service interface {
	ExtendTrial(ctx context.Context, id string, days int) (*models.AuthUser, error)
}

type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

// ServeHTTP godoc
// @Summary Продление пробного периода
// @Description Продлевает пробный период от max(trial_end, now). Истёкший пробный доступ возвращается в trial.
// @Tags Admin
// @Accept  json
// @Produce  json
// @Param id path string true "ID подписчика"
// @Param X-Research-Passcode header string false "Административный код доступа"
// @Param request body Request true "Количество дней, от 1 до 365"
// @Success 200 {object} response.Response{data=models.AuthUser}
// @Failure 400 {object} response.ErrorResponse "Некорректный запрос"
// @Failure 403 {object} response.ErrorResponse "Нет административного доступа"
// @Failure 404 {object} response.ErrorResponse "Подписчик не найден"
// @Failure 409 {object} response.ErrorResponse "Запись изменилась, повторите запрос"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Router /api/admin/subscribers/{id}/trial [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.trial"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("failed to decode id from url"))
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

	user, err := h.service.ExtendTrial(r.Context(), id, req.Days)
	switch {
	case errors.Is(err, models.ErrSubscriberNotFound):
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, response.Error("subscriber not found"))
		return
	case errors.Is(err, entitlement.ErrInvalidExtension):
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error("days must be between 1 and 365"))
		return
	case errors.Is(err, billing.ErrConcurrentUpdate):
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, response.Error("subscriber changed concurrently, retry"))
		return
	case err != nil:
		log.Error("failed to extend trial", slog.String("subscriber_id", id), sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Internal())
		return
	}

	log.Info("trial extended by admin", slog.String("subscriber_id", id), slog.Int("days", req.Days))
	render.JSON(w, r, response.StatusOKWithData(user))
}
