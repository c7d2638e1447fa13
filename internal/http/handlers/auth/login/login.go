// Package login реализует HTTP-обработчик запроса ссылки для входа.
//
// Для неизвестного адреса ответ тот же, что и для известного.
package login

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/research-gate/internal/http/handlers/auth/register"
	"github.com/magabrotheeeer/research-gate/internal/http/response"
	"github.com/magabrotheeeer/research-gate/internal/lib/sl"
	"github.com/magabrotheeeer/research-gate/internal/services/magiclink"
)

// Request — структура входных данных для запроса ссылки.
type Request struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

// Handler обрабатывает HTTP-запросы ссылки для входа.
type Handler struct {
	log      *slog.Logger        // Логгер для записи операций и ошибок
	service  Service             // Выпуск ссылок
	validate *validator.Validate // Валидатор для проверки входных данных
}

// Service описывает выпуск ссылки для входа.
type Service interface {
	RequestLink(ctx context.Context, email string) error
}

// New создает новый экземпляр Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

// ServeHTTP godoc
// @Summary Запрос ссылки для входа
// @Description Отправляет одноразовую ссылку для входа, действующую 15 минут. Ответ не раскрывает, зарегистрирован ли адрес.
// @Tags Auth
// @Accept  json
// @Produce  json
// @Param request body Request true "Адрес подписчика"
// @Success 200 {object} response.Response "Ссылка отправлена, если адрес может войти"
// @Failure 400 {object} response.ErrorResponse "Некорректный JSON"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Failure 429 {object} response.ErrorResponse "Слишком много запросов"
// @Failure 500 {object} response.ErrorResponse "Внутренняя ошибка сервера"
// @Router /api/auth/login [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.login"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("failed to decode request body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}

	if err := h.validate.Struct(req); err != nil {
		log.Info("validation failed", sl.Err(err))
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}

	err := h.service.RequestLink(r.Context(), req.Email)
	switch {
	case errors.Is(err, magiclink.ErrTooManyRequests):
		render.Status(r, http.StatusTooManyRequests)
		render.JSON(w, r, response.Error("too many requests, try again later"))
		return
	case errors.Is(err, magiclink.ErrInvalidEmail):
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error("field Email must be a valid email address"))
		return
	case err != nil:
		log.Error("login link request failed", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Internal())
		return
	}

	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"message": register.MsgLinkSent,
	}))
}
