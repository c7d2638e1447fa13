// Package register реализует HTTP-обработчик регистрации пробного подписчика.
//
// Ответ одинаков для новых и уже зарегистрированных адресов: по ответу нельзя
// узнать, есть ли адрес в базе.
package register

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/research-gate/internal/http/response"
	"github.com/magabrotheeeer/research-gate/internal/lib/sl"
	"github.com/magabrotheeeer/research-gate/internal/services/magiclink"
)

// MsgLinkSent — единый ответ на запрос ссылки для входа.
const MsgLinkSent = "if this address can sign in, a login link has been sent"

// Request — входные данные для регистрации.
type Request struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	DisplayName string `json:"display_name" validate:"max=100"`
}

// Service описывает операцию регистрации.
type Service interface {
	Register(ctx context.Context, email, displayName string) error
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
// @Summary Регистрация пробного подписчика
// @Description Создаёт пробный доступ на 60 дней и отправляет ссылку для входа. Для существующего адреса работает как вход.
// @Tags Auth
// @Accept  json
// @Produce  json
// @Param request body Request true "Адрес и имя"
// @Success 200 {object} response.Response "Ссылка отправлена, если адрес может войти"
// @Failure 400 {object} response.ErrorResponse "Некорректный JSON"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Failure 429 {object} response.ErrorResponse "Слишком много запросов"
// @Failure 500 {object} response.ErrorResponse "Внутренняя ошибка сервера"
// @Router /api/auth/register [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.register"

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

	err := h.service.Register(r.Context(), req.Email, req.DisplayName)
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
		log.Error("registration failed", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Internal())
		return
	}

	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"message": MsgLinkSent,
	}))
}
