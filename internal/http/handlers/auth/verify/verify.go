// Package verify погашает ссылку для входа и открывает сессию.
package verify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/research-gate/internal/http/response"
	"github.com/magabrotheeeer/research-gate/internal/lib/sl"
	"github.com/magabrotheeeer/research-gate/internal/models"
	"github.com/magabrotheeeer/research-gate/internal/services/magiclink"
)

// Куда отправляется браузер после погашения ссылки.
const (
	AdminRedirect      = "/"
	SubscriberRedirect = "/feed"
	InvalidRedirect    = "/login?error=link_invalid"
	ExpiredRedirect    = "/login?error=link_expired"
)

// Redeemer погашает токен ссылки.
type Redeemer interface {
	Redeem(ctx context.Context, token string) (*models.Subscriber, error)
}

// SessionCreator выставляет сессионную cookie.
type SessionCreator interface {
	CreateSession(w http.ResponseWriter, subscriberID string) error
}

type Handler struct {
	log      *slog.Logger
	links    Redeemer
	sessions SessionCreator
}

func New(log *slog.Logger, links Redeemer, sessions SessionCreator) *Handler {
	return &Handler{
		log:      log,
		links:    links,
		sessions: sessions,
	}
}

// ServeHTTP godoc
// @Summary Вход по ссылке
// @Description Погашает одноразовую ссылку, выставляет сессионную cookie и перенаправляет в ленту.
// @Tags Auth
// @Param token path string true "Токен ссылки, 64 hex-символа"
// @Success 302 "Перенаправление: admin на /, остальные на /feed, ошибки на /login?error=..."
// @Failure 500 {object} response.ErrorResponse "Внутренняя ошибка сервера"
// @Router /api/auth/verify/{token} [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.verify"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	sub, err := h.links.Redeem(r.Context(), chi.URLParam(r, "token"))
	switch {
	case errors.Is(err, magiclink.ErrLinkExpired):
		log.Info("expired login link")
		http.Redirect(w, r, ExpiredRedirect, http.StatusFound)
		return
	case errors.Is(err, magiclink.ErrLinkInvalid):
		log.Info("invalid login link")
		http.Redirect(w, r, InvalidRedirect, http.StatusFound)
		return
	case err != nil:
		log.Error("failed to redeem login link", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Internal())
		return
	}

	if err := h.sessions.CreateSession(w, sub.ID); err != nil {
		log.Error("failed to create session", slog.String("subscriber_id", sub.ID), sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Internal())
		return
	}

	log.Info("subscriber signed in", slog.String("subscriber_id", sub.ID), slog.String("role", string(sub.Role)))
	if sub.Role == models.RoleAdmin {
		http.Redirect(w, r, AdminRedirect, http.StatusFound)
		return
	}
	http.Redirect(w, r, SubscriberRedirect, http.StatusFound)
}
