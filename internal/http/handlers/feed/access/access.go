// Package access отдаёт сводку доступа подписчика для слоя контента.
package access

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/research-gate/internal/http/middlewarectx"
	"github.com/magabrotheeeer/research-gate/internal/http/response"
	"github.com/magabrotheeeer/research-gate/internal/models"
)

// Summary — что слою контента нужно знать о читателе.
type Summary struct {
	User       *models.AuthUser `json:"user"`
	FullAccess bool             `json:"full_access"`
	// UpgradeRequired подсказывает показать предложение оформить подписку.
	UpgradeRequired bool `json:"upgrade_required"`
}

type Handler struct{}

func New() *Handler {
	return &Handler{}
}

// ServeHTTP godoc
// @Summary Доступ к ленте
// @Description Возвращает идентичность и уровень доступа. Истёкший пробный период получает ограниченный доступ.
// @Tags Feed
// @Produce  json
// @Success 200 {object} response.Response{data=Summary}
// @Success 302 "Нет сессии, перенаправление на /login"
// @Router /api/feed/access [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := middlewarectx.UserFromContext(r.Context())
	acc := middlewarectx.AccessFromContext(r.Context())

	render.JSON(w, r, response.StatusOKWithData(Summary{
		User:            user,
		FullAccess:      acc.Full,
		UpgradeRequired: !acc.Full || (user != nil && user.Plan == models.PlanPastDue),
	}))
}
