// Package me отдаёт идентичность текущей сессии.
package me

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/research-gate/internal/http/middlewarectx"
	"github.com/magabrotheeeer/research-gate/internal/http/response"
)

type Handler struct{}

func New() *Handler {
	return &Handler{}
}

// ServeHTTP godoc
// @Summary Текущий пользователь
// @Tags Auth
// @Produce  json
// @Success 200 {object} response.Response{data=models.AuthUser}
// @Failure 401 {object} response.ErrorResponse "Нет активной сессии"
// @Router /api/auth/me [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := middlewarectx.UserFromContext(r.Context())
	if user == nil {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("not authenticated"))
		return
	}
	render.JSON(w, r, response.StatusOKWithData(user))
}
