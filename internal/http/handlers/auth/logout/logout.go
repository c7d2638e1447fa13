package logout

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/research-gate/internal/http/response"
)

// SessionClearer снимает сессионную cookie.
type SessionClearer interface {
	ClearSession(w http.ResponseWriter)
}

type Handler struct {
	sessions SessionClearer
}

func New(sessions SessionClearer) *Handler {
	return &Handler{sessions: sessions}
}

// ServeHTTP godoc
// @Summary Выход
// @Description Снимает сессионную cookie. Повторный вызов безопасен.
// @Tags Auth
// @Produce  json
// @Success 200 {object} response.Response
// @Router /api/auth/logout [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.sessions.ClearSession(w)
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"message": "signed out",
	}))
}
