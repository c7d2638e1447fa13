// Package middlewarectx содержит HTTP middleware доступа к ленте.
//
// Идентичность запроса берётся из сессионной cookie и кладётся в контекст.
// Решения принимают чистые функции EvaluateAdmin и EvaluateSubscriber,
// middleware только собирают RequestContext и исполняют вердикт.
package middlewarectx

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/research-gate/internal/http/response"
	"github.com/magabrotheeeer/research-gate/internal/models"
)

// Key тип для ключей контекста HTTP-запроса.
type Key string

const (
	// User — ключ для *models.AuthUser в контексте
	User Key = "auth_user"
	// AccessLevel — ключ для Access в контексте
	AccessLevel Key = "access"
)

// SessionResolver восстанавливает пользователя по cookie запроса.
type SessionResolver interface {
	ResolveUser(r *http.Request) *models.AuthUser
}

// TrialExpirer выполняет ленивое истечение пробного периода.
type TrialExpirer interface {
	ExpireTrialIfElapsed(ctx context.Context, user *models.AuthUser) (*models.AuthUser, error)
}

// Guards собирает middleware доступа с общими зависимостями.
type Guards struct {
	log      *slog.Logger
	sessions SessionResolver
	trials   TrialExpirer
	admin    AdminPolicy
	now      func() time.Time
}

// NewGuards создаёт Guards. Пустой adminPasscode включает AdminModeOpen.
func NewGuards(log *slog.Logger, sessions SessionResolver, trials TrialExpirer, adminPasscode string) *Guards {
	return &Guards{
		log:      log,
		sessions: sessions,
		trials:   trials,
		admin:    NewAdminPolicy(adminPasscode),
		now:      time.Now,
	}
}

// AdminMode возвращает действующий режим административного доступа.
func (g *Guards) AdminMode() AdminMode {
	return g.admin.Mode
}

// WithUser кладёт пользователя в контекст. nil тоже сохраняется: он означает
// «сессия проверена, пользователя нет».
func WithUser(ctx context.Context, user *models.AuthUser) context.Context {
	return context.WithValue(ctx, User, user)
}

// UserFromContext возвращает пользователя запроса или nil.
func UserFromContext(ctx context.Context) *models.AuthUser {
	user, _ := ctx.Value(User).(*models.AuthUser)
	return user
}

// AccessFromContext возвращает уровень доступа, выставленный RequireSubscriber.
func AccessFromContext(ctx context.Context) Access {
	access, _ := ctx.Value(AccessLevel).(Access)
	return access
}

// resolve берёт пользователя из контекста, если Optional уже отработал,
// иначе читает сессию.
func (g *Guards) resolve(r *http.Request) (*models.AuthUser, *http.Request) {
	if user, ok := r.Context().Value(User).(*models.AuthUser); ok {
		return user, r
	}
	user := g.sessions.ResolveUser(r)
	return user, r.WithContext(WithUser(r.Context(), user))
}

// Optional восстанавливает пользователя и никогда не блокирует запрос.
func (g *Guards) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, r = g.resolve(r)
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin пропускает администраторов и запросы с верным кодом доступа.
func (g *Guards) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const op = "middlewarectx.RequireAdmin"

		log := g.log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		user, r := g.resolve(r)
		rc := RequestContext{User: user, Passcode: r.Header.Get(PasscodeHeader)}

		if EvaluateAdmin(rc, g.admin) != VerdictAllow {
			log.Warn("admin access denied", slog.String("path", r.URL.Path))
			render.Status(r, http.StatusForbidden)
			render.JSON(w, r, response.Error("admin access required"))
			return
		}
		if g.admin.Mode == AdminModeOpen && !user.IsAdmin() {
			log.Warn("admin route served in open mode, no passcode configured", slog.String("path", r.URL.Path))
		}
		next.ServeHTTP(w, r)
	})
}
