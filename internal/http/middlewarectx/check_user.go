package middlewarectx

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"

	"github.com/magabrotheeeer/research-gate/internal/entitlement"
	"github.com/magabrotheeeer/research-gate/internal/lib/sl"
	"github.com/magabrotheeeer/research-gate/internal/models"
)

// LoginPath — страница входа, куда отправляются неаутентифицированные запросы.
const LoginPath = "/login"

// RequireSubscriber пропускает любого аутентифицированного подписчика.
// Истёкший пробный период сначала переводится в expired, затем решение
// принимается заново. В контекст кладётся Access.
func (g *Guards) RequireSubscriber(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const op = "middlewarectx.RequireSubscriber"

		log := g.log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		user, r := g.resolve(r)
		now := g.now()

		dec := EvaluateSubscriber(RequestContext{User: user}, now)
		if dec.Verdict == VerdictExpireTrial {
			updated, err := g.trials.ExpireTrialIfElapsed(r.Context(), user)
			if err != nil || updated == nil {
				log.Error("failed to expire trial", slog.String("subscriber_id", user.ID), sl.Err(err))
				updated = expiredCopy(user, now)
			}
			user = updated
			dec = EvaluateSubscriber(RequestContext{User: user}, now)
			if dec.Verdict == VerdictExpireTrial {
				dec = SubscriberDecision{Verdict: VerdictAllow}
			}
		}

		if dec.Verdict != VerdictAllow {
			log.Debug("no session, redirecting to login")
			http.Redirect(w, r, LoginPath, http.StatusFound)
			return
		}

		ctx := WithUser(r.Context(), user)
		ctx = context.WithValue(ctx, AccessLevel, dec.Access)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// expiredCopy строит идентичность с истёкшим пробным периодом без записи в хранилище.
func expiredCopy(user *models.AuthUser, now time.Time) *models.AuthUser {
	next, _ := entitlement.ExpireTrial(models.Entitlement{Role: user.Role, Plan: user.Plan}, user.TrialEnd, now)
	out := *user
	out.Role = next.Role
	out.Plan = next.Plan
	return &out
}
