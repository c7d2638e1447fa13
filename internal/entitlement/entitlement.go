// Package entitlement описывает машину состояний доступа подписчика в виде
// чистых функций (текущее состояние, событие) -> новое состояние.
//
// Роль производна от тарифа: trial -> trial, active_*/past_due/cancelled -> subscriber,
// expired -> expired. Роль admin ортогональна тарифу: функции пакета её никогда
// не назначают и не перезаписывают.
//
// Все переходы идемпотентны: повторное применение того же события к результату
// даёт тот же результат. На этом держится защита от повторной доставки вебхуков.
package entitlement

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/magabrotheeeer/research-gate/internal/models"
	"github.com/magabrotheeeer/research-gate/internal/paymentprovider"
)

const (
	// TrialPeriod — длительность пробного периода новой регистрации.
	TrialPeriod = 60 * 24 * time.Hour

	MinTrialExtensionDays = 1
	MaxTrialExtensionDays = 365

	day = 24 * time.Hour
)

// ErrInvalidExtension возвращается при продлении пробного периода вне [1, 365] дней.
var ErrInvalidExtension = errors.New("trial extension must be between 1 and 365 days")

// PriceCatalog сопоставляет идентификаторы цен провайдера с тарифами.
type PriceCatalog struct {
	MonthlyPriceID string
	AnnualPriceID  string
}

// Classify возвращает тариф по идентификатору цены. Годовая цена даёт active_annual,
// любая другая — active_monthly.
func (c PriceCatalog) Classify(priceID string) models.Plan {
	if c.AnnualPriceID != "" && priceID == c.AnnualPriceID {
		return models.PlanActiveAnnual
	}
	return models.PlanActiveMonthly
}

// Known сообщает, настроена ли такая цена.
func (c PriceCatalog) Known(priceID string) bool {
	return priceID != "" && (priceID == c.MonthlyPriceID || priceID == c.AnnualPriceID)
}

// RoleForPlan возвращает роль, соответствующую тарифу.
func RoleForPlan(plan models.Plan) models.Role {
	switch plan {
	case models.PlanTrial:
		return models.RoleTrial
	case models.PlanActiveMonthly, models.PlanActiveAnnual, models.PlanPastDue, models.PlanCancelled:
		return models.RoleSubscriber
	default:
		return models.RoleExpired
	}
}

// withPlan выставляет тариф и производную роль, сохраняя admin.
func withPlan(s models.Entitlement, plan models.Plan) models.Entitlement {
	s.Plan = plan
	if s.Role != models.RoleAdmin {
		s.Role = RoleForPlan(plan)
	}
	return s
}

// TrialDaysRemaining возвращает max(0, ceil((trialEnd-now)/1 день)) или nil,
// если окончание пробного периода не задано.
func TrialDaysRemaining(trialEnd *time.Time, now time.Time) *int {
	if trialEnd == nil {
		return nil
	}
	left := trialEnd.Sub(now)
	days := 0
	if left > 0 {
		days = int(math.Ceil(float64(left) / float64(day)))
	}
	return &days
}

// TrialElapsed сообщает, что пробный период подписчика с ролью trial закончился.
func TrialElapsed(role models.Role, trialEnd *time.Time, now time.Time) bool {
	if role != models.RoleTrial {
		return false
	}
	left := TrialDaysRemaining(trialEnd, now)
	return left != nil && *left <= 0
}

// ExpireTrial выполняет ленивый переход trial -> expired. Второй результат
// сообщает, изменилось ли состояние.
func ExpireTrial(s models.Entitlement, trialEnd *time.Time, now time.Time) (models.Entitlement, bool) {
	if !TrialElapsed(s.Role, trialEnd, now) {
		return s, false
	}
	s.Plan = models.PlanExpired
	s.Role = models.RoleExpired
	return s, true
}

// Apply применяет биллинговое событие к состоянию.
func Apply(s models.Entitlement, ev paymentprovider.Event, prices PriceCatalog) models.Entitlement {
	switch e := ev.(type) {
	case paymentprovider.CheckoutCompleted:
		s = withPlan(s, prices.Classify(e.PriceID))
		s.StripeSubscriptionID = e.SubscriptionID
		s.StripeStatus = models.StripeStatusActive
		if s.StripeCustomerID == "" {
			s.StripeCustomerID = e.CustomerID
		}

	case paymentprovider.SubscriptionUpdated:
		switch e.Status {
		case models.StripeStatusActive:
			s = withPlan(s, prices.Classify(e.PriceID))
			s.StripeStatus = models.StripeStatusActive
			if e.SubscriptionID != "" {
				s.StripeSubscriptionID = e.SubscriptionID
			}
		case models.StripeStatusPastDue:
			// Роль не меняется: в льготный период доступ сохраняется.
			s.Plan = models.PlanPastDue
			s.StripeStatus = models.StripeStatusPastDue
		}

	case paymentprovider.SubscriptionDeleted:
		s = withPlan(s, models.PlanExpired)
		s.StripeStatus = models.StripeStatusCancelled

	case paymentprovider.InvoicePaid:
		s.StripeStatus = models.StripeStatusActive

	case paymentprovider.InvoiceFailed:
		s.Plan = models.PlanPastDue
		s.StripeStatus = models.StripeStatusPastDue
	}
	return s
}

// ExtendTrial продлевает пробный период на days дней от max(trialEnd, now).
// Подписчик без оплаченного тарифа (trial или expired) возвращается в trial.
func ExtendTrial(s models.Entitlement, trialEnd *time.Time, now time.Time, days int) (models.Entitlement, time.Time, error) {
	const op = "entitlement.ExtendTrial"

	if days < MinTrialExtensionDays || days > MaxTrialExtensionDays {
		return s, time.Time{}, fmt.Errorf("%s: %w: got %d", op, ErrInvalidExtension, days)
	}
	base := now
	if trialEnd != nil && trialEnd.After(now) {
		base = *trialEnd
	}
	newEnd := base.Add(time.Duration(days) * day)

	if s.Plan == models.PlanTrial || s.Plan == models.PlanExpired {
		s = withPlan(s, models.PlanTrial)
	}
	return s, newEnd, nil
}

// HasFullAccess сообщает, может ли подписчик получать полный контент.
// Запрос пропускается guard'ом и для expired, но без полного тела материалов.
func HasFullAccess(role models.Role, plan models.Plan) bool {
	if role == models.RoleAdmin {
		return true
	}
	switch plan {
	case models.PlanTrial, models.PlanActiveMonthly, models.PlanActiveAnnual, models.PlanPastDue, models.PlanCancelled:
		return true
	}
	return false
}

// AuthUser строит идентичность запроса из записи подписчика на момент now.
func AuthUser(s *models.Subscriber, now time.Time) *models.AuthUser {
	if s == nil {
		return nil
	}
	return &models.AuthUser{
		ID:                 s.ID,
		Email:              s.Email,
		DisplayName:        s.DisplayName,
		Role:               s.Role,
		Plan:               s.Plan,
		TrialEnd:           s.TrialEnd,
		TrialDaysRemaining: TrialDaysRemaining(s.TrialEnd, now),
	}
}
