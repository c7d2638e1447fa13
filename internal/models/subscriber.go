// Package models содержит доменные структуры подписчика исследовательской ленты:
// запись подписчика в хранилище, пару роль/тариф (entitlement) и идентичность
// аутентифицированного запроса.
package models

import (
	"errors"
	"time"
)

// Role — роль доступа подписчика. Производная от Plan, кроме admin.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSubscriber Role = "subscriber"
	RoleTrial      Role = "trial"
	RoleExpired    Role = "expired"
)

// Plan — состояние биллингового жизненного цикла.
type Plan string

const (
	PlanTrial         Plan = "trial"
	PlanActiveMonthly Plan = "active_monthly"
	PlanActiveAnnual  Plan = "active_annual"
	PlanPastDue       Plan = "past_due"
	PlanCancelled     Plan = "cancelled"
	PlanExpired       Plan = "expired"
)

// Статусы подписки у платёжного провайдера, которые мы сохраняем в stripe_status.
const (
	StripeStatusActive    = "active"
	StripeStatusPastDue   = "past_due"
	StripeStatusCancelled = "cancelled"
)

// ErrSubscriberNotFound возвращается хранилищем, если запись подписчика не найдена.
var ErrSubscriberNotFound = errors.New("subscriber not found")

// Valid сообщает, является ли роль одной из известных.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleSubscriber, RoleTrial, RoleExpired:
		return true
	}
	return false
}

// Valid сообщает, является ли тариф одним из известных.
func (p Plan) Valid() bool {
	switch p {
	case PlanTrial, PlanActiveMonthly, PlanActiveAnnual, PlanPastDue, PlanCancelled, PlanExpired:
		return true
	}
	return false
}

// Entitlement — часть записи подписчика, которой управляет машина состояний доступа.
type Entitlement struct {
	Role                 Role
	Plan                 Plan
	StripeStatus         string
	StripeCustomerID     string
	StripeSubscriptionID string
}

// Subscriber представляет запись подписчика в хранилище.
type Subscriber struct {
	ID                   string     // Неизменяемый идентификатор (uuid)
	Email                string     // Уникальный, всегда в нижнем регистре
	DisplayName          string     // Необязательное отображаемое имя
	Role                 Role       // Роль доступа
	Plan                 Plan       // Биллинговый тариф
	TrialStart           *time.Time // Начало пробного периода
	TrialEnd             *time.Time // Окончание пробного периода
	StripeCustomerID     string     // ID клиента у провайдера, создаётся при первом checkout
	StripeSubscriptionID string     // ID подписки у провайдера
	StripeStatus         string     // Последний известный статус подписки у провайдера
	MagicLinkToken       string     // Пусто, если ссылка для входа не выдана
	MagicLinkExpires     *time.Time // Срок действия ссылки для входа
	LastLogin            *time.Time // Время последнего успешного входа по ссылке
	BillingEventAt       *time.Time // Время создания последнего применённого биллингового события
	CreatedAt            time.Time
}

// Entitlement возвращает текущую пару роль/тариф с идентификаторами провайдера.
func (s *Subscriber) Entitlement() Entitlement {
	return Entitlement{
		Role:                 s.Role,
		Plan:                 s.Plan,
		StripeStatus:         s.StripeStatus,
		StripeCustomerID:     s.StripeCustomerID,
		StripeSubscriptionID: s.StripeSubscriptionID,
	}
}

// AuthUser — идентичность аутентифицированного запроса, полученная из сессии
// и текущей записи подписчика.
type AuthUser struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	DisplayName        string     `json:"display_name,omitempty"`
	Role               Role       `json:"role"`
	Plan               Plan       `json:"plan"`
	TrialEnd           *time.Time `json:"trial_end,omitempty"`
	TrialDaysRemaining *int       `json:"trial_days_remaining"`
}

// IsAdmin сообщает, есть ли у пользователя административное переопределение.
func (u *AuthUser) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// MagicLinkMessage — письмо со ссылкой для входа, передаваемое отправителю.
type MagicLinkMessage struct {
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	URL         string    `json:"url"`
	ExpiresAt   time.Time `json:"expires_at"`
}
