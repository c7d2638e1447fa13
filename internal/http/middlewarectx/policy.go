package middlewarectx

import (
	"crypto/subtle"
	"time"

	"github.com/magabrotheeeer/research-gate/internal/entitlement"
	"github.com/magabrotheeeer/research-gate/internal/models"
)

// PasscodeHeader — заголовок с административным кодом доступа.
const PasscodeHeader = "X-Research-Passcode"

// RequestContext — всё, что политике доступа известно о запросе.
type RequestContext struct {
	User     *models.AuthUser
	Passcode string
}

// AdminMode режим проверки административного доступа.
type AdminMode int

const (
	// AdminModePasscode требует роль admin или верный код доступа.
	AdminModePasscode AdminMode = iota
	// AdminModeOpen пропускает всех. Включается только при пустом коде доступа.
	AdminModeOpen
)

func (m AdminMode) String() string {
	if m == AdminModeOpen {
		return "open"
	}
	return "passcode"
}

// AdminPolicy — настроенный режим и код доступа.
type AdminPolicy struct {
	Mode     AdminMode
	Passcode string
}

// NewAdminPolicy выбирает режим по настроенному коду доступа.
func NewAdminPolicy(passcode string) AdminPolicy {
	if passcode == "" {
		return AdminPolicy{Mode: AdminModeOpen}
	}
	return AdminPolicy{Mode: AdminModePasscode, Passcode: passcode}
}

// Verdict решение политики доступа.
type Verdict int

const (
	VerdictDeny Verdict = iota
	VerdictAllow
	// VerdictLogin — пользователь не аутентифицирован, нужен вход.
	VerdictLogin
	// VerdictExpireTrial — пробный период истёк, сначала нужен ленивый переход.
	VerdictExpireTrial
)

// EvaluateAdmin решает, пропускать ли запрос к административным операциям.
func EvaluateAdmin(rc RequestContext, p AdminPolicy) Verdict {
	if rc.User.IsAdmin() {
		return VerdictAllow
	}
	if p.Mode == AdminModeOpen {
		return VerdictAllow
	}
	if rc.Passcode != "" && subtle.ConstantTimeCompare([]byte(rc.Passcode), []byte(p.Passcode)) == 1 {
		return VerdictAllow
	}
	return VerdictDeny
}

// Access — уровень доступа к контенту, который guard передаёт обработчикам.
type Access struct {
	Full bool `json:"full"`
}

// SubscriberDecision решение guard'а подписчика.
type SubscriberDecision struct {
	Verdict Verdict
	Access  Access
}

// EvaluateSubscriber решает, пропускать ли запрос к ленте.
// Expired пропускается, но без полного доступа.
func EvaluateSubscriber(rc RequestContext, now time.Time) SubscriberDecision {
	u := rc.User
	switch {
	case u == nil:
		return SubscriberDecision{Verdict: VerdictLogin}
	case u.IsAdmin():
		return SubscriberDecision{Verdict: VerdictAllow, Access: Access{Full: true}}
	case entitlement.TrialElapsed(u.Role, u.TrialEnd, now):
		return SubscriberDecision{Verdict: VerdictExpireTrial}
	}
	return SubscriberDecision{
		Verdict: VerdictAllow,
		Access:  Access{Full: entitlement.HasFullAccess(u.Role, u.Plan)},
	}
}
