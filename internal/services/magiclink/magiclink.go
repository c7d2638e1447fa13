// Package magiclink выдаёт и погашает одноразовые ссылки для входа.
//
// Ответ на запрос ссылки не зависит от того, зарегистрирован ли email:
// неизвестный адрес молча игнорируется, ошибка доставки только логируется.
package magiclink

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/research-gate/internal/entitlement"
	"github.com/magabrotheeeer/research-gate/internal/lib/sl"
	"github.com/magabrotheeeer/research-gate/internal/metrics"
	"github.com/magabrotheeeer/research-gate/internal/models"
)

const (
	// DefaultLinkTTL срок действия ссылки.
	DefaultLinkTTL = 15 * time.Minute
	// DefaultLinkLimit число ссылок на один email в окне DefaultLinkLimitWindow.
	DefaultLinkLimit       = 5
	DefaultLinkLimitWindow = 15 * time.Minute

	tokenBytes = 32
)

var (
	ErrLinkInvalid     = errors.New("magic link invalid")
	ErrLinkExpired     = errors.New("magic link expired")
	ErrTooManyRequests = errors.New("too many login link requests")
	ErrInvalidEmail    = errors.New("invalid email")
)

// SubscriberStore операции хранилища, нужные для выдачи и погашения ссылок.
type SubscriberStore interface {
	GetSubscriberByEmail(ctx context.Context, email string) (*models.Subscriber, error)
	CreateSubscriber(ctx context.Context, sub models.Subscriber) (bool, error)
	SetMagicLink(ctx context.Context, id, token string, expires time.Time) error
	ConsumeMagicLink(ctx context.Context, token string, now time.Time) (*models.Subscriber, time.Time, error)
}

// LinkSender доставляет ссылку получателю.
type LinkSender interface {
	SendMagicLink(ctx context.Context, msg models.MagicLinkMessage) error
}

// Limiter ограничивает частоту выдачи ссылок.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Reset(ctx context.Context, key string) error
}

// Options параметры Service.
type Options struct {
	Origin      string
	LinkTTL     time.Duration
	Limit       int
	LimitWindow time.Duration
	Limiter     Limiter
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Service выдаёт и погашает ссылки для входа.
type Service struct {
	store   SubscriberStore
	sender  LinkSender
	log     *slog.Logger
	opts    Options
	metrics *metrics.Metrics
}

// NewService создаёт Service.
func NewService(store SubscriberStore, sender LinkSender, log *slog.Logger, opts Options) *Service {
	if opts.LinkTTL <= 0 {
		opts.LinkTTL = DefaultLinkTTL
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLinkLimit
	}
	if opts.LimitWindow <= 0 {
		opts.LimitWindow = DefaultLinkLimitWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Origin = strings.TrimRight(opts.Origin, "/")
	return &Service{
		store:   store,
		sender:  sender,
		log:     log,
		opts:    opts,
		metrics: opts.Metrics,
	}
}

// NormalizeEmail приводит адрес к виду, в котором он хранится.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register создаёт подписчика с пробным периодом и отправляет ссылку.
// Для уже зарегистрированного email работает как RequestLink.
func (s *Service) Register(ctx context.Context, email, displayName string) error {
	const op = "magiclink.Register"

	email = NormalizeEmail(email)
	if email == "" {
		return fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}
	if err := s.throttle(ctx, email); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	sub, err := s.store.GetSubscriberByEmail(ctx, email)
	switch {
	case errors.Is(err, models.ErrSubscriberNotFound):
		sub, err = s.createTrial(ctx, email, strings.TrimSpace(displayName))
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	case err != nil:
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.issue(ctx, sub); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Service) createTrial(ctx context.Context, email, displayName string) (*models.Subscriber, error) {
	now := s.opts.Now().UTC()
	trialEnd := now.Add(entitlement.TrialPeriod)
	sub := models.Subscriber{
		ID:          uuid.NewString(),
		Email:       email,
		DisplayName: displayName,
		Role:        models.RoleTrial,
		Plan:        models.PlanTrial,
		TrialStart:  &now,
		TrialEnd:    &trialEnd,
		CreatedAt:   now,
	}

	created, err := s.store.CreateSubscriber(ctx, sub)
	if err != nil {
		return nil, err
	}
	if created {
		s.log.Info("trial subscriber registered", slog.String("subscriber_id", sub.ID))
		return &sub, nil
	}
	// Параллельная регистрация с тем же email успела раньше.
	return s.store.GetSubscriberByEmail(ctx, email)
}

// RequestLink отправляет ссылку зарегистрированному подписчику.
// Для неизвестного email ничего не делает и возвращает nil.
func (s *Service) RequestLink(ctx context.Context, email string) error {
	const op = "magiclink.RequestLink"

	email = NormalizeEmail(email)
	if email == "" {
		return fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}
	if err := s.throttle(ctx, email); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	sub, err := s.store.GetSubscriberByEmail(ctx, email)
	if errors.Is(err, models.ErrSubscriberNotFound) {
		s.metrics.LinkIssued("unknown_email")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.issue(ctx, sub); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// throttle одинаково применяется к известным и неизвестным адресам.
// Недоступность счётчика не блокирует вход.
func (s *Service) throttle(ctx context.Context, email string) error {
	if s.opts.Limiter == nil {
		return nil
	}
	ok, err := s.opts.Limiter.Allow(ctx, throttleKey(email), s.opts.Limit, s.opts.LimitWindow)
	if err != nil {
		s.log.Error("magic link limiter unavailable", sl.Err(err))
		return nil
	}
	if !ok {
		s.metrics.LinkIssued("throttled")
		return ErrTooManyRequests
	}
	return nil
}

// resetThrottle сбрасывает счётчик после успешного входа: владение адресом
// подтверждено. Ошибка только логируется.
func (s *Service) resetThrottle(ctx context.Context, email string) {
	if s.opts.Limiter == nil {
		return
	}
	if err := s.opts.Limiter.Reset(ctx, throttleKey(email)); err != nil {
		s.log.Warn("failed to reset magic link limiter", sl.Err(err))
	}
}

func throttleKey(email string) string {
	return "magiclink:" + NormalizeEmail(email)
}

func (s *Service) issue(ctx context.Context, sub *models.Subscriber) error {
	token, err := newToken()
	if err != nil {
		return err
	}
	expires := s.opts.Now().Add(s.opts.LinkTTL)
	if err := s.store.SetMagicLink(ctx, sub.ID, token, expires); err != nil {
		return err
	}

	msg := models.MagicLinkMessage{
		Email:       sub.Email,
		DisplayName: sub.DisplayName,
		URL:         s.LinkURL(token),
		ExpiresAt:   expires,
	}
	if err := s.sender.SendMagicLink(ctx, msg); err != nil {
		s.log.Error("failed to deliver magic link",
			slog.String("subscriber_id", sub.ID),
			sl.Err(err),
		)
		s.metrics.DeliveryFailed()
		s.metrics.LinkIssued("delivery_failed")
		return nil
	}
	s.metrics.LinkIssued("sent")
	return nil
}

// LinkURL возвращает адрес погашения токена.
func (s *Service) LinkURL(token string) string {
	return s.opts.Origin + "/api/auth/verify/" + token
}

// Redeem погашает токен. Токен очищается и при успехе, и при истёкшем сроке.
func (s *Service) Redeem(ctx context.Context, token string) (*models.Subscriber, error) {
	const op = "magiclink.Redeem"

	if !wellFormed(token) {
		s.metrics.LinkRedeemed("invalid")
		return nil, fmt.Errorf("%s: %w", op, ErrLinkInvalid)
	}

	now := s.opts.Now()
	sub, expires, err := s.store.ConsumeMagicLink(ctx, token, now)
	if errors.Is(err, models.ErrSubscriberNotFound) {
		s.metrics.LinkRedeemed("invalid")
		return nil, fmt.Errorf("%s: %w", op, ErrLinkInvalid)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !expires.After(now) {
		s.metrics.LinkRedeemed("expired")
		return nil, fmt.Errorf("%s: %w", op, ErrLinkExpired)
	}

	s.resetThrottle(ctx, sub.Email)
	s.metrics.LinkRedeemed("ok")
	return sub, nil
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("magiclink.newToken: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func wellFormed(token string) bool {
	if len(token) != tokenBytes*2 {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}
