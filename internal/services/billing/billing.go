// Package billing применяет биллинговые события и ленивые переходы к записи подписчика.
//
// Новое состояние вычисляется чистыми функциями пакета entitlement и записывается
// одним UPDATE с условием: события старше последнего применённого пропускаются.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/research-gate/internal/entitlement"
	"github.com/magabrotheeeer/research-gate/internal/lib/sl"
	"github.com/magabrotheeeer/research-gate/internal/metrics"
	"github.com/magabrotheeeer/research-gate/internal/models"
	"github.com/magabrotheeeer/research-gate/internal/paymentprovider"
)

var (
	ErrConcurrentUpdate  = errors.New("subscriber changed concurrently")
	ErrUnknownPlan       = errors.New("unknown billing plan")
	ErrAlreadySubscribed = errors.New("subscriber already has an active subscription")
)

// Result итог обработки события.
type Result string

const (
	ResultApplied Result = "applied"
	ResultStale   Result = "stale"
	ResultIgnored Result = "ignored"
)

// Store операции хранилища, нужные биллингу.
type Store interface {
	GetSubscriberByID(ctx context.Context, id string) (*models.Subscriber, error)
	GetSubscriberByStripeCustomer(ctx context.Context, customerID string) (*models.Subscriber, error)
	UpdateEntitlement(ctx context.Context, id string, e models.Entitlement, eventAt time.Time) (bool, error)
	ExpireTrial(ctx context.Context, id string, now time.Time) (bool, error)
	SetStripeCustomerID(ctx context.Context, id, customerID string) (string, error)
	ExtendTrial(ctx context.Context, id string, fromPlan models.Plan, e models.Entitlement, trialEnd, now time.Time) (bool, error)
}

// Provider API платёжного провайдера.
type Provider interface {
	SubscriptionPriceID(ctx context.Context, subscriptionID string) (string, error)
	CreateCustomer(ctx context.Context, subscriberID, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, req paymentprovider.CheckoutRequest) (string, error)
}

// Options параметры Service.
type Options struct {
	Prices     entitlement.PriceCatalog
	SuccessURL string
	CancelURL  string
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Service применяет переходы состояния доступа.
type Service struct {
	store    Store
	provider Provider
	log      *slog.Logger
	opts     Options
	metrics  *metrics.Metrics
}

// NewService создаёт Service.
func NewService(store Store, provider Provider, log *slog.Logger, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:    store,
		provider: provider,
		log:      log,
		opts:     opts,
		metrics:  opts.Metrics,
	}
}

// HandleEvent применяет событие к подписчику, к которому оно относится.
// Неизвестный подписчик возвращается как models.ErrSubscriberNotFound.
func (s *Service) HandleEvent(ctx context.Context, ev paymentprovider.Event) (Result, error) {
	const op = "billing.HandleEvent"
	meta := ev.Meta()
	log := s.log.With(
		slog.String("op", op),
		slog.String("event_id", meta.ID),
		slog.String("event_type", string(meta.Type)),
	)

	if upd, ok := ev.(paymentprovider.SubscriptionUpdated); ok &&
		upd.Status != models.StripeStatusActive && upd.Status != models.StripeStatusPastDue {
		log.Info("subscription status not tracked, skipping", slog.String("status", upd.Status))
		s.metrics.WebhookEvent(string(meta.Type), string(ResultIgnored))
		return ResultIgnored, nil
	}

	sub, err := s.correlate(ctx, ev)
	if err != nil {
		if errors.Is(err, models.ErrSubscriberNotFound) {
			s.metrics.WebhookEvent(string(meta.Type), "unknown_subscriber")
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if co, ok := ev.(paymentprovider.CheckoutCompleted); ok && co.PriceID == "" && co.SubscriptionID != "" {
		priceID, err := s.provider.SubscriptionPriceID(ctx, co.SubscriptionID)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		co.PriceID = priceID
		ev = co
	}

	next := entitlement.Apply(sub.Entitlement(), ev, s.opts.Prices)
	applied, err := s.store.UpdateEntitlement(ctx, sub.ID, next, meta.Created)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if !applied {
		log.Warn("stale billing event skipped",
			slog.String("subscriber_id", sub.ID),
			slog.Time("event_created", meta.Created),
		)
		s.metrics.WebhookEvent(string(meta.Type), string(ResultStale))
		return ResultStale, nil
	}

	log.Info("billing event applied",
		slog.String("subscriber_id", sub.ID),
		slog.String("plan", string(next.Plan)),
		slog.String("role", string(next.Role)),
	)
	s.metrics.WebhookEvent(string(meta.Type), string(ResultApplied))
	return ResultApplied, nil
}

func (s *Service) correlate(ctx context.Context, ev paymentprovider.Event) (*models.Subscriber, error) {
	switch e := ev.(type) {
	case paymentprovider.CheckoutCompleted:
		if e.SubscriberID != "" {
			return s.store.GetSubscriberByID(ctx, e.SubscriberID)
		}
		return s.byCustomer(ctx, e.CustomerID)
	case paymentprovider.SubscriptionUpdated:
		return s.byCustomer(ctx, e.CustomerID)
	case paymentprovider.SubscriptionDeleted:
		return s.byCustomer(ctx, e.CustomerID)
	case paymentprovider.InvoicePaid:
		return s.byCustomer(ctx, e.CustomerID)
	case paymentprovider.InvoiceFailed:
		return s.byCustomer(ctx, e.CustomerID)
	}
	return nil, paymentprovider.ErrUnsupportedEvent
}

func (s *Service) byCustomer(ctx context.Context, customerID string) (*models.Subscriber, error) {
	if customerID == "" {
		return nil, models.ErrSubscriberNotFound
	}
	return s.store.GetSubscriberByStripeCustomer(ctx, customerID)
}

// ExpireTrialIfElapsed выполняет ленивый переход trial -> expired для пользователя
// запроса и возвращает актуальную идентичность.
func (s *Service) ExpireTrialIfElapsed(ctx context.Context, user *models.AuthUser) (*models.AuthUser, error) {
	const op = "billing.ExpireTrialIfElapsed"

	now := s.opts.Now()
	if user == nil || !entitlement.TrialElapsed(user.Role, user.TrialEnd, now) {
		return user, nil
	}

	changed, err := s.store.ExpireTrial(ctx, user.ID, now)
	if err != nil {
		return user, fmt.Errorf("%s: %w", op, err)
	}
	if changed {
		s.log.Info("trial expired", slog.String("op", op), slog.String("subscriber_id", user.ID))
		s.metrics.TrialExpired()
		next, _ := entitlement.ExpireTrial(models.Entitlement{Role: user.Role, Plan: user.Plan}, user.TrialEnd, now)
		out := *user
		out.Role = next.Role
		out.Plan = next.Plan
		return &out, nil
	}

	// Запись уже изменилась: другой запрос истёк её раньше или пришла оплата.
	sub, err := s.store.GetSubscriberByID(ctx, user.ID)
	if err != nil {
		return user, fmt.Errorf("%s: %w", op, err)
	}
	return entitlement.AuthUser(sub, now), nil
}

// ExtendTrial продлевает пробный период подписчика на days дней.
func (s *Service) ExtendTrial(ctx context.Context, id string, days int) (*models.AuthUser, error) {
	const op = "billing.ExtendTrial"

	sub, err := s.store.GetSubscriberByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := s.opts.Now()
	next, trialEnd, err := entitlement.ExtendTrial(sub.Entitlement(), sub.TrialEnd, now, days)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ok, err := s.store.ExtendTrial(ctx, id, sub.Plan, next, trialEnd, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrConcurrentUpdate)
	}

	s.log.Info("trial extended",
		slog.String("op", op),
		slog.String("subscriber_id", id),
		slog.Int("days", days),
		slog.Time("trial_end", trialEnd),
	)

	updated, err := s.store.GetSubscriberByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return entitlement.AuthUser(updated, now), nil
}

// Тарифы, доступные для оформления.
const (
	CheckoutMonthly = "monthly"
	CheckoutAnnual  = "annual"
)

// CreateCheckout создаёт сессию оформления подписки и возвращает её адрес.
// Клиент у провайдера создаётся при первом оформлении.
func (s *Service) CreateCheckout(ctx context.Context, user *models.AuthUser, plan string) (string, error) {
	const op = "billing.CreateCheckout"

	var priceID string
	switch plan {
	case CheckoutMonthly:
		priceID = s.opts.Prices.MonthlyPriceID
	case CheckoutAnnual:
		priceID = s.opts.Prices.AnnualPriceID
	}
	if priceID == "" {
		return "", fmt.Errorf("%s: %w: %q", op, ErrUnknownPlan, plan)
	}

	sub, err := s.store.GetSubscriberByID(ctx, user.ID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if sub.Plan == models.PlanActiveMonthly || sub.Plan == models.PlanActiveAnnual {
		return "", fmt.Errorf("%s: %w", op, ErrAlreadySubscribed)
	}

	customerID := sub.StripeCustomerID
	if customerID == "" {
		created, err := s.provider.CreateCustomer(ctx, sub.ID, sub.Email)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		customerID, err = s.store.SetStripeCustomerID(ctx, sub.ID, created)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		if customerID != created {
			s.log.Warn("stripe customer already linked, using stored one",
				slog.String("op", op),
				slog.String("subscriber_id", sub.ID),
				slog.String("orphan_customer_id", created),
			)
		}
	}

	url, err := s.provider.CreateCheckoutSession(ctx, paymentprovider.CheckoutRequest{
		CustomerID:   customerID,
		SubscriberID: sub.ID,
		PriceID:      priceID,
		SuccessURL:   s.opts.SuccessURL,
		CancelURL:    s.opts.CancelURL,
	})
	if err != nil {
		s.log.Error("failed to create checkout session", slog.String("op", op), sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return url, nil
}
