// Package session выдаёт, очищает и разбирает сессионную cookie.
//
// Cookie содержит подписанный {sub, iat}. Права доступа в ней не хранятся:
// при каждом запросе они заново читаются из записи подписчика.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/magabrotheeeer/research-gate/internal/entitlement"
	"github.com/magabrotheeeer/research-gate/internal/lib/codec"
	"github.com/magabrotheeeer/research-gate/internal/lib/sl"
	"github.com/magabrotheeeer/research-gate/internal/metrics"
	"github.com/magabrotheeeer/research-gate/internal/models"
)

const (
	// CookieName имя сессионной cookie.
	CookieName = "ekantik_session"
	// DefaultMaxAge срок жизни cookie по умолчанию.
	DefaultMaxAge = 30 * 24 * time.Hour

	maxClockSkew = time.Minute
)

// SubscriberReader читает запись подписчика.
type SubscriberReader interface {
	GetSubscriberByID(ctx context.Context, id string) (*models.Subscriber, error)
}

// Options параметры Manager.
type Options struct {
	Secure  bool
	MaxAge  time.Duration
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Manager управляет сессионной cookie.
type Manager struct {
	codec       *codec.Codec
	subscribers SubscriberReader
	log         *slog.Logger
	metrics     *metrics.Metrics
	secure      bool
	maxAge      time.Duration
	now         func() time.Time
}

type payload struct {
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
}

// NewManager создаёт Manager.
func NewManager(c *codec.Codec, subscribers SubscriberReader, log *slog.Logger, opts Options) *Manager {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		codec:       c,
		subscribers: subscribers,
		log:         log,
		metrics:     opts.Metrics,
		secure:      opts.Secure,
		maxAge:      opts.MaxAge,
		now:         opts.Now,
	}
}

// CreateSession подписывает {sub, iat} и выставляет cookie. В хранилище ничего не пишется.
func (m *Manager) CreateSession(w http.ResponseWriter, subscriberID string) error {
	const op = "session.CreateSession"

	if subscriberID == "" {
		return fmt.Errorf("%s: empty subscriber id", op)
	}
	body, err := json.Marshal(payload{Sub: subscriberID, Iat: m.now().Unix()})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	token, err := m.codec.Sign(body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// ClearSession удаляет cookie. Повторный вызов безопасен.
func (m *Manager) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ResolveUser разбирает cookie запроса. Возвращает nil, если сессии нет или она недействительна.
func (m *Manager) ResolveUser(r *http.Request) *models.AuthUser {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return nil
	}
	return m.Resolve(r.Context(), c.Value)
}

// Resolve проверяет токен и читает подписчика одним запросом к хранилищу.
func (m *Manager) Resolve(ctx context.Context, token string) *models.AuthUser {
	const op = "session.Resolve"
	log := m.log.With(slog.String("op", op))

	raw, err := m.codec.Verify(token)
	if err != nil {
		log.Debug("session token rejected", sl.Err(err))
		m.metrics.SessionResolved("invalid")
		return nil
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil || p.Sub == "" || p.Iat <= 0 {
		log.Debug("session payload malformed")
		m.metrics.SessionResolved("invalid")
		return nil
	}

	now := m.now()
	issued := time.Unix(p.Iat, 0)
	if issued.After(now.Add(maxClockSkew)) || now.Sub(issued) > m.maxAge {
		log.Debug("session outside its lifetime", slog.Time("iat", issued))
		m.metrics.SessionResolved("stale")
		return nil
	}

	sub, err := m.subscribers.GetSubscriberByID(ctx, p.Sub)
	if errors.Is(err, models.ErrSubscriberNotFound) {
		log.Debug("session subscriber not found", slog.String("subscriber_id", p.Sub))
		m.metrics.SessionResolved("unknown")
		return nil
	}
	if err != nil {
		log.Error("failed to load session subscriber", sl.Err(err))
		m.metrics.SessionResolved("error")
		return nil
	}

	m.metrics.SessionResolved("ok")
	return entitlement.AuthUser(sub, now)
}
