// Package storage реализует хранилище подписчиков на PostgreSQL.
//
// Каждая мутация выполняется одним SQL-выражением: погашение magic-link,
// ленивое истечение пробного периода и применение биллинговых событий
// защищены условиями в WHERE, а не блокировками на стороне приложения.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// Регистрация драйвера pgx для использования с database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/magabrotheeeer/research-gate/internal/models"
)

// Storage инкапсулирует соединение с базой данных PostgreSQL.
type Storage struct {
	DB *sql.DB
}

// New создаёт подключение к PostgreSQL и проверяет его.
func New(ctx context.Context, storageConnectionString string) (*Storage, error) {
	const op = "storage.New"

	db, err := sql.Open("pgx", storageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{DB: db}, nil
}

// Ping проверяет доступность базы.
func (s *Storage) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// Close закрывает пул соединений.
func (s *Storage) Close() error {
	return s.DB.Close()
}

var subscriberFields = []string{
	"id", "email", "display_name", "role", "plan", "trial_start", "trial_end",
	"stripe_customer_id", "stripe_subscription_id", "stripe_status",
	"magic_link_token", "magic_link_expires", "last_login", "billing_event_at", "created_at",
}

func columns(prefix string) string {
	if prefix == "" {
		return strings.Join(subscriberFields, ", ")
	}
	out := make([]string, len(subscriberFields))
	for i, f := range subscriberFields {
		out[i] = prefix + "." + f
	}
	return strings.Join(out, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanSubscriber читает строку в порядке subscriberFields; extra дописываются в конец.
func scanSubscriber(row rowScanner, extra ...any) (*models.Subscriber, error) {
	var (
		sub                                       models.Subscriber
		role, plan                                string
		customerID, subscriptionID, status, token sql.NullString
		trialStart, trialEnd, linkExpires, login  sql.NullTime
		billingEventAt                            sql.NullTime
	)
	dest := []any{
		&sub.ID, &sub.Email, &sub.DisplayName, &role, &plan, &trialStart, &trialEnd,
		&customerID, &subscriptionID, &status,
		&token, &linkExpires, &login, &billingEventAt, &sub.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	sub.Role = models.Role(role)
	sub.Plan = models.Plan(plan)
	sub.TrialStart = timePtr(trialStart)
	sub.TrialEnd = timePtr(trialEnd)
	sub.StripeCustomerID = customerID.String
	sub.StripeSubscriptionID = subscriptionID.String
	sub.StripeStatus = status.String
	sub.MagicLinkToken = token.String
	sub.MagicLinkExpires = timePtr(linkExpires)
	sub.LastLogin = timePtr(login)
	sub.BillingEventAt = timePtr(billingEventAt)
	return &sub, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (s *Storage) getOne(ctx context.Context, op, where string, arg any) (*models.Subscriber, error) {
	query := `SELECT ` + columns("") + ` FROM subscribers WHERE ` + where
	sub, err := scanSubscriber(s.DB.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrSubscriberNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// GetSubscriberByID возвращает подписчика по идентификатору.
func (s *Storage) GetSubscriberByID(ctx context.Context, id string) (*models.Subscriber, error) {
	return s.getOne(ctx, "storage.GetSubscriberByID", "id = $1", id)
}

// GetSubscriberByEmail возвращает подписчика по нормализованному email.
func (s *Storage) GetSubscriberByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	return s.getOne(ctx, "storage.GetSubscriberByEmail", "email = $1", strings.ToLower(email))
}

// GetSubscriberByStripeCustomer возвращает подписчика по ID клиента платёжного провайдера.
func (s *Storage) GetSubscriberByStripeCustomer(ctx context.Context, customerID string) (*models.Subscriber, error) {
	return s.getOne(ctx, "storage.GetSubscriberByStripeCustomer", "stripe_customer_id = $1", customerID)
}

// CreateSubscriber вставляет подписчика. Если email уже занят, запись не меняется
// и возвращается false.
func (s *Storage) CreateSubscriber(ctx context.Context, sub models.Subscriber) (bool, error) {
	const op = "storage.CreateSubscriber"

	query := `INSERT INTO subscribers (id, email, display_name, role, plan, trial_start, trial_end)
			  VALUES ($1, $2, $3, $4, $5, $6, $7)
			  ON CONFLICT (email) DO NOTHING`
	res, err := s.DB.ExecContext(ctx, query,
		sub.ID, strings.ToLower(sub.Email), sub.DisplayName, string(sub.Role), string(sub.Plan),
		nullTime(sub.TrialStart), nullTime(sub.TrialEnd))
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}

// SetMagicLink сохраняет токен ссылки, перезаписывая предыдущий.
func (s *Storage) SetMagicLink(ctx context.Context, id, token string, expires time.Time) error {
	const op = "storage.SetMagicLink"

	res, err := s.DB.ExecContext(ctx,
		`UPDATE subscribers SET magic_link_token = $2, magic_link_expires = $3 WHERE id = $1`,
		id, token, expires)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return expectOne(op, res)
}

// ConsumeMagicLink атомарно гасит токен: очищает его независимо от срока действия,
// при действующем токене выставляет last_login = now. Возвращает подписчика
// после обновления и срок действия, который был у токена.
// Конкурентные вызовы с одним токеном дают не более одного результата.
func (s *Storage) ConsumeMagicLink(ctx context.Context, token string, now time.Time) (*models.Subscriber, time.Time, error) {
	const op = "storage.ConsumeMagicLink"

	query := `WITH target AS (
				SELECT id, magic_link_expires FROM subscribers
				WHERE magic_link_token = $1
				FOR UPDATE
			  )
			  UPDATE subscribers s
			  SET magic_link_token = NULL,
			      magic_link_expires = NULL,
			      last_login = CASE WHEN target.magic_link_expires > $2 THEN $2 ELSE s.last_login END
			  FROM target
			  WHERE s.id = target.id
			  RETURNING ` + columns("s") + `, target.magic_link_expires`

	var expires sql.NullTime
	sub, err := scanSubscriber(s.DB.QueryRowContext(ctx, query, token, now), &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, fmt.Errorf("%s: %w", op, models.ErrSubscriberNotFound)
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%s: %w", op, err)
	}
	return sub, expires.Time, nil
}

// ExpireTrial переводит trial -> expired, если пробный период закончился к now.
// Повторный вызов ничего не меняет и возвращает false.
func (s *Storage) ExpireTrial(ctx context.Context, id string, now time.Time) (bool, error) {
	const op = "storage.ExpireTrial"

	res, err := s.DB.ExecContext(ctx,
		`UPDATE subscribers SET plan = 'expired', role = 'expired'
		 WHERE id = $1 AND plan = 'trial' AND role = 'trial' AND trial_end <= $2`,
		id, now)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}

// UpdateEntitlement записывает состояние доступа, вычисленное по событию с временем eventAt.
// Событие старше последнего применённого пропускается (возвращается false).
// Роль admin не перезаписывается, уже известный ID клиента не меняется.
func (s *Storage) UpdateEntitlement(ctx context.Context, id string, e models.Entitlement, eventAt time.Time) (bool, error) {
	const op = "storage.UpdateEntitlement"

	query := `UPDATE subscribers
			  SET role = CASE WHEN role = 'admin' THEN role ELSE $2 END,
			      plan = $3,
			      stripe_status = $4,
			      stripe_customer_id = COALESCE(stripe_customer_id, $5),
			      stripe_subscription_id = COALESCE($6, stripe_subscription_id),
			      billing_event_at = $7
			  WHERE id = $1 AND (billing_event_at IS NULL OR billing_event_at <= $7)`
	res, err := s.DB.ExecContext(ctx, query, id, string(e.Role), string(e.Plan),
		nullString(e.StripeStatus), nullString(e.StripeCustomerID), nullString(e.StripeSubscriptionID), eventAt)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}

// SetStripeCustomerID сохраняет ID клиента, только если он ещё не задан, и
// возвращает ID, который в итоге хранится в записи.
func (s *Storage) SetStripeCustomerID(ctx context.Context, id, customerID string) (string, error) {
	const op = "storage.SetStripeCustomerID"

	query := `WITH upd AS (
				UPDATE subscribers SET stripe_customer_id = $2
				WHERE id = $1 AND stripe_customer_id IS NULL
				RETURNING stripe_customer_id
			  )
			  SELECT stripe_customer_id FROM upd
			  UNION ALL
			  SELECT stripe_customer_id FROM subscribers
			  WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM upd)`

	var stored sql.NullString
	err := s.DB.QueryRowContext(ctx, query, id, customerID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", op, models.ErrSubscriberNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return stored.String, nil
}

// ExtendTrial записывает продлённый пробный период. Запись обновляется,
// только если тариф всё ещё равен fromPlan, иначе возвращается false.
func (s *Storage) ExtendTrial(ctx context.Context, id string, fromPlan models.Plan, e models.Entitlement, trialEnd, now time.Time) (bool, error) {
	const op = "storage.ExtendTrial"

	query := `UPDATE subscribers
			  SET role = CASE WHEN role = 'admin' THEN role ELSE $3 END,
			      plan = $4,
			      trial_start = COALESCE(trial_start, $6),
			      trial_end = GREATEST(COALESCE(trial_end, $5), $5)
			  WHERE id = $1 AND plan = $2`
	res, err := s.DB.ExecContext(ctx, query, id, string(fromPlan), string(e.Role), string(e.Plan), trialEnd, now)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}

func expectOne(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, models.ErrSubscriberNotFound)
	}
	return nil
}
