// Package sender доставляет ссылки для входа: в лог (разработка), в очередь RabbitMQ
// или напрямую через Postmark.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"time"

	"github.com/mrz1836/postmark"

	"github.com/magabrotheeeer/research-gate/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/research-gate/internal/models"
)

// ErrInvalidConfig возвращается при неполной конфигурации отправителя.
var ErrInvalidConfig = errors.New("invalid sender config")

const subject = "Your sign-in link"

// LogSender пишет ссылку в лог. Используется в локальной разработке.
type LogSender struct {
	log *slog.Logger
}

// NewLogSender создаёт LogSender.
func NewLogSender(log *slog.Logger) *LogSender {
	return &LogSender{log: log}
}

// SendMagicLink записывает ссылку в лог.
func (s *LogSender) SendMagicLink(_ context.Context, msg models.MagicLinkMessage) error {
	s.log.Info("magic link issued",
		slog.String("email", msg.Email),
		slog.String("url", msg.URL),
		slog.Time("expires_at", msg.ExpiresAt),
	)
	return nil
}

// QueueSender публикует письмо в очередь, откуда его забирает почтовый воркер.
type QueueSender struct {
	ch         rabbitmq.Channel
	routingKey string
}

// NewQueueSender создаёт QueueSender.
func NewQueueSender(ch rabbitmq.Channel, routingKey string) *QueueSender {
	return &QueueSender{ch: ch, routingKey: routingKey}
}

// SendMagicLink публикует сообщение в обменник rabbitmq.ExchangeName.
func (s *QueueSender) SendMagicLink(ctx context.Context, msg models.MagicLinkMessage) error {
	const op = "sender.QueueSender.SendMagicLink"
	if err := rabbitmq.PublishMessage(ctx, s.ch, rabbitmq.ExchangeName, s.routingKey, msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// PostmarkClient часть *postmark.Client, нужная для отправки.
type PostmarkClient interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// PostmarkSender отправляет письмо через Postmark.
type PostmarkSender struct {
	client PostmarkClient
	from   string
}

// NewPostmarkClient создаёт клиент Postmark по токенам.
func NewPostmarkClient(serverToken, accountToken string) (*postmark.Client, error) {
	if serverToken == "" {
		return nil, fmt.Errorf("%w: postmark server token is required", ErrInvalidConfig)
	}
	return postmark.NewClient(serverToken, accountToken), nil
}

// NewPostmarkSender создаёт PostmarkSender.
func NewPostmarkSender(client PostmarkClient, from string) (*PostmarkSender, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: postmark client is required", ErrInvalidConfig)
	}
	if !strings.Contains(from, "@") {
		return nil, fmt.Errorf("%w: sender email must be a valid address", ErrInvalidConfig)
	}
	return &PostmarkSender{client: client, from: from}, nil
}

var bodyTemplate = template.Must(template.New("magic_link").Parse(
	`<p>Hello{{if .DisplayName}} {{.DisplayName}}{{end}},</p>` +
		`<p><a href="{{.URL}}">Sign in to the research feed</a></p>` +
		`<p>The link works once and expires at {{.Expires}}.</p>`))

// SendMagicLink отправляет письмо со ссылкой.
func (s *PostmarkSender) SendMagicLink(ctx context.Context, msg models.MagicLinkMessage) error {
	const op = "sender.PostmarkSender.SendMagicLink"

	var body strings.Builder
	err := bodyTemplate.Execute(&body, struct {
		DisplayName string
		URL         string
		Expires     string
	}{msg.DisplayName, msg.URL, msg.ExpiresAt.UTC().Format(time.RFC1123)})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:     s.from,
		To:       msg.Email,
		Subject:  subject,
		Tag:      "magic-link",
		HTMLBody: body.String(),
		TextBody: "Sign in: " + msg.URL,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.ErrorCode > 0 {
		return fmt.Errorf("%s: postmark error %d: %s", op, resp.ErrorCode, resp.Message)
	}
	return nil
}

// LinkSender доставляет письмо со ссылкой получателю.
type LinkSender interface {
	SendMagicLink(ctx context.Context, msg models.MagicLinkMessage) error
}

// QueueHandler разбирает сообщение из очереди ссылок и передаёт его отправителю.
// Ссылку, истёкшую до доставки, отправлять бессмысленно: такое сообщение подтверждается без письма.
type QueueHandler struct {
	next LinkSender
	log  *slog.Logger
	now  func() time.Time
}

// NewQueueHandler создаёт QueueHandler.
func NewQueueHandler(next LinkSender, log *slog.Logger) *QueueHandler {
	return &QueueHandler{next: next, log: log, now: time.Now}
}

// Handle обрабатывает тело одного сообщения очереди.
func (h *QueueHandler) Handle(ctx context.Context, body []byte) error {
	const op = "sender.QueueHandler.Handle"

	var msg models.MagicLinkMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%s: %w: %v", op, rabbitmq.ErrDiscard, err)
	}
	if msg.Email == "" || msg.URL == "" {
		return fmt.Errorf("%s: %w: email and url are required", op, rabbitmq.ErrDiscard)
	}
	if !msg.ExpiresAt.IsZero() && !h.now().Before(msg.ExpiresAt) {
		h.log.Info("magic link expired before delivery, skipping", slog.String("op", op))
		return nil
	}

	if err := h.next.SendMagicLink(ctx, msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
