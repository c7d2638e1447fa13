// Package mailer собирает воркер, доставляющий ссылки для входа из очереди RabbitMQ.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/research-gate/internal/config"
	"github.com/magabrotheeeer/research-gate/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/research-gate/internal/lib/sl"
	"github.com/magabrotheeeer/research-gate/internal/services/sender"
)

// Workers — сколько писем отправляется параллельно.
const Workers = 4

var ErrNoBroker = errors.New("amqp url is not set")

type App struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	handler *sender.QueueHandler
	logger  *slog.Logger
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "mailer.New"

	if cfg.AMQPURL == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrNoBroker)
	}

	var delivery sender.LinkSender
	if cfg.PostmarkServerToken != "" {
		client, err := sender.NewPostmarkClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		pm, err := sender.NewPostmarkSender(client, cfg.SenderEmail)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		delivery = pm
	} else {
		if cfg.IsProd() {
			return nil, fmt.Errorf("%s: %w: postmark server token is required in prod", op, sender.ErrInvalidConfig)
		}
		logger.Warn("POSTMARK_SERVER_TOKEN is not set, links are written to the log")
		delivery = sender.NewLogSender(logger)
	}

	conn, err := rabbitmq.Connect(ctx, cfg.AMQPURL, 5, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.MagicLinkQueues(cfg.MagicLinkQueue))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &App{
		conn:    conn,
		ch:      ch,
		queue:   cfg.MagicLinkQueue,
		handler: sender.NewQueueHandler(delivery, logger),
		logger:  logger,
	}, nil
}

// Run обрабатывает очередь до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("link mailer consuming", slog.String("queue", a.queue), slog.Int("workers", Workers))

	err := rabbitmq.Consume(ctx, a.ch, a.queue, Workers, a.logger, a.handler.Handle)
	if err != nil {
		a.logger.Error("failed to start magic link consumer", sl.Err(err))
	}

	a.logger.Info("link mailer shutting down gracefully")
	if cerr := a.ch.Close(); cerr != nil {
		a.logger.Error("failed to close channel", sl.Err(cerr))
	}
	if cerr := a.conn.Close(); cerr != nil {
		a.logger.Error("failed to close connection", sl.Err(cerr))
	}
	return err
}
