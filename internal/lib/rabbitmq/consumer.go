package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/research-gate/internal/lib/sl"
)

// ErrDiscard помечает сообщение, повторная доставка которого ничего не изменит.
var ErrDiscard = errors.New("discard message")

// Handler обрабатывает тело одного сообщения.
type Handler func(ctx context.Context, body []byte) error

// Consume читает очередь и обрабатывает сообщения не более чем workers
// параллельно. Блокирует до отмены ctx или закрытия канала и дожидается
// сообщений в обработке.
func Consume(ctx context.Context, ch *amqp.Channel, queueName string, workers int, log *slog.Logger, handler Handler) error {
	const op = "rabbitmq.Consume"

	if err := ch.Qos(max(workers, 1), 0, false); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	deliveries, err := ch.Consume(
		queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	dispatch(ctx, deliveries, workers, log.With(slog.String("queue", queueName)), handler)
	return nil
}

func dispatch(ctx context.Context, deliveries <-chan amqp.Delivery, workers int, log *slog.Logger, handler Handler) {
	sem := make(chan struct{}, max(workers, 1))
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				settle(ctx, d, log, handler)
			}(d)
		case <-ctx.Done():
			return
		}
	}
}

// settle подтверждает сообщение или возвращает его в очередь. Повторно
// доставленное сообщение при ошибке отбрасывается, чтобы не крутить его вечно.
func settle(ctx context.Context, d amqp.Delivery, log *slog.Logger, handler Handler) {
	err := handler(ctx, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error("failed to ack message", sl.Err(ackErr))
		}
		return
	case errors.Is(err, ErrDiscard):
		log.Warn("message discarded", sl.Err(err))
	case d.Redelivered:
		log.Error("message failed twice, dropping", sl.Err(err))
	default:
		log.Error("message failed, requeueing", sl.Err(err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Error("failed to nack message", sl.Err(nackErr))
		}
		return
	}
	if nackErr := d.Nack(false, false); nackErr != nil {
		log.Error("failed to nack message", sl.Err(nackErr))
	}
}
