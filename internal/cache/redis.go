// Package cache предоставляет обёртку над Redis для счётчиков ограничения частоты.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/magabrotheeeer/research-gate/internal/config"
)

// Cache хранит клиент Redis.
type Cache struct {
	Db *redis.Client
}

// InitServer подключается к Redis и проверяет соединение.
func InitServer(ctx context.Context, cfg config.RedisConnection) (*Cache, error) {
	const op = "cache.InitServer"
	db := redis.NewClient(&redis.Options{
		Addr:         cfg.AddressRedis,
		Password:     cfg.Password,
		DB:           cfg.DB,
		Username:     cfg.User,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.TimeoutRedis,
		WriteTimeout: cfg.TimeoutRedis,
	})

	if err := db.Ping(ctx).Err(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Cache{Db: db}, nil
}

// Allow увеличивает счётчик key в окне window и сообщает, не превышен ли limit.
// Окно фиксированное: TTL выставляется первым инкрементом и не продлевается.
// Ключ без TTL (например, если EXPIRE не дошёл до Redis) получает его
// при следующем вызове, поэтому счётчик не может остаться навсегда.
func (c *Cache) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	const op = "cache.Allow"

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := c.Db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		ttl = pipe.TTL(ctx, key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if ttl.Val() < 0 {
		if err := c.Db.Expire(ctx, key, window).Err(); err != nil {
			return false, fmt.Errorf("%s: %w", op, err)
		}
	}
	return incr.Val() <= int64(limit), nil
}

// Reset удаляет счётчик.
func (c *Cache) Reset(ctx context.Context, key string) error {
	const op = "cache.Reset"
	if err := c.Db.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Ping проверяет доступность Redis.
func (c *Cache) Ping(ctx context.Context) error {
	return c.Db.Ping(ctx).Err()
}

// Close закрывает соединение.
func (c *Cache) Close() error {
	return c.Db.Close()
}
