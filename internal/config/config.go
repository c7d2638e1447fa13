// Package config предоставляет структуры и функции для загрузки конфигурации сервиса.
//
// Конфигурация читается из YAML-файла, путь к которому задаётся переменной CONFIG_PATH.
// Если переменная не задана, все значения берутся из окружения.
package config

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Окружения запуска.
const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

// Способы доставки magic-link.
const (
	MailerLog      = "log"
	MailerQueue    = "queue"
	MailerPostmark = "postmark"
)

// Config общая структура для хранения настроек
type Config struct {
	Env                     string `yaml:"env" env:"ENV" env-default:"local"`
	StorageConnectionString string `yaml:"storage_connection_string" env:"STORAGE_CONNECTION_STRING" env-required:"true"`
	MigrationsPath          string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"./migrations"`
	HTTPServer              `yaml:"http_server"`
	RedisConnection         `yaml:"redis_connection"`
	Session                 `yaml:"session"`
	Auth                    `yaml:"auth"`
	Stripe                  `yaml:"stripe"`
	Mailer                  `yaml:"mailer"`
}

// HTTPServer структура для настройки сервера
type HTTPServer struct {
	AddressHTTP string        `yaml:"addresshttp" env:"HTTP_ADDRESS" env-default:":8080"`
	TimeoutHTTP time.Duration `yaml:"timeouthttp" env:"HTTP_TIMEOUT" env-default:"10s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" env-default:"60s"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	AddressRedis string        `yaml:"addressredis" env:"REDIS_ADDRESS" env-default:"localhost:6379"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	User         string        `yaml:"user" env:"REDIS_USER"`
	DB           int           `yaml:"db" env:"REDIS_DB"`
	MaxRetries   int           `yaml:"max_retries" env:"REDIS_MAX_RETRIES"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"REDIS_DIAL_TIMEOUT"`
	TimeoutRedis time.Duration `yaml:"timeoutredis" env:"REDIS_TIMEOUT"`
}

// Session настройки сессионной cookie.
type Session struct {
	SessionSecret string        `yaml:"secret" env:"SESSION_SECRET"`
	CookieSecure  bool          `yaml:"cookie_secure" env:"SESSION_COOKIE_SECURE" env-default:"true"`
	SessionMaxAge time.Duration `yaml:"max_age" env:"SESSION_MAX_AGE" env-default:"720h"`
}

// Auth настройки входа по ссылке и административного доступа.
type Auth struct {
	AdminPasscode   string        `yaml:"admin_passcode" env:"ADMIN_PASSCODE"`
	Origin          string        `yaml:"origin" env:"APP_ORIGIN" env-default:"http://localhost:8080"`
	LinkTTL         time.Duration `yaml:"link_ttl" env:"MAGIC_LINK_TTL" env-default:"15m"`
	LinkLimit       int           `yaml:"link_limit" env:"MAGIC_LINK_LIMIT" env-default:"5"`
	LinkLimitWindow time.Duration `yaml:"link_limit_window" env:"MAGIC_LINK_LIMIT_WINDOW" env-default:"15m"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" env:"AUTH_RATE_LIMIT_RPS" env-default:"5"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" env:"AUTH_RATE_LIMIT_BURST" env-default:"10"`
}

// Stripe настройки платёжного провайдера.
type Stripe struct {
	StripeSecretKey     string `yaml:"secret_key" env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `yaml:"webhook_secret" env:"STRIPE_WEBHOOK_SECRET"`
	StripeAPIURL        string `yaml:"api_url" env:"STRIPE_API_URL"`
	MonthlyPriceID      string `yaml:"monthly_price_id" env:"STRIPE_MONTHLY_PRICE_ID"`
	AnnualPriceID       string `yaml:"annual_price_id" env:"STRIPE_ANNUAL_PRICE_ID"`
	CheckoutSuccessURL  string `yaml:"success_url" env:"STRIPE_SUCCESS_URL" env-default:"http://localhost:8080/feed?checkout=success"`
	CheckoutCancelURL   string `yaml:"cancel_url" env:"STRIPE_CANCEL_URL" env-default:"http://localhost:8080/pricing?checkout=cancelled"`
}

// Mailer настройки доставки magic-link.
type Mailer struct {
	MailerKind           string `yaml:"kind" env:"MAILER_KIND" env-default:"log"`
	AMQPURL              string `yaml:"amqp_url" env:"AMQP_URL"`
	MagicLinkQueue       string `yaml:"magic_link_queue" env:"MAGIC_LINK_QUEUE" env-default:"magic_link"`
	PostmarkServerToken  string `yaml:"postmark_server_token" env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `yaml:"postmark_account_token" env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `yaml:"sender_email" env:"SENDER_EMAIL" env-default:"research@localhost"`
}

// Load читает конфигурацию из файла CONFIG_PATH, если он задан, иначе из окружения.
func Load() (*Config, error) {
	const op = "config.Load"

	var cfg Config
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return &cfg, nil
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: file %s does not exist", op, configPath)
	}
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

// MustLoad загружает конфигурацию и завершает процесс при ошибке.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return cfg
}

// IsProd сообщает, запущен ли сервис в боевом окружении.
func (c *Config) IsProd() bool {
	return c.Env == EnvProd
}

// Validate проверяет обязательные для prod параметры. В остальных окружениях
// отсутствие секретов допустимо и включает явный режим разработки.
func (c *Config) Validate() error {
	var errs []error

	switch c.MailerKind {
	case MailerLog, MailerQueue, MailerPostmark:
	default:
		errs = append(errs, fmt.Errorf("unknown mailer kind %q", c.MailerKind))
	}
	if c.MailerKind == MailerQueue && c.AMQPURL == "" {
		errs = append(errs, errors.New("amqp_url is required for queue mailer"))
	}
	if c.MailerKind == MailerPostmark && c.PostmarkServerToken == "" {
		errs = append(errs, errors.New("postmark_server_token is required for postmark mailer"))
	}
	if c.LinkTTL <= 0 {
		errs = append(errs, errors.New("link_ttl must be positive"))
	}

	if c.IsProd() {
		if c.SessionSecret == "" {
			errs = append(errs, errors.New("session secret is required in prod"))
		}
		if c.AdminPasscode == "" {
			errs = append(errs, errors.New("admin passcode is required in prod"))
		}
		if c.StripeWebhookSecret == "" {
			errs = append(errs, errors.New("stripe webhook secret is required in prod"))
		}
		if !c.CookieSecure {
			errs = append(errs, errors.New("session cookie must be secure in prod"))
		}
		if c.MailerKind == MailerLog {
			errs = append(errs, errors.New("log mailer is not allowed in prod"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config.Validate: %w", errors.Join(errs...))
	}
	return nil
}

// LogValue скрывает секреты при логировании конфигурации.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("env", c.Env),
		slog.String("http_address", c.AddressHTTP),
		slog.String("redis_address", c.AddressRedis),
		slog.String("origin", c.Origin),
		slog.String("mailer", c.MailerKind),
		slog.Bool("cookie_secure", c.CookieSecure),
		slog.Bool("session_secret_set", c.SessionSecret != ""),
		slog.Bool("admin_passcode_set", c.AdminPasscode != ""),
		slog.Bool("webhook_secret_set", c.StripeWebhookSecret != ""),
		slog.Bool("stripe_key_set", c.StripeSecretKey != ""),
	)
}
