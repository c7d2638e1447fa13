package researchgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/research-gate/internal/cache"
	"github.com/magabrotheeeer/research-gate/internal/config"
	"github.com/magabrotheeeer/research-gate/internal/entitlement"
	"github.com/magabrotheeeer/research-gate/internal/http/handlers/admin/trial"
	"github.com/magabrotheeeer/research-gate/internal/http/handlers/auth/login"
	"github.com/magabrotheeeer/research-gate/internal/http/handlers/auth/logout"
	"github.com/magabrotheeeer/research-gate/internal/http/handlers/auth/me"
	"github.com/magabrotheeeer/research-gate/internal/http/handlers/auth/register"
	"github.com/magabrotheeeer/research-gate/internal/http/handlers/auth/verify"
	"github.com/magabrotheeeer/research-gate/internal/http/handlers/feed/access"
	"github.com/magabrotheeeer/research-gate/internal/http/handlers/health"
	"github.com/magabrotheeeer/research-gate/internal/http/handlers/payment/checkout"
	"github.com/magabrotheeeer/research-gate/internal/http/handlers/payment/paymentwebhook"
	"github.com/magabrotheeeer/research-gate/internal/http/middlewarectx"
	"github.com/magabrotheeeer/research-gate/internal/lib/codec"
	"github.com/magabrotheeeer/research-gate/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/research-gate/internal/lib/sl"
	"github.com/magabrotheeeer/research-gate/internal/metrics"
	"github.com/magabrotheeeer/research-gate/internal/migrations"
	"github.com/magabrotheeeer/research-gate/internal/paymentprovider"
	"github.com/magabrotheeeer/research-gate/internal/services/billing"
	"github.com/magabrotheeeer/research-gate/internal/services/magiclink"
	"github.com/magabrotheeeer/research-gate/internal/services/sender"
	"github.com/magabrotheeeer/research-gate/internal/services/session"
	"github.com/magabrotheeeer/research-gate/internal/storage"
)

// ErrInsecureSession возвращается, если в prod не задан секрет сессии.
var ErrInsecureSession = errors.New("session secret is not set")

type App struct {
	server  *http.Server
	logger  *slog.Logger
	db      *storage.Storage
	cache   *cache.Cache
	closers []func() error
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "researchgate.New"

	c := codec.New(cfg.SessionSecret)
	if c.Insecure() {
		if cfg.IsProd() {
			return nil, fmt.Errorf("%s: %w", op, ErrInsecureSession)
		}
		logger.Error("SESSION_SECRET is not set, sessions are signed with a development key")
	}

	db, err := storage.New(ctx, cfg.StorageConnectionString)
	if err != nil {
		return nil, err
	}
	if err = migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
		_ = db.Close()
		return nil, err
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &App{
		logger:  logger,
		db:      db,
		cache:   cacheRedis,
		closers: []func() error{cacheRedis.Close, db.Close},
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	linkSender, err := a.newLinkSender(ctx, cfg)
	if err != nil {
		_ = a.close()
		return nil, err
	}

	var provider *paymentprovider.Client
	if cfg.StripeAPIURL != "" {
		provider = paymentprovider.NewClientWithURL(cfg.StripeSecretKey, cfg.StripeAPIURL)
	} else {
		provider = paymentprovider.NewClient(cfg.StripeSecretKey)
	}
	if cfg.StripeSecretKey == "" {
		logger.Warn("STRIPE_SECRET_KEY is not set, checkout will fail")
	}

	sessions := session.NewManager(c, db, logger, session.Options{
		Secure:  cfg.CookieSecure,
		MaxAge:  cfg.SessionMaxAge,
		Metrics: m,
	})
	links := magiclink.NewService(db, linkSender, logger, magiclink.Options{
		Origin:      cfg.Origin,
		LinkTTL:     cfg.LinkTTL,
		Limit:       cfg.LinkLimit,
		LimitWindow: cfg.LinkLimitWindow,
		Limiter:     cacheRedis,
		Metrics:     m,
	})
	billingService := billing.NewService(db, provider, logger, billing.Options{
		Prices: entitlement.PriceCatalog{
			MonthlyPriceID: cfg.MonthlyPriceID,
			AnnualPriceID:  cfg.AnnualPriceID,
		},
		SuccessURL: cfg.CheckoutSuccessURL,
		CancelURL:  cfg.CheckoutCancelURL,
		Metrics:    m,
	})

	guards := middlewarectx.NewGuards(logger, sessions, billingService, cfg.AdminPasscode)
	if guards.AdminMode() == middlewarectx.AdminModeOpen {
		logger.Warn("ADMIN_PASSCODE is not set, admin routes are OPEN to every request",
			slog.String("admin_mode", guards.AdminMode().String()))
	}

	handlers := Handlers{
		Register:    register.New(logger, links),
		Login:       login.New(logger, links),
		Verify:      verify.New(logger, links, sessions),
		Logout:      logout.New(sessions),
		Me:          me.New(),
		FeedAccess:  access.New(),
		Checkout:    checkout.New(logger, billingService),
		TrialExtend: trial.New(logger, billingService),
		Health:      health.New(logger, map[string]health.Pinger{"postgres": db, "redis": cacheRedis}),
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	if cfg.StripeWebhookSecret != "" {
		handlers.Webhook = paymentwebhook.New(logger, billingService, cfg.StripeWebhookSecret, m)
	}

	router := chi.NewRouter()
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	RegisterRoutes(router, logger, guards, limiter, m.Middleware, handlers)

	a.server = &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return a, nil
}

// newLinkSender выбирает доставку ссылок по настройке mailer.kind.
func (a *App) newLinkSender(ctx context.Context, cfg *config.Config) (magiclink.LinkSender, error) {
	const op = "researchgate.newLinkSender"

	switch cfg.MailerKind {
	case config.MailerQueue:
		conn, err := rabbitmq.Connect(ctx, cfg.AMQPURL, 5, 2*time.Second)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		ch, err := rabbitmq.SetupChannel(conn, rabbitmq.MagicLinkQueues(cfg.MagicLinkQueue))
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		a.closers = append([]func() error{ch.Close, conn.Close}, a.closers...)
		a.logger.Info("magic links are published to rabbitmq", slog.String("queue", cfg.MagicLinkQueue))
		return sender.NewQueueSender(ch, cfg.MagicLinkQueue), nil

	case config.MailerPostmark:
		client, err := sender.NewPostmarkClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		s, err := sender.NewPostmarkSender(client, cfg.SenderEmail)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return s, nil

	default:
		a.logger.Warn("magic links are written to the log, do not use outside development")
		return sender.NewLogSender(a.logger), nil
	}
}

func (a *App) close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		if cerr := a.close(); cerr != nil {
			a.logger.Error("failed to release resources", sl.Err(cerr))
		}
		return err
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		err := a.server.Shutdown(timeoutCtx)
		if cerr := a.close(); cerr != nil {
			a.logger.Error("failed to release resources", sl.Err(cerr))
		}
		return err
	}
}
