package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/kinoramahq/kinorama-backend/api/routes"
	"github.com/kinoramahq/kinorama-backend/internal/billing"
	"github.com/kinoramahq/kinorama-backend/internal/ledger"
	"github.com/kinoramahq/kinorama-backend/internal/provisioning"
	stripewebhook "github.com/kinoramahq/kinorama-backend/internal/webhooks/stripe"
	"github.com/kinoramahq/kinorama-backend/pkg/config"
	"github.com/kinoramahq/kinorama-backend/pkg/crypto"
	"github.com/kinoramahq/kinorama-backend/pkg/db"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
	"github.com/kinoramahq/kinorama-backend/pkg/migrate"
	"github.com/kinoramahq/kinorama-backend/pkg/redis"
	pkgstripe "github.com/kinoramahq/kinorama-backend/pkg/stripe"
	"github.com/kinoramahq/kinorama-backend/pkg/torbox"
)

// Stripe retries deliveries for up to three days; a day of claim memory is
// enough to shed the burst duplicates the durable ledger would otherwise eat.
const webhookGuardTTL = 24 * time.Hour

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), "no .env file, reading configuration from the process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "database bootstrap failed", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "database close failed", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "dev migrations failed", err)
		os.Exit(1)
	}

	// Redis is optional: without it the webhook guard and the rate limiter
	// run in pass-through mode and the durable ledger carries idempotency.
	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = redis.New(context.Background(), cfg.Redis, logg)
		if err != nil {
			logg.Error(context.Background(), "redis bootstrap failed", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
	} else {
		logg.Warn(context.Background(), "redis not configured, idempotency and rate limits degrade to single-instance behavior")
	}

	tokenCipher, err := crypto.NewTokenCipher(cfg.Cipher)
	if err != nil {
		logg.Error(context.Background(), "failed to initialize token cipher", err)
		os.Exit(1)
	}

	torboxClient, err := torbox.NewClient(context.Background(), cfg.TorBox, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to initialize torbox client", err)
		os.Exit(1)
	}

	var stripeClient *pkgstripe.Client
	var provider billing.PaymentProvider
	if cfg.Stripe.Configured() {
		stripeClient, err = pkgstripe.NewClient(context.Background(), cfg.Stripe, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to initialize stripe client", err)
			os.Exit(1)
		}
		provider, err = billing.NewStripeProvider(stripeClient)
		if err != nil {
			logg.Error(context.Background(), "failed to initialize stripe provider", err)
			os.Exit(1)
		}
	} else {
		logg.Warn(context.Background(), "stripe not configured, billing sessions are mocked and the webhook endpoint is disabled")
		provider = billing.NewMockProvider()
	}

	billingRepo := billing.NewRepository(dbClient.DB())
	ledgerRepo := ledger.NewRepository(dbClient.DB())
	provisioningRepo := provisioning.NewRepository(dbClient.DB())

	ledgerService, err := ledger.NewService(ledgerRepo)
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger service", err)
		os.Exit(1)
	}

	billingService, err := billing.NewService(billing.ServiceParams{
		Repo:              billingRepo,
		LedgerRepo:        ledgerRepo,
		Links:             provisioningRepo,
		Provider:          provider,
		TransactionRunner: dbClient,
		SuccessURL:        cfg.Stripe.SuccessURL,
		CancelURL:         cfg.Stripe.CancelURL,
		PortalReturnURL:   cfg.Stripe.PortalReturnURL,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create billing service", err)
		os.Exit(1)
	}

	provisioningService, err := provisioning.NewService(provisioning.ServiceParams{
		Repo:    provisioningRepo,
		Billing: billingService,
		Vendor:  torboxClient,
		Ledger:  ledgerService,
		Cipher:  tokenCipher,
		Logger:  logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create provisioning service", err)
		os.Exit(1)
	}

	var webhookService *stripewebhook.Service
	var webhookGuard *stripewebhook.IdempotencyGuard
	if stripeClient != nil {
		webhookService, err = stripewebhook.NewService(stripewebhook.ServiceParams{
			Billing: billingService,
			Plans:   billingRepo,
			Ledger:  stripewebhook.NewLedger(dbClient.DB()),
			Logger:  logg,
		})
		if err != nil {
			logg.Error(context.Background(), "failed to create stripe webhook service", err)
			os.Exit(1)
		}
		if redisClient != nil {
			webhookGuard, err = stripewebhook.NewIdempotencyGuard(redisClient, webhookGuardTTL, "stripe-webhook")
			if err != nil {
				logg.Error(context.Background(), "failed to create webhook idempotency guard", err)
				os.Exit(1)
			}
		}
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	instance, _ := os.Hostname()
	if instance == "" {
		instance = "local"
	}
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance,
	})
	logg.Info(ctx, "api listening")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(
			cfg,
			logg,
			dbClient,
			redisClient,
			billingService,
			ledgerService,
			provisioningService,
			provisioningRepo,
			torboxClient,
			stripeClient,
			webhookService,
			webhookGuard,
		),
	}

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(ctx, "api server exited", err)
		os.Exit(1)
	}
}
