package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kinoramahq/kinorama-backend/internal/billing"
	"github.com/kinoramahq/kinorama-backend/internal/ledger"
	"github.com/kinoramahq/kinorama-backend/internal/provisioning"
	"github.com/kinoramahq/kinorama-backend/internal/worker"
	"github.com/kinoramahq/kinorama-backend/pkg/config"
	"github.com/kinoramahq/kinorama-backend/pkg/crypto"
	"github.com/kinoramahq/kinorama-backend/pkg/db"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
	"github.com/kinoramahq/kinorama-backend/pkg/metrics"
	"github.com/kinoramahq/kinorama-backend/pkg/migrate"
	"github.com/kinoramahq/kinorama-backend/pkg/redis"
	"github.com/kinoramahq/kinorama-backend/pkg/torbox"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "provision-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), "no .env file, reading configuration from the process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "provision-worker",
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

	// Without Redis the sweep lock degrades to a no-op, which is fine for a
	// single replica. Run more than one and sweeps will race.
	var lock worker.Lock = worker.NewNoopLock()
	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
		if err != nil {
			logg.Error(context.Background(), "redis bootstrap failed", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
		lock, err = worker.NewRedisLock(redisClient, redisClient.LockKey("provision-worker:"+cfg.App.Env), cfg.Worker.LockTTL)
		if err != nil {
			logg.Error(context.Background(), "failed to create worker lock", err)
			os.Exit(1)
		}
	} else {
		logg.Warn(context.Background(), "redis not configured, sweep lock disabled")
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

	billingRepo := billing.NewRepository(dbClient.DB())
	ledgerRepo := ledger.NewRepository(dbClient.DB())
	provisioningRepo := provisioning.NewRepository(dbClient.DB())

	ledgerService, err := ledger.NewService(ledgerRepo)
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger service", err)
		os.Exit(1)
	}

	// Sweeps never mint checkout sessions, so the worker always runs with the
	// mock provider regardless of Stripe configuration.
	billingService, err := billing.NewService(billing.ServiceParams{
		Repo:              billingRepo,
		LedgerRepo:        ledgerRepo,
		Links:             provisioningRepo,
		Provider:          billing.NewMockProvider(),
		TransactionRunner: dbClient,
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

	provisionJob, err := worker.NewProvisionSweepJob(worker.ProvisionSweepJobParams{
		Logger:        logg,
		Subscriptions: billingService,
		Provisioner:   provisioningService,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create provision sweep", err)
		os.Exit(1)
	}
	confirmJob, err := worker.NewConfirmSweepJob(worker.ConfirmSweepJobParams{
		Logger:        logg,
		Subscriptions: billingService,
		Poller:        provisioningService,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create confirm sweep", err)
		os.Exit(1)
	}
	revokeJob, err := worker.NewRevokeSweepJob(worker.RevokeSweepJobParams{
		Logger:        logg,
		Subscriptions: billingService,
		Revoker:       provisioningService,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create revoke sweep", err)
		os.Exit(1)
	}
	reconcileJob, err := worker.NewReconcileSweepJob(worker.ReconcileSweepJobParams{
		Logger:     logg,
		Reconciler: provisioningService,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconcile sweep", err)
		os.Exit(1)
	}

	service, err := worker.NewService(worker.ServiceParams{
		Logger:   logg,
		Registry: worker.NewRegistry(provisionJob, confirmJob, revokeJob, reconcileJob),
		Lock:     lock,
		Metrics:  metrics.NewWorkerJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Worker.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"interval": cfg.Worker.Interval.String(),
	})
	logg.Info(ctx, "starting provision worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "provision worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "provision worker shutting down gracefully")
}
