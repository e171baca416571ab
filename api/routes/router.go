package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kinoramahq/kinorama-backend/api/controllers"
	admincontrollers "github.com/kinoramahq/kinorama-backend/api/controllers/admin"
	billingcontrollers "github.com/kinoramahq/kinorama-backend/api/controllers/billing"
	webhookcontrollers "github.com/kinoramahq/kinorama-backend/api/controllers/webhooks"
	"github.com/kinoramahq/kinorama-backend/api/middleware"
	billingsvc "github.com/kinoramahq/kinorama-backend/internal/billing"
	ledgersvc "github.com/kinoramahq/kinorama-backend/internal/ledger"
	"github.com/kinoramahq/kinorama-backend/internal/provisioning"
	stripewebhook "github.com/kinoramahq/kinorama-backend/internal/webhooks/stripe"
	"github.com/kinoramahq/kinorama-backend/pkg/config"
	"github.com/kinoramahq/kinorama-backend/pkg/db"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
	"github.com/kinoramahq/kinorama-backend/pkg/redis"
	"github.com/kinoramahq/kinorama-backend/pkg/stripe"
	"github.com/kinoramahq/kinorama-backend/pkg/torbox"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient *redis.Client,
	billingService billingsvc.Service,
	ledgerService ledgersvc.Service,
	provisioningService provisioning.Service,
	provisioningRepo provisioning.Repository,
	torboxClient *torbox.Client,
	stripeClient *stripe.Client,
	stripeWebhookService *stripewebhook.Service,
	stripeWebhookGuard *stripewebhook.IdempotencyGuard,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	// Redis is optional; a nil client leaves the idempotency and rate limit
	// layers in pass-through mode.
	var idempotencyStore redis.IdempotencyStore
	var cachePinger controllers.Pinger
	if redisClient != nil {
		idempotencyStore = redisClient
		cachePinger = redisClient
	}
	apiPolicy := middleware.NewRateLimitPolicy("api", cfg.RateLimit.APIWindow, cfg.RateLimit.APILimit)
	checkoutPolicy := middleware.NewRateLimitPolicy("checkout", cfg.RateLimit.CheckoutWindow, cfg.RateLimit.CheckoutLimit)

	r.Get("/healthz", controllers.HealthLive(cfg))
	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, cachePinger))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", stripeWebhookHandler(stripeWebhookService, stripeClient, stripeWebhookGuard, logg))
	})

	r.Route("/api/v1/billing", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(rateLimit(apiPolicy, redisClient, logg))
		r.Use(middleware.Idempotency(idempotencyStore, logg))

		r.Get("/plans", billingcontrollers.PlansList(billingService, logg))
		r.Get("/status", billingcontrollers.SubscriptionStatus(billingService, logg))
		r.With(rateLimit(checkoutPolicy, redisClient, logg)).Post("/checkout", billingcontrollers.CheckoutCreate(billingService, logg))
		r.Post("/portal", billingcontrollers.PortalCreate(billingService, logg))
	})

	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(middleware.RequireOperator(cfg.Admin.OperatorKey, logg))

		r.Get("/subscriptions", admincontrollers.SubscriptionsList(billingService, logg))
		r.Post("/subscriptions/{subscriptionId}/transition", admincontrollers.SubscriptionTransition(billingService, logg))
		r.Post("/reconcile", admincontrollers.ReconcileRun(provisioningService, logg))
		r.Post("/users/{userId}/revoke", admincontrollers.UserRevoke(provisioningService, logg))
		r.Get("/audit", admincontrollers.AuditList(ledgerService, logg))
		r.Get("/capacity", capacityHandler(torboxClient, provisioningRepo, logg))
	})

	return r
}

func stripeWebhookHandler(svc *stripewebhook.Service, client *stripe.Client, guard *stripewebhook.IdempotencyGuard, logg *logger.Logger) http.HandlerFunc {
	if svc == nil {
		return webhookcontrollers.StripeWebhook(nil, nil, nil, logg)
	}
	if client == nil {
		return webhookcontrollers.StripeWebhook(svc, nil, guard, logg)
	}
	return webhookcontrollers.StripeWebhook(svc, client, guard, logg)
}

func rateLimit(policy middleware.RateLimitPolicy, client *redis.Client, logg *logger.Logger) func(http.Handler) http.Handler {
	if client == nil {
		return middleware.RateLimit(policy, nil, logg)
	}
	return middleware.RateLimit(policy, client, logg)
}

func capacityHandler(client *torbox.Client, repo provisioning.Repository, logg *logger.Logger) http.HandlerFunc {
	if client == nil {
		return admincontrollers.CapacityShow(nil, repo, logg)
	}
	return admincontrollers.CapacityShow(client, repo, logg)
}
