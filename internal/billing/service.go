package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kinoramahq/kinorama-backend/internal/ledger"
	"github.com/kinoramahq/kinorama-backend/internal/statemachine"
	dbpkg "github.com/kinoramahq/kinorama-backend/pkg/db"
	"github.com/kinoramahq/kinorama-backend/pkg/db/models"
	"github.com/kinoramahq/kinorama-backend/pkg/enums"
	pkgerrors "github.com/kinoramahq/kinorama-backend/pkg/errors"
	"github.com/kinoramahq/kinorama-backend/pkg/pagination"
)

type vendorLinkSource interface {
	FindLinkByUserID(ctx context.Context, userID uuid.UUID) (*models.VendorLink, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service owns the subscription lifecycle. Transition is the only sanctioned
// writer of subscription status; every other component routes through it.
type Service interface {
	GetOrCreate(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	GetSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	GetSubscriptionByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	GetByStripeSubscriptionID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
	GetByStripeCustomerID(ctx context.Context, stripeCustomerID string) (*models.Subscription, error)
	ListByStatus(ctx context.Context, statuses ...enums.SubscriptionStatus) ([]models.Subscription, error)
	List(ctx context.Context, status *enums.SubscriptionStatus, params pagination.Params) ([]models.Subscription, *pagination.Cursor, error)
	Transition(ctx context.Context, subscriptionID uuid.UUID, event enums.SubscriptionEvent, meta map[string]any) (*models.Subscription, error)
	AttachStripeRefs(ctx context.Context, subscriptionID uuid.UUID, customerID, stripeSubscriptionID string) error
	UpdatePeriod(ctx context.Context, subscriptionID uuid.UUID, update PeriodUpdate) error
	CreateCheckout(ctx context.Context, userID uuid.UUID, email string) (*CheckoutSession, error)
	CreatePortal(ctx context.Context, userID uuid.UUID) (*PortalSession, error)
	StatusProjection(ctx context.Context, userID uuid.UUID) (*Projection, error)
	ListPlans(ctx context.Context) ([]models.Plan, error)
}

// ServiceParams groups dependencies for the billing service.
type ServiceParams struct {
	Repo              Repository
	LedgerRepo        ledger.Repository
	Links             vendorLinkSource
	Provider          PaymentProvider
	TransactionRunner txRunner
	SuccessURL        string
	CancelURL         string
	PortalReturnURL   string
}

// PeriodUpdate carries billing anchor changes sourced from processor events.
// Nil fields are left untouched. Status is deliberately absent: status moves
// through Transition only.
type PeriodUpdate struct {
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd *bool
	PlanID            *string
}

// Projection is the merged read model for end-user display: subscription
// status plus vendor link context, with the derived access tier.
type Projection struct {
	UserID                 uuid.UUID                `json:"user_id"`
	Status                 enums.SubscriptionStatus `json:"status"`
	Tier                   enums.Tier               `json:"tier"`
	NeedsEmailConfirmation bool                     `json:"needs_email_confirmation"`
	PlanID                 *string                  `json:"plan_id,omitempty"`
	CurrentPeriodEnd       *time.Time               `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool                     `json:"cancel_at_period_end"`
	VendorEmail            *string                  `json:"vendor_email,omitempty"`
}

type service struct {
	repo            Repository
	ledgerRepo      ledger.Repository
	links           vendorLinkSource
	provider        PaymentProvider
	txRunner        txRunner
	successURL      string
	cancelURL       string
	portalReturnURL string
}

// NewService builds a billing service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("billing repo required")
	}
	if params.LedgerRepo == nil {
		return nil, fmt.Errorf("ledger repo required")
	}
	if params.Links == nil {
		return nil, fmt.Errorf("vendor link source required")
	}
	if params.Provider == nil {
		return nil, fmt.Errorf("payment provider required")
	}
	if params.TransactionRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{
		repo:            params.Repo,
		ledgerRepo:      params.LedgerRepo,
		links:           params.Links,
		provider:        params.Provider,
		txRunner:        params.TransactionRunner,
		successURL:      strings.TrimSpace(params.SuccessURL),
		cancelURL:       strings.TrimSpace(params.CancelURL),
		portalReturnURL: strings.TrimSpace(params.PortalReturnURL),
	}, nil
}

// errLostInsertRace signals that a concurrent GetOrCreate committed the
// subscription row first. The transaction is already poisoned at that point,
// so the re-read happens outside it.
var errLostInsertRace = errors.New("subscription insert race lost")

// GetOrCreate returns the user's subscription, inserting a NOT_SUBSCRIBED row
// on first billing contact. Two concurrent first contacts collapse onto the
// unique index on user_id; the loser re-reads the winner's row.
func (s *service) GetOrCreate(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	var out *models.Subscription
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		existing, err := txRepo.FindSubscriptionByUserID(ctx, userID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup subscription")
		}
		if existing != nil {
			out = existing
			return nil
		}

		sub := &models.Subscription{
			ID:     uuid.New(),
			UserID: userID,
			Status: enums.SubscriptionStatusNotSubscribed,
		}
		if err := txRepo.CreateSubscription(ctx, sub); err != nil {
			if dbpkg.IsUniqueViolation(err, "subscriptions_user_id_unique") {
				return errLostInsertRace
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create subscription")
		}
		out = sub
		return nil
	})
	if errors.Is(err, errLostInsertRace) {
		winner, rerr := s.repo.FindSubscriptionByUserID(ctx, userID)
		if rerr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, rerr, "re-read subscription after race")
		}
		if winner == nil {
			return nil, pkgerrors.New(pkgerrors.CodeDependency, "subscription vanished after insert race")
		}
		return winner, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *service) GetSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	sub, err := s.repo.FindSubscriptionByUserID(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup subscription")
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return sub, nil
}

func (s *service) GetSubscriptionByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}
	sub, err := s.repo.FindSubscriptionByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup subscription")
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return sub, nil
}

// GetByStripeSubscriptionID returns (nil, nil) when no row matches so webhook
// handlers can skip events for subscriptions this system never created.
func (s *service) GetByStripeSubscriptionID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	sub, err := s.repo.FindSubscriptionByStripeID(ctx, strings.TrimSpace(stripeSubscriptionID))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup subscription by processor id")
	}
	return sub, nil
}

func (s *service) GetByStripeCustomerID(ctx context.Context, stripeCustomerID string) (*models.Subscription, error) {
	sub, err := s.repo.FindSubscriptionByStripeCustomerID(ctx, strings.TrimSpace(stripeCustomerID))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup subscription by customer id")
	}
	return sub, nil
}

func (s *service) ListByStatus(ctx context.Context, statuses ...enums.SubscriptionStatus) ([]models.Subscription, error) {
	if len(statuses) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one status is required")
	}
	for _, status := range statuses {
		if !status.IsValid() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown subscription status").
				WithDetails(map[string]string{"status": string(status)})
		}
	}
	subs, err := s.repo.ListSubscriptionsByStatus(ctx, statuses...)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list subscriptions")
	}
	return subs, nil
}

func (s *service) List(ctx context.Context, status *enums.SubscriptionStatus, params pagination.Params) ([]models.Subscription, *pagination.Cursor, error) {
	if status != nil && !status.IsValid() {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown subscription status").
			WithDetails(map[string]string{"status": string(*status)})
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	subs, next, err := s.repo.ListSubscriptions(ctx, ListSubscriptionsQuery{
		Status: status,
		Limit:  params.Limit,
		Cursor: cursor,
	})
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list subscriptions")
	}
	return subs, next, nil
}

// Transition applies event to the subscription through the lifecycle table,
// persists the new status with a compare-and-set, and writes one audit entry
// capturing {from, to, event, meta} in the same transaction. Invalid edges
// propagate unchanged and leave the row untouched.
func (s *service) Transition(ctx context.Context, subscriptionID uuid.UUID, event enums.SubscriptionEvent, meta map[string]any) (*models.Subscription, error) {
	if subscriptionID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}
	if !event.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown subscription event").
			WithDetails(map[string]string{"event": string(event)})
	}

	var updated *models.Subscription
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		sub, err := txRepo.FindSubscriptionByID(ctx, subscriptionID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
		}
		if sub == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}

		next, err := statemachine.Next(sub.Status, event)
		if err != nil {
			return err
		}

		from := sub.Status
		if err := txRepo.UpdateSubscriptionStatus(ctx, sub.ID, from, next); err != nil {
			if errors.Is(err, ErrStaleStatus) {
				return pkgerrors.Wrap(pkgerrors.CodeStateConflict, err, "subscription moved concurrently").
					WithDetails(map[string]string{"expected": from.String()})
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist status")
		}

		payload := map[string]any{
			"from":  from.String(),
			"to":    next.String(),
			"event": event.String(),
		}
		if len(meta) > 0 {
			payload["meta"] = meta
		}
		if err := s.audit(ctx, s.ledgerRepo.WithTx(tx), &sub.UserID, enums.AuditEventSubscriptionTransition, payload); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write audit entry")
		}

		sub.Status = next
		updated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AttachStripeRefs stores processor references learned from checkout
// completion. Empty values are ignored so partial events never blank refs.
func (s *service) AttachStripeRefs(ctx context.Context, subscriptionID uuid.UUID, customerID, stripeSubscriptionID string) error {
	if subscriptionID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}
	sub, err := s.repo.FindSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub == nil {
		return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}

	customerID = strings.TrimSpace(customerID)
	stripeSubscriptionID = strings.TrimSpace(stripeSubscriptionID)
	if customerID == "" && stripeSubscriptionID == "" {
		return nil
	}
	if customerID != "" {
		sub.StripeCustomerID = &customerID
	}
	if stripeSubscriptionID != "" {
		sub.StripeSubscriptionID = &stripeSubscriptionID
	}
	if err := s.repo.UpdateSubscription(ctx, sub); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store processor refs")
	}
	return nil
}

func (s *service) UpdatePeriod(ctx context.Context, subscriptionID uuid.UUID, update PeriodUpdate) error {
	if subscriptionID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}
	sub, err := s.repo.FindSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub == nil {
		return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}

	if update.PeriodStart != nil {
		sub.CurrentPeriodStart = update.PeriodStart
	}
	if update.PeriodEnd != nil {
		sub.CurrentPeriodEnd = update.PeriodEnd
	}
	if update.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *update.CancelAtPeriodEnd
	}
	if update.PlanID != nil {
		sub.PlanID = update.PlanID
	}
	if err := s.repo.UpdateSubscription(ctx, sub); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store period bounds")
	}
	return nil
}

// CreateCheckout starts a checkout session for the default plan. An already
// active subscription is refused; everything else may re-subscribe.
func (s *service) CreateCheckout(ctx context.Context, userID uuid.UUID, email string) (*CheckoutSession, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "email is required")
	}

	sub, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.Status == enums.SubscriptionStatusActive {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription already active")
	}

	plan, err := s.repo.FindDefaultPlan(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load default plan")
	}
	if plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "no default plan configured")
	}

	session, err := s.provider.CreateCheckoutSession(ctx, CheckoutSessionParams{
		UserID:     userID,
		Email:      email,
		PriceID:    plan.StripePriceID,
		SuccessURL: s.successURL,
		CancelURL:  s.cancelURL,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create checkout session")
	}

	if err := s.audit(ctx, s.ledgerRepo, &userID, enums.AuditEventCheckoutStarted, map[string]any{
		"session_id": session.ID,
		"plan_id":    plan.ID,
		"provider":   s.provider.Name(),
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write audit entry")
	}
	return session, nil
}

// CreatePortal opens the processor's self-service portal. It requires a
// stored customer reference, which only exists after a completed checkout.
func (s *service) CreatePortal(ctx context.Context, userID uuid.UUID) (*PortalSession, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	sub, err := s.repo.FindSubscriptionByUserID(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup subscription")
	}
	if sub == nil || sub.StripeCustomerID == nil || strings.TrimSpace(*sub.StripeCustomerID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "no payment profile on file")
	}

	session, err := s.provider.CreatePortalSession(ctx, *sub.StripeCustomerID, s.portalReturnURL)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create portal session")
	}
	return session, nil
}

// StatusProjection merges the subscription row and vendor link into one read
// model. A missing subscription projects NOT_SUBSCRIBED on the free tier.
func (s *service) StatusProjection(ctx context.Context, userID uuid.UUID) (*Projection, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	proj := &Projection{
		UserID: userID,
		Status: enums.SubscriptionStatusNotSubscribed,
		Tier:   enums.TierFree,
	}

	sub, err := s.repo.FindSubscriptionByUserID(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup subscription")
	}
	if sub != nil {
		proj.Status = sub.Status
		proj.PlanID = sub.PlanID
		proj.CurrentPeriodEnd = sub.CurrentPeriodEnd
		proj.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		if sub.Status == enums.SubscriptionStatusActive {
			proj.Tier = enums.TierPremium
		}
		proj.NeedsEmailConfirmation = sub.Status == enums.SubscriptionStatusProvisionedPendingConfirm
	}

	link, err := s.links.FindLinkByUserID(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup vendor link")
	}
	if link != nil && link.Status != enums.VendorLinkStatusRevoked {
		email := link.Email
		proj.VendorEmail = &email
	}
	return proj, nil
}

func (s *service) ListPlans(ctx context.Context) ([]models.Plan, error) {
	active := enums.PlanStatusActive
	plans, err := s.repo.ListPlans(ctx, ListPlansQuery{Status: &active})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list plans")
	}
	return plans, nil
}

func (s *service) audit(ctx context.Context, repo ledger.Repository, userID *uuid.UUID, eventType enums.AuditEventType, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	correlation, ok := ledger.CorrelationFrom(ctx)
	if !ok {
		correlation = uuid.New()
	}
	return repo.Create(ctx, &models.AuditEntry{
		UserID:        userID,
		EventType:     eventType,
		Payload:       raw,
		CorrelationID: correlation,
	})
}
