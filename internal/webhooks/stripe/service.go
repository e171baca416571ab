package stripewebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/kinoramahq/kinorama-backend/internal/billing"
	"github.com/kinoramahq/kinorama-backend/internal/ledger"
	"github.com/kinoramahq/kinorama-backend/internal/statemachine"
	"github.com/kinoramahq/kinorama-backend/pkg/db/models"
	"github.com/kinoramahq/kinorama-backend/pkg/enums"
	pkgerrors "github.com/kinoramahq/kinorama-backend/pkg/errors"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
)

// Ledger results. The processed case records the lifecycle event it applied.
const (
	resultIgnored = "ignored"
	resultSkipped = "skipped"
	resultPeriod  = "period_updated"
)

// subscriptionLifecycle is the slice of billing the webhook mapper drives.
type subscriptionLifecycle interface {
	GetOrCreate(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	GetByStripeSubscriptionID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
	Transition(ctx context.Context, subscriptionID uuid.UUID, event enums.SubscriptionEvent, meta map[string]any) (*models.Subscription, error)
	AttachStripeRefs(ctx context.Context, subscriptionID uuid.UUID, customerID, stripeSubscriptionID string) error
	UpdatePeriod(ctx context.Context, subscriptionID uuid.UUID, update billing.PeriodUpdate) error
}

type planResolver interface {
	FindPlanByStripePriceID(ctx context.Context, stripePriceID string) (*models.Plan, error)
}

type ServiceParams struct {
	Billing subscriptionLifecycle
	Plans   planResolver
	Ledger  Ledger
	Logger  *logger.Logger
}

// Service maps Stripe events onto subscription lifecycle events, gated on the
// webhook ledger so a redelivered event id produces zero additional effects.
type Service struct {
	billing subscriptionLifecycle
	plans   planResolver
	ledger  Ledger
	logg    *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Billing == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "billing service required")
	}
	if params.Plans == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "plan resolver required")
	}
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "webhook ledger required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		billing: params.Billing,
		plans:   params.Plans,
		ledger:  params.Ledger,
		logg:    params.Logger,
	}, nil
}

// HandleEvent is check-then-process-then-mark: the ledger row is written only
// after the event's effects are applied, so a failed handler stays retryable.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}
	if event.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event id required")
	}

	ctx, _ = ledger.EnsureCorrelation(ctx)
	ctx = s.logg.WithField(ctx, "stripe_event", event.ID)

	processed, err := s.ledger.IsProcessed(ctx, event.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check webhook ledger")
	}
	if processed {
		s.logg.Info(ctx, "stripe event already processed, skipping")
		return nil
	}

	result, err := s.process(ctx, event)
	if err != nil {
		return err
	}

	if err := s.ledger.MarkProcessed(ctx, event.ID, string(event.Type), result); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark webhook processed")
	}
	s.logg.Info(ctx, fmt.Sprintf("stripe event handled: %s", result))
	return nil
}

func (s *Service) process(ctx context.Context, event *stripe.Event) (string, error) {
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		return s.handleCheckoutCompleted(ctx, event)
	case stripe.EventTypeInvoicePaid:
		return s.handleInvoicePaid(ctx, event)
	case stripe.EventTypeInvoicePaymentFailed:
		return s.handleInvoiceFailed(ctx, event)
	case stripe.EventTypeCustomerSubscriptionUpdated:
		return s.handleSubscriptionUpdated(ctx, event)
	case stripe.EventTypeCustomerSubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, event)
	default:
		return resultIgnored, nil
	}
}

// handleCheckoutCompleted attaches the processor references minted during
// checkout and opens provisioning with PAYMENT_SUCCESS. The user id rides in
// the session's client_reference_id, set when the session was created.
func (s *Service) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) (string, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode checkout session")
	}
	if session.Mode != "" && session.Mode != stripe.CheckoutSessionModeSubscription {
		return resultIgnored, nil
	}

	// Sessions minted by CreateCheckout always carry the user id; one without
	// it belongs to some other product on the same Stripe account.
	ref := strings.TrimSpace(session.ClientReferenceID)
	if ref == "" {
		s.logg.Warn(ctx, "checkout session carries no user reference, skipping")
		return resultSkipped, nil
	}
	userID, err := uuid.Parse(ref)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "checkout session user reference malformed")
	}

	sub, err := s.billing.GetOrCreate(ctx, userID)
	if err != nil {
		return "", err
	}

	var customerID, stripeSubID string
	if session.Customer != nil {
		customerID = session.Customer.ID
	}
	if session.Subscription != nil {
		stripeSubID = session.Subscription.ID
	}
	if err := s.billing.AttachStripeRefs(ctx, sub.ID, customerID, stripeSubID); err != nil {
		return "", err
	}

	return s.applyIfAllowed(ctx, sub, enums.SubscriptionEventPaymentSuccess, map[string]any{
		"source":     string(event.Type),
		"session_id": session.ID,
	})
}

func (s *Service) handleInvoicePaid(ctx context.Context, event *stripe.Event) (string, error) {
	sub, result, err := s.subscriptionFor(ctx, event)
	if sub == nil {
		return result, err
	}

	// A paid invoice on a delinquent subscription is the recovery signal;
	// anywhere else it is a first payment or a renewal.
	lifecycleEvent := enums.SubscriptionEventPaymentSuccess
	if sub.Status == enums.SubscriptionStatusPastDue {
		lifecycleEvent = enums.SubscriptionEventPaymentRecovered
	}
	return s.applyIfAllowed(ctx, sub, lifecycleEvent, map[string]any{
		"source":     string(event.Type),
		"invoice_id": event.GetObjectValue("id"),
	})
}

func (s *Service) handleInvoiceFailed(ctx context.Context, event *stripe.Event) (string, error) {
	sub, result, err := s.subscriptionFor(ctx, event)
	if sub == nil {
		return result, err
	}
	return s.applyIfAllowed(ctx, sub, enums.SubscriptionEventPaymentFailed, map[string]any{
		"source":     string(event.Type),
		"invoice_id": event.GetObjectValue("id"),
	})
}

// handleSubscriptionUpdated copies billing anchors (period bounds, cancel
// flag, plan) onto the local row. It never transitions: status follows the
// invoice and deletion events.
func (s *Service) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event) (string, error) {
	var stripeSub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &stripeSub); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode stripe subscription")
	}

	sub, err := s.billing.GetByStripeSubscriptionID(ctx, stripeSub.ID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return resultSkipped, nil
	}

	cancelAtPeriodEnd := stripeSub.CancelAtPeriodEnd
	update := billing.PeriodUpdate{
		CancelAtPeriodEnd: &cancelAtPeriodEnd,
	}
	if start, end := periodFromItems(&stripeSub); start != nil || end != nil {
		update.PeriodStart = start
		update.PeriodEnd = end
	}
	if priceID := priceIDFromItems(&stripeSub); priceID != "" {
		plan, err := s.plans.FindPlanByStripePriceID(ctx, priceID)
		if err != nil {
			return "", err
		}
		if plan != nil {
			update.PlanID = &plan.ID
		}
	}

	if err := s.billing.UpdatePeriod(ctx, sub.ID, update); err != nil {
		return "", err
	}
	return resultPeriod, nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) (string, error) {
	var stripeSub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &stripeSub); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode stripe subscription")
	}

	sub, err := s.billing.GetByStripeSubscriptionID(ctx, stripeSub.ID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return resultSkipped, nil
	}
	return s.applyIfAllowed(ctx, sub, enums.SubscriptionEventSubscriptionCanceled, map[string]any{
		"source": string(event.Type),
	})
}

// subscriptionFor resolves the local subscription behind an invoice event.
// Invoices for subscriptions this system never created are skipped, not
// errors: the Stripe account may carry unrelated products.
func (s *Service) subscriptionFor(ctx context.Context, event *stripe.Event) (*models.Subscription, string, error) {
	stripeSubID := event.GetObjectValue("subscription")
	if stripeSubID == "" {
		return nil, resultIgnored, nil
	}
	sub, err := s.billing.GetByStripeSubscriptionID(ctx, stripeSubID)
	if err != nil {
		return nil, "", err
	}
	if sub == nil {
		return nil, resultSkipped, nil
	}
	return sub, "", nil
}

// applyIfAllowed transitions only when the current status accepts the event.
// Cross-delivery ordering is not guaranteed, so an inapplicable event is a
// skip, not a failure.
func (s *Service) applyIfAllowed(ctx context.Context, sub *models.Subscription, event enums.SubscriptionEvent, meta map[string]any) (string, error) {
	if !statemachine.CanApply(sub.Status, event) {
		skipCtx := s.logg.WithFields(ctx, map[string]any{
			"status": sub.Status.String(),
			"event":  event.String(),
		})
		s.logg.Warn(skipCtx, "subscription does not accept event, skipping")
		return resultSkipped, nil
	}
	if _, err := s.billing.Transition(ctx, sub.ID, event, meta); err != nil {
		return "", err
	}
	return strings.ToLower(event.String()), nil
}

func periodFromItems(sub *stripe.Subscription) (*time.Time, *time.Time) {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0] == nil {
		return nil, nil
	}
	item := sub.Items.Data[0]
	return unixPtr(item.CurrentPeriodStart), unixPtr(item.CurrentPeriodEnd)
}

func priceIDFromItems(sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0] == nil {
		return ""
	}
	if sub.Items.Data[0].Price == nil {
		return ""
	}
	return sub.Items.Data[0].Price.ID
}

func unixPtr(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
