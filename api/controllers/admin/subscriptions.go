package admin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kinoramahq/kinorama-backend/api/responses"
	"github.com/kinoramahq/kinorama-backend/api/validators"
	"github.com/kinoramahq/kinorama-backend/pkg/db/models"
	"github.com/kinoramahq/kinorama-backend/pkg/enums"
	pkgerrors "github.com/kinoramahq/kinorama-backend/pkg/errors"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
	"github.com/kinoramahq/kinorama-backend/pkg/pagination"
)

// SubscriptionService is the billing slice the operator surface drives.
type SubscriptionService interface {
	List(ctx context.Context, status *enums.SubscriptionStatus, params pagination.Params) ([]models.Subscription, *pagination.Cursor, error)
	Transition(ctx context.Context, subscriptionID uuid.UUID, event enums.SubscriptionEvent, meta map[string]any) (*models.Subscription, error)
}

type subscriptionResponse struct {
	ID                   string  `json:"id"`
	UserID               string  `json:"user_id"`
	Status               string  `json:"status"`
	PlanID               *string `json:"plan_id,omitempty"`
	StripeCustomerID     *string `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string `json:"stripe_subscription_id,omitempty"`
	CurrentPeriodStart   *string `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *string `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool    `json:"cancel_at_period_end"`
	CreatedAt            string  `json:"created_at"`
	UpdatedAt            string  `json:"updated_at"`
}

type subscriptionListResponse struct {
	Subscriptions []subscriptionResponse `json:"subscriptions"`
	NextCursor    string                 `json:"next_cursor,omitempty"`
}

type transitionRequest struct {
	Event string         `json:"event" validate:"required"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// SubscriptionsList pages through subscriptions, optionally filtered by
// lifecycle status.
func SubscriptionsList(svc SubscriptionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		var status *enums.SubscriptionStatus
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			parsed, err := enums.ParseSubscriptionStatus(raw)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status"))
				return
			}
			status = &parsed
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		params := pagination.Params{
			Limit:  limit,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		}

		subscriptions, next, err := svc.List(ctx, status, params)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		response := subscriptionListResponse{
			Subscriptions: subscriptionsToResponse(subscriptions),
		}
		if next != nil {
			response.NextCursor = pagination.EncodeCursor(*next)
		}
		responses.WriteSuccess(w, response)
	}
}

// SubscriptionTransition applies a lifecycle event to one subscription. The
// state machine decides whether the event is legal; illegal ones come back as
// transition conflicts, not silent drops.
func SubscriptionTransition(svc SubscriptionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		subscriptionID, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "subscriptionId")))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid subscription id"))
			return
		}

		var payload transitionRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		event, err := enums.ParseSubscriptionEvent(strings.TrimSpace(payload.Event))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid event"))
			return
		}

		meta := payload.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		if _, ok := meta["source"]; !ok {
			meta["source"] = "admin_api"
		}

		subscription, err := svc.Transition(ctx, subscriptionID, event, meta)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, subscriptionToResponse(subscription))
	}
}

func subscriptionsToResponse(subscriptions []models.Subscription) []subscriptionResponse {
	result := make([]subscriptionResponse, 0, len(subscriptions))
	for _, subscription := range subscriptions {
		result = append(result, subscriptionToResponse(&subscription))
	}
	return result
}

func subscriptionToResponse(subscription *models.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                   subscription.ID.String(),
		UserID:               subscription.UserID.String(),
		Status:               string(subscription.Status),
		PlanID:               subscription.PlanID,
		StripeCustomerID:     subscription.StripeCustomerID,
		StripeSubscriptionID: subscription.StripeSubscriptionID,
		CurrentPeriodStart:   formatTimePtr(subscription.CurrentPeriodStart),
		CurrentPeriodEnd:     formatTimePtr(subscription.CurrentPeriodEnd),
		CancelAtPeriodEnd:    subscription.CancelAtPeriodEnd,
		CreatedAt:            subscription.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:            subscription.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func formatTimePtr(value *time.Time) *string {
	if value == nil {
		return nil
	}
	formatted := value.UTC().Format(time.RFC3339)
	return &formatted
}
