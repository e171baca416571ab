package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/kinoramahq/kinorama-backend/api/responses"
	pkgerrors "github.com/kinoramahq/kinorama-backend/pkg/errors"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
)

// maxEventBody caps what the endpoint reads. Stripe events stay well under a
// megabyte; anything larger fails signature verification after truncation.
const maxEventBody = 1 << 20

// EventHandler applies one verified Stripe event to the subscription
// lifecycle.
type EventHandler interface {
	HandleEvent(ctx context.Context, event *stripe.Event) error
}

// claimGuard sheds duplicate deliveries racing in concurrently. It is
// advisory only; the durable webhook ledger behind the handler is the
// authoritative dedupe.
type claimGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

// secretSource hands out the endpoint's signing secret.
type secretSource interface {
	SigningSecret() string
}

// StripeWebhook verifies the delivery signature, sheds concurrent duplicates
// and hands the event to the lifecycle handler. A handler failure releases
// the duplicate claim so Stripe's retry is not swallowed.
func StripeWebhook(handler EventHandler, secrets secretSource, guard claimGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if handler == nil || secrets == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook endpoint not configured"))
			return
		}

		event, err := verifiedEvent(r, secrets.SigningSecret())
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if guard != nil {
			duplicate, err := guard.CheckAndMark(ctx, event.ID)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim event"))
				return
			}
			if duplicate {
				// The first delivery is in flight or already done; a 200
				// stops Stripe from retrying this one.
				responses.WriteSuccess(w, nil)
				return
			}
		}

		if err := handler.HandleEvent(ctx, event); err != nil {
			if guard != nil {
				_ = guard.Delete(ctx, event.ID)
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{
				"event_id":   event.ID,
				"event_type": string(event.Type),
			})
			logg.Info(ctx, "stripe event processed")
		}
		responses.WriteSuccess(w, nil)
	}
}

// verifiedEvent reads the delivery and checks its signature. A bad or absent
// signature is the caller's fault, so both map to 400 and Stripe gives up on
// the delivery instead of retrying it for days.
func verifiedEvent(r *http.Request, secret string) (*stripe.Event, error) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body")
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe signature missing")
	}

	event, err := webhook.ConstructEvent(payload, sig, secret)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "signature verification failed")
	}
	return &event, nil
}
