package billing

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/kinoramahq/kinorama-backend/api/middleware"
	"github.com/kinoramahq/kinorama-backend/api/responses"
	"github.com/kinoramahq/kinorama-backend/api/validators"
	billingsvc "github.com/kinoramahq/kinorama-backend/internal/billing"
	pkgerrors "github.com/kinoramahq/kinorama-backend/pkg/errors"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
)

// CheckoutService mints processor sessions for the caller.
type CheckoutService interface {
	CreateCheckout(ctx context.Context, userID uuid.UUID, email string) (*billingsvc.CheckoutSession, error)
	CreatePortal(ctx context.Context, userID uuid.UUID) (*billingsvc.PortalSession, error)
}

type checkoutRequest struct {
	Email string `json:"email,omitempty" validate:"omitempty,email,max=254"`
}

// CheckoutCreate opens a payment checkout session. The body is optional; an
// email, when present, seeds the vendor account created after payment, and an
// absent one falls back to the email claim on the caller's token.
func CheckoutCreate(svc CheckoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var payload checkoutRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
		}
		email := validators.SanitizeString(payload.Email, 254)
		if email == "" {
			email = middleware.UserEmailFromContext(ctx)
		}

		session, err := svc.CreateCheckout(ctx, userID, email)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, session)
	}
}

// PortalCreate opens the processor's self-service billing portal.
func PortalCreate(svc CheckoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		session, err := svc.CreatePortal(ctx, userID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, session)
	}
}
