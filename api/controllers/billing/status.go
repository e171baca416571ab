package billing

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/kinoramahq/kinorama-backend/api/middleware"
	"github.com/kinoramahq/kinorama-backend/api/responses"
	billingsvc "github.com/kinoramahq/kinorama-backend/internal/billing"
	pkgerrors "github.com/kinoramahq/kinorama-backend/pkg/errors"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
)

// StatusService builds the merged subscription view for the caller.
type StatusService interface {
	StatusProjection(ctx context.Context, userID uuid.UUID) (*billingsvc.Projection, error)
}

// SubscriptionStatus returns the caller's subscription projection. Users who
// never subscribed get the NOT_SUBSCRIBED projection, not a 404.
func SubscriptionStatus(svc StatusService, logg *logger.Logger) http.HandlerFunc {
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

		projection, err := svc.StatusProjection(ctx, userID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, projection)
	}
}

func callerID(r *http.Request) (uuid.UUID, error) {
	raw := middleware.UserIDFromContext(r.Context())
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials")
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid user identity")
	}
	return userID, nil
}
