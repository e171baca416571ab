package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/kinoramahq/kinorama-backend/pkg/enums"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
)

// userRevoker tears down vendor accounts for lapsed users.
type userRevoker interface {
	RevokeUser(ctx context.Context, userID uuid.UUID) error
}

// RevokeSweepJobParams configure the revocation sweep.
type RevokeSweepJobParams struct {
	Logger        *logger.Logger
	Subscriptions subscriptionSource
	Revoker       userRevoker
}

// NewRevokeSweepJob builds the sweep that removes vendor accounts for
// CANCELED and EXPIRED subscriptions. Revocation is best-effort; users
// whose link is already revoked are skipped inside RevokeUser.
func NewRevokeSweepJob(params RevokeSweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Subscriptions == nil {
		return nil, fmt.Errorf("subscription source required")
	}
	if params.Revoker == nil {
		return nil, fmt.Errorf("revoker required")
	}
	return &revokeSweepJob{
		logg:          params.Logger,
		subscriptions: params.Subscriptions,
		revoker:       params.Revoker,
	}, nil
}

type revokeSweepJob struct {
	logg          *logger.Logger
	subscriptions subscriptionSource
	revoker       userRevoker
}

func (j *revokeSweepJob) Name() string { return "revoke-sweep" }

func (j *revokeSweepJob) Run(ctx context.Context) error {
	subs, err := j.subscriptions.ListByStatus(
		ctx,
		enums.SubscriptionStatusCanceled,
		enums.SubscriptionStatusExpired,
	)
	if err != nil {
		return fmt.Errorf("list pending revocation: %w", err)
	}
	var errs []error
	for _, sub := range subs {
		if err := j.revoker.RevokeUser(ctx, sub.UserID); err != nil {
			userCtx := j.logg.WithUserID(ctx, sub.UserID.String())
			j.logg.Warn(userCtx, fmt.Sprintf("revoke failed: %v", err))
			errs = append(errs, fmt.Errorf("user %s: %w", sub.UserID, err))
		}
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{"count": len(subs), "failed": len(errs)})
	j.logg.Info(logCtx, "revoke sweep complete")
	return multierr.Combine(errs...)
}
