package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/kinoramahq/kinorama-backend/pkg/enums"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
)

// confirmationPoller checks the vendor for email confirmation signals.
type confirmationPoller interface {
	PollEmailConfirmation(ctx context.Context, userID uuid.UUID) (bool, error)
}

// ConfirmSweepJobParams configure the confirmation polling sweep.
type ConfirmSweepJobParams struct {
	Logger        *logger.Logger
	Subscriptions subscriptionSource
	Poller        confirmationPoller
}

// NewConfirmSweepJob builds the sweep that polls for email confirmation
// on subscriptions sitting in PROVISIONED_PENDING_CONFIRM.
func NewConfirmSweepJob(params ConfirmSweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Subscriptions == nil {
		return nil, fmt.Errorf("subscription source required")
	}
	if params.Poller == nil {
		return nil, fmt.Errorf("poller required")
	}
	return &confirmSweepJob{
		logg:          params.Logger,
		subscriptions: params.Subscriptions,
		poller:        params.Poller,
	}, nil
}

type confirmSweepJob struct {
	logg          *logger.Logger
	subscriptions subscriptionSource
	poller        confirmationPoller
}

func (j *confirmSweepJob) Name() string { return "confirm-sweep" }

func (j *confirmSweepJob) Run(ctx context.Context) error {
	subs, err := j.subscriptions.ListByStatus(ctx, enums.SubscriptionStatusProvisionedPendingConfirm)
	if err != nil {
		return fmt.Errorf("list pending confirmation: %w", err)
	}
	var errs []error
	confirmed := 0
	for _, sub := range subs {
		ok, err := j.poller.PollEmailConfirmation(ctx, sub.UserID)
		if err != nil {
			userCtx := j.logg.WithUserID(ctx, sub.UserID.String())
			j.logg.Warn(userCtx, fmt.Sprintf("confirmation poll failed: %v", err))
			errs = append(errs, fmt.Errorf("user %s: %w", sub.UserID, err))
			continue
		}
		if ok {
			confirmed++
		}
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"count":     len(subs),
		"confirmed": confirmed,
		"failed":    len(errs),
	})
	j.logg.Info(logCtx, "confirm sweep complete")
	return multierr.Combine(errs...)
}
