package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/kinoramahq/kinorama-backend/pkg/db/models"
	"github.com/kinoramahq/kinorama-backend/pkg/enums"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
)

// subscriptionSource lists subscriptions for the sweep jobs.
type subscriptionSource interface {
	ListByStatus(ctx context.Context, statuses ...enums.SubscriptionStatus) ([]models.Subscription, error)
}

// userProvisioner creates vendor accounts for paid users.
type userProvisioner interface {
	ProvisionUser(ctx context.Context, userID uuid.UUID, email string, subscriptionID uuid.UUID) error
}

// ProvisionSweepJobParams configure the provisioning sweep.
type ProvisionSweepJobParams struct {
	Logger        *logger.Logger
	Subscriptions subscriptionSource
	Provisioner   userProvisioner
}

// NewProvisionSweepJob builds the sweep that provisions vendor accounts
// for subscriptions sitting in PAID_PENDING_PROVISION.
func NewProvisionSweepJob(params ProvisionSweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Subscriptions == nil {
		return nil, fmt.Errorf("subscription source required")
	}
	if params.Provisioner == nil {
		return nil, fmt.Errorf("provisioner required")
	}
	return &provisionSweepJob{
		logg:          params.Logger,
		subscriptions: params.Subscriptions,
		provisioner:   params.Provisioner,
	}, nil
}

type provisionSweepJob struct {
	logg          *logger.Logger
	subscriptions subscriptionSource
	provisioner   userProvisioner
}

func (j *provisionSweepJob) Name() string { return "provision-sweep" }

func (j *provisionSweepJob) Run(ctx context.Context) error {
	subs, err := j.subscriptions.ListByStatus(ctx, enums.SubscriptionStatusPaidPendingProvision)
	if err != nil {
		return fmt.Errorf("list pending provision: %w", err)
	}
	var errs []error
	for _, sub := range subs {
		// Failures are isolated per user; the sweep always visits every row.
		if err := j.provisioner.ProvisionUser(ctx, sub.UserID, "", sub.ID); err != nil {
			userCtx := j.logg.WithUserID(ctx, sub.UserID.String())
			j.logg.Warn(userCtx, fmt.Sprintf("provision failed: %v", err))
			errs = append(errs, fmt.Errorf("user %s: %w", sub.UserID, err))
		}
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{"count": len(subs), "failed": len(errs)})
	j.logg.Info(logCtx, "provision sweep complete")
	return multierr.Combine(errs...)
}
