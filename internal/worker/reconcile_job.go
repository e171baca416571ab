package worker

import (
	"context"
	"fmt"

	"github.com/kinoramahq/kinorama-backend/internal/provisioning"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
)

// driftReconciler compares local link state against the vendor's roster.
type driftReconciler interface {
	Reconcile(ctx context.Context) (*provisioning.ReconcileReport, error)
}

// ReconcileSweepJobParams configure the reconciliation sweep.
type ReconcileSweepJobParams struct {
	Logger     *logger.Logger
	Reconciler driftReconciler
}

// NewReconcileSweepJob builds the sweep that audits vendor accounts against
// local links and records drift. The pass never mutates subscriptions; it
// only reports.
func NewReconcileSweepJob(params ReconcileSweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Reconciler == nil {
		return nil, fmt.Errorf("reconciler required")
	}
	return &reconcileSweepJob{
		logg:       params.Logger,
		reconciler: params.Reconciler,
	}, nil
}

type reconcileSweepJob struct {
	logg       *logger.Logger
	reconciler driftReconciler
}

func (j *reconcileSweepJob) Name() string { return "reconcile-sweep" }

func (j *reconcileSweepJob) Run(ctx context.Context) error {
	report, err := j.reconciler.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile vendor state: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{"checked": report.Checked, "drift": len(report.Drift)})
	if len(report.Drift) > 0 {
		j.logg.Warn(logCtx, "reconcile sweep found drift")
		return nil
	}
	j.logg.Info(logCtx, "reconcile sweep complete")
	return nil
}
