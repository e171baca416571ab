package admin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kinoramahq/kinorama-backend/api/responses"
	"github.com/kinoramahq/kinorama-backend/internal/provisioning"
	"github.com/kinoramahq/kinorama-backend/pkg/db/models"
	pkgerrors "github.com/kinoramahq/kinorama-backend/pkg/errors"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
	"github.com/kinoramahq/kinorama-backend/pkg/torbox"
)

// ProvisioningService is the orchestrator slice the operator surface drives.
type ProvisioningService interface {
	Reconcile(ctx context.Context) (*provisioning.ReconcileReport, error)
	RevokeUser(ctx context.Context, userID uuid.UUID) error
}

type capacitySource interface {
	GetCapacity(ctx context.Context) (*torbox.Capacity, error)
}

type capacitySnapshotSource interface {
	LatestCapacitySnapshot(ctx context.Context) (*models.CapacitySnapshot, error)
}

type capacityLiveResponse struct {
	Allowed   int `json:"allowed"`
	Current   int `json:"current"`
	Available int `json:"available"`
}

type capacitySnapshotResponse struct {
	AllowedUsers int    `json:"allowed_users"`
	CurrentUsers int    `json:"current_users"`
	RecordedAt   string `json:"recorded_at"`
}

type capacityResponse struct {
	Live     *capacityLiveResponse     `json:"live,omitempty"`
	Snapshot *capacitySnapshotResponse `json:"snapshot,omitempty"`
}

// ReconcileRun triggers one reconciliation sweep and returns its report.
func ReconcileRun(svc ProvisioningService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "provisioning service unavailable"))
			return
		}

		report, err := svc.Reconcile(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, report)
	}
}

// UserRevoke tears down a user's vendor account regardless of billing state.
func UserRevoke(svc ProvisioningService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "provisioning service unavailable"))
			return
		}

		userID, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "userId")))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid user id"))
			return
		}

		if err := svc.RevokeUser(ctx, userID); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]string{"status": "revoked"})
	}
}

// CapacityShow reports vendor seat usage. The live reading is best effort;
// when the vendor is down the stored snapshot still answers.
func CapacityShow(vendor capacitySource, snapshots capacitySnapshotSource, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if vendor == nil && snapshots == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "capacity sources unavailable"))
			return
		}

		var response capacityResponse

		if vendor != nil {
			capacity, err := vendor.GetCapacity(ctx)
			if err != nil {
				if logg != nil {
					logg.Warn(ctx, "live capacity read failed: "+err.Error())
				}
			} else if capacity != nil {
				response.Live = &capacityLiveResponse{
					Allowed:   capacity.Allowed,
					Current:   capacity.Current,
					Available: capacity.Available,
				}
			}
		}

		if snapshots != nil {
			snapshot, err := snapshots.LatestCapacitySnapshot(ctx)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			if snapshot != nil {
				response.Snapshot = &capacitySnapshotResponse{
					AllowedUsers: snapshot.AllowedUsers,
					CurrentUsers: snapshot.CurrentUsers,
					RecordedAt:   snapshot.CreatedAt.UTC().Format(time.RFC3339),
				}
			}
		}

		responses.WriteSuccess(w, response)
	}
}
