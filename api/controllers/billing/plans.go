package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/kinoramahq/kinorama-backend/api/responses"
	"github.com/kinoramahq/kinorama-backend/pkg/db/models"
	pkgerrors "github.com/kinoramahq/kinorama-backend/pkg/errors"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
)

// PlanService lists the plans offered at checkout.
type PlanService interface {
	ListPlans(ctx context.Context) ([]models.Plan, error)
}

type planResponse struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	IsDefault        bool     `json:"is_default"`
	Interval         string   `json:"interval"`
	PriceAmount      string   `json:"price_amount"`
	PriceAmountCents int64    `json:"price_amount_cents"`
	CurrencyCode     string   `json:"currency_code"`
	Features         []string `json:"features"`
	CreatedAt        string   `json:"created_at"`
}

type planListResponse struct {
	Plans []planResponse `json:"plans"`
}

// PlansList serves the public plan catalog. Retired plans never leave the
// service layer, so no status filter is exposed here.
func PlansList(svc PlanService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		plans, err := svc.ListPlans(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, planListResponse{Plans: plansToResponse(plans)})
	}
}

func plansToResponse(plans []models.Plan) []planResponse {
	result := make([]planResponse, 0, len(plans))
	for _, plan := range plans {
		result = append(result, planToResponse(&plan))
	}
	return result
}

func planToResponse(plan *models.Plan) planResponse {
	features := make([]string, len(plan.Features))
	copy(features, plan.Features)

	return planResponse{
		ID:               plan.ID,
		Name:             plan.Name,
		IsDefault:        plan.IsDefault,
		Interval:         string(plan.Interval),
		PriceAmount:      plan.PriceAmount.StringFixed(2),
		PriceAmountCents: plan.PriceAmount.Shift(2).IntPart(),
		CurrencyCode:     plan.CurrencyCode,
		Features:         features,
		CreatedAt:        plan.CreatedAt.UTC().Format(time.RFC3339),
	}
}
