package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/kinoramahq/kinorama-backend/pkg/db/models"
	"github.com/kinoramahq/kinorama-backend/pkg/enums"
)

type stubPlanService struct {
	plans []models.Plan
	err   error
	calls int
}

func (s *stubPlanService) ListPlans(ctx context.Context) ([]models.Plan, error) {
	s.calls++
	return s.plans, s.err
}

func TestPlansListReturnsCatalog(t *testing.T) {
	service := &stubPlanService{
		plans: []models.Plan{
			{
				ID:           "basic-monthly",
				Name:         "Basic",
				Status:       enums.PlanStatusActive,
				IsDefault:    true,
				Interval:     enums.BillingIntervalMonth,
				PriceAmount:  decimal.NewFromInt(999).Shift(-2),
				CurrencyCode: "usd",
				Features:     []string{"hd-streams"},
			},
			{
				ID:           "pro-monthly",
				Name:         "Pro",
				Status:       enums.PlanStatusActive,
				Interval:     enums.BillingIntervalMonth,
				PriceAmount:  decimal.NewFromInt(1999).Shift(-2),
				CurrencyCode: "usd",
			},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/plans", nil)
	resp := httptest.NewRecorder()
	PlansList(service, nil)(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}

	var envelope struct {
		Data planListResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(envelope.Data.Plans) != 2 {
		t.Fatalf("expected 2 plans, got %d", len(envelope.Data.Plans))
	}
	first := envelope.Data.Plans[0]
	if first.PriceAmount != "9.99" || first.PriceAmountCents != 999 {
		t.Fatalf("unexpected price rendering %s / %d", first.PriceAmount, first.PriceAmountCents)
	}
	if !first.IsDefault {
		t.Fatal("expected default flag preserved")
	}
	if len(first.Features) != 1 || first.Features[0] != "hd-streams" {
		t.Fatalf("unexpected features %v", first.Features)
	}
}

func TestPlansListEmptyCatalog(t *testing.T) {
	service := &stubPlanService{}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/plans", nil)
	resp := httptest.NewRecorder()
	PlansList(service, nil)(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var envelope struct {
		Data planListResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Data.Plans == nil {
		t.Fatal("expected empty array, not null")
	}
	if len(envelope.Data.Plans) != 0 {
		t.Fatalf("expected no plans, got %d", len(envelope.Data.Plans))
	}
}

func TestPlansListNilService(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/plans", nil)
	resp := httptest.NewRecorder()
	PlansList(nil, nil)(resp, req)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
}
