package billing

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestMockProviderCheckoutIsDeterministic(t *testing.T) {
	provider := NewMockProvider()
	params := CheckoutSessionParams{
		UserID:  uuid.New(),
		Email:   "user@example.com",
		PriceID: "price_premium_month",
	}

	first, err := provider.CreateCheckoutSession(context.Background(), params)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	second, err := provider.CreateCheckoutSession(context.Background(), params)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("same inputs must yield the same session: %s vs %s", first.ID, second.ID)
	}
	if !first.Mock {
		t.Fatalf("mock sessions must be flagged")
	}
	if !strings.HasPrefix(first.ID, "cs_mock_") {
		t.Fatalf("unexpected session id %s", first.ID)
	}
	if !strings.Contains(first.URL, first.ID) {
		t.Fatalf("url should embed the session id: %s", first.URL)
	}

	params.UserID = uuid.New()
	other, err := provider.CreateCheckoutSession(context.Background(), params)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("different users must yield different sessions")
	}
}

func TestMockProviderPortalRequiresCustomer(t *testing.T) {
	provider := NewMockProvider()

	if _, err := provider.CreatePortalSession(context.Background(), "", ""); err == nil {
		t.Fatalf("expected error for missing customer")
	}

	first, err := provider.CreatePortalSession(context.Background(), "cus_42", "")
	if err != nil {
		t.Fatalf("portal failed: %v", err)
	}
	second, err := provider.CreatePortalSession(context.Background(), "cus_42", "")
	if err != nil {
		t.Fatalf("portal failed: %v", err)
	}
	if first.URL != second.URL {
		t.Fatalf("portal url must be stable for a customer")
	}
	if !first.Mock {
		t.Fatalf("mock sessions must be flagged")
	}
}
