package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	pkgstripe "github.com/kinoramahq/kinorama-backend/pkg/stripe"
)

// CheckoutSessionParams carries what the processor needs to start a checkout.
type CheckoutSessionParams struct {
	UserID     uuid.UUID
	Email      string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the started checkout handed back to the client.
type CheckoutSession struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Mock bool   `json:"mock,omitempty"`
}

// PortalSession points the user at the processor's self-service billing page.
type PortalSession struct {
	URL  string `json:"url"`
	Mock bool   `json:"mock,omitempty"`
}

// PaymentProvider abstracts the payment processor. The implementation is
// chosen once at construction from configuration; there is no runtime
// fallback between the real processor and the mock.
type PaymentProvider interface {
	Name() string
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (*PortalSession, error)
}

// StripeProvider drives checkout and portal sessions through Stripe.
type StripeProvider struct {
	client *pkgstripe.Client
}

// NewStripeProvider wraps an initialized Stripe client.
func NewStripeProvider(client *pkgstripe.Client) (*StripeProvider, error) {
	if client == nil {
		return nil, errors.New("stripe client is required")
	}
	return &StripeProvider{client: client}, nil
}

func (p *StripeProvider) Name() string {
	return "stripe"
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error) {
	create := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(params.SuccessURL),
		CancelURL:         stripe.String(params.CancelURL),
		CustomerEmail:     stripe.String(params.Email),
		ClientReferenceID: stripe.String(params.UserID.String()),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(params.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: map[string]string{
				"user_id": params.UserID.String(),
			},
		},
	}

	session, err := p.client.API().V1CheckoutSessions.Create(ctx, create)
	if err != nil {
		return nil, err
	}
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*PortalSession, error) {
	session, err := p.client.API().V1BillingPortalSessions.Create(ctx, &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	})
	if err != nil {
		return nil, err
	}
	return &PortalSession{URL: session.URL}, nil
}

const (
	mockCheckoutBase = "https://billing.mock.local/checkout"
	mockPortalBase   = "https://billing.mock.local/portal"
)

// MockProvider synthesizes checkout and portal sessions for local development
// when no Stripe keys are configured. Session ids derive from their inputs so
// repeated calls return the same session.
type MockProvider struct{}

// NewMockProvider returns the deterministic local-development provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (p *MockProvider) Name() string {
	return "mock"
}

func (p *MockProvider) CreateCheckoutSession(_ context.Context, params CheckoutSessionParams) (*CheckoutSession, error) {
	if params.UserID == uuid.Nil {
		return nil, errors.New("user id is required")
	}
	id := "cs_mock_" + deterministicToken(params.UserID.String()+":"+params.PriceID)
	return &CheckoutSession{
		ID:   id,
		URL:  mockCheckoutBase + "/" + id,
		Mock: true,
	}, nil
}

func (p *MockProvider) CreatePortalSession(_ context.Context, customerID, _ string) (*PortalSession, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, errors.New("customer id is required")
	}
	return &PortalSession{
		URL:  mockPortalBase + "/" + deterministicToken(customerID),
		Mock: true,
	}, nil
}

func deterministicToken(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:8])
}
