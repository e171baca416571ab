package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kinoramahq/kinorama-backend/pkg/db/models"
	"github.com/kinoramahq/kinorama-backend/pkg/enums"
	"github.com/kinoramahq/kinorama-backend/pkg/pagination"
)

// ErrStaleStatus reports a compare-and-set status update that matched no row:
// the subscription moved to another status between read and write.
var ErrStaleStatus = errors.New("subscription status changed concurrently")

// Repository is the persistence surface for subscriptions and plans. Lookups
// return (nil, nil) when no row matches, so callers branch on presence rather
// than unwrapping a not-found error.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateSubscription(ctx context.Context, subscription *models.Subscription) error
	UpdateSubscription(ctx context.Context, subscription *models.Subscription) error
	UpdateSubscriptionStatus(ctx context.Context, id uuid.UUID, from, to enums.SubscriptionStatus) error
	FindSubscriptionByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	FindSubscriptionByUserID(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	FindSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
	FindSubscriptionByStripeCustomerID(ctx context.Context, stripeCustomerID string) (*models.Subscription, error)
	ListSubscriptionsByStatus(ctx context.Context, statuses ...enums.SubscriptionStatus) ([]models.Subscription, error)
	ListSubscriptions(ctx context.Context, params ListSubscriptionsQuery) ([]models.Subscription, *pagination.Cursor, error)
	CreatePlan(ctx context.Context, plan *models.Plan) error
	UpdatePlan(ctx context.Context, plan *models.Plan) error
	ListPlans(ctx context.Context, params ListPlansQuery) ([]models.Plan, error)
	FindPlanByID(ctx context.Context, id string) (*models.Plan, error)
	FindPlanByStripePriceID(ctx context.Context, stripePriceID string) (*models.Plan, error)
	FindDefaultPlan(ctx context.Context) (*models.Plan, error)
}

type repository struct {
	db *gorm.DB
}

// ListSubscriptionsQuery configures cursor-paged subscription listings.
type ListSubscriptionsQuery struct {
	Status *enums.SubscriptionStatus
	Limit  int
	Cursor *pagination.Cursor
}

// ListPlansQuery configures plan list queries.
type ListPlansQuery struct {
	Status    *enums.PlanStatus
	IsDefault *bool
}

// NewRepository builds the gorm-backed Repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// WithTx rebinds the repository to an open transaction so a service can group
// writes with its other repositories. A nil tx keeps the base handle.
func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateSubscription(ctx context.Context, subscription *models.Subscription) error {
	return r.db.WithContext(ctx).Create(subscription).Error
}

func (r *repository) UpdateSubscription(ctx context.Context, subscription *models.Subscription) error {
	return r.db.WithContext(ctx).Save(subscription).Error
}

// UpdateSubscriptionStatus flips status only when the row still holds the
// expected value. Zero rows affected means a concurrent writer won and the
// caller must re-read before retrying.
func (r *repository) UpdateSubscriptionStatus(ctx context.Context, id uuid.UUID, from, to enums.SubscriptionStatus) error {
	res := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (r *repository) FindSubscriptionByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return r.oneSubscription(ctx, "id = ?", id)
}

func (r *repository) FindSubscriptionByUserID(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	return r.oneSubscription(ctx, "user_id = ?", userID)
}

func (r *repository) FindSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	if stripeSubscriptionID == "" {
		return nil, nil
	}
	return r.oneSubscription(ctx, "stripe_subscription_id = ?", stripeSubscriptionID)
}

func (r *repository) FindSubscriptionByStripeCustomerID(ctx context.Context, stripeCustomerID string) (*models.Subscription, error) {
	if stripeCustomerID == "" {
		return nil, nil
	}
	return r.oneSubscription(ctx, "stripe_customer_id = ?", stripeCustomerID)
}

// ListSubscriptionsByStatus returns every row in the given statuses, oldest
// first so sweep workers drain the backlog in arrival order.
func (r *repository) ListSubscriptionsByStatus(ctx context.Context, statuses ...enums.SubscriptionStatus) ([]models.Subscription, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("status IN (?)", statuses).
		Order("created_at ASC").
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// ListSubscriptions pages newest-first on (created_at, id). It fetches one row
// past the limit; a full overflow row becomes the next cursor.
func (r *repository) ListSubscriptions(ctx context.Context, params ListSubscriptionsQuery) ([]models.Subscription, *pagination.Cursor, error) {
	limit := pagination.NormalizeLimit(params.Limit)
	query := r.db.WithContext(ctx).Model(&models.Subscription{})
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Cursor != nil {
		query = query.Where("(created_at, id) < (?, ?)", params.Cursor.CreatedAt, params.Cursor.ID)
	}

	var subs []models.Subscription
	if err := query.Order("created_at DESC, id DESC").Limit(pagination.LimitWithBuffer(limit)).Find(&subs).Error; err != nil {
		return nil, nil, err
	}

	if len(subs) <= limit {
		return subs, nil, nil
	}
	next := subs[limit]
	return subs[:limit], &pagination.Cursor{CreatedAt: next.CreatedAt, ID: next.ID}, nil
}

func (r *repository) CreatePlan(ctx context.Context, plan *models.Plan) error {
	return r.db.WithContext(ctx).Create(plan).Error
}

func (r *repository) UpdatePlan(ctx context.Context, plan *models.Plan) error {
	return r.db.WithContext(ctx).Save(plan).Error
}

// ListPlans orders the catalog the way the pricing page shows it: the default
// plan first, then cheapest to priciest.
func (r *repository) ListPlans(ctx context.Context, params ListPlansQuery) ([]models.Plan, error) {
	query := r.db.WithContext(ctx).Model(&models.Plan{})
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.IsDefault != nil {
		query = query.Where("is_default = ?", *params.IsDefault)
	}

	var plans []models.Plan
	if err := query.Order("is_default DESC, price_amount ASC, name ASC").Find(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *repository) FindPlanByID(ctx context.Context, id string) (*models.Plan, error) {
	if id == "" {
		return nil, nil
	}
	return r.onePlan(ctx, "id = ?", id)
}

func (r *repository) FindPlanByStripePriceID(ctx context.Context, stripePriceID string) (*models.Plan, error) {
	if stripePriceID == "" {
		return nil, nil
	}
	return r.onePlan(ctx, "stripe_price_id = ?", stripePriceID)
}

// FindDefaultPlan picks the most recently promoted default. Seed data keeps a
// single default, but a mid-rollout overlap should resolve to the newer plan.
func (r *repository) FindDefaultPlan(ctx context.Context) (*models.Plan, error) {
	var plan models.Plan
	err := r.db.WithContext(ctx).
		Where("is_default = ?", true).
		Order("updated_at DESC").
		First(&plan).Error
	if err != nil {
		return nil, squashNotFound(err)
	}
	return &plan, nil
}

func (r *repository) oneSubscription(ctx context.Context, cond string, arg any) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where(cond, arg).First(&sub).Error; err != nil {
		return nil, squashNotFound(err)
	}
	return &sub, nil
}

func (r *repository) onePlan(ctx context.Context, cond string, arg any) (*models.Plan, error) {
	var plan models.Plan
	if err := r.db.WithContext(ctx).Where(cond, arg).First(&plan).Error; err != nil {
		return nil, squashNotFound(err)
	}
	return &plan, nil
}

// squashNotFound maps gorm's not-found sentinel to nil so lookups can report
// absence as (nil, nil).
func squashNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}
