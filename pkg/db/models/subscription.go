package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/kinoramahq/kinorama-backend/pkg/enums"
)

// Subscription is the local paid-tier record, at most one per user. Status is
// only written through the billing transition path.
type Subscription struct {
	ID                   uuid.UUID                `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID               uuid.UUID                `gorm:"column:user_id;type:uuid;not null;uniqueIndex"`
	Status               enums.SubscriptionStatus `gorm:"column:status;type:subscription_status;not null;default:'NOT_SUBSCRIBED'"`
	PlanID               *string                  `gorm:"column:plan_id"`
	StripeCustomerID     *string                  `gorm:"column:stripe_customer_id"`
	StripeSubscriptionID *string                  `gorm:"column:stripe_subscription_id;uniqueIndex"`
	CurrentPeriodStart   *time.Time               `gorm:"column:current_period_start"`
	CurrentPeriodEnd     *time.Time               `gorm:"column:current_period_end"`
	CancelAtPeriodEnd    bool                     `gorm:"column:cancel_at_period_end;not null;default:false"`
	CreatedAt            time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}
