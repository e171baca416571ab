package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/kinoramahq/kinorama-backend/pkg/enums"
)

// VendorLink ties a local user to a TorBox account. Links are never deleted;
// revocation sets status REVOKED and clears the stored token. A partial unique
// index keeps at most one non-revoked link per user.
type VendorLink struct {
	ID             uuid.UUID              `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID         uuid.UUID              `gorm:"column:user_id;type:uuid;not null;index"`
	SubscriptionID uuid.UUID              `gorm:"column:subscription_id;type:uuid;not null"`
	TorboxAuthID   *string                `gorm:"column:torbox_auth_id;index"`
	Email          string                 `gorm:"column:email;not null"`
	EncryptedToken *string                `gorm:"column:encrypted_token"`
	Status         enums.VendorLinkStatus `gorm:"column:status;type:vendor_link_status;not null;default:'PENDING_PROVISION'"`
	Attempts       int                    `gorm:"column:attempts;not null;default:0"`
	LastAttemptAt  *time.Time             `gorm:"column:last_attempt_at"`
	RevokedAt      *time.Time             `gorm:"column:revoked_at"`
	CreatedAt      time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}
