package models

import (
	"time"

	"github.com/google/uuid"
)

// CapacitySnapshot is a point-in-time read of TorBox-reported seat counts,
// appended once per reconciliation run.
type CapacitySnapshot struct {
	ID           uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	AllowedUsers int       `gorm:"column:allowed_users;not null"`
	CurrentUsers int       `gorm:"column:current_users;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}
