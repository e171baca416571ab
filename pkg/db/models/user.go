package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the minimal account record this service reads. Account CRUD lives
// in the sync service; billing only needs an id and a contact email.
type User struct {
	ID        uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Email     string    `gorm:"column:email;not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
