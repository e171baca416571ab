package models

import (
	"time"

	"github.com/google/uuid"
)

// WebhookRecord marks a processor event id as handled. Row existence is the
// idempotency contract: an id present here must never be reprocessed.
type WebhookRecord struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	EventID     string    `gorm:"column:event_id;not null;uniqueIndex"`
	EventType   string    `gorm:"column:event_type;not null"`
	Result      string    `gorm:"column:result;not null"`
	ProcessedAt time.Time `gorm:"column:processed_at;autoCreateTime"`
}
