package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kinoramahq/kinorama-backend/pkg/enums"
)

// AuditEntry is an append-only trail record. UserID is null for system-wide
// events (reconciliation runs). CorrelationID threads one workflow across
// async steps. Rows are never updated or deleted.
type AuditEntry struct {
	ID            uuid.UUID            `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID        *uuid.UUID           `gorm:"column:user_id;type:uuid;index"`
	EventType     enums.AuditEventType `gorm:"column:event_type;type:audit_event_type;not null"`
	Payload       json.RawMessage      `gorm:"column:payload;type:jsonb"`
	CorrelationID uuid.UUID            `gorm:"column:correlation_id;type:uuid;not null;index"`
	CreatedAt     time.Time            `gorm:"column:created_at;autoCreateTime"`
}
