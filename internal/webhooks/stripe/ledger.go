package stripewebhook

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kinoramahq/kinorama-backend/pkg/db/models"
	pkgerrors "github.com/kinoramahq/kinorama-backend/pkg/errors"
)

// Ledger is the durable idempotency gate for processor events. A WebhookRecord
// row for an event id means that id has been fully handled; callers check
// before processing and mark after.
type Ledger interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType, result string) error
}

type gormLedger struct {
	db *gorm.DB
}

// NewLedger wires a gorm-backed webhook ledger.
func NewLedger(db *gorm.DB) Ledger {
	return &gormLedger{db: db}
}

func (l *gormLedger) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	if strings.TrimSpace(eventID) == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "event id is required")
	}

	var count int64
	err := l.db.WithContext(ctx).
		Model(&models.WebhookRecord{}).
		Where("event_id = ?", eventID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkProcessed records the event id. A concurrent delivery that marked the
// same id first wins silently; the unique index keeps the row single.
func (l *gormLedger) MarkProcessed(ctx context.Context, eventID, eventType, result string) error {
	if strings.TrimSpace(eventID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "event id is required")
	}

	record := &models.WebhookRecord{
		ID:        uuid.New(),
		EventID:   eventID,
		EventType: eventType,
		Result:    result,
	}
	return l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(record).Error
}
