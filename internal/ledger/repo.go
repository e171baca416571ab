package ledger

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kinoramahq/kinorama-backend/pkg/db/models"
	"github.com/kinoramahq/kinorama-backend/pkg/pagination"
)

// Repository manages persistence for audit entries. Entries are append
// only; there are no update or delete operations.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, entry *models.AuditEntry) error
	ListByUserID(ctx context.Context, params ListParams) ([]models.AuditEntry, *pagination.Cursor, error)
	ListRecent(ctx context.Context, params ListParams) ([]models.AuditEntry, *pagination.Cursor, error)
	ListByCorrelationID(ctx context.Context, correlationID uuid.UUID) ([]models.AuditEntry, error)
}

// ListParams bounds an audit listing query.
type ListParams struct {
	UserID uuid.UUID
	Limit  int
	Cursor *pagination.Cursor
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds the gorm-backed audit Repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, entry *models.AuditEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repository) ListByUserID(ctx context.Context, params ListParams) ([]models.AuditEntry, *pagination.Cursor, error) {
	query := r.db.WithContext(ctx).Model(&models.AuditEntry{}).Where("user_id = ?", params.UserID)
	return r.page(query, params)
}

func (r *repository) ListRecent(ctx context.Context, params ListParams) ([]models.AuditEntry, *pagination.Cursor, error) {
	query := r.db.WithContext(ctx).Model(&models.AuditEntry{})
	return r.page(query, params)
}

func (r *repository) ListByCorrelationID(ctx context.Context, correlationID uuid.UUID) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	if err := r.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("created_at ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repository) page(query *gorm.DB, params ListParams) ([]models.AuditEntry, *pagination.Cursor, error) {
	limit := pagination.LimitWithBuffer(params.Limit)
	normalized := pagination.NormalizeLimit(params.Limit)
	if params.Cursor != nil {
		query = query.Where("(created_at, id) < (?, ?)", params.Cursor.CreatedAt, params.Cursor.ID)
	}

	var entries []models.AuditEntry
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, nil, err
	}

	if len(entries) > normalized {
		next := entries[normalized]
		entries = entries[:normalized]
		return entries, &pagination.Cursor{CreatedAt: next.CreatedAt, ID: next.ID}, nil
	}
	return entries, nil, nil
}
