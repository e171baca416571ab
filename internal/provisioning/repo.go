package provisioning

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kinoramahq/kinorama-backend/pkg/db/models"
	"github.com/kinoramahq/kinorama-backend/pkg/enums"
)

// Repository persists vendor links, capacity snapshots, and the user email
// lookup the provisioner needs.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	CreateLink(ctx context.Context, link *models.VendorLink) error
	UpdateLink(ctx context.Context, link *models.VendorLink) error
	FindLinkByUserID(ctx context.Context, userID uuid.UUID) (*models.VendorLink, error)
	ListProvisionedLinks(ctx context.Context) ([]models.VendorLink, error)

	CreateCapacitySnapshot(ctx context.Context, snapshot *models.CapacitySnapshot) error
	LatestCapacitySnapshot(ctx context.Context) (*models.CapacitySnapshot, error)

	GetUserEmail(ctx context.Context, userID uuid.UUID) (string, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository wires a gorm-backed provisioning repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	return &repository{db: tx}
}

func (r *repository) CreateLink(ctx context.Context, link *models.VendorLink) error {
	return r.db.WithContext(ctx).Create(link).Error
}

func (r *repository) UpdateLink(ctx context.Context, link *models.VendorLink) error {
	return r.db.WithContext(ctx).Save(link).Error
}

// FindLinkByUserID returns the user's current non-revoked link, or (nil, nil)
// when none exists. Revoked links are history, not state.
func (r *repository) FindLinkByUserID(ctx context.Context, userID uuid.UUID) (*models.VendorLink, error) {
	if userID == uuid.Nil {
		return nil, nil
	}

	var link models.VendorLink
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status <> ?", userID, enums.VendorLinkStatusRevoked).
		Order("created_at DESC").
		First(&link).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &link, nil
}

// ListProvisionedLinks returns every non-revoked link that carries a vendor
// auth id. Links still waiting on registration have nothing vendor-side to
// compare against and are excluded.
func (r *repository) ListProvisionedLinks(ctx context.Context) ([]models.VendorLink, error) {
	var links []models.VendorLink
	err := r.db.WithContext(ctx).
		Where("status <> ? AND torbox_auth_id IS NOT NULL", enums.VendorLinkStatusRevoked).
		Order("created_at ASC").
		Find(&links).Error
	if err != nil {
		return nil, err
	}
	return links, nil
}

func (r *repository) CreateCapacitySnapshot(ctx context.Context, snapshot *models.CapacitySnapshot) error {
	return r.db.WithContext(ctx).Create(snapshot).Error
}

func (r *repository) LatestCapacitySnapshot(ctx context.Context) (*models.CapacitySnapshot, error) {
	var snapshot models.CapacitySnapshot
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &snapshot, nil
}

// GetUserEmail reads the contact email for a user id. Missing users surface
// gorm.ErrRecordNotFound so callers can distinguish absence from transport
// failure.
func (r *repository) GetUserEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	var user models.User
	err := r.db.WithContext(ctx).
		Select("email").
		Where("id = ?", userID).
		First(&user).Error
	if err != nil {
		return "", err
	}
	return user.Email, nil
}
