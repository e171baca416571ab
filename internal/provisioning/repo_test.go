package provisioning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kinoramahq/kinorama-backend/pkg/db/models"
	"github.com/kinoramahq/kinorama-backend/pkg/enums"
)

func setupProvisioningTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	vendorLinks := `
CREATE TABLE IF NOT EXISTS vendor_links (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  subscription_id TEXT NOT NULL,
  torbox_auth_id TEXT,
  email TEXT NOT NULL,
  encrypted_token TEXT,
  status TEXT NOT NULL DEFAULT 'PENDING_PROVISION',
  attempts INTEGER NOT NULL DEFAULT 0,
  last_attempt_at DATETIME,
  revoked_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`
	capacitySnapshots := `
CREATE TABLE IF NOT EXISTS capacity_snapshots (
  id TEXT PRIMARY KEY,
  allowed_users INTEGER NOT NULL,
  current_users INTEGER NOT NULL,
  created_at DATETIME
);`
	users := `
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL UNIQUE,
  created_at DATETIME,
  updated_at DATETIME
);`
	require.NoError(t, db.Exec(vendorLinks).Error)
	require.NoError(t, db.Exec(capacitySnapshots).Error)
	require.NoError(t, db.Exec(users).Error)
	return db
}

func createLink(t *testing.T, db *gorm.DB, userID uuid.UUID, status enums.VendorLinkStatus, authID string, created time.Time) *models.VendorLink {
	t.Helper()

	link := &models.VendorLink{
		ID:             uuid.New(),
		UserID:         userID,
		SubscriptionID: uuid.New(),
		Email:          "viewer-" + uuid.NewString() + "@example.com",
		Status:         status,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	if authID != "" {
		link.TorboxAuthID = &authID
	}
	require.NoError(t, db.Create(link).Error)
	return link
}

func TestRepositoryLatestCapacitySnapshot(t *testing.T) {
	db := setupProvisioningTestDB(t)
	repo := NewRepository(db)

	none, err := repo.LatestCapacitySnapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, none)

	now := time.Now().UTC()
	older := &models.CapacitySnapshot{ID: uuid.New(), AllowedUsers: 10, CurrentUsers: 4, CreatedAt: now.Add(-time.Hour)}
	newer := &models.CapacitySnapshot{ID: uuid.New(), AllowedUsers: 10, CurrentUsers: 5, CreatedAt: now}
	require.NoError(t, repo.CreateCapacitySnapshot(context.Background(), older))
	require.NoError(t, repo.CreateCapacitySnapshot(context.Background(), newer))

	latest, err := repo.LatestCapacitySnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, newer.ID, latest.ID)
	assert.Equal(t, 5, latest.CurrentUsers)
}

func TestRepositoryFindLinkByUserIDSkipsRevoked(t *testing.T) {
	db := setupProvisioningTestDB(t)
	repo := NewRepository(db)

	now := time.Now().UTC()
	userID := uuid.New()
	createLink(t, db, userID, enums.VendorLinkStatusRevoked, "tb-old-"+uuid.NewString(), now.Add(-time.Hour))
	current := createLink(t, db, userID, enums.VendorLinkStatusActive, "tb-"+uuid.NewString(), now)

	found, err := repo.FindLinkByUserID(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, current.ID, found.ID)

	onlyRevoked := uuid.New()
	createLink(t, db, onlyRevoked, enums.VendorLinkStatusRevoked, "tb-gone-"+uuid.NewString(), now)

	found, err = repo.FindLinkByUserID(context.Background(), onlyRevoked)
	require.NoError(t, err)
	assert.Nil(t, found)

	found, err = repo.FindLinkByUserID(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestRepositoryListProvisionedLinks(t *testing.T) {
	db := setupProvisioningTestDB(t)
	repo := NewRepository(db)

	now := time.Now().UTC()
	withAuth := createLink(t, db, uuid.New(), enums.VendorLinkStatusPendingEmailConfirm, "tb-listed-"+uuid.NewString(), now)
	authless := createLink(t, db, uuid.New(), enums.VendorLinkStatusPendingProvision, "", now)
	revoked := createLink(t, db, uuid.New(), enums.VendorLinkStatusRevoked, "tb-revoked-"+uuid.NewString(), now)

	links, err := repo.ListProvisionedLinks(context.Background())
	require.NoError(t, err)

	ids := make(map[uuid.UUID]bool, len(links))
	for _, link := range links {
		require.NotNil(t, link.TorboxAuthID)
		assert.NotEqual(t, enums.VendorLinkStatusRevoked, link.Status)
		ids[link.ID] = true
	}
	assert.True(t, ids[withAuth.ID], "link with auth id should be listed")
	assert.False(t, ids[authless.ID], "link without auth id has nothing to reconcile")
	assert.False(t, ids[revoked.ID], "revoked links are history")
}

func TestRepositoryGetUserEmail(t *testing.T) {
	db := setupProvisioningTestDB(t)
	repo := NewRepository(db)

	user := &models.User{ID: uuid.New(), Email: "viewer-" + uuid.NewString() + "@example.com"}
	require.NoError(t, db.Create(user).Error)

	email, err := repo.GetUserEmail(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.Email, email)

	_, err = repo.GetUserEmail(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestRepositoryLinkRoundTrip(t *testing.T) {
	db := setupProvisioningTestDB(t)
	repo := NewRepository(db)

	userID := uuid.New()
	link := createLink(t, db, userID, enums.VendorLinkStatusPendingEmailConfirm, "tb-round-"+uuid.NewString(), time.Now().UTC())

	token := "enc:round-trip"
	now := time.Now().UTC()
	link.Status = enums.VendorLinkStatusActive
	link.EncryptedToken = &token
	link.LastAttemptAt = &now
	link.Attempts = 2
	require.NoError(t, repo.UpdateLink(context.Background(), link))

	stored, err := repo.FindLinkByUserID(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, enums.VendorLinkStatusActive, stored.Status)
	require.NotNil(t, stored.EncryptedToken)
	assert.Equal(t, token, *stored.EncryptedToken)
	assert.Equal(t, 2, stored.Attempts)
}
