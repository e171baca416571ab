package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kinoramahq/kinorama-backend/pkg/db/models"
	"github.com/kinoramahq/kinorama-backend/pkg/enums"
	"github.com/kinoramahq/kinorama-backend/pkg/pagination"
)

type fakeRepository struct {
	createFn func(ctx context.Context, entry *models.AuditEntry) error
}

func (f *fakeRepository) WithTx(tx *gorm.DB) Repository { return f }

func (f *fakeRepository) Create(ctx context.Context, entry *models.AuditEntry) error {
	if f.createFn != nil {
		return f.createFn(ctx, entry)
	}
	return nil
}

func (f *fakeRepository) ListByUserID(ctx context.Context, params ListParams) ([]models.AuditEntry, *pagination.Cursor, error) {
	return nil, nil, nil
}

func (f *fakeRepository) ListRecent(ctx context.Context, params ListParams) ([]models.AuditEntry, *pagination.Cursor, error) {
	return nil, nil, nil
}

func (f *fakeRepository) ListByCorrelationID(ctx context.Context, correlationID uuid.UUID) ([]models.AuditEntry, error) {
	return nil, nil
}

func TestService_Record(t *testing.T) {
	repo := &fakeRepository{}
	svc, err := NewService(repo)
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}

	userID := uuid.New()
	correlationID := uuid.New()
	var created *models.AuditEntry
	repo.createFn = func(ctx context.Context, entry *models.AuditEntry) error {
		created = entry
		return nil
	}

	got, err := svc.Record(context.Background(), RecordAuditInput{
		UserID:        &userID,
		EventType:     enums.AuditEventTokenAcquired,
		Payload:       map[string]string{"auth_id": "tb-1"},
		CorrelationID: correlationID,
	})
	if err != nil {
		t.Fatalf("Record error: %v", err)
	}
	if created == nil {
		t.Fatal("expected audit entry to be created")
	}
	if created.UserID == nil || *created.UserID != userID {
		t.Fatalf("unexpected user id %v", created.UserID)
	}
	if created.EventType != enums.AuditEventTokenAcquired {
		t.Fatalf("unexpected event type %s", created.EventType)
	}
	if created.CorrelationID != correlationID {
		t.Fatalf("correlation id not preserved: %s", created.CorrelationID)
	}
	var payload map[string]string
	if err := json.Unmarshal(created.Payload, &payload); err != nil {
		t.Fatalf("payload not valid json: %v", err)
	}
	if payload["auth_id"] != "tb-1" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if got != created {
		t.Fatalf("service should return created entry")
	}
}

func TestService_RecordTakesCorrelationFromContext(t *testing.T) {
	repo := &fakeRepository{}
	svc, err := NewService(repo)
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}

	var created *models.AuditEntry
	repo.createFn = func(ctx context.Context, entry *models.AuditEntry) error {
		created = entry
		return nil
	}

	ctxID := uuid.New()
	ctx := WithCorrelation(context.Background(), ctxID)
	if _, err := svc.Record(ctx, RecordAuditInput{
		EventType: enums.AuditEventReconciliationRun,
		Payload:   map[string]int{"checked": 3},
	}); err != nil {
		t.Fatalf("Record error: %v", err)
	}
	if created.CorrelationID != ctxID {
		t.Fatalf("expected context correlation id, got %s", created.CorrelationID)
	}
	if created.UserID != nil {
		t.Fatalf("system event should have nil user id")
	}
}

func TestService_RecordGeneratesCorrelation(t *testing.T) {
	repo := &fakeRepository{}
	svc, err := NewService(repo)
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}

	var created *models.AuditEntry
	repo.createFn = func(ctx context.Context, entry *models.AuditEntry) error {
		created = entry
		return nil
	}
	if _, err := svc.Record(context.Background(), RecordAuditInput{
		EventType: enums.AuditEventReconciliationRun,
	}); err != nil {
		t.Fatalf("Record error: %v", err)
	}
	if created.CorrelationID == uuid.Nil {
		t.Fatal("expected generated correlation id")
	}
}

func TestService_RecordValidation(t *testing.T) {
	svc, err := NewService(&fakeRepository{})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}

	if _, err := svc.Record(context.Background(), RecordAuditInput{
		EventType: enums.AuditEventType("not_real"),
	}); err == nil {
		t.Fatal("expected invalid event type error")
	}

	nilUser := uuid.Nil
	if _, err := svc.Record(context.Background(), RecordAuditInput{
		UserID:    &nilUser,
		EventType: enums.AuditEventTokenAcquired,
	}); err == nil {
		t.Fatal("expected zero user id error")
	}
}

func TestService_RecordRepoError(t *testing.T) {
	repo := &fakeRepository{}
	svc, err := NewService(repo)
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}

	expectedErr := errors.New("boom")
	repo.createFn = func(ctx context.Context, entry *models.AuditEntry) error {
		return expectedErr
	}
	if _, err := svc.Record(context.Background(), RecordAuditInput{
		EventType: enums.AuditEventProvisionFailed,
	}); !errors.Is(err, expectedErr) {
		t.Fatalf("expected repo error to bubble up, got %v", err)
	}
}

func TestEnsureCorrelation(t *testing.T) {
	ctx, id := EnsureCorrelation(context.Background())
	if id == uuid.Nil {
		t.Fatal("expected generated id")
	}
	got, ok := CorrelationFrom(ctx)
	if !ok || got != id {
		t.Fatalf("context should carry the generated id, got %v ok=%v", got, ok)
	}

	ctx2, id2 := EnsureCorrelation(ctx)
	if id2 != id {
		t.Fatalf("existing id should be preserved, got %s want %s", id2, id)
	}
	if ctx2 != ctx {
		t.Fatal("context should be unchanged when id already present")
	}
}
