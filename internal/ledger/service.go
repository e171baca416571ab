package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kinoramahq/kinorama-backend/pkg/db/models"
	"github.com/kinoramahq/kinorama-backend/pkg/enums"
	"github.com/kinoramahq/kinorama-backend/pkg/pagination"
)

// Service records and reads the append-only audit trail.
type Service interface {
	Record(ctx context.Context, input RecordAuditInput) (*models.AuditEntry, error)
	ListByUser(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.AuditEntry, *pagination.Cursor, error)
	ListRecent(ctx context.Context, params pagination.Params) ([]models.AuditEntry, *pagination.Cursor, error)
	ListByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]models.AuditEntry, error)
}

type service struct {
	repo Repository
}

// RecordAuditInput captures the immutable data an audit entry requires.
// UserID is nil for system-wide events. Payload is marshaled to JSON;
// CorrelationID falls back to the context value, then to a fresh id.
type RecordAuditInput struct {
	UserID        *uuid.UUID
	EventType     enums.AuditEventType
	Payload       any
	CorrelationID uuid.UUID
}

// NewService wires an audit service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("audit repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) Record(ctx context.Context, input RecordAuditInput) (*models.AuditEntry, error) {
	if !input.EventType.IsValid() {
		return nil, fmt.Errorf("invalid audit event type %q", input.EventType)
	}
	if input.UserID != nil && *input.UserID == uuid.Nil {
		return nil, fmt.Errorf("user id must be nil or non-zero")
	}

	payload, err := marshalPayload(input.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode audit payload: %w", err)
	}

	correlationID := input.CorrelationID
	if correlationID == uuid.Nil {
		if ctxID, ok := CorrelationFrom(ctx); ok {
			correlationID = ctxID
		} else {
			correlationID = uuid.New()
		}
	}

	entry := &models.AuditEntry{
		UserID:        input.UserID,
		EventType:     input.EventType,
		Payload:       payload,
		CorrelationID: correlationID,
	}
	if err := s.repo.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *service) ListByUser(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.AuditEntry, *pagination.Cursor, error) {
	if userID == uuid.Nil {
		return nil, nil, fmt.Errorf("user id is required")
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, nil, err
	}
	return s.repo.ListByUserID(ctx, ListParams{UserID: userID, Limit: params.Limit, Cursor: cursor})
}

func (s *service) ListRecent(ctx context.Context, params pagination.Params) ([]models.AuditEntry, *pagination.Cursor, error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, nil, err
	}
	return s.repo.ListRecent(ctx, ListParams{Limit: params.Limit, Cursor: cursor})
}

func (s *service) ListByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]models.AuditEntry, error) {
	if correlationID == uuid.Nil {
		return nil, fmt.Errorf("correlation id is required")
	}
	return s.repo.ListByCorrelationID(ctx, correlationID)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch value := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return value, nil
	case []byte:
		return json.RawMessage(value), nil
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(encoded), nil
	}
}
