package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kinoramahq/kinorama-backend/api/responses"
	"github.com/kinoramahq/kinorama-backend/api/validators"
	"github.com/kinoramahq/kinorama-backend/pkg/db/models"
	pkgerrors "github.com/kinoramahq/kinorama-backend/pkg/errors"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
	"github.com/kinoramahq/kinorama-backend/pkg/pagination"
)

// AuditService reads the append-only audit trail.
type AuditService interface {
	ListByUser(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.AuditEntry, *pagination.Cursor, error)
	ListRecent(ctx context.Context, params pagination.Params) ([]models.AuditEntry, *pagination.Cursor, error)
}

type auditEntryResponse struct {
	ID            string          `json:"id"`
	UserID        *string         `json:"user_id,omitempty"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	CreatedAt     string          `json:"created_at"`
}

type auditListResponse struct {
	Entries    []auditEntryResponse `json:"entries"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// AuditList pages the audit trail, newest first, optionally scoped to one
// user.
func AuditList(svc AuditService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "audit service unavailable"))
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		params := pagination.Params{
			Limit:  limit,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		}

		var (
			entries []models.AuditEntry
			next    *pagination.Cursor
		)
		if raw := strings.TrimSpace(r.URL.Query().Get("user_id")); raw != "" {
			userID, parseErr := uuid.Parse(raw)
			if parseErr != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, parseErr, "invalid user_id"))
				return
			}
			entries, next, err = svc.ListByUser(ctx, userID, params)
		} else {
			entries, next, err = svc.ListRecent(ctx, params)
		}
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		response := auditListResponse{Entries: entriesToResponse(entries)}
		if next != nil {
			response.NextCursor = pagination.EncodeCursor(*next)
		}
		responses.WriteSuccess(w, response)
	}
}

func entriesToResponse(entries []models.AuditEntry) []auditEntryResponse {
	result := make([]auditEntryResponse, 0, len(entries))
	for _, entry := range entries {
		result = append(result, entryToResponse(&entry))
	}
	return result
}

func entryToResponse(entry *models.AuditEntry) auditEntryResponse {
	var userID *string
	if entry.UserID != nil {
		formatted := entry.UserID.String()
		userID = &formatted
	}
	return auditEntryResponse{
		ID:            entry.ID.String(),
		UserID:        userID,
		EventType:     string(entry.EventType),
		Payload:       entry.Payload,
		CorrelationID: entry.CorrelationID.String(),
		CreatedAt:     entry.CreatedAt.UTC().Format(time.RFC3339),
	}
}
