package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kinoramahq/kinorama-backend/internal/ledger"
	"github.com/kinoramahq/kinorama-backend/internal/statemachine"
	"github.com/kinoramahq/kinorama-backend/pkg/db/models"
	"github.com/kinoramahq/kinorama-backend/pkg/enums"
	pkgerrors "github.com/kinoramahq/kinorama-backend/pkg/errors"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
	"github.com/kinoramahq/kinorama-backend/pkg/torbox"
)

// maxProvisionAttempts is the ceiling after which provisioning stops retrying
// silently and demands operator attention.
const maxProvisionAttempts = 5

// vendorClient is the TorBox surface the provisioner drives.
type vendorClient interface {
	GetAccount(ctx context.Context) (*torbox.Account, error)
	GetCapacity(ctx context.Context) (*torbox.Capacity, error)
	ListUsers(ctx context.Context) ([]torbox.User, error)
	GetUser(ctx context.Context, authID string) (*torbox.User, error)
	RegisterUser(ctx context.Context, email string) (*torbox.User, error)
	RemoveUser(ctx context.Context, authID string) error
}

// subscriptionService is the slice of billing the provisioner needs: reads
// plus the sanctioned status mutator.
type subscriptionService interface {
	GetSubscriptionByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	Transition(ctx context.Context, subscriptionID uuid.UUID, event enums.SubscriptionEvent, meta map[string]any) (*models.Subscription, error)
}

type auditRecorder interface {
	Record(ctx context.Context, input ledger.RecordAuditInput) (*models.AuditEntry, error)
}

type tokenCipher interface {
	Encrypt(plaintext string) (string, error)
}

// Service reconciles local subscription state with TorBox vendor accounts.
// Every operation is safe to re-run; the sweep worker calls them on a timer.
type Service interface {
	ProvisionUser(ctx context.Context, userID uuid.UUID, email string, subscriptionID uuid.UUID) error
	PollEmailConfirmation(ctx context.Context, userID uuid.UUID) (bool, error)
	RevokeUser(ctx context.Context, userID uuid.UUID) error
	Reconcile(ctx context.Context) (*ReconcileReport, error)
}

// ServiceParams groups dependencies for the provisioning service.
type ServiceParams struct {
	Repo    Repository
	Billing subscriptionService
	Vendor  vendorClient
	Ledger  auditRecorder
	Cipher  tokenCipher
	Logger  *logger.Logger
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Checked int      `json:"checked"`
	Drift   []string `json:"drift"`
}

type service struct {
	repo    Repository
	billing subscriptionService
	vendor  vendorClient
	ledger  auditRecorder
	cipher  tokenCipher
	logg    *logger.Logger
	now     func() time.Time
}

// NewService wires the provisioning orchestrator.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("provisioning repository required")
	}
	if params.Billing == nil {
		return nil, fmt.Errorf("billing service required")
	}
	if params.Vendor == nil {
		return nil, fmt.Errorf("torbox client required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("audit recorder required")
	}
	if params.Cipher == nil {
		return nil, fmt.Errorf("token cipher required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:    params.Repo,
		billing: params.Billing,
		vendor:  params.Vendor,
		ledger:  params.Ledger,
		cipher:  params.Cipher,
		logg:    params.Logger,
		now:     time.Now,
	}, nil
}

// ProvisionUser registers a TorBox account for a paid user. Capacity
// exhaustion is a soft failure: the subscription stays where it is and the
// next sweep retries. Vendor failures count against the attempt ceiling.
func (s *service) ProvisionUser(ctx context.Context, userID uuid.UUID, email string, subscriptionID uuid.UUID) error {
	if userID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if subscriptionID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}

	ctx, _ = ledger.EnsureCorrelation(ctx)
	ctx = s.logg.WithUserID(ctx, userID.String())

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		resolved, err := s.repo.GetUserEmail(ctx, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "resolve user email")
		}
		email = strings.ToLower(strings.TrimSpace(resolved))
	}

	link, err := s.repo.FindLinkByUserID(ctx, userID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load vendor link")
	}

	capacity, err := s.vendor.GetCapacity(ctx)
	if err != nil {
		return s.failProvision(ctx, userID, subscriptionID, email, link, err)
	}
	if capacity.Available <= 0 {
		s.audit(ctx, &userID, enums.AuditEventCapacityExhausted, map[string]any{
			"allowed": capacity.Allowed,
			"current": capacity.Current,
		})
		s.logg.Warn(ctx, "torbox capacity exhausted, provisioning deferred")
		return nil
	}

	if link != nil {
		switch link.Status {
		case enums.VendorLinkStatusActive:
			// Registration already finished; only the subscription may lag.
			return s.transitionIfAllowed(ctx, subscriptionID, enums.SubscriptionEventTorboxTokenAcquired, transitionMeta(link.TorboxAuthID))
		case enums.VendorLinkStatusPendingEmailConfirm:
			return s.transitionIfAllowed(ctx, subscriptionID, enums.SubscriptionEventTorboxUserCreated, transitionMeta(link.TorboxAuthID))
		}
	}

	vendorUser, err := s.vendor.RegisterUser(ctx, email)
	if err != nil {
		return s.failProvision(ctx, userID, subscriptionID, email, link, err)
	}

	now := s.now().UTC()
	created := link == nil
	if created {
		link = &models.VendorLink{
			ID:     uuid.New(),
			UserID: userID,
		}
	}
	link.SubscriptionID = subscriptionID
	link.Email = email
	link.TorboxAuthID = &vendorUser.AuthID
	link.Status = enums.VendorLinkStatusPendingEmailConfirm
	link.Attempts++
	link.LastAttemptAt = &now

	if created {
		err = s.repo.CreateLink(ctx, link)
	} else {
		err = s.repo.UpdateLink(ctx, link)
	}
	if err != nil {
		// The vendor account now exists without a local record; reconcile
		// flags it until a later attempt reattaches it.
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "persist vendor link")
	}

	if err := s.transitionIfAllowed(ctx, subscriptionID, enums.SubscriptionEventTorboxUserCreated, transitionMeta(link.TorboxAuthID)); err != nil {
		return err
	}

	s.audit(ctx, &userID, enums.AuditEventEmailConfirmPending, map[string]any{
		"auth_id": vendorUser.AuthID,
		"email":   email,
	})
	s.logg.Info(ctx, "torbox user registered, awaiting email confirmation")
	return nil
}

// PollEmailConfirmation asks the vendor whether the user finished email
// confirmation. Vendor errors are reported as "not yet": the sweep polls
// again on the next tick.
func (s *service) PollEmailConfirmation(ctx context.Context, userID uuid.UUID) (bool, error) {
	if userID == uuid.Nil {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	ctx, _ = ledger.EnsureCorrelation(ctx)
	ctx = s.logg.WithUserID(ctx, userID.String())

	link, err := s.repo.FindLinkByUserID(ctx, userID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load vendor link")
	}
	if link == nil || link.TorboxAuthID == nil || *link.TorboxAuthID == "" {
		return false, nil
	}
	if link.Status == enums.VendorLinkStatusActive {
		// Token already stored; only the subscription may lag behind it.
		if err := s.transitionIfAllowed(ctx, link.SubscriptionID, enums.SubscriptionEventTorboxTokenAcquired, transitionMeta(link.TorboxAuthID)); err != nil {
			s.logg.Error(ctx, "activate subscription from confirmed link", err)
		}
		return true, nil
	}
	if link.Status != enums.VendorLinkStatusPendingEmailConfirm {
		return false, nil
	}

	vendorUser, err := s.vendor.GetUser(ctx, *link.TorboxAuthID)
	if err != nil {
		s.logg.Warn(ctx, fmt.Sprintf("torbox account lookup failed, will poll again: %v", err))
		return false, nil
	}
	if vendorUser == nil || vendorUser.APIToken == "" {
		return false, nil
	}

	encrypted, err := s.cipher.Encrypt(vendorUser.APIToken)
	if err != nil {
		s.logg.Error(ctx, "encrypt torbox token", err)
		return false, nil
	}

	// The link flips first. If the subscription transition below loses a
	// race the next confirmation sweep repairs it from the ACTIVE link.
	link.EncryptedToken = &encrypted
	link.Status = enums.VendorLinkStatusActive
	if err := s.repo.UpdateLink(ctx, link); err != nil {
		s.logg.Error(ctx, "persist confirmed link", err)
		return false, nil
	}

	if err := s.transitionIfAllowed(ctx, link.SubscriptionID, enums.SubscriptionEventTorboxTokenAcquired, transitionMeta(link.TorboxAuthID)); err != nil {
		s.logg.Error(ctx, "activate subscription after token acquisition", err)
	}

	s.audit(ctx, &userID, enums.AuditEventTokenAcquired, map[string]any{
		"auth_id": *link.TorboxAuthID,
	})
	s.logg.Info(ctx, "torbox token acquired, vendor link active")
	return true, nil
}

// RevokeUser removes the user's TorBox account and closes the link. Failures
// are audited and logged but never returned; the revocation sweep retries on
// its next pass.
func (s *service) RevokeUser(ctx context.Context, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	ctx, _ = ledger.EnsureCorrelation(ctx)
	ctx = s.logg.WithUserID(ctx, userID.String())

	link, err := s.repo.FindLinkByUserID(ctx, userID)
	if err != nil {
		s.logg.Error(ctx, "load vendor link for revocation", err)
		return nil
	}
	if link == nil {
		return nil
	}

	if link.TorboxAuthID == nil || *link.TorboxAuthID == "" {
		// Never registered vendor-side; close the link locally.
		if err := s.closeLink(ctx, link); err != nil {
			s.logg.Error(ctx, "close unregistered link", err)
		}
		return nil
	}

	authID := *link.TorboxAuthID
	if err := s.vendor.RemoveUser(ctx, authID); err != nil {
		s.audit(ctx, &userID, enums.AuditEventRevocationFailed, map[string]any{
			"auth_id": authID,
			"error":   err.Error(),
		})
		s.logg.Error(ctx, "torbox user removal failed", err)
		return nil
	}

	if err := s.closeLink(ctx, link); err != nil {
		s.audit(ctx, &userID, enums.AuditEventRevocationFailed, map[string]any{
			"auth_id": authID,
			"error":   err.Error(),
			"stage":   "persist",
		})
		s.logg.Error(ctx, "persist revoked link", err)
		return nil
	}

	// TORBOX_USER_REVOKED only settles subscriptions that already lapsed.
	// Revocation of a still-moving subscription leaves its status alone.
	sub, err := s.billing.GetSubscriptionByID(ctx, link.SubscriptionID)
	if err != nil {
		s.logg.Error(ctx, "load subscription after revocation", err)
	} else if sub.Status == enums.SubscriptionStatusCanceled || sub.Status == enums.SubscriptionStatusExpired {
		if _, err := s.billing.Transition(ctx, sub.ID, enums.SubscriptionEventTorboxUserRevoked, map[string]any{"auth_id": authID}); err != nil {
			s.logg.Error(ctx, "settle subscription after revocation", err)
		}
	}

	s.audit(ctx, &userID, enums.AuditEventRevocationCompleted, map[string]any{
		"auth_id": authID,
	})
	s.logg.Info(ctx, "torbox user revoked")
	return nil
}

// Reconcile compares every non-revoked local link against the vendor's user
// listing and appends a capacity snapshot. Unlike the per-user operations
// this is operator-triggered and fails loudly.
func (s *service) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	ctx, _ = ledger.EnsureCorrelation(ctx)

	account, err := s.vendor.GetAccount(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch torbox account")
	}
	vendorUsers, err := s.vendor.ListUsers(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list torbox users")
	}
	links, err := s.repo.ListProvisionedLinks(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list vendor links")
	}

	vendorByAuthID := make(map[string]torbox.User, len(vendorUsers))
	for _, vendorUser := range vendorUsers {
		vendorByAuthID[vendorUser.AuthID] = vendorUser
	}

	drift := []string{}
	linked := make(map[string]bool, len(links))
	for _, link := range links {
		authID := *link.TorboxAuthID
		linked[authID] = true
		if _, ok := vendorByAuthID[authID]; !ok {
			drift = append(drift, fmt.Sprintf("local link for user %s references torbox account %s missing on vendor", link.UserID, authID))
		}
	}
	checked := len(links)
	for _, vendorUser := range vendorUsers {
		if linked[vendorUser.AuthID] {
			continue
		}
		checked++
		drift = append(drift, fmt.Sprintf("torbox account %s (%s) has no local link", vendorUser.AuthID, vendorUser.Email))
	}

	snapshot := &models.CapacitySnapshot{
		ID:           uuid.New(),
		AllowedUsers: account.AllowedUsers,
		CurrentUsers: account.CurrentUsers,
	}
	if err := s.repo.CreateCapacitySnapshot(ctx, snapshot); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "persist capacity snapshot")
	}

	runPayload := map[string]any{
		"checked":       checked,
		"local_links":   len(links),
		"vendor_users":  len(vendorUsers),
		"drift_count":   len(drift),
		"allowed_users": account.AllowedUsers,
		"current_users": account.CurrentUsers,
	}
	if _, err := s.ledger.Record(ctx, ledger.RecordAuditInput{EventType: enums.AuditEventReconciliationRun, Payload: runPayload}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record reconciliation run")
	}
	if len(drift) > 0 {
		driftPayload := map[string]any{"drift": drift}
		if _, err := s.ledger.Record(ctx, ledger.RecordAuditInput{EventType: enums.AuditEventReconciliationDrift, Payload: driftPayload}); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record reconciliation drift")
		}
		driftCtx := s.logg.WithField(ctx, "drift_count", len(drift))
		s.logg.Warn(driftCtx, "reconciliation found drift")
	} else {
		s.logg.Info(ctx, "reconciliation clean")
	}

	return &ReconcileReport{Checked: checked, Drift: drift}, nil
}

// failProvision books one failed attempt on the link and surfaces the cause.
// Attempt bookkeeping is best-effort; the original failure always wins.
func (s *service) failProvision(ctx context.Context, userID, subscriptionID uuid.UUID, email string, link *models.VendorLink, cause error) error {
	now := s.now().UTC()
	if link == nil {
		link = &models.VendorLink{
			ID:             uuid.New(),
			UserID:         userID,
			SubscriptionID: subscriptionID,
			Email:          email,
			Status:         enums.VendorLinkStatusPendingProvision,
			Attempts:       1,
			LastAttemptAt:  &now,
		}
		if err := s.repo.CreateLink(ctx, link); err != nil {
			s.logg.Error(ctx, "record provision attempt", err)
		}
	} else {
		link.Attempts++
		link.LastAttemptAt = &now
		if err := s.repo.UpdateLink(ctx, link); err != nil {
			s.logg.Error(ctx, "record provision attempt", err)
		}
	}

	s.audit(ctx, &userID, enums.AuditEventProvisionFailed, map[string]any{
		"error":    cause.Error(),
		"attempts": link.Attempts,
	})

	if link.Attempts >= maxProvisionAttempts {
		s.logg.Error(ctx, "torbox provisioning exceeded max attempts, operator attention required", cause)
		return pkgerrors.Wrap(pkgerrors.CodeMaxAttempts, cause, "torbox provisioning requires operator intervention").
			WithDetails(map[string]any{"attempts": link.Attempts})
	}
	s.logg.Error(ctx, "torbox provisioning attempt failed", cause)
	return pkgerrors.Wrap(pkgerrors.CodeDependency, cause, "torbox provisioning failed")
}

// transitionIfAllowed applies the event only when the subscription's current
// status accepts it. A webhook may already have moved the subscription; that
// is not an error here.
func (s *service) transitionIfAllowed(ctx context.Context, subscriptionID uuid.UUID, event enums.SubscriptionEvent, meta map[string]any) error {
	sub, err := s.billing.GetSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if !statemachine.CanApply(sub.Status, event) {
		skipCtx := s.logg.WithFields(ctx, map[string]any{
			"status": sub.Status.String(),
			"event":  event.String(),
		})
		s.logg.Warn(skipCtx, "subscription does not accept event, leaving status alone")
		return nil
	}
	if _, err := s.billing.Transition(ctx, subscriptionID, event, meta); err != nil {
		return err
	}
	return nil
}

// closeLink clears the stored token and marks the link REVOKED.
func (s *service) closeLink(ctx context.Context, link *models.VendorLink) error {
	now := s.now().UTC()
	link.EncryptedToken = nil
	link.Status = enums.VendorLinkStatusRevoked
	link.RevokedAt = &now
	return s.repo.UpdateLink(ctx, link)
}

// audit appends a trail entry; ledger write failures are logged, never raised.
func (s *service) audit(ctx context.Context, userID *uuid.UUID, eventType enums.AuditEventType, payload map[string]any) {
	_, err := s.ledger.Record(ctx, ledger.RecordAuditInput{
		UserID:    userID,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		s.logg.Error(ctx, "audit record failed", err)
	}
}

func transitionMeta(authID *string) map[string]any {
	if authID == nil {
		return nil
	}
	return map[string]any{"auth_id": *authID}
}
