package provisioning

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

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

func TestProvisionUserRegistersAndTransitions(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusPaidPendingProvision)
	repo := &fakeRepo{}
	billing := &fakeBilling{sub: sub}
	vendor := &fakeVendor{}
	recorder := &fakeRecorder{}
	svc := newTestProvisioner(t, repo, billing, vendor, recorder, &fakeCipher{})

	err := svc.ProvisionUser(context.Background(), sub.UserID, "Viewer@Example.com", sub.ID)
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if len(vendor.registered) != 1 || vendor.registered[0] != "viewer@example.com" {
		t.Fatalf("unexpected registrations %v", vendor.registered)
	}
	if len(repo.created) != 1 {
		t.Fatalf("expected one link insert, got %d", len(repo.created))
	}
	link := repo.created[0]
	if link.Status != enums.VendorLinkStatusPendingEmailConfirm {
		t.Fatalf("expected PENDING_EMAIL_CONFIRM, got %s", link.Status)
	}
	if link.TorboxAuthID == nil || *link.TorboxAuthID != "tb-new" {
		t.Fatalf("vendor auth id not stored")
	}
	if link.Attempts != 1 || link.LastAttemptAt == nil {
		t.Fatalf("attempt bookkeeping missing: attempts=%d", link.Attempts)
	}
	if link.SubscriptionID != sub.ID {
		t.Fatalf("link must reference the subscription")
	}
	if len(billing.transitions) != 1 || billing.transitions[0].event != enums.SubscriptionEventTorboxUserCreated {
		t.Fatalf("expected TORBOX_USER_CREATED transition, got %v", billing.transitions)
	}
	if billing.transitions[0].subscriptionID != sub.ID {
		t.Fatalf("transition must target the caller's subscription")
	}
	if sub.Status != enums.SubscriptionStatusProvisionedPendingConfirm {
		t.Fatalf("subscription should advance, got %s", sub.Status)
	}
	if types := recorder.eventTypes(); len(types) != 1 || types[0] != enums.AuditEventEmailConfirmPending {
		t.Fatalf("expected EMAIL_CONFIRM_PENDING audit, got %v", types)
	}
	if recorder.entries[0].UserID == nil || *recorder.entries[0].UserID != sub.UserID {
		t.Fatalf("audit entry should carry the user")
	}
}

func TestProvisionUserResolvesEmailFromStore(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusPaidPendingProvision)
	repo := &fakeRepo{email: "Viewer@Stream.example"}
	billing := &fakeBilling{sub: sub}
	vendor := &fakeVendor{}
	svc := newTestProvisioner(t, repo, billing, vendor, &fakeRecorder{}, &fakeCipher{})

	if err := svc.ProvisionUser(context.Background(), sub.UserID, "", sub.ID); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if len(vendor.registered) != 1 || vendor.registered[0] != "viewer@stream.example" {
		t.Fatalf("stored email not used: %v", vendor.registered)
	}
}

func TestProvisionUserUnknownUser(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusPaidPendingProvision)
	svc := newTestProvisioner(t, &fakeRepo{}, &fakeBilling{sub: sub}, &fakeVendor{}, &fakeRecorder{}, &fakeCipher{})

	err := svc.ProvisionUser(context.Background(), sub.UserID, "", sub.ID)
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestProvisionUserCapacityExhausted(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusPaidPendingProvision)
	repo := &fakeRepo{}
	billing := &fakeBilling{sub: sub}
	vendor := &fakeVendor{capacity: &torbox.Capacity{Allowed: 10, Current: 10, Available: 0}}
	recorder := &fakeRecorder{}
	svc := newTestProvisioner(t, repo, billing, vendor, recorder, &fakeCipher{})

	if err := svc.ProvisionUser(context.Background(), sub.UserID, "viewer@example.com", sub.ID); err != nil {
		t.Fatalf("capacity exhaustion must not error: %v", err)
	}
	if len(vendor.registered) != 0 {
		t.Fatalf("no registration expected")
	}
	if len(repo.created) != 0 || len(repo.updated) != 0 {
		t.Fatalf("no link writes expected")
	}
	if len(billing.transitions) != 0 {
		t.Fatalf("subscription must stay put")
	}
	if types := recorder.eventTypes(); len(types) != 1 || types[0] != enums.AuditEventCapacityExhausted {
		t.Fatalf("expected CAPACITY_EXHAUSTED audit, got %v", types)
	}
	if sub.Status != enums.SubscriptionStatusPaidPendingProvision {
		t.Fatalf("subscription moved to %s", sub.Status)
	}
}

func TestProvisionUserIdempotentWhenPendingConfirm(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusProvisionedPendingConfirm)
	repo := &fakeRepo{link: linkFixture(sub, enums.VendorLinkStatusPendingEmailConfirm, "tb-7")}
	billing := &fakeBilling{sub: sub}
	vendor := &fakeVendor{}
	recorder := &fakeRecorder{}
	svc := newTestProvisioner(t, repo, billing, vendor, recorder, &fakeCipher{})

	if err := svc.ProvisionUser(context.Background(), sub.UserID, "viewer@example.com", sub.ID); err != nil {
		t.Fatalf("idempotent rerun failed: %v", err)
	}
	if len(vendor.registered) != 0 {
		t.Fatalf("rerun must not register again")
	}
	if len(repo.created)+len(repo.updated) != 0 {
		t.Fatalf("rerun must not touch the link")
	}
	if len(billing.transitions) != 0 {
		t.Fatalf("subscription already past TORBOX_USER_CREATED")
	}
	if len(recorder.entries) != 0 {
		t.Fatalf("rerun must not duplicate audit entries")
	}
}

func TestProvisionUserRepairsMissedCreatedTransition(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusPaidPendingProvision)
	repo := &fakeRepo{link: linkFixture(sub, enums.VendorLinkStatusPendingEmailConfirm, "tb-7")}
	billing := &fakeBilling{sub: sub}
	vendor := &fakeVendor{}
	svc := newTestProvisioner(t, repo, billing, vendor, &fakeRecorder{}, &fakeCipher{})

	if err := svc.ProvisionUser(context.Background(), sub.UserID, "viewer@example.com", sub.ID); err != nil {
		t.Fatalf("repair run failed: %v", err)
	}
	if len(vendor.registered) != 0 {
		t.Fatalf("repair must not register again")
	}
	if len(billing.transitions) != 1 || billing.transitions[0].event != enums.SubscriptionEventTorboxUserCreated {
		t.Fatalf("expected the missed TORBOX_USER_CREATED, got %v", billing.transitions)
	}
	if sub.Status != enums.SubscriptionStatusProvisionedPendingConfirm {
		t.Fatalf("subscription should catch up, got %s", sub.Status)
	}
}

func TestProvisionUserActiveLinkActivatesSubscription(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusPaidPendingProvision)
	repo := &fakeRepo{link: linkFixture(sub, enums.VendorLinkStatusActive, "tb-7")}
	billing := &fakeBilling{sub: sub}
	vendor := &fakeVendor{}
	svc := newTestProvisioner(t, repo, billing, vendor, &fakeRecorder{}, &fakeCipher{})

	if err := svc.ProvisionUser(context.Background(), sub.UserID, "viewer@example.com", sub.ID); err != nil {
		t.Fatalf("repair run failed: %v", err)
	}
	if len(vendor.registered) != 0 {
		t.Fatalf("active link must not register again")
	}
	if len(billing.transitions) != 1 || billing.transitions[0].event != enums.SubscriptionEventTorboxTokenAcquired {
		t.Fatalf("expected TORBOX_TOKEN_ACQUIRED, got %v", billing.transitions)
	}
	if sub.Status != enums.SubscriptionStatusActive {
		t.Fatalf("subscription should activate, got %s", sub.Status)
	}
}

func TestProvisionUserFailureCountsAttempt(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusPaidPendingProvision)
	repo := &fakeRepo{}
	billing := &fakeBilling{sub: sub}
	vendor := &fakeVendor{registerErr: errors.New("torbox: internal error")}
	recorder := &fakeRecorder{}
	svc := newTestProvisioner(t, repo, billing, vendor, recorder, &fakeCipher{})

	err := svc.ProvisionUser(context.Background(), sub.UserID, "viewer@example.com", sub.ID)
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if len(repo.created) != 1 {
		t.Fatalf("failed attempt must still book a link row")
	}
	link := repo.created[0]
	if link.Status != enums.VendorLinkStatusPendingProvision || link.Attempts != 1 {
		t.Fatalf("unexpected failure bookkeeping: %s attempts=%d", link.Status, link.Attempts)
	}
	if types := recorder.eventTypes(); len(types) != 1 || types[0] != enums.AuditEventProvisionFailed {
		t.Fatalf("expected PROVISION_FAILED audit, got %v", types)
	}
	payload := recorder.entries[0].Payload.(map[string]any)
	if payload["attempts"] != 1 {
		t.Fatalf("audit should carry the attempt count: %v", payload)
	}
	if !strings.Contains(payload["error"].(string), "torbox") {
		t.Fatalf("audit should carry the error text: %v", payload)
	}
	if len(billing.transitions) != 0 {
		t.Fatalf("failures never move the subscription")
	}
}

func TestProvisionUserCapacityProbeFailureCountsAttempt(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusPaidPendingProvision)
	repo := &fakeRepo{}
	vendor := &fakeVendor{capacityErr: errors.New("dial tcp: connection refused")}
	recorder := &fakeRecorder{}
	svc := newTestProvisioner(t, repo, &fakeBilling{sub: sub}, vendor, recorder, &fakeCipher{})

	err := svc.ProvisionUser(context.Background(), sub.UserID, "viewer@example.com", sub.ID)
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if len(repo.created) != 1 || repo.created[0].Attempts != 1 {
		t.Fatalf("capacity probe failure must count as an attempt")
	}
	if types := recorder.eventTypes(); len(types) != 1 || types[0] != enums.AuditEventProvisionFailed {
		t.Fatalf("expected PROVISION_FAILED audit, got %v", types)
	}
}

func TestProvisionUserMaxAttemptsSurfaced(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusPaidPendingProvision)
	link := linkFixture(sub, enums.VendorLinkStatusPendingProvision, "")
	link.Attempts = maxProvisionAttempts - 1
	repo := &fakeRepo{link: link}
	vendor := &fakeVendor{registerErr: errors.New("torbox: internal error")}
	recorder := &fakeRecorder{}
	svc := newTestProvisioner(t, repo, &fakeBilling{sub: sub}, vendor, recorder, &fakeCipher{})

	err := svc.ProvisionUser(context.Background(), sub.UserID, "viewer@example.com", sub.ID)
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeMaxAttempts {
		t.Fatalf("expected max attempts error, got %v", err)
	}
	if link.Attempts != maxProvisionAttempts {
		t.Fatalf("attempts not incremented: %d", link.Attempts)
	}
	payload := recorder.entries[0].Payload.(map[string]any)
	if payload["attempts"] != maxProvisionAttempts {
		t.Fatalf("audit should carry the ceiling: %v", payload)
	}
	if sub.Status != enums.SubscriptionStatusPaidPendingProvision {
		t.Fatalf("max attempts must not move the subscription")
	}
}

func TestPollEmailConfirmationNotProvisioned(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusPaidPendingProvision)
	svc := newTestProvisioner(t, &fakeRepo{}, &fakeBilling{sub: sub}, &fakeVendor{}, &fakeRecorder{}, &fakeCipher{})

	ok, err := svc.PollEmailConfirmation(context.Background(), sub.UserID)
	if err != nil || ok {
		t.Fatalf("no link should report (false, nil), got (%v, %v)", ok, err)
	}

	authless := linkFixture(sub, enums.VendorLinkStatusPendingProvision, "")
	svc = newTestProvisioner(t, &fakeRepo{link: authless}, &fakeBilling{sub: sub}, &fakeVendor{}, &fakeRecorder{}, &fakeCipher{})
	ok, err = svc.PollEmailConfirmation(context.Background(), sub.UserID)
	if err != nil || ok {
		t.Fatalf("link without auth id should report (false, nil), got (%v, %v)", ok, err)
	}
}

func TestPollEmailConfirmationActiveLinkShortCircuits(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusActive)
	repo := &fakeRepo{link: linkFixture(sub, enums.VendorLinkStatusActive, "tb-7")}
	billing := &fakeBilling{sub: sub}
	// The vendor stub errors on lookup, so a vendor call would flip the result.
	vendor := &fakeVendor{userErr: errors.New("must not be called")}
	svc := newTestProvisioner(t, repo, billing, vendor, &fakeRecorder{}, &fakeCipher{})

	ok, err := svc.PollEmailConfirmation(context.Background(), sub.UserID)
	if err != nil || !ok {
		t.Fatalf("active link should report (true, nil), got (%v, %v)", ok, err)
	}
	if len(billing.transitions) != 0 {
		t.Fatalf("already-active subscription must not transition, got %v", billing.transitions)
	}
}

func TestPollEmailConfirmationRepairsLaggingSubscription(t *testing.T) {
	// A crash between the link flip and the transition leaves the
	// subscription behind; the next poll catches it up from the link alone.
	sub := subscriptionFixture(enums.SubscriptionStatusProvisionedPendingConfirm)
	repo := &fakeRepo{link: linkFixture(sub, enums.VendorLinkStatusActive, "tb-7")}
	billing := &fakeBilling{sub: sub}
	vendor := &fakeVendor{userErr: errors.New("must not be called")}
	svc := newTestProvisioner(t, repo, billing, vendor, &fakeRecorder{}, &fakeCipher{})

	ok, err := svc.PollEmailConfirmation(context.Background(), sub.UserID)
	if err != nil || !ok {
		t.Fatalf("expected (true, nil), got (%v, %v)", ok, err)
	}
	if len(billing.transitions) != 1 || billing.transitions[0].event != enums.SubscriptionEventTorboxTokenAcquired {
		t.Fatalf("expected TORBOX_TOKEN_ACQUIRED repair, got %v", billing.transitions)
	}
	if sub.Status != enums.SubscriptionStatusActive {
		t.Fatalf("subscription should catch up, got %s", sub.Status)
	}
}

func TestPollEmailConfirmationTokenPending(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusProvisionedPendingConfirm)
	repo := &fakeRepo{link: linkFixture(sub, enums.VendorLinkStatusPendingEmailConfirm, "tb-7")}
	vendor := &fakeVendor{user: &torbox.User{AuthID: "tb-7", Email: "viewer@example.com"}}
	recorder := &fakeRecorder{}
	svc := newTestProvisioner(t, repo, &fakeBilling{sub: sub}, vendor, recorder, &fakeCipher{})

	ok, err := svc.PollEmailConfirmation(context.Background(), sub.UserID)
	if err != nil || ok {
		t.Fatalf("missing token should report (false, nil), got (%v, %v)", ok, err)
	}
	if len(repo.updated) != 0 {
		t.Fatalf("link must stay untouched until the token arrives")
	}
	if len(recorder.entries) != 0 {
		t.Fatalf("no audit entry until the token arrives")
	}
}

func TestPollEmailConfirmationVendorErrorTreatedAsPending(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusProvisionedPendingConfirm)
	repo := &fakeRepo{link: linkFixture(sub, enums.VendorLinkStatusPendingEmailConfirm, "tb-7")}
	vendor := &fakeVendor{userErr: errors.New("torbox: 502")}
	svc := newTestProvisioner(t, repo, &fakeBilling{sub: sub}, vendor, &fakeRecorder{}, &fakeCipher{})

	ok, err := svc.PollEmailConfirmation(context.Background(), sub.UserID)
	if err != nil || ok {
		t.Fatalf("vendor failure should report (false, nil), got (%v, %v)", ok, err)
	}
}

func TestPollEmailConfirmationAcquiresToken(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusProvisionedPendingConfirm)
	link := linkFixture(sub, enums.VendorLinkStatusPendingEmailConfirm, "tb-7")
	repo := &fakeRepo{link: link}
	billing := &fakeBilling{sub: sub}
	vendor := &fakeVendor{user: &torbox.User{AuthID: "tb-7", Email: "viewer@example.com", APIToken: "secret-token"}}
	recorder := &fakeRecorder{}
	svc := newTestProvisioner(t, repo, billing, vendor, recorder, &fakeCipher{})

	ok, err := svc.PollEmailConfirmation(context.Background(), sub.UserID)
	if err != nil || !ok {
		t.Fatalf("confirmed user should report (true, nil), got (%v, %v)", ok, err)
	}
	if len(repo.updated) != 1 {
		t.Fatalf("expected one link update, got %d", len(repo.updated))
	}
	if link.Status != enums.VendorLinkStatusActive {
		t.Fatalf("link should flip ACTIVE, got %s", link.Status)
	}
	if link.EncryptedToken == nil || *link.EncryptedToken != "enc:secret-token" {
		t.Fatalf("token must be stored encrypted, got %v", link.EncryptedToken)
	}
	if len(billing.transitions) != 1 || billing.transitions[0].event != enums.SubscriptionEventTorboxTokenAcquired {
		t.Fatalf("expected TORBOX_TOKEN_ACQUIRED, got %v", billing.transitions)
	}
	if sub.Status != enums.SubscriptionStatusActive {
		t.Fatalf("subscription should activate, got %s", sub.Status)
	}
	if types := recorder.eventTypes(); len(types) != 1 || types[0] != enums.AuditEventTokenAcquired {
		t.Fatalf("expected TOKEN_ACQUIRED audit, got %v", types)
	}
}

func TestPollEmailConfirmationActivatesFromPaidPending(t *testing.T) {
	// Crash after registration can leave the subscription behind the link;
	// token acquisition still activates it directly.
	sub := subscriptionFixture(enums.SubscriptionStatusPaidPendingProvision)
	repo := &fakeRepo{link: linkFixture(sub, enums.VendorLinkStatusPendingEmailConfirm, "tb-7")}
	billing := &fakeBilling{sub: sub}
	vendor := &fakeVendor{user: &torbox.User{AuthID: "tb-7", APIToken: "secret-token"}}
	svc := newTestProvisioner(t, repo, billing, vendor, &fakeRecorder{}, &fakeCipher{})

	ok, err := svc.PollEmailConfirmation(context.Background(), sub.UserID)
	if err != nil || !ok {
		t.Fatalf("expected (true, nil), got (%v, %v)", ok, err)
	}
	if sub.Status != enums.SubscriptionStatusActive {
		t.Fatalf("subscription should activate from PAID_PENDING_PROVISION, got %s", sub.Status)
	}
}

func TestPollEmailConfirmationEncryptFailureTreatedAsPending(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusProvisionedPendingConfirm)
	repo := &fakeRepo{link: linkFixture(sub, enums.VendorLinkStatusPendingEmailConfirm, "tb-7")}
	vendor := &fakeVendor{user: &torbox.User{AuthID: "tb-7", APIToken: "secret-token"}}
	svc := newTestProvisioner(t, repo, &fakeBilling{sub: sub}, vendor, &fakeRecorder{}, &fakeCipher{err: errors.New("cipher not ready")})

	ok, err := svc.PollEmailConfirmation(context.Background(), sub.UserID)
	if err != nil || ok {
		t.Fatalf("encrypt failure should report (false, nil), got (%v, %v)", ok, err)
	}
	if len(repo.updated) != 0 {
		t.Fatalf("link must not flip without a stored token")
	}
}

func TestRevokeUserNoLinkNoOp(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusCanceled)
	vendor := &fakeVendor{}
	recorder := &fakeRecorder{}
	svc := newTestProvisioner(t, &fakeRepo{}, &fakeBilling{sub: sub}, vendor, recorder, &fakeCipher{})

	if err := svc.RevokeUser(context.Background(), sub.UserID); err != nil {
		t.Fatalf("no-op revoke failed: %v", err)
	}
	if len(vendor.removed) != 0 {
		t.Fatalf("nothing to remove")
	}
	if len(recorder.entries) != 0 {
		t.Fatalf("no audit for a no-op")
	}
}

func TestRevokeUserRemovesAndSettles(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusCanceled)
	link := linkFixture(sub, enums.VendorLinkStatusActive, "tb-7")
	token := "enc:secret-token"
	link.EncryptedToken = &token
	repo := &fakeRepo{link: link}
	billing := &fakeBilling{sub: sub}
	vendor := &fakeVendor{}
	recorder := &fakeRecorder{}
	svc := newTestProvisioner(t, repo, billing, vendor, recorder, &fakeCipher{})

	if err := svc.RevokeUser(context.Background(), sub.UserID); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if len(vendor.removed) != 1 || vendor.removed[0] != "tb-7" {
		t.Fatalf("unexpected removals %v", vendor.removed)
	}
	if link.Status != enums.VendorLinkStatusRevoked {
		t.Fatalf("link should be REVOKED, got %s", link.Status)
	}
	if link.EncryptedToken != nil {
		t.Fatalf("token must be cleared on revocation")
	}
	if link.RevokedAt == nil {
		t.Fatalf("revoked timestamp missing")
	}
	if len(billing.transitions) != 1 || billing.transitions[0].event != enums.SubscriptionEventTorboxUserRevoked {
		t.Fatalf("expected TORBOX_USER_REVOKED, got %v", billing.transitions)
	}
	if sub.Status != enums.SubscriptionStatusNotSubscribed {
		t.Fatalf("canceled subscription should settle, got %s", sub.Status)
	}
	if types := recorder.eventTypes(); len(types) != 1 || types[0] != enums.AuditEventRevocationCompleted {
		t.Fatalf("expected REVOCATION_COMPLETED audit, got %v", types)
	}
}

func TestRevokeUserLeavesMovingSubscriptionAlone(t *testing.T) {
	// Operator-forced revocation of a still-active subscription removes the
	// vendor account but leaves the lifecycle to its own events.
	sub := subscriptionFixture(enums.SubscriptionStatusActive)
	link := linkFixture(sub, enums.VendorLinkStatusActive, "tb-7")
	repo := &fakeRepo{link: link}
	billing := &fakeBilling{sub: sub}
	recorder := &fakeRecorder{}
	svc := newTestProvisioner(t, repo, billing, &fakeVendor{}, recorder, &fakeCipher{})

	if err := svc.RevokeUser(context.Background(), sub.UserID); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if link.Status != enums.VendorLinkStatusRevoked {
		t.Fatalf("link should be REVOKED, got %s", link.Status)
	}
	if len(billing.transitions) != 0 {
		t.Fatalf("ACTIVE subscription must not be settled by revocation")
	}
	if sub.Status != enums.SubscriptionStatusActive {
		t.Fatalf("subscription moved to %s", sub.Status)
	}
	if types := recorder.eventTypes(); len(types) != 1 || types[0] != enums.AuditEventRevocationCompleted {
		t.Fatalf("expected REVOCATION_COMPLETED audit, got %v", types)
	}
}

func TestRevokeUserVendorFailureIsAudited(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusCanceled)
	link := linkFixture(sub, enums.VendorLinkStatusActive, "tb-7")
	repo := &fakeRepo{link: link}
	vendor := &fakeVendor{removeErr: errors.New("torbox: 500")}
	recorder := &fakeRecorder{}
	svc := newTestProvisioner(t, repo, &fakeBilling{sub: sub}, vendor, recorder, &fakeCipher{})

	if err := svc.RevokeUser(context.Background(), sub.UserID); err != nil {
		t.Fatalf("revoke failures must not propagate: %v", err)
	}
	if link.Status != enums.VendorLinkStatusActive {
		t.Fatalf("link must stay ACTIVE until the vendor confirms, got %s", link.Status)
	}
	if len(repo.updated) != 0 {
		t.Fatalf("link must not change when removal failed")
	}
	if types := recorder.eventTypes(); len(types) != 1 || types[0] != enums.AuditEventRevocationFailed {
		t.Fatalf("expected REVOCATION_FAILED audit, got %v", types)
	}
}

func TestRevokeUserClosesUnregisteredLink(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusCanceled)
	link := linkFixture(sub, enums.VendorLinkStatusPendingProvision, "")
	repo := &fakeRepo{link: link}
	vendor := &fakeVendor{}
	svc := newTestProvisioner(t, repo, &fakeBilling{sub: sub}, vendor, &fakeRecorder{}, &fakeCipher{})

	if err := svc.RevokeUser(context.Background(), sub.UserID); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if len(vendor.removed) != 0 {
		t.Fatalf("nothing exists vendor-side to remove")
	}
	if link.Status != enums.VendorLinkStatusRevoked {
		t.Fatalf("unregistered link should close locally, got %s", link.Status)
	}
}

func TestReconcileDetectsSymmetricDrift(t *testing.T) {
	subA := subscriptionFixture(enums.SubscriptionStatusActive)
	subB := subscriptionFixture(enums.SubscriptionStatusActive)
	repo := &fakeRepo{listed: []models.VendorLink{
		*linkFixture(subA, enums.VendorLinkStatusActive, "tb-1"),
		*linkFixture(subB, enums.VendorLinkStatusActive, "tb-2"),
	}}
	vendor := &fakeVendor{
		account: &torbox.Account{AllowedUsers: 10, CurrentUsers: 2},
		users: []torbox.User{
			{AuthID: "tb-2", Email: "kept@example.com"},
			{AuthID: "tb-3", Email: "stray@example.com"},
		},
	}
	recorder := &fakeRecorder{}
	svc := newTestProvisioner(t, repo, &fakeBilling{}, vendor, recorder, &fakeCipher{})

	report, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if report.Checked != 3 {
		t.Fatalf("expected 3 checked, got %d", report.Checked)
	}
	if len(report.Drift) != 2 {
		t.Fatalf("expected 2 drift findings, got %v", report.Drift)
	}
	if !strings.Contains(report.Drift[0], "tb-1") || !strings.Contains(report.Drift[0], "missing on vendor") {
		t.Fatalf("local orphan not reported: %q", report.Drift[0])
	}
	if !strings.Contains(report.Drift[1], "tb-3") || !strings.Contains(report.Drift[1], "no local link") {
		t.Fatalf("vendor stray not reported: %q", report.Drift[1])
	}
	if len(repo.snapshots) != 1 {
		t.Fatalf("expected one capacity snapshot, got %d", len(repo.snapshots))
	}
	if repo.snapshots[0].AllowedUsers != 10 || repo.snapshots[0].CurrentUsers != 2 {
		t.Fatalf("snapshot should mirror the account counts: %+v", repo.snapshots[0])
	}
	types := recorder.eventTypes()
	if len(types) != 2 || types[0] != enums.AuditEventReconciliationRun || types[1] != enums.AuditEventReconciliationDrift {
		t.Fatalf("expected run + drift audits, got %v", types)
	}
}

func TestReconcileCleanRun(t *testing.T) {
	sub := subscriptionFixture(enums.SubscriptionStatusActive)
	repo := &fakeRepo{listed: []models.VendorLink{
		*linkFixture(sub, enums.VendorLinkStatusActive, "tb-1"),
	}}
	vendor := &fakeVendor{
		account: &torbox.Account{AllowedUsers: 10, CurrentUsers: 1},
		users:   []torbox.User{{AuthID: "tb-1", Email: "viewer@example.com"}},
	}
	recorder := &fakeRecorder{}
	svc := newTestProvisioner(t, repo, &fakeBilling{}, vendor, recorder, &fakeCipher{})

	report, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if report.Checked != 1 || len(report.Drift) != 0 {
		t.Fatalf("expected clean report, got %+v", report)
	}
	if report.Drift == nil {
		t.Fatalf("drift should marshal as an empty list, not null")
	}
	if types := recorder.eventTypes(); len(types) != 1 || types[0] != enums.AuditEventReconciliationRun {
		t.Fatalf("clean run audits RECONCILIATION_RUN only, got %v", types)
	}
	if len(repo.snapshots) != 1 {
		t.Fatalf("snapshot expected on every run")
	}
}

func TestReconcileVendorFailureRaises(t *testing.T) {
	vendor := &fakeVendor{listErr: errors.New("torbox: 503")}
	repo := &fakeRepo{}
	recorder := &fakeRecorder{}
	svc := newTestProvisioner(t, repo, &fakeBilling{}, vendor, recorder, &fakeCipher{})

	_, err := svc.Reconcile(context.Background())
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if len(repo.snapshots) != 0 {
		t.Fatalf("no snapshot on a failed run")
	}
	if len(recorder.entries) != 0 {
		t.Fatalf("no audit on a failed run")
	}
}

func newTestProvisioner(t *testing.T, repo Repository, billing subscriptionService, vendor vendorClient, recorder auditRecorder, cipher tokenCipher) Service {
	t.Helper()

	svc, err := NewService(ServiceParams{
		Repo:    repo,
		Billing: billing,
		Vendor:  vendor,
		Ledger:  recorder,
		Cipher:  cipher,
		Logger:  logger.New(logger.Options{ServiceName: "provisioning-test", Output: io.Discard}),
	})
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	return svc
}

func subscriptionFixture(status enums.SubscriptionStatus) *models.Subscription {
	return &models.Subscription{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Status: status,
	}
}

func linkFixture(sub *models.Subscription, status enums.VendorLinkStatus, authID string) *models.VendorLink {
	link := &models.VendorLink{
		ID:             uuid.New(),
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Email:          "viewer@example.com",
		Status:         status,
		Attempts:       1,
	}
	if authID != "" {
		link.TorboxAuthID = &authID
	}
	return link
}

type fakeRepo struct {
	link      *models.VendorLink
	linkErr   error
	email     string
	emailErr  error
	created   []*models.VendorLink
	updated   []*models.VendorLink
	listed    []models.VendorLink
	listErr   error
	snapshots []*models.CapacitySnapshot
}

func (f *fakeRepo) WithTx(*gorm.DB) Repository { return f }

func (f *fakeRepo) CreateLink(_ context.Context, link *models.VendorLink) error {
	f.created = append(f.created, link)
	f.link = link
	return nil
}

func (f *fakeRepo) UpdateLink(_ context.Context, link *models.VendorLink) error {
	f.updated = append(f.updated, link)
	return nil
}

func (f *fakeRepo) FindLinkByUserID(_ context.Context, userID uuid.UUID) (*models.VendorLink, error) {
	if f.linkErr != nil {
		return nil, f.linkErr
	}
	if f.link == nil || f.link.UserID != userID || f.link.Status == enums.VendorLinkStatusRevoked {
		return nil, nil
	}
	return f.link, nil
}

func (f *fakeRepo) ListProvisionedLinks(context.Context) ([]models.VendorLink, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listed, nil
}

func (f *fakeRepo) CreateCapacitySnapshot(_ context.Context, snapshot *models.CapacitySnapshot) error {
	f.snapshots = append(f.snapshots, snapshot)
	return nil
}

func (f *fakeRepo) LatestCapacitySnapshot(context.Context) (*models.CapacitySnapshot, error) {
	if len(f.snapshots) == 0 {
		return nil, nil
	}
	return f.snapshots[len(f.snapshots)-1], nil
}

func (f *fakeRepo) GetUserEmail(context.Context, uuid.UUID) (string, error) {
	if f.emailErr != nil {
		return "", f.emailErr
	}
	if f.email == "" {
		return "", gorm.ErrRecordNotFound
	}
	return f.email, nil
}

type fakeVendor struct {
	capacity    *torbox.Capacity
	capacityErr error
	account     *torbox.Account
	accountErr  error
	users       []torbox.User
	listErr     error
	user        *torbox.User
	userErr     error
	registered  []string
	registerErr error
	removed     []string
	removeErr   error
}

func (f *fakeVendor) GetAccount(context.Context) (*torbox.Account, error) {
	if f.accountErr != nil {
		return nil, f.accountErr
	}
	if f.account != nil {
		return f.account, nil
	}
	return &torbox.Account{AllowedUsers: 10, CurrentUsers: len(f.users)}, nil
}

func (f *fakeVendor) GetCapacity(context.Context) (*torbox.Capacity, error) {
	if f.capacityErr != nil {
		return nil, f.capacityErr
	}
	if f.capacity != nil {
		return f.capacity, nil
	}
	return &torbox.Capacity{Allowed: 10, Current: 2, Available: 8}, nil
}

func (f *fakeVendor) ListUsers(context.Context) ([]torbox.User, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.users, nil
}

func (f *fakeVendor) GetUser(context.Context, string) (*torbox.User, error) {
	if f.userErr != nil {
		return nil, f.userErr
	}
	return f.user, nil
}

func (f *fakeVendor) RegisterUser(_ context.Context, email string) (*torbox.User, error) {
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	f.registered = append(f.registered, email)
	return &torbox.User{AuthID: "tb-new", Email: email}, nil
}

func (f *fakeVendor) RemoveUser(_ context.Context, authID string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, authID)
	return nil
}

type transitionCall struct {
	subscriptionID uuid.UUID
	event          enums.SubscriptionEvent
}

type fakeBilling struct {
	sub           *models.Subscription
	transitions   []transitionCall
	transitionErr error
}

func (f *fakeBilling) GetSubscriptionByID(_ context.Context, id uuid.UUID) (*models.Subscription, error) {
	if f.sub == nil || f.sub.ID != id {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return f.sub, nil
}

func (f *fakeBilling) Transition(_ context.Context, subscriptionID uuid.UUID, event enums.SubscriptionEvent, _ map[string]any) (*models.Subscription, error) {
	if f.transitionErr != nil {
		return nil, f.transitionErr
	}
	next, err := statemachine.Next(f.sub.Status, event)
	if err != nil {
		return nil, err
	}
	f.sub.Status = next
	f.transitions = append(f.transitions, transitionCall{subscriptionID: subscriptionID, event: event})
	return f.sub, nil
}

type fakeRecorder struct {
	entries []ledger.RecordAuditInput
	err     error
}

func (f *fakeRecorder) Record(_ context.Context, input ledger.RecordAuditInput) (*models.AuditEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.entries = append(f.entries, input)
	return &models.AuditEntry{}, nil
}

func (f *fakeRecorder) eventTypes() []enums.AuditEventType {
	var out []enums.AuditEventType
	for _, entry := range f.entries {
		out = append(out, entry.EventType)
	}
	return out
}

type fakeCipher struct {
	err error
}

func (f *fakeCipher) Encrypt(plaintext string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "enc:" + plaintext, nil
}
