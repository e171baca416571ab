package enums

import "fmt"

// AuditEventType classifies an append-only audit trail entry.
type AuditEventType string

const (
	AuditEventSubscriptionTransition AuditEventType = "SUBSCRIPTION_TRANSITION"
	AuditEventCheckoutStarted        AuditEventType = "CHECKOUT_STARTED"
	AuditEventEmailConfirmPending    AuditEventType = "EMAIL_CONFIRM_PENDING"
	AuditEventTokenAcquired          AuditEventType = "TOKEN_ACQUIRED"
	AuditEventProvisionFailed        AuditEventType = "PROVISION_FAILED"
	AuditEventCapacityExhausted      AuditEventType = "CAPACITY_EXHAUSTED"
	AuditEventRevocationCompleted    AuditEventType = "REVOCATION_COMPLETED"
	AuditEventRevocationFailed       AuditEventType = "REVOCATION_FAILED"
	AuditEventReconciliationRun      AuditEventType = "RECONCILIATION_RUN"
	AuditEventReconciliationDrift    AuditEventType = "RECONCILIATION_DRIFT"
	AuditEventWebhookProcessed       AuditEventType = "WEBHOOK_PROCESSED"
)

var validAuditEventTypes = []AuditEventType{
	AuditEventSubscriptionTransition,
	AuditEventCheckoutStarted,
	AuditEventEmailConfirmPending,
	AuditEventTokenAcquired,
	AuditEventProvisionFailed,
	AuditEventCapacityExhausted,
	AuditEventRevocationCompleted,
	AuditEventRevocationFailed,
	AuditEventReconciliationRun,
	AuditEventReconciliationDrift,
	AuditEventWebhookProcessed,
}

// String implements fmt.Stringer.
func (t AuditEventType) String() string {
	return string(t)
}

// IsValid reports whether the value is known.
func (t AuditEventType) IsValid() bool {
	for _, candidate := range validAuditEventTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseAuditEventType converts raw input into an AuditEventType.
func ParseAuditEventType(value string) (AuditEventType, error) {
	for _, candidate := range validAuditEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid audit event type %q", value)
}
