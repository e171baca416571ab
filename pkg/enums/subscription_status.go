package enums

import "fmt"

// SubscriptionStatus maps to the subscription_status enum in Postgres. It is
// the single source of truth for a user's paid-tier lifecycle position and
// only changes through the billing transition path.
type SubscriptionStatus string

const (
	SubscriptionStatusNotSubscribed             SubscriptionStatus = "NOT_SUBSCRIBED"
	SubscriptionStatusPaidPendingProvision      SubscriptionStatus = "PAID_PENDING_PROVISION"
	SubscriptionStatusProvisionedPendingConfirm SubscriptionStatus = "PROVISIONED_PENDING_CONFIRM"
	SubscriptionStatusActive                    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue                   SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusCanceled                  SubscriptionStatus = "CANCELED"
	SubscriptionStatusExpired                   SubscriptionStatus = "EXPIRED"
)

var validSubscriptionStatuses = []SubscriptionStatus{
	SubscriptionStatusNotSubscribed,
	SubscriptionStatusPaidPendingProvision,
	SubscriptionStatusProvisionedPendingConfirm,
	SubscriptionStatusActive,
	SubscriptionStatusPastDue,
	SubscriptionStatusCanceled,
	SubscriptionStatusExpired,
}

// String implements fmt.Stringer.
func (s SubscriptionStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s SubscriptionStatus) IsValid() bool {
	for _, candidate := range validSubscriptionStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// SubscriptionStatuses returns every known status value.
func SubscriptionStatuses() []SubscriptionStatus {
	out := make([]SubscriptionStatus, len(validSubscriptionStatuses))
	copy(out, validSubscriptionStatuses)
	return out
}

// ParseSubscriptionStatus converts raw input into a SubscriptionStatus.
func ParseSubscriptionStatus(value string) (SubscriptionStatus, error) {
	for _, candidate := range validSubscriptionStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid subscription status %q", value)
}
