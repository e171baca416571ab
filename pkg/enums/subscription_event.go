package enums

import "fmt"

// SubscriptionEvent names a lifecycle signal fed into the subscription state
// machine. Events originate from payment webhooks, the provisioning loop, or
// an operator action; they are recorded verbatim on the audit trail.
type SubscriptionEvent string

const (
	SubscriptionEventPaymentSuccess       SubscriptionEvent = "PAYMENT_SUCCESS"
	SubscriptionEventPaymentFailed        SubscriptionEvent = "PAYMENT_FAILED"
	SubscriptionEventTorboxUserCreated    SubscriptionEvent = "TORBOX_USER_CREATED"
	SubscriptionEventTorboxEmailConfirmed SubscriptionEvent = "TORBOX_EMAIL_CONFIRMED"
	SubscriptionEventTorboxTokenAcquired  SubscriptionEvent = "TORBOX_TOKEN_ACQUIRED"
	SubscriptionEventSubscriptionCanceled SubscriptionEvent = "SUBSCRIPTION_CANCELED"
	SubscriptionEventPeriodExpired        SubscriptionEvent = "PERIOD_EXPIRED"
	SubscriptionEventPaymentRecovered     SubscriptionEvent = "PAYMENT_RECOVERED"
	SubscriptionEventTorboxUserRevoked    SubscriptionEvent = "TORBOX_USER_REVOKED"
	SubscriptionEventManualActivate       SubscriptionEvent = "MANUAL_ACTIVATE"
	SubscriptionEventManualRevoke         SubscriptionEvent = "MANUAL_REVOKE"
)

var validSubscriptionEvents = []SubscriptionEvent{
	SubscriptionEventPaymentSuccess,
	SubscriptionEventPaymentFailed,
	SubscriptionEventTorboxUserCreated,
	SubscriptionEventTorboxEmailConfirmed,
	SubscriptionEventTorboxTokenAcquired,
	SubscriptionEventSubscriptionCanceled,
	SubscriptionEventPeriodExpired,
	SubscriptionEventPaymentRecovered,
	SubscriptionEventTorboxUserRevoked,
	SubscriptionEventManualActivate,
	SubscriptionEventManualRevoke,
}

// String implements fmt.Stringer.
func (e SubscriptionEvent) String() string {
	return string(e)
}

// IsValid reports whether the value is known.
func (e SubscriptionEvent) IsValid() bool {
	for _, candidate := range validSubscriptionEvents {
		if candidate == e {
			return true
		}
	}
	return false
}

// SubscriptionEvents returns every known event value.
func SubscriptionEvents() []SubscriptionEvent {
	out := make([]SubscriptionEvent, len(validSubscriptionEvents))
	copy(out, validSubscriptionEvents)
	return out
}

// ParseSubscriptionEvent converts raw input into a SubscriptionEvent.
func ParseSubscriptionEvent(value string) (SubscriptionEvent, error) {
	for _, candidate := range validSubscriptionEvents {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid subscription event %q", value)
}
