package statemachine

import (
	"github.com/kinoramahq/kinorama-backend/pkg/enums"
	pkgerrors "github.com/kinoramahq/kinorama-backend/pkg/errors"
)

// Key identifies one edge of the subscription lifecycle graph.
type Key struct {
	From enums.SubscriptionStatus
	On   enums.SubscriptionEvent
}

// transitions enumerates every valid edge. The table is written out in full
// rather than derived so each edge stays individually reviewable. Pairs absent
// here are invalid transitions.
var transitions = map[Key]enums.SubscriptionStatus{
	// First payment (or operator override) opens provisioning.
	{enums.SubscriptionStatusNotSubscribed, enums.SubscriptionEventPaymentSuccess}: enums.SubscriptionStatusPaidPendingProvision,
	{enums.SubscriptionStatusNotSubscribed, enums.SubscriptionEventManualActivate}: enums.SubscriptionStatusPaidPendingProvision,

	{enums.SubscriptionStatusPaidPendingProvision, enums.SubscriptionEventTorboxUserCreated}:    enums.SubscriptionStatusProvisionedPendingConfirm,
	{enums.SubscriptionStatusPaidPendingProvision, enums.SubscriptionEventTorboxTokenAcquired}:  enums.SubscriptionStatusActive,
	{enums.SubscriptionStatusPaidPendingProvision, enums.SubscriptionEventPaymentFailed}:        enums.SubscriptionStatusPastDue,
	{enums.SubscriptionStatusPaidPendingProvision, enums.SubscriptionEventSubscriptionCanceled}: enums.SubscriptionStatusCanceled,
	{enums.SubscriptionStatusPaidPendingProvision, enums.SubscriptionEventManualRevoke}:         enums.SubscriptionStatusCanceled,

	// Email confirmation alone does not activate; the token does.
	{enums.SubscriptionStatusProvisionedPendingConfirm, enums.SubscriptionEventTorboxEmailConfirmed}: enums.SubscriptionStatusProvisionedPendingConfirm,
	{enums.SubscriptionStatusProvisionedPendingConfirm, enums.SubscriptionEventTorboxTokenAcquired}:  enums.SubscriptionStatusActive,
	{enums.SubscriptionStatusProvisionedPendingConfirm, enums.SubscriptionEventPaymentFailed}:        enums.SubscriptionStatusPastDue,
	{enums.SubscriptionStatusProvisionedPendingConfirm, enums.SubscriptionEventSubscriptionCanceled}: enums.SubscriptionStatusCanceled,
	{enums.SubscriptionStatusProvisionedPendingConfirm, enums.SubscriptionEventPeriodExpired}:        enums.SubscriptionStatusExpired,
	{enums.SubscriptionStatusProvisionedPendingConfirm, enums.SubscriptionEventManualRevoke}:         enums.SubscriptionStatusCanceled,

	{enums.SubscriptionStatusActive, enums.SubscriptionEventPaymentFailed}:        enums.SubscriptionStatusPastDue,
	{enums.SubscriptionStatusActive, enums.SubscriptionEventSubscriptionCanceled}: enums.SubscriptionStatusCanceled,
	{enums.SubscriptionStatusActive, enums.SubscriptionEventPeriodExpired}:        enums.SubscriptionStatusExpired,
	{enums.SubscriptionStatusActive, enums.SubscriptionEventManualRevoke}:         enums.SubscriptionStatusCanceled,
	// Renewal invoices land as PAYMENT_SUCCESS on an already-active row.
	{enums.SubscriptionStatusActive, enums.SubscriptionEventPaymentSuccess}: enums.SubscriptionStatusActive,

	{enums.SubscriptionStatusPastDue, enums.SubscriptionEventPaymentRecovered}:     enums.SubscriptionStatusActive,
	{enums.SubscriptionStatusPastDue, enums.SubscriptionEventPaymentSuccess}:       enums.SubscriptionStatusActive,
	{enums.SubscriptionStatusPastDue, enums.SubscriptionEventSubscriptionCanceled}: enums.SubscriptionStatusCanceled,
	{enums.SubscriptionStatusPastDue, enums.SubscriptionEventPeriodExpired}:        enums.SubscriptionStatusExpired,
	{enums.SubscriptionStatusPastDue, enums.SubscriptionEventManualRevoke}:         enums.SubscriptionStatusCanceled,

	// Terminal-ish states accept re-subscription, and settle to NOT_SUBSCRIBED
	// once vendor cleanup is confirmed.
	{enums.SubscriptionStatusCanceled, enums.SubscriptionEventPaymentSuccess}:    enums.SubscriptionStatusPaidPendingProvision,
	{enums.SubscriptionStatusCanceled, enums.SubscriptionEventManualActivate}:    enums.SubscriptionStatusPaidPendingProvision,
	{enums.SubscriptionStatusCanceled, enums.SubscriptionEventTorboxUserRevoked}: enums.SubscriptionStatusNotSubscribed,

	{enums.SubscriptionStatusExpired, enums.SubscriptionEventPaymentSuccess}:    enums.SubscriptionStatusPaidPendingProvision,
	{enums.SubscriptionStatusExpired, enums.SubscriptionEventManualActivate}:    enums.SubscriptionStatusPaidPendingProvision,
	{enums.SubscriptionStatusExpired, enums.SubscriptionEventTorboxUserRevoked}: enums.SubscriptionStatusNotSubscribed,
}

// Next computes the state that follows applying event to from. It is pure:
// persistence and auditing belong to the caller. Unknown pairs return a
// CodeInvalidTransition error and the zero status.
func Next(from enums.SubscriptionStatus, event enums.SubscriptionEvent) (enums.SubscriptionStatus, error) {
	next, ok := transitions[Key{From: from, On: event}]
	if !ok {
		return "", pkgerrors.New(pkgerrors.CodeInvalidTransition, "event not allowed in current state").
			WithDetails(map[string]string{
				"from":  from.String(),
				"event": event.String(),
			})
	}
	return next, nil
}

// CanApply reports whether event is a valid edge out of from.
func CanApply(from enums.SubscriptionStatus, event enums.SubscriptionEvent) bool {
	_, ok := transitions[Key{From: from, On: event}]
	return ok
}

// EventsFrom lists the events accepted in the given state, for error details
// and operator tooling.
func EventsFrom(from enums.SubscriptionStatus) []enums.SubscriptionEvent {
	var out []enums.SubscriptionEvent
	for _, event := range enums.SubscriptionEvents() {
		if CanApply(from, event) {
			out = append(out, event)
		}
	}
	return out
}
