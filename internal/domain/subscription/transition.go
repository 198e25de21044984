package subscription

import (
	"errors"
	"time"
)

// MaxConsecutiveFailures is the number of failed deliveries in a row after
// which a subscription is moved to the error status.
const MaxConsecutiveFailures = 5

// The functions below are pure state transitions. Each takes a snapshot and
// returns a new one; persisting the result is the caller's job.

// RecordDeliverySuccess clears the failure streak and stamps both
// notification times.
func RecordDeliverySuccess(sub Subscription, now time.Time) Subscription {
	sub.EventsSinceStart++
	sub.ErrorCount = 0
	sub.LastError = nil
	sub.LastNotification = &now
	sub.LastSuccessfulNotification = &now
	return sub
}

// RecordDeliveryFailure extends the failure streak and moves an active
// subscription to error once the streak reaches MaxConsecutiveFailures.
// Other statuses are kept so a late outcome cannot undo a deactivation.
func RecordDeliveryFailure(sub Subscription, cause error, now time.Time) Subscription {
	msg := "delivery failed"
	if cause != nil {
		msg = cause.Error()
	}
	sub.EventsSinceStart++
	sub.ErrorCount++
	sub.LastError = &msg
	sub.LastNotification = &now
	if sub.Status == StatusActive && sub.ErrorCount >= MaxConsecutiveFailures {
		sub.Status = StatusError
	}
	return sub
}

// Activated returns the subscription as active with a clean failure streak.
func Activated(sub Subscription) Subscription {
	sub.Status = StatusActive
	sub.ErrorCount = 0
	sub.LastError = nil
	sub.VersionID++
	return sub
}

// Deactivated returns the subscription switched off. Counters are kept.
func Deactivated(sub Subscription) Subscription {
	sub.Status = StatusOff
	sub.VersionID++
	return sub
}

// Expired returns the subscription switched off because its end time passed.
func Expired(sub Subscription) Subscription {
	sub.Status = StatusOff
	sub.VersionID++
	return sub
}

// crossedErrorThreshold reports whether sub was disabled by the failure that
// produced it. Only the failure that brings the streak to exactly
// MaxConsecutiveFailures qualifies, so concurrent outcomes report it once.
func crossedErrorThreshold(sub Subscription) bool {
	return sub.Status == StatusError && sub.ErrorCount == MaxConsecutiveFailures
}

// DeliveryOutcome is one delivery result to be applied to the stored row.
type DeliveryOutcome struct {
	Failed bool
	Error  string
	At     time.Time
}

// Apply runs the matching delivery transition on sub.
func (o DeliveryOutcome) Apply(sub Subscription) Subscription {
	if o.Failed {
		return RecordDeliveryFailure(sub, errors.New(o.Error), o.At)
	}
	return RecordDeliverySuccess(sub, o.At)
}
