package subscription

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirsub/internal/platform/metrics"
)

// Tracker applies delivery outcomes to the stored subscriptions. Outcomes
// touch only the counters and notification times, plus the move from active
// to error, so they never revive a subscription switched off meanwhile.
type Tracker struct {
	repo    Repository
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewTracker creates a delivery outcome tracker.
func NewTracker(repo Repository, logger zerolog.Logger, m *metrics.Metrics) *Tracker {
	return &Tracker{repo: repo, logger: logger, metrics: m, now: time.Now}
}

// HandleSuccess records a successful delivery and returns the stored snapshot.
func (t *Tracker) HandleSuccess(ctx context.Context, sub *Subscription) *Subscription {
	return t.record(ctx, sub, DeliveryOutcome{At: t.now()})
}

// HandleFailure records a failed delivery and returns the stored snapshot.
func (t *Tracker) HandleFailure(ctx context.Context, sub *Subscription, cause error) *Subscription {
	msg := "delivery failed"
	if cause != nil {
		msg = cause.Error()
	}
	return t.record(ctx, sub, DeliveryOutcome{Failed: true, Error: msg, At: t.now()})
}

// record applies o to the stored row. When persisting fails the outcome is
// applied to sub instead so callers still see the intended snapshot.
func (t *Tracker) record(ctx context.Context, sub *Subscription, o DeliveryOutcome) *Subscription {
	stored, err := t.repo.RecordOutcome(ctx, sub.ID, o)
	if err != nil {
		t.logger.Error().Err(err).
			Str("subscription", sub.FHIRID).
			Bool("failed", o.Failed).
			Msg("failed to persist delivery outcome")
		next := o.Apply(*sub)
		return &next
	}
	if crossedErrorThreshold(*stored) {
		t.logger.Warn().
			Str("subscription", stored.FHIRID).
			Int("error_count", stored.ErrorCount).
			Str("last_error", o.Error).
			Msg("subscription disabled after repeated delivery failures")
		t.metrics.AutoDisabled.Inc()
	}
	return stored
}
