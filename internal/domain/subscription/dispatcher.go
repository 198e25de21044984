package subscription

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/ehr/fhirsub/internal/platform/metrics"
)

// Dispatcher builds notification bundles, hands them to the channel matching
// each subscription, and records the outcome through the Tracker.
type Dispatcher struct {
	channels map[ChannelType]NotificationChannel
	tracker  *Tracker
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewDispatcher registers channels by their Kind. A later channel of the same
// kind replaces an earlier one.
func NewDispatcher(tracker *Tracker, logger zerolog.Logger, m *metrics.Metrics, channels ...NotificationChannel) *Dispatcher {
	d := &Dispatcher{
		channels: make(map[ChannelType]NotificationChannel, len(channels)),
		tracker:  tracker,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
	for _, ch := range channels {
		d.channels[ch.Kind()] = ch
	}
	return d
}

// Channel returns the registered channel for kind.
func (d *Dispatcher) Channel(kind ChannelType) (NotificationChannel, bool) {
	ch, ok := d.channels[kind]
	return ch, ok
}

// Kinds lists the registered channel types in sorted order.
func (d *Dispatcher) Kinds() []ChannelType {
	kinds := make([]ChannelType, 0, len(d.channels))
	for k := range d.channels {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Send delivers one notification and records its outcome. Subscriptions on an
// unregistered channel type are skipped with no state change and
// ErrUnsupportedChannel is returned.
func (d *Dispatcher) Send(ctx context.Context, sub *Subscription, event fhir.ResourceChangeEvent) error {
	ch, ok := d.channels[sub.Channel.Type]
	if !ok {
		d.logger.Warn().
			Str("subscription", sub.FHIRID).
			Str("channel", string(sub.Channel.Type)).
			Msg("no channel registered for subscription, skipping")
		d.metrics.Deliveries.WithLabelValues(string(sub.Channel.Type), "unsupported").Inc()
		return fmt.Errorf("%w: %s", ErrUnsupportedChannel, sub.Channel.Type)
	}

	bundle := fhir.NewNotificationBundle(fhir.NotificationInput{
		SubscriptionID: sub.FHIRID,
		Criteria:       sub.Criteria,
		EventNumber:    sub.EventsSinceStart + 1,
		Event:          event,
		Timestamp:      d.now(),
	})

	start := time.Now()
	err := ch.Deliver(ctx, sub, bundle)
	d.metrics.DeliveryDuration.WithLabelValues(string(ch.Kind())).Observe(time.Since(start).Seconds())

	if err != nil {
		d.metrics.Deliveries.WithLabelValues(string(ch.Kind()), "failure").Inc()
		d.logger.Warn().Err(err).
			Str("subscription", sub.FHIRID).
			Str("channel", string(ch.Kind())).
			Str("resource", event.Reference()).
			Msg("notification delivery failed")
		d.tracker.HandleFailure(ctx, sub, err)
		return err
	}

	d.metrics.Deliveries.WithLabelValues(string(ch.Kind()), "success").Inc()
	d.logger.Debug().
		Str("subscription", sub.FHIRID).
		Str("channel", string(ch.Kind())).
		Str("resource", event.Reference()).
		Msg("notification delivered")
	d.tracker.HandleSuccess(ctx, sub)
	return nil
}

// SendAll delivers to every subscription concurrently and waits for all of
// them to settle. One subscription's failure never affects another's delivery.
func (d *Dispatcher) SendAll(ctx context.Context, subs []*Subscription, event fhir.ResourceChangeEvent) {
	var g errgroup.Group
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			_ = d.Send(ctx, sub, event)
			return nil
		})
	}
	_ = g.Wait()
}
