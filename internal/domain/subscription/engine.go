package subscription

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/ehr/fhirsub/internal/platform/metrics"
)

// Engine turns resource change events into notifications: match, then fan
// out. It implements fhir.ResourceChangeListener.
type Engine struct {
	matcher    *Matcher
	dispatcher *Dispatcher
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	inflight sync.WaitGroup
}

var _ fhir.ResourceChangeListener = (*Engine)(nil)

func NewEngine(matcher *Matcher, dispatcher *Dispatcher, logger zerolog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{matcher: matcher, dispatcher: dispatcher, logger: logger, metrics: m}
}

// Process matches the event and delivers to every match, returning once all
// deliveries have settled. Only validation and store errors are returned;
// delivery failures are recorded per subscription.
func (e *Engine) Process(ctx context.Context, event fhir.ResourceChangeEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid resource change event: %w", err)
	}
	e.metrics.EventsReceived.WithLabelValues(event.EventType).Inc()

	matches, scanned, err := e.matcher.FindMatchingSubscriptions(ctx, event)
	if err != nil {
		return err
	}
	e.metrics.CandidatesScanned.Observe(float64(scanned))
	e.metrics.SubscriptionMatches.Observe(float64(len(matches)))
	if len(matches) == 0 {
		return nil
	}

	e.dispatcher.SendAll(ctx, matches, event)
	return nil
}

// OnResourceChange processes the event and logs any failure. The originator
// of the change is never affected by notification outcomes.
func (e *Engine) OnResourceChange(ctx context.Context, event fhir.ResourceChangeEvent) {
	if err := e.Process(ctx, event); err != nil {
		e.logger.Error().Err(err).
			Str("resource", event.Reference()).
			Str("event_type", event.EventType).
			Msg("resource change notification failed")
	}
}

// Submit validates the event and processes it in the background, detached
// from ctx cancellation. Use Wait to drain in-flight events on shutdown.
func (e *Engine) Submit(ctx context.Context, event fhir.ResourceChangeEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid resource change event: %w", err)
	}
	bg := context.WithoutCancel(ctx)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		e.OnResourceChange(bg, event)
	}()
	return nil
}

// Wait blocks until every submitted event has been processed.
func (e *Engine) Wait() {
	e.inflight.Wait()
}
