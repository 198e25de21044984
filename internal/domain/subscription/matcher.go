package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirsub/internal/platform/fhir"
)

// Matcher finds the active subscriptions whose criteria match an event.
//
// Phase 1 asks the store for active, unexpired subscriptions whose criteria
// start with the event's resource type. Phase 2 evaluates each candidate's
// criteria against the resource. Subscriptions changed between the phases
// may still be returned; delivery tolerates that.
type Matcher struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewMatcher(repo Repository, logger zerolog.Logger) *Matcher {
	return &Matcher{repo: repo, logger: logger, now: time.Now}
}

// FindMatchingSubscriptions returns matches in store order, and the number of
// phase-1 candidates scanned. An empty match set is not an error.
func (m *Matcher) FindMatchingSubscriptions(ctx context.Context, event fhir.ResourceChangeEvent) ([]*Subscription, int, error) {
	candidates, err := m.repo.FindCandidates(ctx, CandidateQuery{
		Status:          StatusActive,
		CriteriaPattern: fhir.CoarsePattern(event.ResourceType),
		ActiveAt:        m.now(),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("query candidate subscriptions for %s: %w", event.ResourceType, err)
	}

	evaluator := fhir.NewCriteriaEvaluator(event.MatchTarget())
	var matches []*Subscription
	for _, sub := range candidates {
		if evaluator.MatchesCriteria(sub.Criteria) {
			matches = append(matches, sub)
		}
	}

	m.logger.Debug().
		Str("resource", event.Reference()).
		Int("candidates", len(candidates)).
		Int("matches", len(matches)).
		Msg("subscription match")
	return matches, len(candidates), nil
}
