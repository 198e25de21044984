package subscription

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A delivery already in flight when the subscription is switched off must not
// switch it back on when it settles.
func TestTracker_LateSuccessKeepsDeactivation(t *testing.T) {
	env := newTestEnv(t)
	hs := newHookServer(t, http.StatusOK)
	sub := env.seed(t, &Subscription{Criteria: "Observation", Channel: restHook(hs.URL)})
	ctx := context.Background()

	matches, _, err := env.matcher.FindMatchingSubscriptions(ctx, createEvent(observationEvent()))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	_, err = env.svc.Deactivate(ctx, sub.FHIRID)
	require.NoError(t, err)

	env.dispatcher.SendAll(ctx, matches, createEvent(observationEvent()))
	assert.Equal(t, 1, hs.count())

	got := env.reload(t, sub)
	assert.Equal(t, StatusOff, got.Status)
	assert.Equal(t, int64(1), got.EventsSinceStart)
	assert.NotNil(t, got.LastSuccessfulNotification)

	again, _, err := env.matcher.FindMatchingSubscriptions(ctx, createEvent(observationEvent()))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestTracker_LateFailureKeepsDeactivation(t *testing.T) {
	env := newTestEnv(t)
	hs := newHookServer(t, http.StatusInternalServerError)
	sub := env.seed(t, &Subscription{Criteria: "Observation", Channel: restHook(hs.URL), ErrorCount: MaxConsecutiveFailures - 1})
	ctx := context.Background()

	stale := env.reload(t, sub)
	_, err := env.svc.Deactivate(ctx, sub.FHIRID)
	require.NoError(t, err)

	stored := env.tracker.HandleFailure(ctx, stale, errors.New("status 500"))
	assert.Equal(t, StatusOff, stored.Status)
	assert.Equal(t, MaxConsecutiveFailures, stored.ErrorCount)
	assert.Equal(t, StatusOff, env.reload(t, sub).Status)
	assert.Zero(t, testutil.ToFloat64(env.metrics.AutoDisabled))
}

func TestTracker_LateOutcomeAfterAutoDisable(t *testing.T) {
	env := newTestEnv(t)
	sub := env.seed(t, &Subscription{Criteria: "Observation", ErrorCount: MaxConsecutiveFailures - 1})
	ctx := context.Background()
	stale := env.reload(t, sub)

	env.tracker.HandleFailure(ctx, stale, errors.New("timeout"))
	require.Equal(t, StatusError, env.reload(t, sub).Status)

	// a success computed from the pre-failure snapshot lands afterwards
	env.tracker.HandleSuccess(ctx, stale)
	got := env.reload(t, sub)
	assert.Equal(t, StatusError, got.Status, "error recovers only through activation")
	assert.Zero(t, got.ErrorCount)
}

func TestTracker_ConcurrentOutcomesAllCount(t *testing.T) {
	env := newTestEnv(t)
	sub := env.seed(t, &Subscription{Criteria: "Observation"})
	stale := env.reload(t, sub)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.tracker.HandleFailure(ctx, stale, errors.New("down"))
		}()
	}
	wg.Wait()

	got := env.reload(t, sub)
	assert.Equal(t, n, got.ErrorCount)
	assert.Equal(t, int64(n), got.EventsSinceStart)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.AutoDisabled), "disable is reported once")
}

func TestTracker_MissingRowFallsBackToSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ghost := &Subscription{FHIRID: "gone", Status: StatusActive, ErrorCount: 1}

	next := env.tracker.HandleFailure(context.Background(), ghost, errors.New("x"))
	assert.Equal(t, 2, next.ErrorCount)
	assert.Equal(t, 1, ghost.ErrorCount, "input snapshot must not change")
}
