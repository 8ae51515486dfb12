package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spcoaching/coachsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTimerDuration tests duration measurement
func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	require.NotNil(t, timer)
	assert.WithinDuration(t, time.Now(), timer.start, time.Second)

	time.Sleep(20 * time.Millisecond)
	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first)
}

// TestTimerObserve tests histogram observation
func TestTimerObserve(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_duration_seconds",
		Help: "Test duration histogram",
	})
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_duration_vec_seconds",
		Help: "Test duration histogram vec",
	}, []string{"resource", "op"})

	timer := NewTimer()
	timer.ObserveDuration(histogram)
	timer.ObserveDurationVec(vec, "workouts", "update")

	assert.Equal(t, 1, testutil.CollectAndCount(histogram))
	assert.Equal(t, 1, testutil.CollectAndCount(vec))
}

type fakePending map[types.ResourceType]int

func (f fakePending) List(rt types.ResourceType) ([]*types.LocalFallbackEntry, error) {
	return make([]*types.LocalFallbackEntry, f[rt]), nil
}

type fakeSubs map[types.SubscriptionKey]types.SubscriptionStatus

func (f fakeSubs) Snapshot() map[types.SubscriptionKey]types.SubscriptionStatus { return f }

// TestCollector tests gauges sampled from the store and registry
func TestCollector(t *testing.T) {
	store := fakePending{types.ResourceWorkouts: 3}
	subs := fakeSubs{
		{ResourceType: types.ResourceMessages, OwnerID: "chat-1", Role: types.RoleChat}:   types.SubscriptionActive,
		{ResourceType: types.ResourceMessages, OwnerID: "chat-2", Role: types.RoleChat}:   types.SubscriptionClosed,
		{ResourceType: types.ResourceGoals, OwnerID: "user-1", Role: types.RoleUser}:      types.SubscriptionErrored,
		{ResourceType: types.ResourceWorkouts, OwnerID: "client-1", Role: types.RoleClient}: types.SubscriptionConnecting,
	}

	NewCollector(store, subs).Collect()

	assert.Equal(t, 3.0, testutil.ToFloat64(PendingEntries.WithLabelValues("workouts")))
	assert.Equal(t, 0.0, testutil.ToFloat64(PendingEntries.WithLabelValues("goals")))
	assert.Equal(t, 1.0, testutil.ToFloat64(SubscriptionsActive.WithLabelValues("messages")))
	assert.Equal(t, 1.0, testutil.ToFloat64(SubscriptionsActive.WithLabelValues("workouts")))
	assert.Equal(t, 0.0, testutil.ToFloat64(SubscriptionsActive.WithLabelValues("goals")))
}
