package progress

import (
	"context"
	"testing"
	"time"

	"github.com/spcoaching/coachsync/pkg/remote"
	"github.com/spcoaching/coachsync/pkg/remote/remotetest"
	"github.com/spcoaching/coachsync/pkg/resource"
	"github.com/spcoaching/coachsync/pkg/storage"
	"github.com/spcoaching/coachsync/pkg/subscription"
	"github.com/spcoaching/coachsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	backend *remotetest.Backend
	goals   *remotetest.Table
	entries *remotetest.Table
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	backend := remotetest.NewBackend()
	goals := backend.Table(types.ResourceGoals)
	entries := backend.Table(types.ResourceProgressEntries)

	goals.Seed(
		map[string]any{"id": "g-1", "user_id": "u1", "title": "Reach 75kg", "target_value": 75, "current_value": 80, "unit": "kg", "status": "active", "category": "weight"},
		map[string]any{"id": "g-2", "user_id": "u1", "title": "Bench 100kg", "target_value": 100, "current_value": 90, "unit": "kg", "status": "active"},
		map[string]any{"id": "g-3", "user_id": "u1", "title": "Run 5k", "target_value": 5, "current_value": 5, "status": "completed"},
	)
	entries.Seed(
		map[string]any{"id": "p-1", "user_id": "u1", "date": "2025-01-01", "weight": 81.5, "body_fat": 21},
		map[string]any{"id": "p-2", "user_id": "u1", "date": "2025-01-20", "weight": 79.0, "body_fat": 19.5},
		map[string]any{"id": "p-3", "user_id": "u1", "date": "2025-01-10", "weight": 80.2, "body_fat": 20},
		map[string]any{"id": "p-4", "user_id": "u2", "date": "2025-01-15", "weight": 60},
	)

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	registry := subscription.NewRegistry(subscription.Options{})
	t.Cleanup(func() { registry.Close(context.Background()) })

	svc, err := NewService(goals, entries, resource.Config{Store: store, Registry: registry, Clock: backend.Clock})
	require.NoError(t, err)
	return &fixture{backend: backend, goals: goals, entries: entries, svc: svc}
}

func (f *fixture) goal(t *testing.T, id string) *types.Goal {
	t.Helper()
	res, err := f.svc.Goals(context.Background(), "u1")
	require.NoError(t, err)
	for _, g := range res.Records {
		if g.ID == id {
			return g
		}
	}
	t.Fatalf("goal %s not loaded", id)
	return nil
}

func TestGoalsNewestFirst(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Goals(context.Background(), "u1")
	require.NoError(t, err)
	var ids []string
	for _, g := range res.Records {
		ids = append(ids, g.ID)
	}
	assert.Equal(t, []string{"g-3", "g-2", "g-1"}, ids)
}

func TestRecordProgress(t *testing.T) {
	tests := []struct {
		name      string
		goalID    string
		value     float64
		completed bool
	}{
		{"losing weight, not there yet", "g-1", 77, false},
		{"losing weight, reached", "g-1", 74.8, true},
		{"gaining strength, not there yet", "g-2", 95, false},
		{"gaining strength, reached", "g-2", 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			g := f.goal(t, tt.goalID)

			got, err := f.svc.RecordProgress(context.Background(), g, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.value, got.CurrentValue)
			if tt.completed {
				assert.Equal(t, types.GoalCompleted, got.Status)
			} else {
				assert.Equal(t, types.GoalActive, got.Status)
			}
		})
	}
}

func TestGoalLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.goal(t, "g-1")

	_, err := f.svc.RecordProgress(ctx, f.goal(t, "g-3"), 6)
	assert.True(t, remote.IsValidation(err))

	g, err := f.svc.CancelGoal(ctx, "g-2")
	require.NoError(t, err)
	assert.Equal(t, types.GoalCancelled, g.Status)

	_, err = f.svc.CompleteGoal(ctx, "g-2")
	assert.True(t, remote.IsValidation(err))

	g, err = f.svc.CompleteGoal(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, types.GoalCompleted, g.Status)
}

func TestCreateGoalValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.svc.CreateGoal(ctx, &types.Goal{UserID: "u1", Title: "Body fat 15%", TargetValue: 15, CurrentValue: 19.5, TargetDate: "2025-06-30"})
	require.NoError(t, err)
	assert.Equal(t, types.GoalActive, g.Status)

	_, err = f.svc.CreateGoal(ctx, &types.Goal{UserID: "u1", Title: "Bad", TargetValue: 10, TargetDate: "30/06/2025"})
	assert.True(t, remote.IsValidation(err))
}

func TestEntriesLatestFirst(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Entries(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, res.Records, 3)
	assert.Equal(t, "2025-01-20", res.Records[0].Date)
	assert.Equal(t, "2025-01-01", res.Records[2].Date)

	e, ok, err := f.svc.EntryOn(context.Background(), "u1", "2025-01-10")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "p-3", e.ID)

	_, ok, err = f.svc.EntryOn(context.Background(), "u1", "2025-02-01")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecent(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2025, 1, 25, 9, 0, 0, 0, time.UTC)

	recent, err := f.svc.Recent(context.Background(), "u1", 20, now)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "p-3", recent[0].ID)
	assert.Equal(t, "p-2", recent[1].ID)
}

func TestStats(t *testing.T) {
	f := newFixture(t)

	stats, err := f.svc.Stats(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalMeasurements)
	require.NotNil(t, stats.LatestWeight)
	assert.Equal(t, 79.0, *stats.LatestWeight)
	require.NotNil(t, stats.WeightChange)
	assert.InDelta(t, -1.2, *stats.WeightChange, 1e-9)
	require.NotNil(t, stats.BodyFatChange)
	assert.InDelta(t, -0.5, *stats.BodyFatChange, 1e-9)
	assert.Equal(t, 2, stats.ActiveGoals)
	assert.Equal(t, 1, stats.CompletedGoals)

	stats, err = f.svc.Stats(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalMeasurements)
	assert.Nil(t, stats.LatestBodyFat)
	assert.Nil(t, stats.WeightChange)
	assert.Zero(t, stats.ActiveGoals)
}

func TestOfflineMeasurementIsListed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.SetOffline(true)

	e, err := f.svc.CreateEntry(ctx, &types.ProgressEntry{UserID: "u1", Date: "2025-01-24", Weight: 78.6})
	require.NoError(t, err)
	assert.True(t, resource.IsProvisional(e.ID))

	res, err := f.svc.Entries(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.FromFallback)
	require.Len(t, res.Records, 1)
	assert.Equal(t, 78.6, res.Records[0].Weight)

	_, err = f.svc.CreateEntry(ctx, &types.ProgressEntry{UserID: "u1", Date: "yesterday", Weight: 78})
	assert.True(t, remote.IsValidation(err))
}
