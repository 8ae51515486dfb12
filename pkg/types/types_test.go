package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFresher tests the freshest-updatedAt-wins rule
func TestFresher(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		a        *Meta
		b        *Meta
		expected bool
	}{
		{
			name:     "newer replaces older",
			a:        &Meta{UpdatedAt: base.Add(time.Second), Origin: OriginLocalPending},
			b:        &Meta{UpdatedAt: base, Origin: OriginRemote},
			expected: true,
		},
		{
			name:     "older never replaces newer",
			a:        &Meta{UpdatedAt: base, Origin: OriginRemote},
			b:        &Meta{UpdatedAt: base.Add(time.Second), Origin: OriginLocalPending},
			expected: false,
		},
		{
			name:     "tie prefers remote",
			a:        &Meta{UpdatedAt: base, Origin: OriginRemote},
			b:        &Meta{UpdatedAt: base, Origin: OriginLocalPending},
			expected: true,
		},
		{
			name:     "tie between remotes keeps current",
			a:        &Meta{UpdatedAt: base, Origin: OriginRemote},
			b:        &Meta{UpdatedAt: base, Origin: OriginRemote},
			expected: false,
		},
		{
			name:     "anything replaces nothing",
			a:        &Meta{UpdatedAt: base},
			b:        nil,
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Fresher(tt.a, tt.b))
		})
	}
}

// TestSubscriptionKey tests key construction and rendering
func TestSubscriptionKey(t *testing.T) {
	owner := Owner{ID: "client-1", Role: RoleClient}
	key := KeyFor(ResourceWorkouts, owner)

	assert.Equal(t, SubscriptionKey{ResourceType: ResourceWorkouts, OwnerID: "client-1", Role: RoleClient}, key)
	assert.Equal(t, "workouts/client/client-1", key.String())
	assert.NotEqual(t, key, KeyFor(ResourceWorkouts, Owner{ID: "client-1", Role: RoleCoach}))
}

func TestParseResourceType(t *testing.T) {
	rt, err := ParseResourceType("meal_plans")
	require.NoError(t, err)
	assert.Equal(t, ResourceMealPlans, rt)

	_, err = ParseResourceType("nope")
	assert.Error(t, err)
}

// TestCompositeResult tests partial-success reporting
func TestCompositeResult(t *testing.T) {
	res := &CompositeResult{}
	assert.True(t, res.OK())
	assert.False(t, res.Partial())
	assert.NoError(t, res.Err())

	boom := errors.New("boom")
	res.Succeeded = []string{"ex-1", "ex-3"}
	res.Failed = []SubFailure{{RecordID: "ex-2", Err: boom}}

	assert.False(t, res.OK())
	assert.True(t, res.Partial())
	assert.Equal(t, []string{"ex-2"}, res.FailedIDs())
	assert.ErrorIs(t, res.Err(), boom)
	assert.Contains(t, res.Err().Error(), "ex-2")
}

func TestLocalFallbackEntryOwnedBy(t *testing.T) {
	e := &LocalFallbackEntry{Owners: []string{"coach-1", "client-1"}}
	assert.True(t, e.OwnedBy("client-1"))
	assert.False(t, e.OwnedBy("client-2"))
}
