package resource

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/spcoaching/coachsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func goalAt(id string, created, updated time.Time, origin types.Origin, title string) *types.Goal {
	return &types.Goal{
		Meta:  types.Meta{ID: id, CreatedAt: created, UpdatedAt: updated, Origin: origin},
		Title: title,
	}
}

func TestCollectionFreshestWins(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 7, 0, 0, 0, time.UTC)
	t1, t2, t3 := t0.Add(time.Minute), t0.Add(2*time.Minute), t0.Add(3*time.Minute)

	c := NewCollection(goalAt("g-1", t0, t2, types.OriginRemote, "remote"))

	tests := []struct {
		name   string
		rec    *types.Goal
		stored bool
		title  string
	}{
		{"older local copy", goalAt("g-1", t0, t1, types.OriginLocalPending, "stale"), false, "remote"},
		{"local copy on a tie", goalAt("g-1", t0, t2, types.OriginLocalPending, "tie"), false, "remote"},
		{"newer local copy", goalAt("g-1", t0, t3, types.OriginLocalPending, "local"), true, "local"},
		{"remote copy on a tie", goalAt("g-1", t0, t3, types.OriginRemote, "confirmed"), true, "confirmed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.stored, c.Put(tt.rec))
			got, ok := c.Get("g-1")
			require.True(t, ok)
			assert.Equal(t, tt.title, got.Title)
		})
	}
}

func TestCollectionApply(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 7, 0, 0, 0, time.UTC)
	c := NewCollection[*types.Goal]()

	c.Apply(Change[*types.Goal]{Kind: types.ChangeCreated, ID: "g-2", Record: goalAt("g-2", t0.Add(time.Hour), t0, types.OriginRemote, "b")})
	c.Apply(Change[*types.Goal]{Kind: types.ChangeCreated, ID: "g-1", Record: goalAt("g-1", t0, t0, types.OriginRemote, "a")})
	c.Apply(Change[*types.Goal]{Kind: types.ChangeCreated, ID: "g-3", Record: goalAt("g-3", t0.Add(2*time.Hour), t0, types.OriginRemote, "c")})
	assert.Equal(t, []string{"g-1", "g-2", "g-3"}, ids(c.Items()))

	assert.True(t, c.Apply(Change[*types.Goal]{Kind: types.ChangeDeleted, ID: "g-2", Tombstone: true}))
	assert.False(t, c.Apply(Change[*types.Goal]{Kind: types.ChangeDeleted, ID: "g-2", Tombstone: true}))
	assert.Equal(t, []string{"g-1", "g-3"}, ids(c.Items()))
	assert.Equal(t, 2, c.Len())

	c.Replace([]*types.Goal{goalAt("g-9", t0, t0, types.OriginRemote, "z")})
	assert.Equal(t, []string{"g-9"}, ids(c.Items()))
}

func TestCarryOverKeepsEmbeddedRelations(t *testing.T) {
	previous := json.RawMessage(`{"id":"w-1","name":"Leg day","exercises":[{"id":"e-1"}]}`)
	event := json.RawMessage(`{"id":"w-1","name":"Leg day v2"}`)

	got := carryOver(event, previous, []string{"exercises"})
	assert.JSONEq(t, `{"id":"w-1","name":"Leg day v2","exercises":[{"id":"e-1"}]}`, string(got))

	// keys present in the event win
	event = json.RawMessage(`{"id":"w-1","exercises":[]}`)
	assert.JSONEq(t, string(event), string(carryOver(event, previous, []string{"exercises"})))
}

func TestEncodeForCreateDropsServerFields(t *testing.T) {
	w := &types.Workout{
		Meta:      types.Meta{ID: "ignored", CreatedAt: time.Now()},
		Name:      "Leg day",
		ClientID:  "client-1",
		Exercises: []*types.Exercise{{Name: "Squat"}},
	}
	payload, err := encodeForCreate(w, []string{"exercises"})
	require.NoError(t, err)

	m, err := toMap(payload)
	require.NoError(t, err)
	for _, k := range []string{"id", "created_at", "updated_at", "exercises"} {
		assert.NotContains(t, m, k)
	}
	assert.Equal(t, "Leg day", m["name"])
}
