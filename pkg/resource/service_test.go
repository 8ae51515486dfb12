package resource

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spcoaching/coachsync/pkg/remote"
	"github.com/spcoaching/coachsync/pkg/remote/remotetest"
	"github.com/spcoaching/coachsync/pkg/storage"
	"github.com/spcoaching/coachsync/pkg/subscription"
	"github.com/spcoaching/coachsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	u1 = types.Owner{ID: "u1", Role: types.RoleUser}
	u2 = types.Owner{ID: "u2", Role: types.RoleUser}
)

func goalHooks() Hooks[*types.Goal] {
	return Hooks[*types.Goal]{
		ResourceType: types.ResourceGoals,
		Normalize:    JSONNormalizer[types.Goal](),
		Owners:       OwnerFields("user_id"),
		Filter:       RoleFilter(map[types.Role]string{types.RoleUser: "user_id"}),
	}
}

type fixture struct {
	backend  *remotetest.Backend
	table    *remotetest.Table
	store    storage.LocalStore
	registry *subscription.Registry
	svc      *Service[*types.Goal]
}

func newFixture(t *testing.T, configure ...func(*Config)) *fixture {
	t.Helper()

	backend := remotetest.NewBackend()
	table := backend.Table(types.ResourceGoals)
	table.Seed(
		map[string]any{"id": "g-1", "user_id": "u1", "title": "Lose 5kg", "target_value": 75, "current_value": 80, "status": "active"},
		map[string]any{"id": "g-2", "user_id": "u1", "title": "Run 5k", "target_value": 5, "current_value": 2, "status": "active"},
		map[string]any{"id": "g-3", "user_id": "u2", "title": "Bench 100kg", "target_value": 100, "current_value": 70, "status": "active"},
	)

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := subscription.NewRegistry(subscription.Options{})
	t.Cleanup(func() { registry.Close(context.Background()) })

	cfg := Config{Client: table, Store: store, Registry: registry, Clock: backend.Clock}
	for _, fn := range configure {
		fn(&cfg)
	}
	svc, err := NewService(goalHooks(), cfg)
	require.NoError(t, err)

	return &fixture{backend: backend, table: table, store: store, registry: registry, svc: svc}
}

func ids(records []*types.Goal) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func newGoal(user, title string) *types.Goal {
	return &types.Goal{UserID: user, Title: title, TargetValue: 10, Status: types.GoalActive}
}

func TestNewServiceRejectsMismatchedClient(t *testing.T) {
	backend := remotetest.NewBackend()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, err = NewService(goalHooks(), Config{
		Client:   backend.Table(types.ResourceWorkouts),
		Store:    store,
		Registry: subscription.NewRegistry(subscription.Options{}),
	})
	assert.Error(t, err)

	_, err = NewService(Hooks[*types.Goal]{ResourceType: types.ResourceGoals}, Config{})
	assert.Error(t, err)
}

func TestLoadRemote(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Load(context.Background(), u1)
	require.NoError(t, err)
	assert.False(t, res.FromFallback)
	assert.Equal(t, []string{"g-1", "g-2"}, ids(res.Records))
	for _, g := range res.Records {
		assert.Equal(t, types.OriginRemote, g.Origin)
	}
	assert.Equal(t, "Lose 5kg", res.Records[0].Title)
}

func TestLoadRejectsUnsupportedRole(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Load(context.Background(), types.Owner{ID: "c1", Role: types.RoleCoach})
	require.Error(t, err)
	assert.True(t, remote.IsValidation(err))
	assert.Equal(t, 0, f.table.Calls(remotetest.OpFetch))
}

// TestFallbackReturnsExactlyStagedSet tests that an unreachable backend yields
// the owner's staged puts and nothing else
func TestFallbackReturnsExactlyStagedSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Load(ctx, u1)
	require.NoError(t, err)

	f.backend.SetOffline(true)

	updated, err := f.svc.Update(ctx, "g-1", map[string]any{"current_value": 78})
	require.NoError(t, err)
	assert.Equal(t, types.OriginLocalPending, updated.Origin)
	assert.Equal(t, 78.0, updated.CurrentValue)
	assert.Equal(t, "Lose 5kg", updated.Title)

	created, err := f.svc.Create(ctx, newGoal("u1", "Swim 1km"))
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, newGoal("u2", "Deadlift 150kg"))
	require.NoError(t, err)

	origin, err := f.svc.Remove(ctx, "g-2")
	require.NoError(t, err)
	assert.Equal(t, types.OriginLocalPending, origin)

	res, err := f.svc.Load(ctx, u1)
	require.NoError(t, err)
	assert.True(t, res.FromFallback)
	assert.ElementsMatch(t, []string{"g-1", created.ID}, ids(res.Records))
	for _, g := range res.Records {
		assert.Equal(t, types.OriginLocalPending, g.Origin)
	}

	pending, err := f.svc.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 4)
}

func TestPermissionErrorIsNotMaskedByFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.table.FailOn(remotetest.OpFetch, remotetest.AnyID, remote.KindPermission)
	_, err := f.svc.Load(ctx, u1)
	require.Error(t, err)
	assert.True(t, remote.IsPermission(err))

	f.table.FailOn(remotetest.OpCreate, remotetest.AnyID, remote.KindPermission)
	_, err = f.svc.Create(ctx, newGoal("u1", "Swim 1km"))
	require.Error(t, err)
	assert.True(t, remote.IsPermission(err))

	f.table.FailOn(remotetest.OpUpdate, "g-1", remote.KindValidation)
	_, err = f.svc.Update(ctx, "g-1", map[string]any{"target_value": -1})
	require.Error(t, err)
	assert.True(t, remote.IsValidation(err))

	pending, err := f.svc.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTransientCreateGetsProvisionalID(t *testing.T) {
	f := newFixture(t)
	f.backend.SetOffline(true)

	g, err := f.svc.Create(context.Background(), newGoal("u1", "Swim 1km"))
	require.NoError(t, err)
	assert.True(t, IsProvisional(g.ID))
	assert.Equal(t, types.OriginLocalPending, g.Origin)
	assert.False(t, g.Synced())
	assert.Equal(t, "Swim 1km", g.Title)
	assert.False(t, g.CreatedAt.IsZero())

	entry, err := f.store.Get(types.ResourceGoals, g.ID)
	require.NoError(t, err)
	assert.True(t, entry.Provisional)
	assert.Equal(t, types.OperationPut, entry.Operation)
	assert.Equal(t, []string{"u1"}, entry.Owners)
}

type failingStore struct {
	storage.LocalStore
}

func (failingStore) Put(*types.LocalFallbackEntry) error {
	return errors.New("no space left on device")
}

func TestStagingFailureIsStorageError(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.Store = failingStore{cfg.Store} })
	f.backend.SetOffline(true)

	_, err := f.svc.Create(context.Background(), newGoal("u1", "Swim 1km"))
	require.Error(t, err)
	assert.True(t, storage.IsStorageError(err))
	assert.False(t, remote.IsTransient(err))

	var se *storage.StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "put", se.Op)
	assert.Equal(t, types.ResourceGoals, se.ResourceType)
}

func TestValidateHookRejectsBeforeRemote(t *testing.T) {
	f := newFixture(t)
	hooks := goalHooks()
	hooks.Validate = func(g *types.Goal) error {
		if g.Title == "" {
			return errors.New("title is required")
		}
		return nil
	}
	svc, err := NewService(hooks, Config{Client: f.table, Store: f.store, Registry: f.registry})
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), newGoal("u1", ""))
	require.Error(t, err)
	assert.True(t, remote.IsValidation(err))
	assert.Equal(t, 0, f.table.Calls(remotetest.OpCreate))
}

// TestReplayReconciles tests that replayed writes reach the backend and a
// later load no longer shows pending copies
func TestReplayReconciles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Load(ctx, u1)
	require.NoError(t, err)
	f.backend.SetOffline(true)

	created, err := f.svc.Create(ctx, newGoal("u1", "Swim 1km"))
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, "g-1", map[string]any{"current_value": 78})
	require.NoError(t, err)
	_, err = f.svc.Remove(ctx, "g-2")
	require.NoError(t, err)

	f.backend.SetOffline(false)

	res, err := f.svc.Replay(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Replayed, 3)
	assert.Zero(t, res.Kept)
	assert.Empty(t, res.Discarded)

	var serverID string
	for _, r := range res.Replayed {
		if r.RecordID == created.ID {
			serverID = r.ServerID
		}
	}
	require.NotEmpty(t, serverID)
	assert.False(t, IsProvisional(serverID))
	assert.Equal(t, "Swim 1km", f.table.Row(serverID)["title"])
	assert.EqualValues(t, 78, f.table.Row("g-1")["current_value"])
	assert.Nil(t, f.table.Row("g-2"))

	pending, err := f.svc.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	loaded, err := f.svc.Load(ctx, u1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"g-1", serverID}, ids(loaded.Records))
	for _, g := range loaded.Records {
		assert.Equal(t, types.OriginRemote, g.Origin)
	}
}

func TestReplayPausesWhileUnreachable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.SetOffline(true)

	for _, title := range []string{"Swim 1km", "Row 2km"} {
		_, err := f.svc.Create(ctx, newGoal("u1", title))
		require.NoError(t, err)
	}

	res, err := f.svc.Replay(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Replayed)
	assert.Equal(t, 2, res.Kept)
	// two offline creates plus one replay attempt
	assert.Equal(t, 3, f.table.Calls(remotetest.OpCreate))

	pending, err := f.svc.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestReplayDiscardsRejectedWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.SetOffline(true)

	created, err := f.svc.Create(ctx, newGoal("u1", "Swim 1km"))
	require.NoError(t, err)

	f.backend.SetOffline(false)
	f.table.FailOn(remotetest.OpCreate, remotetest.AnyID, remote.KindPermission)

	res, err := f.svc.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, res.Discarded, 1)
	assert.Equal(t, created.ID, res.Discarded[0].RecordID)
	assert.True(t, remote.IsPermission(res.Discarded[0].Err))

	pending, err := f.svc.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLoadOverlaysNewerStagedWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Load(ctx, u1)
	require.NoError(t, err)
	f.backend.SetOffline(true)
	_, err = f.svc.Update(ctx, "g-1", map[string]any{"current_value": 78})
	require.NoError(t, err)
	_, err = f.svc.Remove(ctx, "g-2")
	require.NoError(t, err)
	f.backend.SetOffline(false)

	// the backend has not seen either write yet
	res, err := f.svc.Load(ctx, u1)
	require.NoError(t, err)
	require.Equal(t, []string{"g-1"}, ids(res.Records))
	assert.Equal(t, types.OriginLocalPending, res.Records[0].Origin)
	assert.Equal(t, 78.0, res.Records[0].CurrentValue)

	pending, err := f.svc.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestLoadDropsEntriesTheBackendCaughtUpWith(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Load(ctx, u1)
	require.NoError(t, err)
	f.backend.SetOffline(true)
	_, err = f.svc.Update(ctx, "g-1", map[string]any{"current_value": 78})
	require.NoError(t, err)
	f.backend.SetOffline(false)

	// a later write from another device
	_, err = f.table.Update(ctx, "g-1", map[string]any{"current_value": 77})
	require.NoError(t, err)

	res, err := f.svc.Load(ctx, u1)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, types.OriginRemote, res.Records[0].Origin)
	assert.Equal(t, 77.0, res.Records[0].CurrentValue)

	_, err = f.store.Get(types.ResourceGoals, "g-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSuccessfulWriteCarriesAndClearsStagedChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Load(ctx, u1)
	require.NoError(t, err)
	f.backend.SetOffline(true)
	_, err = f.svc.Update(ctx, "g-1", map[string]any{"current_value": 78})
	require.NoError(t, err)
	f.backend.SetOffline(false)

	g, err := f.svc.Update(ctx, "g-1", map[string]any{"title": "Lose 6kg"})
	require.NoError(t, err)
	assert.Equal(t, types.OriginRemote, g.Origin)
	assert.Equal(t, 78.0, g.CurrentValue)
	assert.Equal(t, "Lose 6kg", g.Title)

	pending, err := f.svc.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProvisionalRecordsStayLocal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.SetOffline(true)

	created, err := f.svc.Create(ctx, newGoal("u1", "Swim 1km"))
	require.NoError(t, err)
	f.backend.SetOffline(false)

	g, err := f.svc.Update(ctx, created.ID, map[string]any{"title": "Swim 2km"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, g.ID)
	assert.Equal(t, "Swim 2km", g.Title)
	assert.Equal(t, types.OriginLocalPending, g.Origin)
	assert.Equal(t, 0, f.table.Calls(remotetest.OpUpdate))

	entry, err := f.store.Get(types.ResourceGoals, created.ID)
	require.NoError(t, err)
	assert.True(t, entry.Provisional)

	origin, err := f.svc.Remove(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OriginLocalPending, origin)
	assert.Equal(t, 0, f.table.Calls(remotetest.OpDelete))

	pending, err := f.svc.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = f.svc.Update(ctx, created.ID, map[string]any{"title": "gone"})
	assert.True(t, remote.IsNotFound(err))
}

func TestUpdateOfPendingDeleteIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.SetOffline(true)

	_, err := f.svc.Remove(ctx, "g-1")
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, "g-1", map[string]any{"title": "x"})
	assert.True(t, remote.IsNotFound(err))
}

type blockingTable struct {
	*remotetest.Table
	entered chan struct{}
	release chan struct{}
}

func (b *blockingTable) Update(ctx context.Context, id string, partial map[string]any) (json.RawMessage, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.Table.Update(ctx, id, partial)
}

func TestConcurrentMutationIsRejected(t *testing.T) {
	var bt *blockingTable
	f := newFixture(t, func(cfg *Config) {
		bt = &blockingTable{Table: cfg.Client.(*remotetest.Table), entered: make(chan struct{}, 4), release: make(chan struct{})}
		cfg.Client = bt
	})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Update(ctx, "g-1", map[string]any{"current_value": 79})
		done <- err
	}()
	<-bt.entered

	_, err := f.svc.Update(ctx, "g-1", map[string]any{"current_value": 79})
	assert.ErrorIs(t, err, ErrMutationInFlight)
	_, err = f.svc.Remove(ctx, "g-1")
	assert.ErrorIs(t, err, ErrMutationInFlight)

	close(bt.release)
	require.NoError(t, <-done)

	// the token is released afterwards
	_, err = f.svc.Update(ctx, "g-1", map[string]any{"current_value": 78})
	assert.NoError(t, err)
}

// holdingTable parks the next Update once hold is set
type holdingTable struct {
	*remotetest.Table
	hold    atomic.Bool
	entered chan struct{}
	resume  chan struct{}
}

func (h *holdingTable) Update(ctx context.Context, id string, partial map[string]any) (json.RawMessage, error) {
	if h.hold.CompareAndSwap(true, false) {
		h.entered <- struct{}{}
		<-h.resume
	}
	return h.Table.Update(ctx, id, partial)
}

func TestReplayKeepsNewerStagedWrite(t *testing.T) {
	var ht *holdingTable
	f := newFixture(t, func(cfg *Config) {
		ht = &holdingTable{Table: cfg.Client.(*remotetest.Table), entered: make(chan struct{}, 1), resume: make(chan struct{})}
		cfg.Client = ht
	})
	ctx := context.Background()

	f.backend.SetOffline(true)
	_, err := f.svc.Update(ctx, "g-1", map[string]any{"title": "A"})
	require.NoError(t, err)
	f.backend.SetOffline(false)

	ht.hold.Store(true)
	done := make(chan *ReplayResult, 1)
	go func() {
		res, err := f.svc.Replay(ctx)
		assert.NoError(t, err)
		done <- res
	}()
	<-ht.entered

	// replay holds the record's token
	_, err = f.svc.Update(ctx, "g-1", map[string]any{"current_value": 79})
	assert.ErrorIs(t, err, ErrMutationInFlight)

	// a newer write lands in the store while the older one is on the wire
	staged, err := f.store.Get(types.ResourceGoals, "g-1")
	require.NoError(t, err)
	newer := *staged
	newer.Patch = json.RawMessage(`{"current_value":79,"title":"A"}`)
	newer.QueuedAt = staged.QueuedAt.Add(time.Second)
	require.NoError(t, f.store.Put(&newer))

	close(ht.resume)
	res := <-done
	require.Len(t, res.Replayed, 1)
	assert.Equal(t, "A", f.table.Row("g-1")["title"])

	pending, err := f.svc.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"current_value":79,"title":"A"}`, string(pending[0].Patch))

	res, err = f.svc.Replay(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Replayed, 1)
	assert.EqualValues(t, 79, f.table.Row("g-1")["current_value"])

	pending, err = f.svc.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

type changeLog struct {
	mu      sync.Mutex
	changes []Change[*types.Goal]
}

func (c *changeLog) add(ch Change[*types.Goal]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, ch)
}

func (c *changeLog) all() []Change[*types.Goal] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Change[*types.Goal](nil), c.changes...)
}

func TestChangeEventReconcilesStagedEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Load(ctx, u1)
	require.NoError(t, err)

	log := &changeLog{}
	require.NoError(t, f.svc.Subscribe(ctx, u1, log.add, nil))
	assert.Equal(t, types.SubscriptionActive, f.svc.Status(u1))

	f.backend.SetOffline(true)
	_, err = f.svc.Update(ctx, "g-1", map[string]any{"current_value": 78})
	require.NoError(t, err)
	f.backend.SetOffline(false)

	_, err = f.table.Update(ctx, "g-1", map[string]any{"current_value": 76})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(log.all()) == 1 }, time.Second, 5*time.Millisecond)
	ch := log.all()[0]
	assert.Equal(t, types.ChangeUpdated, ch.Kind)
	assert.Equal(t, types.OriginRemote, ch.Record.Origin)
	assert.Equal(t, 76.0, ch.Record.CurrentValue)

	_, err = f.store.Get(types.ResourceGoals, "g-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRemoteDeleteYieldsTombstone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	log := &changeLog{}
	require.NoError(t, f.svc.Subscribe(ctx, u1, log.add, nil))
	require.NoError(t, f.table.Delete(ctx, "g-2"))

	require.Eventually(t, func() bool { return len(log.all()) == 1 }, time.Second, 5*time.Millisecond)
	ch := log.all()[0]
	assert.True(t, ch.Tombstone)
	assert.Equal(t, "g-2", ch.ID)
	assert.Nil(t, ch.Record)

	f.svc.Unsubscribe(ctx, u1)
	assert.Equal(t, types.SubscriptionClosed, f.svc.Status(u1))
	assert.Equal(t, 0, f.table.OpenFeeds())
}

func TestSubscribeOnlySeesOwnersRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	log := &changeLog{}
	require.NoError(t, f.svc.Subscribe(ctx, u2, log.add, nil))

	_, err := f.svc.Update(ctx, "g-1", map[string]any{"title": "Lose 6kg"})
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, "g-3", map[string]any{"current_value": 72})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(log.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "g-3", log.all()[0].ID)
}

func TestClearPending(t *testing.T) {
	f := newFixture(t)
	f.backend.SetOffline(true)

	_, err := f.svc.Create(context.Background(), newGoal("u1", "Swim 1km"))
	require.NoError(t, err)
	require.NoError(t, f.svc.ClearPending())

	pending, err := f.svc.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}
