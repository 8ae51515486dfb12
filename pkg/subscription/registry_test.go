package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spcoaching/coachsync/pkg/events"
	"github.com/spcoaching/coachsync/pkg/remote"
	"github.com/spcoaching/coachsync/pkg/remote/remotetest"
	"github.com/spcoaching/coachsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	coachKey  = types.SubscriptionKey{ResourceType: types.ResourceWorkouts, OwnerID: "coach-1", Role: types.RoleCoach}
	clientKey = types.SubscriptionKey{ResourceType: types.ResourceWorkouts, OwnerID: "client-1", Role: types.RoleClient}
)

// recorder collects delivered events and errors
type recorder struct {
	mu     sync.Mutex
	events []types.ChangeEvent
	errs   []error
}

func (r *recorder) handle(ev types.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, fmt.Sprintf("%s:%s", ev.RecordID, ev.Kind))
	}
	return out
}

func (r *recorder) errCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

// captureClient keeps the callbacks of every feed so tests can drive them
// directly, and logs open/close calls in order.
type captureClient struct {
	remote.ResourceClient

	mu      sync.Mutex
	seq     int
	log     []string
	onEvent map[string]remote.EventHandler
	onError map[string]remote.ErrorHandler
	openErr error
}

func newCaptureClient() *captureClient {
	return &captureClient{
		onEvent: make(map[string]remote.EventHandler),
		onError: make(map[string]remote.ErrorHandler),
	}
}

func (c *captureClient) ResourceType() types.ResourceType { return types.ResourceWorkouts }

func (c *captureClient) OpenChangeFeed(ctx context.Context, filter remote.Filter, onEvent remote.EventHandler, onError remote.ErrorHandler) (remote.ChannelHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		c.log = append(c.log, "open-failed")
		return remote.ChannelHandle{}, c.openErr
	}
	c.seq++
	id := fmt.Sprintf("h%d", c.seq)
	c.onEvent[id] = onEvent
	c.onError[id] = onError
	c.log = append(c.log, "open:"+id)
	return remote.ChannelHandle{ID: id, Topic: "t-" + id}, nil
}

func (c *captureClient) CloseChangeFeed(ctx context.Context, handle remote.ChannelHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, "close:"+handle.ID)
	return nil
}

func (c *captureClient) push(id string, ev types.ChangeEvent) {
	c.mu.Lock()
	h := c.onEvent[id]
	c.mu.Unlock()
	h(ev)
}

func (c *captureClient) failFeed(id string, err error) {
	c.mu.Lock()
	h := c.onError[id]
	c.mu.Unlock()
	h(err)
}

func (c *captureClient) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

func created(id string) types.ChangeEvent {
	return types.ChangeEvent{Kind: types.ChangeCreated, ResourceType: types.ResourceWorkouts, RecordID: id, Payload: json.RawMessage(`{"id":"` + id + `"}`)}
}

func TestSubscribeActivates(t *testing.T) {
	backend := remotetest.NewBackend()
	table := backend.Table(types.ResourceWorkouts)
	r := NewRegistry(Options{})
	defer r.Close(context.Background())

	assert.Equal(t, types.SubscriptionIdle, r.Status(coachKey))

	rec := &recorder{}
	err := r.Subscribe(context.Background(), coachKey, table, remote.Eq("coach_id", "coach-1"), rec.handle, rec.fail)
	require.NoError(t, err)

	assert.Equal(t, types.SubscriptionActive, r.Status(coachKey))
	assert.Equal(t, 1, table.OpenFeeds())
	assert.Equal(t, 1, r.Len())

	handle, ok := r.Handle(coachKey)
	require.True(t, ok)
	assert.Equal(t, table.Opened()[0], handle)
}

func TestResubscribeClosesPreviousFeedFirst(t *testing.T) {
	c := newCaptureClient()
	r := NewRegistry(Options{})
	defer r.Close(context.Background())

	rec := &recorder{}
	require.NoError(t, r.Subscribe(context.Background(), coachKey, c, remote.Filter{}, rec.handle, rec.fail))
	require.NoError(t, r.Subscribe(context.Background(), coachKey, c, remote.Filter{}, rec.handle, rec.fail))

	assert.Equal(t, []string{"open:h1", "close:h1", "open:h2"}, c.calls())
	assert.Equal(t, 1, r.Len())

	// the old feed's callbacks are dead
	c.push("h1", created("stale"))
	c.push("h2", created("fresh"))
	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"fresh:created"}, rec.ids())
}

func TestAtMostOneFeedPerKeyUnderConcurrency(t *testing.T) {
	backend := remotetest.NewBackend()
	table := backend.Table(types.ResourceWorkouts)
	r := NewRegistry(Options{})
	defer r.Close(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Subscribe(context.Background(), coachKey, table, remote.Filter{}, nil, nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, table.OpenFeeds())
	assert.Len(t, table.Opened(), 20)
	assert.Len(t, table.Closed(), 19)
}

func TestEventsDeliveredInOrder(t *testing.T) {
	backend := remotetest.NewBackend()
	table := backend.Table(types.ResourceWorkouts)
	table.ManualEvents(true)
	r := NewRegistry(Options{})
	defer r.Close(context.Background())

	rec := &recorder{}
	require.NoError(t, r.Subscribe(context.Background(), coachKey, table, remote.Filter{}, rec.handle, rec.fail))

	table.Emit(types.ChangeCreated, "m1", map[string]any{"id": "m1"})
	table.Emit(types.ChangeCreated, "m2", map[string]any{"id": "m2"})
	table.Emit(types.ChangeUpdated, "m1", map[string]any{"id": "m1", "name": "x"})

	require.Eventually(t, func() bool { return len(rec.ids()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1:created", "m2:created", "m1:updated"}, rec.ids())
}

func TestFIFOAcrossManyEvents(t *testing.T) {
	c := newCaptureClient()
	r := NewRegistry(Options{QueueSize: 4})
	defer r.Close(context.Background())

	rec := &recorder{}
	require.NoError(t, r.Subscribe(context.Background(), coachKey, c, remote.Filter{}, rec.handle, rec.fail))

	var want []string
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("r%d", i)
		want = append(want, id+":created")
		c.push("h1", created(id))
	}

	require.Eventually(t, func() bool { return len(rec.ids()) == 100 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, rec.ids())
}

func TestNoDeliveryAfterUnsubscribe(t *testing.T) {
	c := newCaptureClient()
	r := NewRegistry(Options{})
	defer r.Close(context.Background())

	rec := &recorder{}
	require.NoError(t, r.Subscribe(context.Background(), coachKey, c, remote.Filter{}, rec.handle, rec.fail))

	c.push("h1", created("before"))
	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, time.Second, 5*time.Millisecond)

	r.Unsubscribe(context.Background(), coachKey)
	assert.Equal(t, types.SubscriptionClosed, r.Status(coachKey))

	// a late event from the producer must not reach the handler
	c.push("h1", created("after"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"before:created"}, rec.ids())
	assert.Zero(t, rec.errCount())
}

func TestUnsubscribeWaitsForRunningHandler(t *testing.T) {
	c := newCaptureClient()
	r := NewRegistry(Options{CloseWait: 5 * time.Second})
	defer r.Close(context.Background())

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	handler := func(types.ChangeEvent) {
		close(entered)
		<-release
		finished.Store(true)
	}
	require.NoError(t, r.Subscribe(context.Background(), coachKey, c, remote.Filter{}, handler, nil))

	c.push("h1", created("slow"))
	<-entered

	unsubscribed := make(chan struct{})
	go func() {
		r.Unsubscribe(context.Background(), coachKey)
		close(unsubscribed)
	}()

	select {
	case <-unsubscribed:
		t.Fatal("Unsubscribe returned while the handler was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-unsubscribed:
	case <-time.After(time.Second):
		t.Fatal("Unsubscribe did not return after the handler finished")
	}
	assert.True(t, finished.Load())
}

func TestHandlerMayUnsubscribeItself(t *testing.T) {
	c := newCaptureClient()
	r := NewRegistry(Options{CloseWait: 20 * time.Millisecond})
	defer r.Close(context.Background())

	done := make(chan struct{})
	handler := func(types.ChangeEvent) {
		r.Unsubscribe(context.Background(), coachKey)
		close(done)
	}
	require.NoError(t, r.Subscribe(context.Background(), coachKey, c, remote.Filter{}, handler, nil))

	c.push("h1", created("last"))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler blocked on its own unsubscribe")
	}
	assert.Equal(t, types.SubscriptionClosed, r.Status(coachKey))
	assert.Equal(t, []string{"open:h1", "close:h1"}, c.calls())
}

func TestOfflineCloseReleasesFeed(t *testing.T) {
	backend := remotetest.NewBackend()
	table := backend.Table(types.ResourceWorkouts)
	r := NewRegistry(Options{})
	defer r.Close(context.Background())

	require.NoError(t, r.Subscribe(context.Background(), coachKey, table, remote.Filter{}, nil, nil))
	backend.SetOffline(true)

	r.Unsubscribe(context.Background(), coachKey)

	assert.Equal(t, types.SubscriptionClosed, r.Status(coachKey))
	assert.Zero(t, table.OpenFeeds())
	assert.Len(t, table.Closed(), 1)
	assert.Equal(t, 1, table.Calls(remotetest.OpCloseFeed))
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	backend := remotetest.NewBackend()
	table := backend.Table(types.ResourceWorkouts)
	r := NewRegistry(Options{})
	defer r.Close(context.Background())

	r.Unsubscribe(context.Background(), coachKey) // unknown key

	require.NoError(t, r.Subscribe(context.Background(), coachKey, table, remote.Filter{}, nil, nil))
	r.Unsubscribe(context.Background(), coachKey)
	r.Unsubscribe(context.Background(), coachKey)

	assert.Equal(t, 1, table.Calls(remotetest.OpCloseFeed))
	assert.Equal(t, 0, table.OpenFeeds())
	assert.Equal(t, 0, r.Len())
}

func TestFeedFailureReportsOnce(t *testing.T) {
	c := newCaptureClient()
	r := NewRegistry(Options{})
	defer r.Close(context.Background())

	rec := &recorder{}
	require.NoError(t, r.Subscribe(context.Background(), coachKey, c, remote.Filter{}, rec.handle, rec.fail))

	c.push("h1", created("m1"))
	c.failFeed("h1", errors.New("socket closed"))
	c.failFeed("h1", errors.New("socket closed again"))
	c.push("h1", created("m2"))

	require.Eventually(t, func() bool { return rec.errCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, rec.errCount())
	assert.Equal(t, []string{"m1:created"}, rec.ids())
	assert.Equal(t, types.SubscriptionErrored, r.Status(coachKey))

	var chErr *ChannelError
	require.ErrorAs(t, rec.errs[0], &chErr)
	assert.Equal(t, coachKey, chErr.Key)

	// no automatic retry
	assert.Equal(t, []string{"open:h1"}, c.calls())
}

func TestErroredSubscriptionCanBeReplaced(t *testing.T) {
	backend := remotetest.NewBackend()
	table := backend.Table(types.ResourceWorkouts)
	r := NewRegistry(Options{})
	defer r.Close(context.Background())

	rec := &recorder{}
	require.NoError(t, r.Subscribe(context.Background(), coachKey, table, remote.Filter{}, rec.handle, rec.fail))
	table.FailFeed(table.Opened()[0], errors.New("dropped"))
	require.Eventually(t, func() bool { return r.Status(coachKey) == types.SubscriptionErrored }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Subscribe(context.Background(), coachKey, table, remote.Filter{}, rec.handle, rec.fail))
	assert.Equal(t, types.SubscriptionActive, r.Status(coachKey))
	assert.Equal(t, 1, table.OpenFeeds())
}

func TestOpenFailure(t *testing.T) {
	backend := remotetest.NewBackend()
	table := backend.Table(types.ResourceWorkouts)
	table.FailOn(remotetest.OpOpenFeed, remotetest.AnyID, remote.KindTransient)
	r := NewRegistry(Options{})
	defer r.Close(context.Background())

	rec := &recorder{}
	err := r.Subscribe(context.Background(), coachKey, table, remote.Filter{}, rec.handle, rec.fail)
	require.Error(t, err)
	assert.True(t, remote.IsTransient(err))

	var chErr *ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, types.SubscriptionErrored, r.Status(coachKey))
	assert.Equal(t, 1, rec.errCount())
	assert.Equal(t, 0, table.OpenFeeds())
}

func TestUnsubscribeAllSkipsClosed(t *testing.T) {
	backend := remotetest.NewBackend()
	table := backend.Table(types.ResourceWorkouts)
	goals := backend.Table(types.ResourceGoals)
	r := NewRegistry(Options{})
	defer r.Close(context.Background())

	goalKey := types.SubscriptionKey{ResourceType: types.ResourceGoals, OwnerID: "client-1", Role: types.RoleUser}

	require.NoError(t, r.Subscribe(context.Background(), coachKey, table, remote.Filter{}, nil, nil))
	require.NoError(t, r.Subscribe(context.Background(), clientKey, table, remote.Filter{}, nil, nil))
	require.NoError(t, r.Subscribe(context.Background(), goalKey, goals, remote.Filter{}, nil, nil))
	r.Unsubscribe(context.Background(), clientKey)

	r.UnsubscribeAll(context.Background())

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 2, table.Calls(remotetest.OpCloseFeed))
	assert.Equal(t, 1, goals.Calls(remotetest.OpCloseFeed))
	for key, status := range r.Snapshot() {
		assert.Equal(t, types.SubscriptionClosed, status, key.String())
	}

	// the registry stays usable
	require.NoError(t, r.Subscribe(context.Background(), coachKey, table, remote.Filter{}, nil, nil))
	assert.Equal(t, 1, r.Len())
}

func TestClosedRegistryRejectsSubscribe(t *testing.T) {
	backend := remotetest.NewBackend()
	r := NewRegistry(Options{})
	r.Close(context.Background())

	err := r.Subscribe(context.Background(), coachKey, backend.Table(types.ResourceWorkouts), remote.Filter{}, nil, nil)
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestLifecycleEventsPublished(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	backend := remotetest.NewBackend()
	table := backend.Table(types.ResourceWorkouts)
	r := NewRegistry(Options{Events: broker})

	require.NoError(t, r.Subscribe(context.Background(), coachKey, table, remote.Filter{}, nil, nil))
	r.Unsubscribe(context.Background(), coachKey)

	var got []events.EventType
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub:
			got = append(got, ev.Type)
			assert.Equal(t, coachKey.String(), ev.Metadata["key"])
		case <-timeout:
			t.Fatalf("got %v", got)
		}
	}
	assert.Equal(t, []events.EventType{events.EventSubscriptionOpened, events.EventSubscriptionClosed}, got)
}
