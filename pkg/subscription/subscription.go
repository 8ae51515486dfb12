package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/spcoaching/coachsync/pkg/metrics"
	"github.com/spcoaching/coachsync/pkg/remote"
	"github.com/spcoaching/coachsync/pkg/types"
)

// item is one entry of a subscription queue: an event or a feed failure
type item struct {
	event types.ChangeEvent
	err   error
}

// subscription is one live change feed and the goroutine draining its queue
type subscription struct {
	key      types.SubscriptionKey
	client   remote.ResourceClient
	handler  Handler
	onError  ErrorHandler
	registry *Registry

	mu     sync.Mutex
	status types.SubscriptionStatus
	handle remote.ChannelHandle
	opened bool

	queue    chan item
	done     chan struct{}
	exited   chan struct{} // closed when dispatch returns
	stopOnce sync.Once
}

func newSubscription(key types.SubscriptionKey, client remote.ResourceClient, handler Handler, onError ErrorHandler, queueSize int, r *Registry) *subscription {
	return &subscription{
		key:      key,
		client:   client,
		handler:  handler,
		onError:  onError,
		registry: r,
		status:   types.SubscriptionIdle,
		queue:    make(chan item, queueSize),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// push is the feed's event callback. It blocks while the queue is full so
// that no event is reordered or lost, and returns once the subscription stops.
func (s *subscription) push(ev types.ChangeEvent) {
	s.enqueue(item{event: ev})
}

// fail is the feed's error callback
func (s *subscription) fail(err error) {
	s.enqueue(item{err: err})
}

func (s *subscription) enqueue(it item) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.queue <- it:
	case <-s.done:
	}
}

func (s *subscription) dispatch() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		case it := <-s.queue:
			if it.err != nil {
				s.handleFailure(it.err)
				continue
			}
			if !s.deliverable() {
				continue
			}
			metrics.ChangeEventsDelivered.WithLabelValues(string(s.key.ResourceType), string(it.event.Kind)).Inc()
			if s.handler != nil {
				s.handler(it.event)
			}
		}
	}
}

func (s *subscription) handleFailure(err error) {
	if !s.markErrored() {
		return
	}
	s.stop()

	s.registry.logger.Warn().
		Err(err).
		Str("key", s.key.String()).
		Msg("Change feed failed")
	s.registry.reportError(s, &ChannelError{Key: s.key, Err: err})
}

// wait blocks until no handler of s can run anymore. A handler that closes
// its own subscription is never waited for, so the wait gives up after limit.
func (s *subscription) wait(ctx context.Context, limit time.Duration) bool {
	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case <-s.exited:
		return true
	case <-ctx.Done():
	case <-timer.C:
	}
	return false
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *subscription) deliverable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == types.SubscriptionConnecting || s.status == types.SubscriptionActive
}

func (s *subscription) setStatus(status types.SubscriptionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *subscription) getStatus() types.SubscriptionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *subscription) getHandle() (remote.ChannelHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.opened
}

// activate records the open handle. A feed that already failed stays Errored.
func (s *subscription) activate(handle remote.ChannelHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handle = handle
	s.opened = true
	if s.status == types.SubscriptionConnecting {
		s.status = types.SubscriptionActive
	}
}

// markErrored reports whether this call moved the subscription to Errored
func (s *subscription) markErrored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == types.SubscriptionClosed || s.status == types.SubscriptionErrored {
		return false
	}
	s.status = types.SubscriptionErrored
	return true
}

// markClosed moves the subscription to Closed and returns its handle,
// whether a feed was opened, and whether it was already Closed
func (s *subscription) markClosed() (remote.ChannelHandle, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == types.SubscriptionClosed {
		return s.handle, s.opened, true
	}
	s.status = types.SubscriptionClosed
	return s.handle, s.opened, false
}
