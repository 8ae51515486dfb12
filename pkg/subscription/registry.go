package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spcoaching/coachsync/pkg/events"
	"github.com/spcoaching/coachsync/pkg/log"
	"github.com/spcoaching/coachsync/pkg/metrics"
	"github.com/spcoaching/coachsync/pkg/remote"
	"github.com/spcoaching/coachsync/pkg/types"
)

// ErrRegistryClosed is returned by Subscribe after Close
var ErrRegistryClosed = errors.New("subscription registry is closed")

const (
	// DefaultQueueSize is the per-subscription event buffer
	DefaultQueueSize = 256

	// DefaultCloseWait bounds how long Unsubscribe waits for a running handler
	DefaultCloseWait = time.Second
)

// Handler receives the change events of one subscription, in order
type Handler func(types.ChangeEvent)

// ErrorHandler is called once when a subscription fails
type ErrorHandler func(error)

// ChannelError reports a change feed that failed to open or died while live
type ChannelError struct {
	Key types.SubscriptionKey
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("subscription %s: %v", e.Key, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Options configures a Registry
type Options struct {
	// QueueSize bounds the events buffered per subscription (default 256)
	QueueSize int

	// CloseWait bounds how long Unsubscribe waits for a handler that is
	// still running (default 1s)
	CloseWait time.Duration

	// Events receives subscription lifecycle events; may be nil
	Events events.Publisher
}

// Registry tracks at most one live change feed per subscription key.
//
// Subscribe and Unsubscribe calls are serialized, so two calls for the same
// key never interleave. Each subscription delivers its events from its own
// goroutine; no registry lock is held while handlers run.
type Registry struct {
	opMu sync.Mutex // serializes Subscribe/Unsubscribe/Close

	mu     sync.RWMutex
	subs   map[types.SubscriptionKey]*subscription
	closed bool

	queueSize int
	closeWait time.Duration
	events    events.Publisher
	logger    zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(opts Options) *Registry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.CloseWait <= 0 {
		opts.CloseWait = DefaultCloseWait
	}
	return &Registry{
		subs:      make(map[types.SubscriptionKey]*subscription),
		queueSize: opts.QueueSize,
		closeWait: opts.CloseWait,
		events:    opts.Events,
		logger:    log.WithComponent("registry"),
	}
}

// Subscribe opens a change feed for key and routes its events to handler.
//
// Any subscription already tracked for key that is not Closed is closed
// first, and its feed is closed before the new one is opened. When the new
// feed cannot be opened the subscription ends Errored, onError is invoked
// once with a *ChannelError and the same error is returned.
func (r *Registry) Subscribe(ctx context.Context, key types.SubscriptionKey, client remote.ResourceClient, filter remote.Filter, handler Handler, onError ErrorHandler) error {
	r.opMu.Lock()

	r.mu.RLock()
	closed := r.closed
	old := r.subs[key]
	r.mu.RUnlock()

	if closed {
		r.opMu.Unlock()
		return ErrRegistryClosed
	}

	if old != nil {
		r.closeSubscription(ctx, old)
	}

	sub := newSubscription(key, client, handler, onError, r.queueSize, r)
	sub.setStatus(types.SubscriptionConnecting)

	r.mu.Lock()
	r.subs[key] = sub
	r.mu.Unlock()

	go sub.dispatch()

	handle, err := client.OpenChangeFeed(ctx, filter, sub.push, sub.fail)
	if err != nil {
		chErr := &ChannelError{Key: key, Err: err}
		first := sub.markErrored()
		sub.stop()
		r.opMu.Unlock()

		r.logger.Warn().
			Err(err).
			Str("key", key.String()).
			Msg("Failed to open change feed")
		if first {
			r.reportError(sub, chErr)
		}
		return chErr
	}

	sub.activate(handle)
	r.opMu.Unlock()

	r.logger.Debug().
		Str("key", key.String()).
		Str("topic", handle.Topic).
		Msg("Subscription active")
	events.Emit(r.events, events.EventSubscriptionOpened, "subscription active", map[string]string{
		"key":   key.String(),
		"topic": handle.Topic,
	})
	return nil
}

// Unsubscribe closes the subscription for key. Unknown keys are a no-op.
// When it returns no handler of the subscription is running, unless the
// caller is that handler or the wait was cut short by ctx or CloseWait.
func (r *Registry) Unsubscribe(ctx context.Context, key types.SubscriptionKey) {
	r.opMu.Lock()
	r.mu.RLock()
	sub := r.subs[key]
	r.mu.RUnlock()

	if sub == nil || !r.closeSubscription(ctx, sub) {
		r.opMu.Unlock()
		return
	}
	r.opMu.Unlock()

	r.awaitHandlers(ctx, sub)
}

// UnsubscribeAll closes every tracked subscription. Already closed ones are
// skipped.
func (r *Registry) UnsubscribeAll(ctx context.Context) {
	r.opMu.Lock()
	closed := r.closeAll(ctx)
	r.opMu.Unlock()

	r.awaitHandlers(ctx, closed...)
}

// Close closes every subscription and rejects further Subscribe calls
func (r *Registry) Close(ctx context.Context) {
	r.opMu.Lock()
	closed := r.closeAll(ctx)
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.opMu.Unlock()

	r.awaitHandlers(ctx, closed...)
}

// closeAll closes every open subscription and returns the ones it closed
func (r *Registry) closeAll(ctx context.Context) []*subscription {
	r.mu.RLock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	closed := subs[:0]
	for _, sub := range subs {
		if r.closeSubscription(ctx, sub) {
			closed = append(closed, sub)
		}
	}
	return closed
}

// awaitHandlers runs without opMu so that a handler may still call into
// the registry while it finishes
func (r *Registry) awaitHandlers(ctx context.Context, subs ...*subscription) {
	for _, sub := range subs {
		if !sub.wait(ctx, r.closeWait) {
			r.logger.Warn().Str("key", sub.key.String()).Msg("Handler still running after unsubscribe")
		}
	}
}

// closeSubscription closes the feed of sub and marks it Closed. It reports
// false when sub was already Closed. Callers hold opMu.
func (r *Registry) closeSubscription(ctx context.Context, sub *subscription) bool {
	handle, wasOpen, already := sub.markClosed()
	if already {
		return false
	}
	sub.stop()

	if wasOpen {
		if err := sub.client.CloseChangeFeed(ctx, handle); err != nil {
			// the feed is dropped locally either way
			r.logger.Warn().
				Err(err).
				Str("key", sub.key.String()).
				Msg("Failed to close change feed")
		}
	}

	r.logger.Debug().Str("key", sub.key.String()).Msg("Subscription closed")
	events.Emit(r.events, events.EventSubscriptionClosed, "subscription closed", map[string]string{
		"key": sub.key.String(),
	})
	return true
}

func (r *Registry) reportError(sub *subscription, err *ChannelError) {
	metrics.SubscriptionErrors.WithLabelValues(string(sub.key.ResourceType)).Inc()
	events.Emit(r.events, events.EventSubscriptionErrored, err.Error(), map[string]string{
		"key": sub.key.String(),
	})
	if sub.onError != nil {
		sub.onError(err)
	}
}

// Status returns the status of the subscription for key, Idle when untracked
func (r *Registry) Status(key types.SubscriptionKey) types.SubscriptionStatus {
	r.mu.RLock()
	sub := r.subs[key]
	r.mu.RUnlock()

	if sub == nil {
		return types.SubscriptionIdle
	}
	return sub.getStatus()
}

// Handle returns the channel handle of the subscription for key
func (r *Registry) Handle(key types.SubscriptionKey) (remote.ChannelHandle, bool) {
	r.mu.RLock()
	sub := r.subs[key]
	r.mu.RUnlock()

	if sub == nil {
		return remote.ChannelHandle{}, false
	}
	return sub.getHandle()
}

// Snapshot returns the status of every tracked subscription
func (r *Registry) Snapshot() map[types.SubscriptionKey]types.SubscriptionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[types.SubscriptionKey]types.SubscriptionStatus, len(r.subs))
	for key, sub := range r.subs {
		out[key] = sub.getStatus()
	}
	return out
}

// Len returns the number of subscriptions that are not Closed
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, sub := range r.subs {
		if sub.getStatus() != types.SubscriptionClosed {
			n++
		}
	}
	return n
}
