package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle event as "<family>.<what>"
type EventType string

const (
	EventSubscriptionOpened  EventType = "subscription.opened"
	EventSubscriptionClosed  EventType = "subscription.closed"
	EventSubscriptionErrored EventType = "subscription.errored"
	EventRecordStaged        EventType = "record.staged"
	EventRecordReconciled    EventType = "record.reconciled"
	EventRecordDiscarded     EventType = "record.discarded"
	EventReplayCompleted     EventType = "replay.completed"
	EventSessionSignedOut    EventType = "session.signed_out"
)

// Family returns the part of the type before the first dot
func (t EventType) Family() string {
	family, _, _ := strings.Cut(string(t), ".")
	return family
}

// Event is one sync lifecycle event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber receives the events a subscription matches
type Subscriber chan *Event

// Publisher is implemented by Broker. A nil Publisher is valid for components
// that do not report lifecycle events.
type Publisher interface {
	Publish(event *Event)
}

const (
	brokerBuffer     = 100
	subscriberBuffer = 50
)

// Broker fans events out to subscribers from a single loop
type Broker struct {
	mu   sync.RWMutex
	subs map[Subscriber][]string // filters; empty matches everything

	queue    chan *Event
	stopCh   chan struct{}
	stopOnce sync.Once
	dropped  atomic.Uint64
}

// NewBroker creates a broker; call Start to begin delivery
func NewBroker() *Broker {
	return &Broker{
		subs:   make(map[Subscriber][]string),
		queue:  make(chan *Event, brokerBuffer),
		stopCh: make(chan struct{}),
	}
}

// Start begins delivery
func (b *Broker) Start() {
	go func() {
		for {
			select {
			case ev := <-b.queue:
				b.deliver(ev)
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Stop ends delivery. It is safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe returns a channel of matching events. Each filter is either an
// event type ("record.staged") or a family ("record"); no filter matches
// every event.
func (b *Broker) Subscribe(filters ...string) Subscriber {
	sub := make(Subscriber, subscriberBuffer)
	b.mu.Lock()
	b.subs[sub] = filters
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub)
	}
}

// Publish queues an event. It never blocks: when the broker is stopped or
// its queue is full the event is dropped and counted.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		b.dropped.Add(1)
		return
	default:
	}
	select {
	case b.queue <- event:
	default:
		b.dropped.Add(1)
	}
}

func (b *Broker) deliver(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, filters := range b.subs {
		if !matches(ev.Type, filters) {
			continue
		}
		select {
		case sub <- ev:
		default:
			// slow subscriber
			b.dropped.Add(1)
		}
	}
}

func matches(t EventType, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f == string(t) || f == t.Family() {
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many event deliveries were dropped so far
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

// Emit publishes through p when it is non-nil
func Emit(p Publisher, t EventType, msg string, metadata map[string]string) {
	if p == nil {
		return
	}
	p.Publish(&Event{Type: t, Message: msg, Metadata: metadata})
}
