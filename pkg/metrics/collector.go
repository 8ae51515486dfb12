package metrics

import (
	"time"

	"github.com/spcoaching/coachsync/pkg/types"
)

// PendingSource reports staged entries per resource type
type PendingSource interface {
	List(rt types.ResourceType) ([]*types.LocalFallbackEntry, error)
}

// SubscriptionSource reports the status of every tracked subscription
type SubscriptionSource interface {
	Snapshot() map[types.SubscriptionKey]types.SubscriptionStatus
}

// Collector periodically samples gauges from the store and registry
type Collector struct {
	store    PendingSource
	subs     SubscriptionSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store PendingSource, subs SubscriptionSource) *Collector {
	return &Collector{
		store:    store,
		subs:     subs,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples every gauge once
func (c *Collector) Collect() {
	c.collectPending()
	c.collectSubscriptions()
}

func (c *Collector) collectPending() {
	if c.store == nil {
		return
	}
	for _, rt := range types.AllResourceTypes() {
		entries, err := c.store.List(rt)
		if err != nil {
			continue
		}
		PendingEntries.WithLabelValues(string(rt)).Set(float64(len(entries)))
	}
}

func (c *Collector) collectSubscriptions() {
	if c.subs == nil {
		return
	}
	counts := make(map[types.ResourceType]int)
	for _, rt := range types.AllResourceTypes() {
		counts[rt] = 0
	}
	for key, status := range c.subs.Snapshot() {
		if status == types.SubscriptionActive || status == types.SubscriptionConnecting {
			counts[key.ResourceType]++
		}
	}
	for rt, n := range counts {
		SubscriptionsActive.WithLabelValues(string(rt)).Set(float64(n))
	}
}
