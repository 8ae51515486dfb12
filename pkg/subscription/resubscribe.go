package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spcoaching/coachsync/pkg/remote"
	"github.com/spcoaching/coachsync/pkg/types"
	"golang.org/x/time/rate"
)

// ResubscribeConfig configures a Resubscriber
type ResubscribeConfig struct {
	// Interval is the minimum time between two attempts for one key
	Interval time.Duration
	// Burst is the number of attempts allowed without waiting
	Burst int
	// MaxAttempts bounds attempts per Resubscribe call (0 means 5)
	MaxAttempts int
}

// DefaultResubscribeConfig returns the policy used by the CLI watch command
func DefaultResubscribeConfig() ResubscribeConfig {
	return ResubscribeConfig{
		Interval:    2 * time.Second,
		Burst:       1,
		MaxAttempts: 5,
	}
}

// Resubscriber is a caller-side retry policy for errored subscriptions.
// The Registry itself never retries; callers that want a live feed back
// after a channel failure run their subscribe call through Resubscribe,
// which rate-limits attempts per key so a flapping backend cannot cause a
// retry storm.
type Resubscriber struct {
	config ResubscribeConfig

	mu       sync.Mutex
	limiters map[types.SubscriptionKey]*rate.Limiter
}

// NewResubscriber creates a Resubscriber
func NewResubscriber(config ResubscribeConfig) *Resubscriber {
	if config.Interval <= 0 {
		config.Interval = DefaultResubscribeConfig().Interval
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	return &Resubscriber{
		config:   config,
		limiters: make(map[types.SubscriptionKey]*rate.Limiter),
	}
}

func (r *Resubscriber) limiter(key types.SubscriptionKey) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(r.config.Interval), r.config.Burst)
		r.limiters[key] = l
	}
	return l
}

// Resubscribe calls subscribe until it succeeds, waiting for the key's rate
// limit before every attempt. Permission and validation errors end the loop
// immediately since retrying cannot fix them.
func (r *Resubscriber) Resubscribe(ctx context.Context, key types.SubscriptionKey, subscribe func(context.Context) error) error {
	l := r.limiter(key)

	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := l.Wait(ctx); err != nil {
			if lastErr != nil {
				return fmt.Errorf("resubscribe %s: %w", key, errors.Join(lastErr, err))
			}
			return fmt.Errorf("resubscribe %s: %w", key, err)
		}

		lastErr = subscribe(ctx)
		if lastErr == nil {
			return nil
		}
		switch remote.Classify(lastErr) {
		case remote.KindPermission, remote.KindValidation:
			return lastErr
		}
	}
	return fmt.Errorf("resubscribe %s: giving up after %d attempts: %w", key, r.config.MaxAttempts, lastErr)
}

// Forget drops the limiter kept for key
func (r *Resubscriber) Forget(key types.SubscriptionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limiters, key)
}
