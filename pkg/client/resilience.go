package client

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spcoaching/coachsync/pkg/log"
)

// ErrCircuitOpen is returned while the breaker rejects requests. The sync
// layer classifies it as transient, so writes are staged.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// RetryConfig controls retries of idempotent requests. Backoff starts at
// InitialBackoff, grows by BackoffMultiplier up to MaxBackoff and is spread
// by +/- Jitter (a fraction of the delay).
type RetryConfig struct {
	MaxRetries           int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	BackoffMultiplier    float64
	Jitter               float64
	RetryableStatusCodes []int
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            0.1,
		RetryableStatusCodes: []int{
			http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// delay is the wait before retry n (n >= 1)
func (c RetryConfig) delay(n int) time.Duration {
	d := float64(c.InitialBackoff) * math.Pow(c.BackoffMultiplier, float64(n-1))
	d = math.Min(d, float64(c.MaxBackoff))
	if c.Jitter > 0 {
		d += d * c.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

func (c RetryConfig) retryableStatus(code int) bool {
	return slices.Contains(c.RetryableStatusCodes, code)
}

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = map[CircuitState]string{
	CircuitClosed:   "closed",
	CircuitOpen:     "open",
	CircuitHalfOpen: "half-open",
}

func (s CircuitState) String() string {
	if name, ok := circuitStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// CircuitBreakerConfig: the breaker opens after FailureThreshold consecutive
// failures, lets a probe through once Timeout has passed and closes again
// after SuccessThreshold probes succeed.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration

	// OnStateChange runs in its own goroutine
	OnStateChange func(from, to CircuitState)
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker stops calls to a backend that keeps failing
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu        sync.RWMutex
	state     CircuitState
	streak    int // failures while closed, successes while half-open
	lastError error
	openedAt  time.Time
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Allow returns ErrCircuitOpen while the breaker is open
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return nil
	}
	if cb.now().Sub(cb.openedAt) <= cb.cfg.Timeout {
		return ErrCircuitOpen
	}
	cb.moveTo(CircuitHalfOpen)
	return nil
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.streak = 0
	case CircuitHalfOpen:
		if cb.streak++; cb.streak >= cb.cfg.SuccessThreshold {
			cb.moveTo(CircuitClosed)
		}
	}
}

func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastError = err
	switch cb.state {
	case CircuitClosed:
		if cb.streak++; cb.streak >= cb.cfg.FailureThreshold {
			cb.moveTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.moveTo(CircuitOpen)
	}
}

// moveTo changes state; callers hold mu
func (cb *CircuitBreaker) moveTo(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.streak = 0
	if to == CircuitOpen {
		cb.openedAt = cb.now()
	}

	logger := log.WithComponent("circuit-breaker")
	logger.Info().
		Stringer("from", from).
		Stringer("to", to).
		Msg("Circuit state changed")
	if cb.cfg.OnStateChange != nil {
		go cb.cfg.OnStateChange(from, to)
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (cb *CircuitBreaker) LastError() error {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.lastError
}

// ResilientClientConfig wires a ResilientClient. A nil BaseClient gets a
// pooled client with a 30s timeout.
type ResilientClientConfig struct {
	BaseClient           *http.Client
	RetryConfig          RetryConfig
	CircuitBreakerConfig CircuitBreakerConfig
}

// DefaultResilientClientConfig is what the CLI enables with supabase.resilient
func DefaultResilientClientConfig() ResilientClientConfig {
	return ResilientClientConfig{
		RetryConfig:          DefaultRetryConfig(),
		CircuitBreakerConfig: DefaultCircuitBreakerConfig(),
	}
}

// ResilientClient retries idempotent requests and trips a circuit breaker
// when the backend keeps failing
type ResilientClient struct {
	client  *http.Client
	retry   RetryConfig
	breaker *CircuitBreaker

	total, succeeded, failed, retried atomic.Int64
}

func NewResilientClient(cfg ResilientClientConfig) *ResilientClient {
	base := cfg.BaseClient
	if base == nil {
		base = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			},
		}
	}
	return &ResilientClient{
		client:  base,
		retry:   cfg.RetryConfig,
		breaker: NewCircuitBreaker(cfg.CircuitBreakerConfig),
	}
}

// Do sends req. POST is sent once: an insert may have landed even when its
// response was lost. When retries run out on a retryable status the last
// response is returned so the caller can decode its error body.
func (rc *ResilientClient) Do(req *http.Request) (*http.Response, error) {
	rc.total.Add(1)
	if err := rc.breaker.Allow(); err != nil {
		rc.failed.Add(1)
		return nil, err
	}

	retries := rc.retry.MaxRetries
	if req.Method == http.MethodPost {
		retries = 0
	}

	for n := 0; ; n++ {
		if n > 0 {
			rc.retried.Add(1)
			var err error
			if req, err = rc.rewind(req, n); err != nil {
				return nil, err
			}
		}

		resp, err := rc.client.Do(req)
		last := n >= retries

		switch {
		case err != nil:
			if last || !retryableError(err) {
				rc.breaker.RecordFailure(err)
				rc.failed.Add(1)
				return nil, err
			}

		case rc.retry.retryableStatus(resp.StatusCode):
			if last {
				rc.breaker.RecordFailure(&HTTPError{StatusCode: resp.StatusCode})
				rc.failed.Add(1)
				return resp, nil
			}
			resp.Body.Close()

		default:
			if resp.StatusCode >= http.StatusInternalServerError {
				rc.breaker.RecordFailure(&HTTPError{StatusCode: resp.StatusCode})
			} else {
				rc.breaker.RecordSuccess()
			}
			rc.succeeded.Add(1)
			return resp, nil
		}
	}
}

// rewind waits out the backoff of retry n and returns a copy of req with a
// fresh body
func (rc *ResilientClient) rewind(req *http.Request, n int) (*http.Request, error) {
	ctx := req.Context()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(rc.retry.delay(n)):
	}

	next := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		next.Body = body
	}
	return next, nil
}

func retryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// HTTPError is a retryable status that was given up on
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return http.StatusText(e.StatusCode)
}

// Metrics returns request counters
func (rc *ResilientClient) Metrics() map[string]int64 {
	return map[string]int64{
		"total_requests":   rc.total.Load(),
		"success_requests": rc.succeeded.Load(),
		"failed_requests":  rc.failed.Load(),
		"retried_requests": rc.retried.Load(),
	}
}

func (rc *ResilientClient) CircuitState() CircuitState {
	return rc.breaker.State()
}

// resilientTransport lets a ResilientClient serve as http.RoundTripper
type resilientTransport struct {
	client *ResilientClient
}

func (rt *resilientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt.client.Do(req)
}
