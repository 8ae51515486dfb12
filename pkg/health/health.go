package health

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of one probe
type Result struct {
	Healthy    bool
	StatusCode int // 0 when no response arrived
	Message    string
	CheckedAt  time.Time
	Duration   time.Duration
}

// Checker probes the backend once
type Checker interface {
	Check(ctx context.Context) Result
}

// Config controls how often the backend is probed and how many failures
// mark it unreachable
type Config struct {
	Interval time.Duration
	Timeout  time.Duration // per probe
	Retries  int           // consecutive failures before unreachable
}

// DefaultConfig returns the probe settings used when none are configured
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  2,
	}
}

// Status is the reachability the monitor currently believes in
type Status struct {
	Reachable   bool
	Failures    int // consecutive
	LastResult  Result
	ChangedAt   time.Time // last flip of Reachable, zero before the first one
	ProbesTotal int
}

// Monitor probes the backend on an interval. A success marks the backend
// reachable at once; Retries consecutive failures mark it unreachable.
// The backend starts out reachable.
type Monitor struct {
	checker Checker
	config  Config

	// OnProbe runs after every probe with the current reachability
	OnProbe func(result Result, reachable bool)

	mu     sync.RWMutex
	status Status
	stopCh chan struct{}
	once   sync.Once
}

// NewMonitor creates a monitor for checker. Zero config fields take their
// DefaultConfig values.
func NewMonitor(checker Checker, config Config) *Monitor {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Retries <= 0 {
		config.Retries = 1
	}
	return &Monitor{
		checker: checker,
		config:  config,
		status:  Status{Reachable: true},
		stopCh:  make(chan struct{}),
	}
}

// Start probes in the background until Stop
func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		m.Probe(context.Background())
		for {
			select {
			case <-ticker.C:
				m.Probe(context.Background())
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop ends probing; safe to call more than once
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
}

// Probe runs one check now and folds it into the status
func (m *Monitor) Probe(ctx context.Context) Result {
	if m.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.Timeout)
		defer cancel()
	}
	result := m.checker.Check(ctx)

	m.mu.Lock()
	s := &m.status
	s.ProbesTotal++
	s.LastResult = result
	was := s.Reachable
	if result.Healthy {
		s.Failures = 0
		s.Reachable = true
	} else {
		s.Failures++
		if s.Failures >= m.config.Retries {
			s.Reachable = false
		}
	}
	if s.Reachable != was {
		s.ChangedAt = result.CheckedAt
	}
	reachable := s.Reachable
	m.mu.Unlock()

	if m.OnProbe != nil {
		m.OnProbe(result, reachable)
	}
	return result
}

// Healthy reports whether the backend is believed reachable.
// It lets the monitor gate the replay loop.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Reachable
}

// Status returns a copy of the current status
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}
