package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Component names reported by the sync layer
const (
	ComponentStore    = "store"
	ComponentRemote   = "remote"
	ComponentRealtime = "realtime"
)

// Sync states reported by HealthHandler
const (
	// StateOnline: every reported component is up
	StateOnline = "online"
	// StateOffline: the backend or the live feed is down; writes are staged
	StateOffline = "offline"
	// StateFailing: the local store is down, so nothing can be staged
	StateFailing = "failing"
)

// ComponentHealth is the last reported state of one component
type ComponentHealth struct {
	Healthy bool      `json:"healthy"`
	Message string    `json:"message,omitempty"`
	Since   time.Time `json:"since"` // when Healthy last flipped
}

// SyncReport is the body served by HealthHandler and ReadyHandler
type SyncReport struct {
	State      string                     `json:"state"`
	Ready      bool                       `json:"ready"`
	Components map[string]ComponentHealth `json:"components"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime"`
	Timestamp  time.Time                  `json:"timestamp"`
}

type healthBoard struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	version    string
	started    time.Time
	now        func() time.Time
}

var board = newHealthBoard(time.Now)

func newHealthBoard(now func() time.Time) *healthBoard {
	return &healthBoard{
		components: make(map[string]ComponentHealth),
		started:    now(),
		now:        now,
	}
}

// SetVersion sets the version string of health reports
func SetVersion(version string) {
	board.mu.Lock()
	defer board.mu.Unlock()
	board.version = version
}

// UpdateComponent records the state of a component. Since only moves when the
// component changes between healthy and unhealthy.
func UpdateComponent(name string, healthy bool, message string) {
	board.mu.Lock()
	defer board.mu.Unlock()

	since := board.now()
	if prev, ok := board.components[name]; ok && prev.Healthy == healthy {
		since = prev.Since
	}
	board.components[name] = ComponentHealth{Healthy: healthy, Message: message, Since: since}
}

// Report summarizes the reported components.
// The layer is ready once the store is up: it can serve reads and stage
// writes without the backend.
func Report() SyncReport {
	board.mu.RLock()
	defer board.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(board.components))
	state := StateOnline
	for name, c := range board.components {
		components[name] = c
		if c.Healthy {
			continue
		}
		if name == ComponentStore {
			state = StateFailing
		} else if state == StateOnline {
			state = StateOffline
		}
	}
	store, ok := board.components[ComponentStore]

	now := board.now()
	return SyncReport{
		State:      state,
		Ready:      ok && store.Healthy,
		Components: components,
		Version:    board.version,
		Uptime:     now.Sub(board.started).Round(time.Second).String(),
		Timestamp:  now,
	}
}

// HealthHandler serves the sync report. Offline is a normal operating mode
// and answers 200; only a failing store answers 503.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := Report()
		code := http.StatusOK
		if report.State == StateFailing {
			code = http.StatusServiceUnavailable
		}
		writeReport(w, code, report)
	}
}

// ReadyHandler answers 503 until the store is up
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := Report()
		code := http.StatusOK
		if !report.Ready {
			code = http.StatusServiceUnavailable
		}
		writeReport(w, code, report)
	}
}

func writeReport(w http.ResponseWriter, code int, report SyncReport) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}
