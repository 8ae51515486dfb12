package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func resetBoard(t *testing.T) *fakeClock {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)}
	board = newHealthBoard(clock.now)
	t.Cleanup(func() { board = newHealthBoard(time.Now) })
	return clock
}

func TestUpdateComponentKeepsSince(t *testing.T) {
	clock := resetBoard(t)
	start := clock.t

	UpdateComponent(ComponentRemote, true, "")
	clock.t = start.Add(time.Minute)
	UpdateComponent(ComponentRemote, true, "still fine")
	assert.Equal(t, start, Report().Components[ComponentRemote].Since)

	clock.t = start.Add(2 * time.Minute)
	UpdateComponent(ComponentRemote, false, "connection refused")
	c := Report().Components[ComponentRemote]
	assert.False(t, c.Healthy)
	assert.Equal(t, "connection refused", c.Message)
	assert.Equal(t, start.Add(2*time.Minute), c.Since)
}

func TestReportState(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		wantState  string
		wantReady  bool
	}{
		{"nothing reported", map[string]bool{}, StateOnline, false},
		{"all up", map[string]bool{ComponentStore: true, ComponentRemote: true, ComponentRealtime: true}, StateOnline, true},
		{"backend down", map[string]bool{ComponentStore: true, ComponentRemote: false}, StateOffline, true},
		{"feed down", map[string]bool{ComponentStore: true, ComponentRemote: true, ComponentRealtime: false}, StateOffline, true},
		{"store down", map[string]bool{ComponentStore: false, ComponentRemote: false}, StateFailing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetBoard(t)
			for name, healthy := range tt.components {
				UpdateComponent(name, healthy, "")
			}

			report := Report()
			assert.Equal(t, tt.wantState, report.State)
			assert.Equal(t, tt.wantReady, report.Ready)
			assert.Len(t, report.Components, len(tt.components))
		})
	}
}

func TestHealthHandlers(t *testing.T) {
	clock := resetBoard(t)
	SetVersion("test")
	UpdateComponent(ComponentStore, true, "bolt")
	UpdateComponent(ComponentRemote, false, "connection refused")
	clock.t = clock.t.Add(90 * time.Second)

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var report SyncReport
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	assert.Equal(t, StateOffline, report.State)
	assert.Equal(t, "test", report.Version)
	assert.Equal(t, "1m30s", report.Uptime)
	assert.Equal(t, "connection refused", report.Components[ComponentRemote].Message)

	w = httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	UpdateComponent(ComponentStore, false, "disk full")
	w = httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
