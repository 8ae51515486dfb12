package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteChecker(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		reachable bool
		message   string
	}{
		{"ok", http.StatusOK, true, "reachable"},
		{"key rejected", http.StatusUnauthorized, true, "reachable, key rejected (HTTP 401)"},
		{"backend error", http.StatusBadGateway, false, "backend error: HTTP 502"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var method, path, apikey string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				method, path, apikey = r.Method, r.URL.Path, r.Header.Get("apikey")
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			result := NewRemoteChecker(server.URL+"/", "anon-key").Check(context.Background())
			assert.Equal(t, tt.reachable, result.Healthy)
			assert.Equal(t, tt.status, result.StatusCode)
			assert.Equal(t, tt.message, result.Message)
			assert.Equal(t, http.MethodHead, method)
			assert.Equal(t, "/rest/v1/", path)
			assert.Equal(t, "anon-key", apikey)
		})
	}
}

func TestRemoteCheckerUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	result := NewRemoteChecker(server.URL, "k").WithTimeout(50 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Zero(t, result.StatusCode)
	assert.Contains(t, result.Message, "unreachable")

	server.Close()
	result = NewRemoteChecker(server.URL, "k").Check(context.Background())
	assert.False(t, result.Healthy)
}

type scriptedChecker struct {
	calls   atomic.Int32
	healthy func(call int32) bool
}

func (s *scriptedChecker) Check(ctx context.Context) Result {
	n := s.calls.Add(1)
	return Result{Healthy: s.healthy(n), CheckedAt: time.Now()}
}

func TestMonitorHysteresis(t *testing.T) {
	checker := &scriptedChecker{healthy: func(call int32) bool { return call > 3 }}
	m := NewMonitor(checker, Config{Interval: time.Hour, Timeout: time.Second, Retries: 2})

	var probes int
	m.OnProbe = func(Result, bool) { probes++ }

	require.True(t, m.Healthy())

	m.Probe(context.Background())
	assert.True(t, m.Healthy(), "one failure is below the retry threshold")
	assert.True(t, m.Status().ChangedAt.IsZero())

	m.Probe(context.Background())
	assert.False(t, m.Healthy())
	assert.Equal(t, 2, m.Status().Failures)
	wentDown := m.Status().ChangedAt
	assert.False(t, wentDown.IsZero())

	m.Probe(context.Background())
	assert.False(t, m.Healthy())
	assert.Equal(t, wentDown, m.Status().ChangedAt)

	m.Probe(context.Background())
	assert.True(t, m.Healthy())
	assert.Zero(t, m.Status().Failures)
	assert.Equal(t, 4, m.Status().ProbesTotal)
	assert.Equal(t, 4, probes)
}

func TestMonitorStartStop(t *testing.T) {
	checker := &scriptedChecker{healthy: func(int32) bool { return false }}
	m := NewMonitor(checker, Config{Interval: 10 * time.Millisecond, Retries: 1})

	m.Start()
	require.Eventually(t, func() bool { return !m.Healthy() }, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()
}
