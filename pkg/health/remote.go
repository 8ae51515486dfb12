package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RemoteChecker probes the PostgREST root of a Supabase project.
//
// Any answer below 500 proves the network path works. A 401 or 403 still
// counts as reachable: bad credentials surface on the real requests as
// permission errors, which never trigger local fallback.
type RemoteChecker struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewRemoteChecker creates a checker for the project at baseURL
func NewRemoteChecker(baseURL, apiKey string) *RemoteChecker {
	return &RemoteChecker{
		endpoint: strings.TrimSuffix(baseURL, "/") + "/rest/v1/",
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// WithTimeout bounds every probe
func (c *RemoteChecker) WithTimeout(timeout time.Duration) *RemoteChecker {
	c.client.Timeout = timeout
	return c
}

// Endpoint returns the probed URL
func (c *RemoteChecker) Endpoint() string {
	return c.endpoint
}

// Check sends one probe
func (c *RemoteChecker) Check(ctx context.Context) Result {
	start := time.Now()
	result := Result{CheckedAt: start}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.endpoint, nil)
	if err != nil {
		result.Message = fmt.Sprintf("invalid endpoint: %v", err)
		return result
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	result.Duration = time.Since(start)
	if err != nil {
		result.Message = fmt.Sprintf("unreachable: %v", err)
		return result
	}
	resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.Healthy = resp.StatusCode < http.StatusInternalServerError
	switch {
	case !result.Healthy:
		result.Message = fmt.Sprintf("backend error: HTTP %d", resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		result.Message = fmt.Sprintf("reachable, key rejected (HTTP %d)", resp.StatusCode)
	default:
		result.Message = "reachable"
	}
	return result
}
