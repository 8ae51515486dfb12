package supabase

import (
	"context"
	"fmt"
	"sync"

	"github.com/spcoaching/coachsync/pkg/client"
	"github.com/spcoaching/coachsync/pkg/remote"
	"github.com/spcoaching/coachsync/pkg/types"
)

// Config holds the project coordinates
type Config struct {
	URL         string
	APIKey      string
	AccessToken string

	// Resilience enables retries and a circuit breaker on PostgREST calls
	Resilience *client.ResilientClientConfig
}

// DefaultTables returns the table mapping of every resource type.
// Workouts and meal plans embed their children on reads.
func DefaultTables() []TableConfig {
	return []TableConfig{
		{ResourceType: types.ResourceWorkouts, Select: "*,exercises(*)"},
		{ResourceType: types.ResourceExercises},
		{ResourceType: types.ResourceMealPlans, Select: "*,meals(*,foods(*))"},
		{ResourceType: types.ResourceFoods},
		{ResourceType: types.ResourceGoals},
		{ResourceType: types.ResourceProgressEntries, Name: "progress_data", OrderBy: "date"},
		{ResourceType: types.ResourceConversations, Name: "chats"},
		{ResourceType: types.ResourceMessages},
	}
}

// Backend bundles the shared connections and one Table per resource type
type Backend struct {
	Rest     *client.Client
	Realtime *client.RealtimeClient

	mu     sync.RWMutex
	tables map[types.ResourceType]*Table
}

// NewBackend creates the clients and tables. No connection is made until the
// first request or change feed.
func NewBackend(cfg Config, tables ...TableConfig) (*Backend, error) {
	rest, err := client.New(client.Config{
		URL:         cfg.URL,
		APIKey:      cfg.APIKey,
		AccessToken: cfg.AccessToken,
		Resilience:  cfg.Resilience,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rest client: %w", err)
	}

	rt := client.NewRealtimeClient(rest.BaseURL(), cfg.APIKey)
	if cfg.AccessToken != "" {
		rt.SetAccessToken(cfg.AccessToken)
	}

	if len(tables) == 0 {
		tables = DefaultTables()
	}

	b := &Backend{
		Rest:     rest,
		Realtime: rt,
		tables:   make(map[types.ResourceType]*Table, len(tables)),
	}
	for _, tc := range tables {
		b.tables[tc.ResourceType] = NewTable(rest, rt, tc)
	}
	return b, nil
}

// Client returns the resource client for rt
func (b *Backend) Client(rt types.ResourceType) (remote.ResourceClient, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.tables[rt]
	if !ok {
		return nil, fmt.Errorf("no table configured for %s", rt)
	}
	return t, nil
}

// SetAccessToken switches both connections to a signed-in user's JWT
func (b *Backend) SetAccessToken(token string) {
	b.Rest.SetAccessToken(token)
	b.Realtime.SetAccessToken(token)
}

// Close drops the realtime connection
func (b *Backend) Close(ctx context.Context) error {
	return b.Realtime.Disconnect()
}
