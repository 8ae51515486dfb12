package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spcoaching/coachsync/pkg/chat"
	"github.com/spcoaching/coachsync/pkg/client"
	"github.com/spcoaching/coachsync/pkg/config"
	"github.com/spcoaching/coachsync/pkg/events"
	"github.com/spcoaching/coachsync/pkg/health"
	"github.com/spcoaching/coachsync/pkg/log"
	"github.com/spcoaching/coachsync/pkg/metrics"
	"github.com/spcoaching/coachsync/pkg/nutrition"
	"github.com/spcoaching/coachsync/pkg/progress"
	"github.com/spcoaching/coachsync/pkg/reconciler"
	"github.com/spcoaching/coachsync/pkg/remote"
	"github.com/spcoaching/coachsync/pkg/resource"
	"github.com/spcoaching/coachsync/pkg/storage"
	"github.com/spcoaching/coachsync/pkg/subscription"
	"github.com/spcoaching/coachsync/pkg/supabase"
	"github.com/spcoaching/coachsync/pkg/types"
	"github.com/spcoaching/coachsync/pkg/workout"
)

// ErrNotSignedIn is returned by operations that need a signed-in user
var ErrNotSignedIn = errors.New("no user is signed in")

// Backend hands out the resource client of every resource type.
// *supabase.Backend implements it.
type Backend interface {
	Client(rt types.ResourceType) (remote.ResourceClient, error)
}

type tokenSetter interface {
	SetAccessToken(token string)
}

type backendCloser interface {
	Close(ctx context.Context) error
}

// Options configures a Session
type Options struct {
	// ReplaySchedule is the reconciler's cron spec (default reconciler.DefaultSchedule)
	ReplaySchedule string
	ReplayTimeout  time.Duration

	// Gate pauses replay while the backend is unreachable (optional)
	Gate reconciler.Gate

	// JWTSecret verifies access tokens when set
	JWTSecret string

	// QueueSize bounds the events buffered per subscription
	QueueSize int

	// Clock stamps staged writes and checks token expiry (default time.Now)
	Clock func() time.Time
}

// Session owns everything one signed-in user's sync needs: the local store,
// the subscription registry, the domain services and the replay loop.
// Signing out tears all of it down to a clean state.
type Session struct {
	Workouts  *workout.Service
	Nutrition *nutrition.Service
	Progress  *progress.Service
	Chat      *chat.Service

	store      storage.LocalStore
	registry   *subscription.Registry
	broker     *events.Broker
	backend    Backend
	reconciler *reconciler.Reconciler
	collector  *metrics.Collector
	monitor    *health.Monitor
	syncers    []resource.Syncer

	opts   Options
	clock  func() time.Time
	logger zerolog.Logger

	mu     sync.RWMutex
	claims *Claims

	startOnce sync.Once
	closeOnce sync.Once
}

// New builds a session on an existing backend and store. The session takes
// ownership of the store.
func New(backend Backend, store storage.LocalStore, opts Options) (*Session, error) {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	broker := events.NewBroker()
	registry := subscription.NewRegistry(subscription.Options{QueueSize: opts.QueueSize, Events: broker})
	shared := resource.Config{Store: store, Registry: registry, Events: broker, Clock: clock}

	clients := make(map[types.ResourceType]remote.ResourceClient)
	for _, rt := range types.AllResourceTypes() {
		c, err := backend.Client(rt)
		if err != nil {
			return nil, fmt.Errorf("failed to get client for %s: %w", rt, err)
		}
		clients[rt] = c
	}

	s := &Session{
		store:    store,
		registry: registry,
		broker:   broker,
		backend:  backend,
		opts:     opts,
		clock:    clock,
		logger:   log.WithComponent("session"),
	}

	var err error
	if s.Workouts, err = workout.NewService(clients[types.ResourceWorkouts], clients[types.ResourceExercises], shared); err != nil {
		return nil, err
	}
	if s.Nutrition, err = nutrition.NewService(clients[types.ResourceMealPlans], clients[types.ResourceFoods], shared); err != nil {
		return nil, err
	}
	if s.Progress, err = progress.NewService(clients[types.ResourceGoals], clients[types.ResourceProgressEntries], shared); err != nil {
		return nil, err
	}
	if s.Chat, err = chat.NewService(clients[types.ResourceConversations], clients[types.ResourceMessages], shared); err != nil {
		return nil, err
	}

	s.syncers = append(s.syncers, s.Workouts.Syncers()...)
	s.syncers = append(s.syncers, s.Nutrition.Syncers()...)
	s.syncers = append(s.syncers, s.Progress.Syncers()...)
	s.syncers = append(s.syncers, s.Chat.Syncers()...)

	s.reconciler, err = reconciler.NewReconciler(s.syncers, reconciler.Options{
		Schedule: opts.ReplaySchedule,
		Gate:     opts.Gate,
		Timeout:  opts.ReplayTimeout,
	})
	if err != nil {
		return nil, err
	}
	s.collector = metrics.NewCollector(store, registry)
	return s, nil
}

// Open builds a session from configuration: the Supabase backend, the local
// store in the data directory and a reachability monitor gating replay.
// A configured access token signs the user in.
func Open(cfg *config.Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	sbCfg := supabase.Config{URL: cfg.Supabase.URL, APIKey: cfg.Supabase.AnonKey}
	if cfg.Supabase.Resilient {
		rc := client.DefaultResilientClientConfig()
		sbCfg.Resilience = &rc
	}
	backend, err := supabase.NewBackend(sbCfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Store.Backend, cfg.Store.DataDir)
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentStore, false, err.Error())
		return nil, err
	}
	metrics.UpdateComponent(metrics.ComponentStore, true, string(cfg.Store.Backend))

	monitor := health.NewMonitor(
		health.NewRemoteChecker(cfg.Supabase.URL, cfg.Supabase.AnonKey),
		health.Config{Interval: cfg.Health.Interval, Timeout: cfg.Health.Timeout, Retries: cfg.Health.Retries},
	)
	monitor.OnProbe = func(r health.Result, reachable bool) {
		metrics.UpdateComponent(metrics.ComponentRemote, reachable, r.Message)
	}

	s, err := New(backend, store, Options{
		ReplaySchedule: cfg.Replay.Schedule,
		ReplayTimeout:  cfg.Replay.Timeout,
		Gate:           monitor,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	s.monitor = monitor

	if cfg.Supabase.AccessToken != "" {
		if _, err := s.SignIn(cfg.Supabase.AccessToken); err != nil {
			s.Close(context.Background())
			return nil, err
		}
	}
	return s, nil
}

// Start runs the background parts: event delivery, metrics sampling, the
// reachability monitor and the replay loop
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.broker.Start()
		s.collector.Start()
		if s.monitor != nil {
			s.monitor.Start()
		}
		s.reconciler.Start()
	})
}

// Events returns the session's lifecycle event broker
func (s *Session) Events() *events.Broker {
	return s.broker
}

// Registry returns the session's subscription registry
func (s *Session) Registry() *subscription.Registry {
	return s.registry
}

// Syncers returns the services of every resource type, parents first
func (s *Session) Syncers() []resource.Syncer {
	return s.syncers
}

// Syncer returns the service of one resource type
func (s *Session) Syncer(rt types.ResourceType) (resource.Syncer, bool) {
	for _, sy := range s.syncers {
		if sy.ResourceType() == rt {
			return sy, true
		}
	}
	return nil, false
}

// SignIn decodes the access token, switches the backend to it and records
// the user
func (s *Session) SignIn(token string) (*Claims, error) {
	claims, err := ParseClaims(token, s.opts.JWTSecret, s.clock())
	if err != nil {
		return nil, err
	}
	if ts, ok := s.backend.(tokenSetter); ok {
		ts.SetAccessToken(token)
	}

	s.mu.Lock()
	s.claims = claims
	s.mu.Unlock()

	s.logger.Info().Str("user_id", claims.Subject).Msg("Signed in")
	return claims, nil
}

// Claims returns the signed-in user's claims
func (s *Session) Claims() (*Claims, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil {
		return nil, ErrNotSignedIn
	}
	return s.claims, nil
}

// Owner returns the signed-in user as a coach or client owner
func (s *Session) Owner() (types.Owner, error) {
	claims, err := s.Claims()
	if err != nil {
		return types.Owner{}, err
	}
	return claims.Owner()
}

// Replay runs one reconciliation cycle now
func (s *Session) Replay(ctx context.Context) (*reconciler.Summary, error) {
	return s.reconciler.Reconcile(ctx)
}

// Pending returns the staged writes of every resource type that has any
func (s *Session) Pending() (map[types.ResourceType][]*types.LocalFallbackEntry, error) {
	out := make(map[types.ResourceType][]*types.LocalFallbackEntry)
	for _, sy := range s.syncers {
		entries, err := sy.Pending()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sy.ResourceType(), err)
		}
		if len(entries) > 0 {
			out[sy.ResourceType()] = entries
		}
	}
	return out, nil
}

// SignOut closes every subscription, discards every staged write and
// cached record and forgets the user. Afterwards nothing of the previous
// user can be loaded from this device.
func (s *Session) SignOut(ctx context.Context) error {
	s.mu.Lock()
	claims := s.claims
	s.claims = nil
	s.mu.Unlock()

	s.registry.UnsubscribeAll(ctx)

	var errs []error
	for _, sy := range s.syncers {
		if err := sy.ClearPending(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sy.ResourceType(), err))
		}
		sy.Reset()
	}
	for _, rt := range types.AllResourceTypes() {
		if err := s.store.ClearResourceType(rt); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rt, err))
		}
	}

	if ts, ok := s.backend.(tokenSetter); ok {
		ts.SetAccessToken("")
	}

	meta := map[string]string{}
	if claims != nil {
		meta["user_id"] = claims.Subject
	}
	events.Emit(s.broker, events.EventSessionSignedOut, "Signed out", meta)

	if err := errors.Join(errs...); err != nil {
		s.logger.Error().Err(err).Msg("Sign out left local data behind")
		return err
	}
	s.logger.Info().Str("user_id", meta["user_id"]).Msg("Signed out")
	return nil
}

// Close stops the background loops and releases the store and connections.
// Staged writes stay on disk for the next session.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.reconciler.Stop()
		if s.monitor != nil {
			s.monitor.Stop()
		}
		s.collector.Stop()
		s.registry.Close(ctx)
		s.broker.Stop()

		var errs []error
		if cerr := s.store.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", cerr))
		}
		if bc, ok := s.backend.(backendCloser); ok {
			if cerr := bc.Close(ctx); cerr != nil {
				errs = append(errs, fmt.Errorf("failed to close backend: %w", cerr))
			}
		}
		err = errors.Join(errs...)
	})
	return err
}
