package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spcoaching/coachsync/pkg/events"
	"github.com/spcoaching/coachsync/pkg/metrics"
	"github.com/spcoaching/coachsync/pkg/resource"
	"github.com/spcoaching/coachsync/pkg/session"
	"github.com/spcoaching/coachsync/pkg/types"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch RESOURCE",
	Short: "Stream live changes of a resource",
	Long: `Subscribe to one resource for an owner and print every change as a
JSON line until interrupted. The replay loop runs in the background, so
writes staged earlier go out as soon as the backend is reachable.

Examples:
  # Messages of one chat
  coachsync watch messages --owner 5d1e

  # A coach's workouts, with sync events and metrics on :9090
  coachsync watch workouts --role coach --events --metrics-addr :9090

  # Only staged and reconciled writes
  coachsync watch goals --event-filter record`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	addOwnerFlags(watchCmd)
	watchCmd.Flags().Bool("events", false, "Also print sync lifecycle events")
	watchCmd.Flags().StringSlice("event-filter", nil, "Only print these event types or families (e.g. record,replay.completed)")
	watchCmd.Flags().String("metrics-addr", "", "Serve /metrics, /health and /ready on this address")
	rootCmd.AddCommand(watchCmd)
}

type changeLine struct {
	Kind      types.ChangeKind `json:"kind"`
	ID        string           `json:"id"`
	Tombstone bool             `json:"tombstone,omitempty"`
	Origin    types.Origin     `json:"origin,omitempty"`
	Record    any              `json:"record,omitempty"`
}

type eventLine struct {
	Event    events.EventType  `json:"event"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
	At       time.Time         `json:"at"`
}

// lineWriter serializes JSON lines from concurrent subscriptions
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *lineWriter) write(v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.enc.Encode(v)
}

func printChanges[T types.Record](w *lineWriter) func(resource.Change[T]) {
	return func(ch resource.Change[T]) {
		line := changeLine{Kind: ch.Kind, ID: ch.ID, Tombstone: ch.Tombstone}
		if !ch.Tombstone {
			line.Origin = ch.Record.GetMeta().Origin
			line.Record = ch.Record
		}
		w.write(line)
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	rt, err := types.ParseResourceType(args[0])
	if err != nil {
		return err
	}
	showEvents, _ := cmd.Flags().GetBool("events")
	eventFilter, _ := cmd.Flags().GetStringSlice("event-filter")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close(context.Background())

	owner, err := resolveOwner(cmd, s, rt)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := &lineWriter{enc: json.NewEncoder(cmd.OutOrStdout())}
	s.Start()

	if showEvents || len(eventFilter) > 0 {
		sub := s.Events().Subscribe(eventFilter...)
		defer s.Events().Unsubscribe(sub)
		go forwardEvents(ctx, sub, out)
	}

	if metricsAddr != "" {
		srv := metricsServer(metricsAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(cmd.ErrOrStderr(), "metrics server: %v\n", err)
			}
		}()
		defer srv.Close()
	}

	subErrs := make(chan error, 1)
	onError := func(err error) {
		select {
		case subErrs <- err:
		default:
		}
	}

	if err := subscribe(ctx, s, rt, owner, out, onError); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s for %s. Press Ctrl+C to stop.\n", rt, owner)

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.ErrOrStderr(), "\nShutting down...")
		return nil
	case err := <-subErrs:
		return fmt.Errorf("subscription failed: %w", err)
	}
}

func subscribe(ctx context.Context, s *session.Session, rt types.ResourceType, owner types.Owner, out *lineWriter, onError func(error)) error {
	switch rt {
	case types.ResourceWorkouts:
		return s.Workouts.Subscribe(ctx, owner, printChanges[*types.Workout](out), onError)
	case types.ResourceExercises:
		return s.Workouts.SubscribeExercises(ctx, owner.ID, printChanges[*types.Exercise](out), onError)
	case types.ResourceMealPlans:
		return s.Nutrition.Subscribe(ctx, owner, printChanges[*types.MealPlan](out), onError)
	case types.ResourceFoods:
		return s.Nutrition.SubscribeFoods(ctx, owner.ID, printChanges[*types.Food](out), onError)
	case types.ResourceGoals:
		return s.Progress.SubscribeGoals(ctx, owner.ID, printChanges[*types.Goal](out), onError)
	case types.ResourceProgressEntries:
		return s.Progress.SubscribeEntries(ctx, owner.ID, printChanges[*types.ProgressEntry](out), onError)
	case types.ResourceConversations:
		return s.Chat.SubscribeConversations(ctx, owner, printChanges[*types.Conversation](out), onError)
	case types.ResourceMessages:
		return s.Chat.SubscribeMessages(ctx, owner.ID, printChanges[*types.Message](out), onError)
	default:
		return fmt.Errorf("cannot watch %s", rt)
	}
}

func forwardEvents(ctx context.Context, sub events.Subscriber, out *lineWriter) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			out.write(eventLine{Event: ev.Type, Message: ev.Message, Metadata: ev.Metadata, At: ev.Timestamp})
		case <-ctx.Done():
			return
		}
	}
}

func metricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
