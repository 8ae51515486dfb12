package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spcoaching/coachsync/pkg/log"
	"github.com/spcoaching/coachsync/pkg/metrics"
	"github.com/spcoaching/coachsync/pkg/resource"
)

// DefaultSchedule replays staged writes every 30 seconds
const DefaultSchedule = "@every 30s"

// Gate tells the reconciler whether the backend is worth contacting.
// *health.Monitor implements it.
type Gate interface {
	Healthy() bool
}

// Options configures a Reconciler
type Options struct {
	// Schedule is a cron spec (default DefaultSchedule)
	Schedule string

	// Gate skips cycles while it reports unhealthy (optional)
	Gate Gate

	// Timeout bounds one cycle (default 20s)
	Timeout time.Duration
}

// Summary is the outcome of one reconciliation cycle
type Summary struct {
	Skipped   bool
	Replayed  int
	Kept      int
	Discarded int
	Results   []*resource.ReplayResult
	Duration  time.Duration
}

// Reconciler replays the staged writes of every syncer on a schedule until
// the backend has caught up with the device
type Reconciler struct {
	syncers  []resource.Syncer
	gate     Gate
	timeout  time.Duration
	schedule string

	cron   *cron.Cron
	cycle  sync.Mutex
	logger zerolog.Logger
}

// NewReconciler creates a reconciler. Syncers are replayed in order, so
// parents must come before their children.
func NewReconciler(syncers []resource.Syncer, opts Options) (*Reconciler, error) {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}

	r := &Reconciler{
		syncers:  syncers,
		gate:     opts.Gate,
		timeout:  opts.Timeout,
		schedule: opts.Schedule,
		cron:     cron.New(),
		logger:   log.WithComponent("reconciler"),
	}
	if _, err := r.cron.AddFunc(opts.Schedule, r.tick); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", opts.Schedule, err)
	}
	return r, nil
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	r.logger.Info().Str("schedule", r.schedule).Int("syncers", len(r.syncers)).Msg("Reconciler started")
	r.cron.Start()
}

// Stop stops the loop and waits for a running cycle to finish
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info().Msg("Reconciler stopped")
}

func (r *Reconciler) tick() {
	if !r.cycle.TryLock() {
		r.logger.Debug().Msg("Previous cycle still running, skipping")
		return
	}
	defer r.cycle.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if _, err := r.reconcile(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Reconciliation cycle failed")
	}
}

// Reconcile runs one cycle now. Cycles never overlap.
func (r *Reconciler) Reconcile(ctx context.Context) (*Summary, error) {
	r.cycle.Lock()
	defer r.cycle.Unlock()
	return r.reconcile(ctx)
}

func (r *Reconciler) reconcile(ctx context.Context) (*Summary, error) {
	if r.gate != nil && !r.gate.Healthy() {
		r.logger.Debug().Msg("Backend unreachable, skipping cycle")
		return &Summary{Skipped: true}, nil
	}

	timer := metrics.NewTimer()
	summary := &Summary{}
	defer func() {
		summary.Duration = timer.Duration()
		timer.ObserveDuration(metrics.ReplayDuration)
	}()

	var errs []error
	for _, s := range r.syncers {
		res, err := s.Replay(ctx)
		if res != nil {
			summary.Results = append(summary.Results, res)
			summary.Replayed += len(res.Replayed)
			summary.Kept += res.Kept
			summary.Discarded += len(res.Discarded)
		}
		if err != nil {
			if ctx.Err() != nil {
				return summary, err
			}
			errs = append(errs, fmt.Errorf("%s: %w", s.ResourceType(), err))
		}
	}

	if summary.Replayed > 0 || summary.Discarded > 0 {
		r.logger.Info().
			Int("replayed", summary.Replayed).
			Int("kept", summary.Kept).
			Int("discarded", summary.Discarded).
			Msg("Reconciliation cycle completed")
	}
	return summary, errors.Join(errs...)
}
