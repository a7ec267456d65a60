package monitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/wesm/github-issue-notifier/internal/models"
)

// State is the run loop lifecycle state
type State int32

// Lifecycle states, in order
const (
	StateStarting State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Pruner is implemented by stores that support a retention policy
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// RunnerConfig describes what the run loop monitors and how often
type RunnerConfig struct {
	Repositories []string
	// Interval is the longest time between pass starts; reported at startup and drives Schedule when none is set
	Interval time.Duration
	// Schedule decides when passes run; defaults to cron.Every(Interval)
	Schedule cron.Schedule
	// Retention prunes entries recorded longer ago at startup; zero keeps everything
	Retention time.Duration
	// RateLimitReportInterval collapses rate-limit reports to at most one per interval
	RateLimitReportInterval time.Duration
	// OnStateChange is called on every state transition
	OnStateChange func(State)
}

// Runner drives scheduler passes forever, surviving any single-pass failure
type Runner struct {
	scheduler *Scheduler
	store     Store
	notifier  Notifier
	clock     Clock
	cfg       RunnerConfig
	log       zerolog.Logger

	state               atomic.Int32
	lastRateLimitReport time.Time
}

// NewRunner creates a run loop. Without a Schedule, passes start every Interval.
func NewRunner(scheduler *Scheduler, store Store, notifier Notifier, clock Clock, cfg RunnerConfig, log zerolog.Logger) *Runner {
	if clock == nil {
		clock = RealClock{}
	}
	if cfg.Schedule == nil {
		cfg.Schedule = cron.Every(cfg.Interval)
	}
	if cfg.RateLimitReportInterval <= 0 {
		cfg.RateLimitReportInterval = 30 * time.Minute
	}
	return &Runner{
		scheduler: scheduler,
		store:     store,
		notifier:  notifier,
		clock:     clock,
		cfg:       cfg,
		log:       log.With().Str("component", "runner").Logger(),
	}
}

// State returns the current lifecycle state
func (r *Runner) State() State {
	return State(r.state.Load())
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
	r.log.Debug().Stringer("state", s).Msg("State changed")
	if r.cfg.OnStateChange != nil {
		r.cfg.OnStateChange(s)
	}
}

// Start initializes the store and announces startup. An error here is fatal.
func (r *Runner) Start(ctx context.Context) error {
	r.setState(StateStarting)

	if err := r.store.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	if r.cfg.Retention > 0 {
		if pruner, ok := r.store.(Pruner); ok {
			n, err := pruner.Prune(ctx, r.clock.Now().Add(-r.cfg.Retention))
			if err != nil {
				return fmt.Errorf("failed to prune store: %w", err)
			}
			r.log.Info().Int64("pruned", n).Dur("retention", r.cfg.Retention).Msg("Pruned old entries")
		}
	}

	tracked, err := r.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count tracked issues: %w", err)
	}

	r.log.Info().
		Int("repositories", len(r.cfg.Repositories)).
		Int("tracked", tracked).
		Dur("interval", r.cfg.Interval).
		Msg("Starting issue monitor")

	// A failed startup message is not fatal; the store is usable.
	_ = r.notifier.NotifyStartup(ctx, r.cfg.Repositories, r.cfg.Interval, tracked)
	return nil
}

// Run starts the monitor and loops until ctx is canceled.
// It returns an error only when startup fails.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}

	r.setState(StateRunning)
	defer r.setState(StateStopping)

	for {
		r.RunOnce(ctx)

		now := r.clock.Now()
		next := r.cfg.Schedule.Next(now)
		r.log.Info().Time("next", next).Msg("Waiting for next check")

		if err := sleep(ctx, r.clock, next.Sub(now)); err != nil {
			r.log.Info().Msg("Stopping issue monitor")
			return nil
		}
	}
}

// RunOnce runs a single pass, reporting any failure instead of propagating it
func (r *Runner) RunOnce(ctx context.Context) (summary models.PassSummary) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Str("stack", string(debug.Stack())).Msg("Pass panicked")
			_ = r.notifier.NotifyError(ctx, "monitoring pass", fmt.Sprint(rec))
		}
	}()

	summary, err := r.scheduler.RunPass(ctx, r.cfg.Repositories)
	if err != nil {
		if ctx.Err() == nil {
			_ = r.notifier.NotifyError(ctx, "monitoring pass", err.Error())
		}
		r.log.Warn().Err(err).Msg("Pass interrupted")
	}

	r.report(ctx, summary)
	return summary
}

func (r *Runner) report(ctx context.Context, summary models.PassSummary) {
	event := r.log.Info()
	if summary.Errors > 0 {
		event = r.log.Warn()
	}
	event.
		Int("checked", summary.Checked).
		Int("new_issues", summary.NewIssues).
		Int("errors", summary.Errors).
		Int("delivery_failures", summary.DeliveryFailures).
		Int("rate_limited", len(summary.RateLimited)).
		Dur("took", summary.Duration).
		Msg("Pass complete")

	if ctx.Err() != nil {
		return
	}

	if summary.StoreErrors > 0 {
		_ = r.notifier.NotifyError(ctx, "seen-issue store",
			fmt.Sprintf("%d store operations failed this pass; affected issues will be retried", summary.StoreErrors))
	}

	if len(summary.RateLimited) > 0 {
		now := r.clock.Now()
		if r.lastRateLimitReport.IsZero() || now.Sub(r.lastRateLimitReport) >= r.cfg.RateLimitReportInterval {
			r.lastRateLimitReport = now
			_ = r.notifier.NotifyError(ctx, "GitHub rate limit",
				fmt.Sprintf("Rate limited on %d repositories: %s", len(summary.RateLimited), strings.Join(summary.RateLimited, ", ")))
		} else {
			r.log.Debug().Int("repositories", len(summary.RateLimited)).Msg("Rate limit report suppressed")
		}
	}
}
