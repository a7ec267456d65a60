package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/wesm/github-issue-notifier/internal/api"
	"github.com/wesm/github-issue-notifier/internal/db"
	"github.com/wesm/github-issue-notifier/internal/models"
)

// Notifier dispatches outbound messages. Errors are informational; callers never abort on them.
type Notifier interface {
	NotifyNewIssue(ctx context.Context, issue models.Issue) error
	NotifyStartup(ctx context.Context, repositories []string, interval time.Duration, tracked int) error
	NotifyError(ctx context.Context, where, message string) error
}

// SchedulerConfig controls pacing and the new-issue window of a pass
type SchedulerConfig struct {
	// BatchSize is the number of repositories checked per group
	BatchSize int
	// RepoDelay separates two repository checks within a group
	RepoDelay time.Duration
	// BatchDelay separates two groups
	BatchDelay time.Duration
	// Lookback is how far before the pass start an issue may have been created and still count as new
	Lookback time.Duration
	// DispatchTimeout bounds the notification of an issue that is already recorded
	DispatchTimeout time.Duration
}

// Scheduler runs one sequential monitoring pass over the repository list
type Scheduler struct {
	poller   *Poller
	store    Store
	notifier Notifier
	clock    Clock
	cfg      SchedulerConfig
	log      zerolog.Logger

	lastStart time.Time
}

// NewScheduler creates a scheduler. A batch size below 1 is treated as 1.
func NewScheduler(poller *Poller, store Store, notifier Notifier, clock Clock, cfg SchedulerConfig, log zerolog.Logger) *Scheduler {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{
		poller:   poller,
		store:    store,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

// RunPass checks every repository once. A failing repository is counted and skipped;
// the only error returned is ctx.Err() when the pass is interrupted.
func (s *Scheduler) RunPass(ctx context.Context, repositories []string) (models.PassSummary, error) {
	start := s.clock.Now()
	floor := start.Add(-s.cfg.Lookback)
	// A pass that starts late still reaches back to the previous pass start
	if !s.lastStart.IsZero() && s.lastStart.Before(floor) {
		floor = s.lastStart
	}
	s.lastStart = start
	summary := models.PassSummary{}

	s.log.Info().Int("repositories", len(repositories)).Time("floor", floor).Msg("Checking repositories")

	for i := 0; i < len(repositories); i += s.cfg.BatchSize {
		end := i + s.cfg.BatchSize
		if end > len(repositories) {
			end = len(repositories)
		}

		if i > 0 {
			if err := sleep(ctx, s.clock, s.cfg.BatchDelay); err != nil {
				return s.finish(summary, start), err
			}
		}

		for j, repository := range repositories[i:end] {
			if j > 0 {
				if err := sleep(ctx, s.clock, s.cfg.RepoDelay); err != nil {
					return s.finish(summary, start), err
				}
			}
			if err := ctx.Err(); err != nil {
				return s.finish(summary, start), err
			}

			s.checkRepository(ctx, repository, floor, &summary)
		}
	}

	return s.finish(summary, start), nil
}

func (s *Scheduler) checkRepository(ctx context.Context, repository string, floor time.Time, summary *models.PassSummary) {
	summary.Checked++
	log := s.log.With().Str("repository", repository).Logger()

	issues, err := s.poller.Poll(ctx, repository, floor)
	if err != nil {
		summary.Errors++
		switch {
		case errors.Is(err, api.ErrRateLimited):
			summary.RateLimited = append(summary.RateLimited, repository)
			log.Warn().Err(err).Msg("Rate limit hit")
		case errors.Is(err, db.ErrStoreUnavailable):
			summary.StoreErrors++
			log.Error().Err(err).Msg("Store unavailable while checking repository")
		default:
			log.Error().Err(err).Msg("Failed to check repository")
		}
		return
	}

	for _, issue := range issues {
		// Unrecorded issues are picked up again by the next pass
		if ctx.Err() != nil {
			return
		}

		// Record before notifying; an issue that fails to record is retried next pass
		if err := s.store.Record(ctx, issue); err != nil {
			summary.Errors++
			summary.StoreErrors++
			log.Error().Err(err).Int("number", issue.Number).Msg("Failed to record issue, will retry next pass")
			continue
		}
		summary.NewIssues++

		// Dispatch of a recorded issue outlives cancellation of the pass
		dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DispatchTimeout)
		err := s.notifier.NotifyNewIssue(dispatchCtx, issue)
		cancel()
		if err != nil {
			summary.DeliveryFailures++
		}
	}
}

func (s *Scheduler) finish(summary models.PassSummary, start time.Time) models.PassSummary {
	summary.Duration = s.clock.Now().Sub(start)
	return summary
}
