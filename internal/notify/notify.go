package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/wesm/github-issue-notifier/internal/models"
	"github.com/wesm/github-issue-notifier/internal/retry"
)

// ErrDeliveryFailure is matched by errors returned when a message could not be delivered
var ErrDeliveryFailure = errors.New("delivery failure")

// Sender is the chat-messaging collaborator
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Config controls pacing and retries of outgoing messages
type Config struct {
	// Delay is the minimum spacing between two outgoing messages; zero disables pacing
	Delay time.Duration
	// Attempts bounds delivery tries per message, including the first one
	Attempts int
	Backoff  retry.Backoff
}

// Notifier formats and dispatches notifications. Failures are logged and returned, never retried unboundedly.
type Notifier struct {
	sender  Sender
	log     zerolog.Logger
	limiter *rate.Limiter
	retry   retry.Config
}

// New creates a notifier. Attempts defaults to 2 and Backoff to an exponential one starting at 1s.
func New(sender Sender, cfg Config, log zerolog.Logger) *Notifier {
	limit := rate.Inf
	if cfg.Delay > 0 {
		limit = rate.Every(cfg.Delay)
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 2
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = retry.Exponential(time.Second, 5*time.Second)
	}

	return &Notifier{
		sender:  sender,
		log:     log.With().Str("component", "notifier").Logger(),
		limiter: rate.NewLimiter(limit, 1),
		retry:   retry.Config{Attempts: attempts, Backoff: backoff},
	}
}

// NotifyNewIssue announces a newly opened issue
func (n *Notifier) NotifyNewIssue(ctx context.Context, issue models.Issue) error {
	err := n.send(ctx, FormatNewIssue(issue))
	if err != nil {
		n.log.Error().Err(err).
			Str("repository", issue.Repository).
			Int("number", issue.Number).
			Msg("Failed to deliver issue notification")
		return err
	}
	n.log.Info().Str("repository", issue.Repository).Int("number", issue.Number).Msg("Notified new issue")
	return nil
}

// NotifyStartup announces that monitoring has started
func (n *Notifier) NotifyStartup(ctx context.Context, repositories []string, interval time.Duration, tracked int) error {
	err := n.send(ctx, FormatStartup(repositories, interval, tracked))
	if err != nil {
		n.log.Error().Err(err).Msg("Failed to deliver startup notification")
	}
	return err
}

// NotifyError reports a non-fatal failure. where names the failing operation.
func (n *Notifier) NotifyError(ctx context.Context, where, message string) error {
	err := n.send(ctx, FormatError(where, message))
	if err != nil {
		n.log.Error().Err(err).Str("context", where).Msg("Failed to deliver error notification")
	}
	return err
}

// NotifyTest sends a fixed message to check the chat settings
func (n *Notifier) NotifyTest(ctx context.Context) error {
	err := n.send(ctx, FormatTest())
	if err != nil {
		n.log.Error().Err(err).Msg("Failed to deliver test notification")
	}
	return err
}

func (n *Notifier) send(ctx context.Context, text string) error {
	err := retry.Do(ctx, n.retry, isRetryable, func() error {
		if err := n.limiter.Wait(ctx); err != nil {
			return err
		}
		return n.sender.Send(ctx, text)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailure, err)
	}
	return nil
}

func isRetryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
