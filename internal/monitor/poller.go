package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/wesm/github-issue-notifier/internal/api"
	"github.com/wesm/github-issue-notifier/internal/models"
)

// Source is the issue-listing collaborator
type Source interface {
	ListIssues(ctx context.Context, repository string, opts api.ListOptions) ([]models.Issue, error)
}

// Store is the seen-issue store
type Store interface {
	Initialize(ctx context.Context) error
	Has(ctx context.Context, repository string, issueID int64) (bool, error)
	Record(ctx context.Context, issue models.Issue) error
	Count(ctx context.Context) (int, error)
}

// Poller finds the issues of one repository that have not been notified yet
type Poller struct {
	source  Source
	store   Store
	perPage int
	log     zerolog.Logger
}

// NewPoller creates a poller that requests perPage issues per repository
func NewPoller(source Source, store Store, perPage int, log zerolog.Logger) *Poller {
	return &Poller{
		source:  source,
		store:   store,
		perPage: perPage,
		log:     log.With().Str("component", "poller").Logger(),
	}
}

// Poll returns the unseen issues of repository created at or after floor, oldest first.
// A repository without qualifying issues yields an empty slice and no error.
func (p *Poller) Poll(ctx context.Context, repository string, floor time.Time) ([]models.Issue, error) {
	issues, err := p.source.ListIssues(ctx, repository, api.ListOptions{
		Since:   floor,
		PerPage: p.perPage,
	})
	if err != nil {
		return nil, err
	}

	var fresh []models.Issue
	for _, issue := range issues {
		if issue.IsPullRequest {
			continue
		}
		// since filters on update time, so older issues with recent activity come back too
		if issue.CreatedAt.Before(floor) {
			continue
		}

		seen, err := p.store.Has(ctx, repository, issue.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check issue %s#%d: %w", repository, issue.Number, err)
		}
		if seen {
			continue
		}
		fresh = append(fresh, issue)
	}

	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].CreatedAt.Before(fresh[j].CreatedAt)
	})

	p.log.Debug().
		Str("repository", repository).
		Int("fetched", len(issues)).
		Int("new", len(fresh)).
		Time("floor", floor).
		Msg("Polled repository")

	return fresh, nil
}
