package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shurcooL/githubv4"
	"github.com/wesm/github-issue-notifier/internal/models"
)

// GraphQLClient represents a client for the GitHub GraphQL API
type GraphQLClient struct {
	client *githubv4.Client
	now    func() time.Time

	mu sync.Mutex
	// exhaustedUntil is the reset time of a quota that the last response reported as used up
	exhaustedUntil time.Time
}

// NewGraphQLClient creates a new GraphQL client. GitHub requires a token for GraphQL requests.
func NewGraphQLClient(token string, timeout time.Duration) *GraphQLClient {
	return &GraphQLClient{client: githubv4.NewClient(newHTTPClient(token, timeout)), now: time.Now}
}

func newGraphQLClientWithURL(url string, httpClient *http.Client) *GraphQLClient {
	return &GraphQLClient{client: githubv4.NewEnterpriseClient(url, httpClient), now: time.Now}
}

// graphQLIssue is the subset of the Issue object needed for notifications
type graphQLIssue struct {
	DatabaseID int64 `graphql:"databaseId"`
	Number     githubv4.Int
	Title      githubv4.String
	URL        githubv4.String
	CreatedAt  githubv4.DateTime
	Author     struct {
		Login githubv4.String
	}
	Labels struct {
		Nodes []struct {
			Name githubv4.String
		}
	} `graphql:"labels(first: 10)"`
}

// ListIssues lists the most recently created open issues of a repository.
// The GraphQL issues connection never contains pull requests.
func (c *GraphQLClient) ListIssues(ctx context.Context, repository string, opts ListOptions) ([]models.Issue, error) {
	owner, name, err := models.ParseRepository(repository)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailure, err)
	}

	if reset, ok := c.exhausted(); ok {
		return nil, &RateLimitError{ResetTime: reset, Err: errors.New("graphql quota exhausted")}
	}

	var query struct {
		RateLimit struct {
			Remaining githubv4.Int
			ResetAt   githubv4.DateTime
		}
		Repository struct {
			Issues struct {
				Nodes []graphQLIssue
			} `graphql:"issues(first: $perPage, states: $states, orderBy: $orderBy, filterBy: $filterBy)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	filter := githubv4.IssueFilters{}
	if !opts.Since.IsZero() {
		filter.Since = &githubv4.DateTime{Time: opts.Since}
	}

	variables := map[string]interface{}{
		"owner":   githubv4.String(owner),
		"name":    githubv4.String(name),
		"perPage": githubv4.Int(clampPerPage(opts.PerPage)),
		"states":  []githubv4.IssueState{githubv4.IssueStateOpen},
		"orderBy": githubv4.IssueOrder{
			Field:     githubv4.IssueOrderFieldCreatedAt,
			Direction: githubv4.OrderDirectionDesc,
		},
		"filterBy": filter,
	}

	if err := c.client.Query(ctx, &query, variables); err != nil {
		return nil, c.classifyError(fmt.Errorf("failed to query issues for %s: %w", repository, err))
	}

	c.mu.Lock()
	if query.RateLimit.Remaining <= 0 && !query.RateLimit.ResetAt.IsZero() {
		c.exhaustedUntil = query.RateLimit.ResetAt.Time
	} else {
		c.exhaustedUntil = time.Time{}
	}
	c.mu.Unlock()

	result := make([]models.Issue, 0, len(query.Repository.Issues.Nodes))
	for _, node := range query.Repository.Issues.Nodes {
		labels := make([]string, 0, len(node.Labels.Nodes))
		for _, label := range node.Labels.Nodes {
			labels = append(labels, string(label.Name))
		}

		result = append(result, models.Issue{
			ID:         node.DatabaseID,
			Number:     int(node.Number),
			Title:      string(node.Title),
			Author:     string(node.Author.Login),
			Repository: repository,
			Labels:     labels,
			CreatedAt:  node.CreatedAt.Time,
			HTMLURL:    string(node.URL),
		})
	}

	return result, nil
}

func (c *GraphQLClient) exhausted() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exhaustedUntil.IsZero() || !c.now().Before(c.exhaustedUntil) {
		return time.Time{}, false
	}
	return c.exhaustedUntil, true
}

// classifyError maps a failed query to ErrRateLimited or ErrFetchFailure. githubv4 exposes
// neither the HTTP status nor the error type, so a refused query is recognized by its message.
func (c *GraphQLClient) classifyError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "429 too many requests") {
		reset, _ := c.exhausted()
		return &RateLimitError{ResetTime: reset, Err: err}
	}
	return fmt.Errorf("%w: %w", ErrFetchFailure, err)
}
