package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/wesm/github-issue-notifier/internal/models"
	"golang.org/x/oauth2"
)

// UserAgent is sent with every request to GitHub
const UserAgent = "github-issue-notifier/1.0"

// MaxPerPage is the largest page size GitHub accepts for issue listings
const MaxPerPage = 100

var (
	// ErrRateLimited is matched by errors caused by an exhausted GitHub quota
	ErrRateLimited = errors.New("rate limited")
	// ErrFetchFailure is matched by network, timeout, HTTP and decoding errors
	ErrFetchFailure = errors.New("fetch failure")
)

// RateLimitError is returned when GitHub refuses a request because of quota exhaustion
type RateLimitError struct {
	ResetTime time.Time
	Err       error
}

func (e *RateLimitError) Error() string {
	if e.ResetTime.IsZero() {
		return fmt.Sprintf("rate limited: %v", e.Err)
	}
	return fmt.Sprintf("rate limited until %s: %v", e.ResetTime.Format(time.RFC3339), e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// ListOptions bounds an issue listing
type ListOptions struct {
	Since   time.Time
	PerPage int
}

// GitHubClient represents a client for the GitHub REST API
type GitHubClient struct {
	client *github.Client
}

// NewGitHubClient creates a new GitHub API client. The token is optional and only raises the quota.
func NewGitHubClient(token string, timeout time.Duration) *GitHubClient {
	client := github.NewClient(newHTTPClient(token, timeout))
	client.UserAgent = UserAgent
	return &GitHubClient{client: client}
}

// newHTTPClient returns an HTTP client with the request timeout applied, authenticated when a token is set
func newHTTPClient(token string, timeout time.Duration) *http.Client {
	if token == "" {
		return &http.Client{Timeout: timeout}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = timeout
	return tc
}

// ListIssues lists the most recently created open issues of a repository.
// Pull requests are returned too and flagged with IsPullRequest.
func (c *GitHubClient) ListIssues(ctx context.Context, repository string, opts ListOptions) ([]models.Issue, error) {
	owner, name, err := models.ParseRepository(repository)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailure, err)
	}

	listOpts := &github.IssueListByRepoOptions{
		State:     "open",
		Sort:      "created",
		Direction: "desc",
		Since:     opts.Since,
		ListOptions: github.ListOptions{
			PerPage: clampPerPage(opts.PerPage),
		},
	}

	issues, _, err := c.client.Issues.ListByRepo(ctx, owner, name, listOpts)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to list issues for %s: %w", repository, err))
	}

	result := make([]models.Issue, 0, len(issues))
	for _, issue := range issues {
		result = append(result, ConvertGitHubIssue(issue, repository))
	}
	return result, nil
}

// ConvertGitHubIssue converts a GitHub issue to our model
func ConvertGitHubIssue(issue *github.Issue, repository string) models.Issue {
	labels := make([]string, 0, len(issue.Labels))
	for _, label := range issue.Labels {
		labels = append(labels, label.GetName())
	}

	return models.Issue{
		ID:            issue.GetID(),
		Number:        issue.GetNumber(),
		Title:         issue.GetTitle(),
		Author:        issue.GetUser().GetLogin(),
		Repository:    repository,
		Labels:        labels,
		CreatedAt:     issue.GetCreatedAt().Time,
		HTMLURL:       issue.GetHTMLURL(),
		IsPullRequest: issue.IsPullRequest(),
	}
}

// classifyError maps go-github errors onto ErrRateLimited and ErrFetchFailure
func classifyError(err error) error {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &RateLimitError{ResetTime: rateErr.Rate.Reset.Time, Err: err}
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		var reset time.Time
		if abuseErr.RetryAfter != nil {
			reset = time.Now().Add(*abuseErr.RetryAfter)
		}
		return &RateLimitError{ResetTime: reset, Err: err}
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil && respErr.Response.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Err: err}
	}

	return fmt.Errorf("%w: %w", ErrFetchFailure, err)
}

func clampPerPage(perPage int) int {
	if perPage <= 0 {
		return 10
	}
	if perPage > MaxPerPage {
		return MaxPerPage
	}
	return perPage
}
