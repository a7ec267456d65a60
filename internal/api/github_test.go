package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestGitHubClient(t *testing.T, handler http.HandlerFunc) *GitHubClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewGitHubClient("", 2*time.Second)
	baseURL, err := url.Parse(server.URL + "/")
	if err != nil {
		t.Fatalf("failed to parse server url: %v", err)
	}
	client.client.BaseURL = baseURL
	return client
}

const issuesPayload = `[
	{
		"id": 100,
		"number": 7,
		"title": "Bug",
		"html_url": "https://x/a/x/issues/7",
		"created_at": "2026-10-16T10:00:00Z",
		"user": {"login": "alice"},
		"labels": [{"name": "kind/bug"}, {"name": "good first issue"}]
	},
	{
		"id": 101,
		"number": 8,
		"title": "Add feature",
		"html_url": "https://x/a/x/pull/8",
		"created_at": "2026-10-16T09:00:00Z",
		"user": {"login": "bob"},
		"pull_request": {"url": "https://api.github.com/repos/a/x/pulls/8"}
	}
]`

func TestListIssues(t *testing.T) {
	since := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	var gotQuery url.Values
	var gotPath, gotAgent string

	client := newTestGitHubClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, issuesPayload)
	})

	issues, err := client.ListIssues(context.Background(), "a/x", ListOptions{Since: since, PerPage: 500})
	if err != nil {
		t.Fatalf("ListIssues failed: %v", err)
	}

	if gotPath != "/repos/a/x/issues" {
		t.Errorf("path = %s", gotPath)
	}
	if gotAgent != UserAgent {
		t.Errorf("user agent = %q", gotAgent)
	}
	wantQuery := map[string]string{
		"state":     "open",
		"sort":      "created",
		"direction": "desc",
		"per_page":  "100",
		"since":     since.Format(time.RFC3339),
	}
	for key, want := range wantQuery {
		if got := gotQuery.Get(key); got != want {
			t.Errorf("query %s = %q, want %q", key, got, want)
		}
	}

	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(issues))
	}
	first := issues[0]
	if first.ID != 100 || first.Number != 7 || first.Title != "Bug" || first.Author != "alice" {
		t.Errorf("unexpected issue: %+v", first)
	}
	if first.Repository != "a/x" || first.HTMLURL != "https://x/a/x/issues/7" {
		t.Errorf("unexpected issue: %+v", first)
	}
	if len(first.Labels) != 2 || first.Labels[0] != "kind/bug" {
		t.Errorf("unexpected labels: %v", first.Labels)
	}
	if first.IsPullRequest {
		t.Errorf("issue flagged as pull request")
	}
	if !issues[1].IsPullRequest {
		t.Errorf("pull request not flagged")
	}
}

func TestListIssuesRateLimited(t *testing.T) {
	reset := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	client := newTestGitHubClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "60")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset.Unix()))
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message": "API rate limit exceeded"}`)
	})

	_, err := client.ListIssues(context.Background(), "a/x", ListOptions{})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if errors.Is(err, ErrFetchFailure) {
		t.Fatalf("rate limit must not be reported as fetch failure")
	}

	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected *RateLimitError, got %T", err)
	}
	if !rateErr.ResetTime.Equal(reset) {
		t.Errorf("reset = %v, want %v", rateErr.ResetTime, reset)
	}
}

func TestListIssuesTooManyRequests(t *testing.T) {
	client := newTestGitHubClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"message": "slow down"}`)
	})

	_, err := client.ListIssues(context.Background(), "a/x", ListOptions{})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestListIssuesFetchFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"message": "Not Found"}`)
			},
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{not json`)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestGitHubClient(t, tt.handler)
			_, err := client.ListIssues(context.Background(), "a/x", ListOptions{})
			if !errors.Is(err, ErrFetchFailure) {
				t.Fatalf("expected ErrFetchFailure, got %v", err)
			}
			if errors.Is(err, ErrRateLimited) {
				t.Fatalf("fetch failure must not be reported as rate limit")
			}
		})
	}
}

func TestListIssuesInvalidRepository(t *testing.T) {
	client := NewGitHubClient("", time.Second)
	_, err := client.ListIssues(context.Background(), "not-a-repo", ListOptions{})
	if !errors.Is(err, ErrFetchFailure) {
		t.Fatalf("expected ErrFetchFailure, got %v", err)
	}
}

func TestAuthenticatedClientSendsToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `[]`)
	}))
	defer server.Close()

	client := NewGitHubClient("secret", 2*time.Second)
	baseURL, _ := url.Parse(server.URL + "/")
	client.client.BaseURL = baseURL

	issues, err := client.ListIssues(context.Background(), "a/x", ListOptions{})
	if err != nil {
		t.Fatalf("ListIssues failed: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("expected no issues, got %d", len(issues))
	}
	if !strings.HasSuffix(gotAuth, "secret") || !strings.HasPrefix(strings.ToLower(gotAuth), "bearer") {
		t.Fatalf("authorization header = %q", gotAuth)
	}
}

func TestGraphQLListIssues(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data": {"repository": {"issues": {"nodes": [
			{
				"databaseId": 3000000001,
				"number": 7,
				"title": "Bug",
				"url": "https://x/a/x/issues/7",
				"createdAt": "2026-10-16T10:00:00Z",
				"author": {"login": "alice"},
				"labels": {"nodes": [{"name": "kind/bug"}]}
			}
		]}}}}`)
	}))
	defer server.Close()

	client := newGraphQLClientWithURL(server.URL, server.Client())
	issues, err := client.ListIssues(context.Background(), "a/x", ListOptions{Since: time.Now().Add(-time.Hour), PerPage: 10})
	if err != nil {
		t.Fatalf("ListIssues failed: %v", err)
	}

	if !strings.Contains(gotBody, "CREATED_AT") || !strings.Contains(gotBody, "OPEN") {
		t.Errorf("request body missing ordering or state: %s", gotBody)
	}
	if len(issues) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(issues))
	}
	issue := issues[0]
	if issue.ID != 3000000001 || issue.Number != 7 || issue.Author != "alice" || issue.Repository != "a/x" {
		t.Errorf("unexpected issue: %+v", issue)
	}
	if issue.HTMLURL != "https://x/a/x/issues/7" || len(issue.Labels) != 1 {
		t.Errorf("unexpected issue: %+v", issue)
	}
	if !issue.CreatedAt.Equal(time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("created at = %v", issue.CreatedAt)
	}
}

func TestGraphQLRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data": null, "errors": [{"type": "RATE_LIMITED", "message": "API rate limit exceeded for user ID 1."}]}`)
	}))
	defer server.Close()

	client := newGraphQLClientWithURL(server.URL, server.Client())
	_, err := client.ListIssues(context.Background(), "a/x", ListOptions{})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestGraphQLServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newGraphQLClientWithURL(server.URL, server.Client())
	_, err := client.ListIssues(context.Background(), "a/x", ListOptions{})
	if !errors.Is(err, ErrFetchFailure) {
		t.Fatalf("expected ErrFetchFailure, got %v", err)
	}
}

func TestGraphQLExhaustedQuotaStopsFurtherQueries(t *testing.T) {
	reset := time.Date(2026, 10, 16, 13, 0, 0, 0, time.UTC)
	var requests int
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"data": {
			"rateLimit": {"remaining": 0, "resetAt": %q},
			"repository": {"issues": {"nodes": []}}
		}}`, reset.Format(time.RFC3339))
	}))
	defer server.Close()

	client := newGraphQLClientWithURL(server.URL, server.Client())
	client.now = func() time.Time { return reset.Add(-10 * time.Minute) }

	if _, err := client.ListIssues(context.Background(), "a/x", ListOptions{}); err != nil {
		t.Fatalf("first query failed: %v", err)
	}
	if !strings.Contains(gotBody, "rateLimit") {
		t.Errorf("query does not select rateLimit: %s", gotBody)
	}

	_, err := client.ListIssues(context.Background(), "b/y", ListOptions{})
	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) || !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected *RateLimitError, got %v", err)
	}
	if !rateErr.ResetTime.Equal(reset) {
		t.Errorf("reset = %v, want %v", rateErr.ResetTime, reset)
	}
	if requests != 1 {
		t.Errorf("requests = %d, want 1", requests)
	}

	// Queries resume once the quota resets
	client.now = func() time.Time { return reset.Add(time.Second) }
	if _, err := client.ListIssues(context.Background(), "b/y", ListOptions{}); err != nil {
		t.Fatalf("query after reset failed: %v", err)
	}
	if requests != 2 {
		t.Errorf("requests = %d, want 2", requests)
	}
}
