package models

import (
	"fmt"
	"strings"
	"time"
)

// Issue represents a GitHub issue as returned by the issue source
type Issue struct {
	ID         int64
	Number     int
	Title      string
	Author     string
	Repository string
	Labels     []string
	CreatedAt  time.Time
	HTMLURL    string

	// IsPullRequest is set when the listing API returned a pull request instead of an issue
	IsPullRequest bool
}

// PassSummary reports the outcome of one pass over the repository list
type PassSummary struct {
	Checked          int
	NewIssues        int
	Errors           int
	DeliveryFailures int
	StoreErrors      int
	// RateLimited lists repositories skipped this pass because of quota exhaustion
	RateLimited []string
	Duration    time.Duration
}

// ParseRepository parses a repository string in the format "owner/name"
func ParseRepository(repo string) (string, string, error) {
	parts := strings.Split(strings.TrimSpace(repo), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository format, expected 'owner/name', got '%s'", repo)
	}
	return parts[0], parts[1], nil
}
