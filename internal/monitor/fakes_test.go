package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wesm/github-issue-notifier/internal/api"
	"github.com/wesm/github-issue-notifier/internal/db"
	"github.com/wesm/github-issue-notifier/internal/models"
)

var t0 = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

type seenKey struct {
	repository string
	id         int64
}

type memStore struct {
	seen      map[seenKey]models.Issue
	initErr   error
	hasErr    error
	recordErr error
	records   int
	prunedAt  time.Time
	onRecord  func()
}

func newMemStore() *memStore {
	return &memStore{seen: map[seenKey]models.Issue{}}
}

func (s *memStore) Initialize(ctx context.Context) error { return s.initErr }

func (s *memStore) Has(ctx context.Context, repository string, issueID int64) (bool, error) {
	if s.hasErr != nil {
		return false, s.hasErr
	}
	_, ok := s.seen[seenKey{repository, issueID}]
	return ok, nil
}

func (s *memStore) Record(ctx context.Context, issue models.Issue) error {
	s.records++
	if s.recordErr != nil {
		return s.recordErr
	}
	key := seenKey{issue.Repository, issue.ID}
	if _, ok := s.seen[key]; !ok {
		s.seen[key] = issue
	}
	if s.onRecord != nil {
		s.onRecord()
	}
	return nil
}

func (s *memStore) Count(ctx context.Context) (int, error) { return len(s.seen), nil }

func (s *memStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.prunedAt = before
	return 0, nil
}

type fakeSource struct {
	issues  map[string][]models.Issue
	errs    map[string]error
	panics  int
	calls   []string
	options []api.ListOptions
}

func (s *fakeSource) ListIssues(ctx context.Context, repository string, opts api.ListOptions) ([]models.Issue, error) {
	if s.panics > 0 {
		s.panics--
		panic("source exploded")
	}
	s.calls = append(s.calls, repository)
	s.options = append(s.options, opts)
	if err, ok := s.errs[repository]; ok {
		return nil, err
	}
	return s.issues[repository], nil
}

type fakeNotifier struct {
	issues   []models.Issue
	startups []int
	errors   []string
	issueErr error
}

func (n *fakeNotifier) NotifyNewIssue(ctx context.Context, issue models.Issue) error {
	if n.issueErr != nil {
		return n.issueErr
	}
	n.issues = append(n.issues, issue)
	return nil
}

func (n *fakeNotifier) NotifyStartup(ctx context.Context, repositories []string, interval time.Duration, tracked int) error {
	n.startups = append(n.startups, tracked)
	return nil
}

func (n *fakeNotifier) NotifyError(ctx context.Context, where, message string) error {
	n.errors = append(n.errors, where+": "+message)
	return nil
}

// chatSender is a notify.Sender that refuses to send on a done context, like a real HTTP client
type chatSender struct {
	messages []string
}

func (s *chatSender) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.messages = append(s.messages, text)
	return nil
}

// fakeClock advances virtual time instantly on every After call.
// After the stopAfter-th call it runs cancel and returns a channel that never fires.
type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	sleeps    []time.Duration
	stopAfter int
	cancel    context.CancelFunc
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	if c.stopAfter > 0 && len(c.sleeps) >= c.stopAfter {
		c.cancel()
		return nil
	}
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func storeDown() error {
	return fmt.Errorf("%w: disk I/O error", db.ErrStoreUnavailable)
}

func newIssue(repo string, id int64, number int, created time.Time) models.Issue {
	return models.Issue{
		ID:         id,
		Number:     number,
		Title:      fmt.Sprintf("Issue %d", number),
		Author:     "alice",
		Repository: repo,
		CreatedAt:  created,
		HTMLURL:    fmt.Sprintf("https://x/%s/issues/%d", repo, number),
	}
}
