package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/wesm/github-issue-notifier/internal/models"
)

// ErrStoreUnavailable is returned when the backing database cannot be opened, read or written
var ErrStoreUnavailable = errors.New("store unavailable")

// DB represents the seen-issue database connection
type DB struct {
	*sql.DB
	now func() time.Time
}

// New creates a new database connection, creating the parent directory if needed
func New(dbPath string) (*DB, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("%w: database path is required", ErrStoreUnavailable)
	}

	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: failed to create database directory: %w", ErrStoreUnavailable, err)
		}
	}

	// synchronous=FULL: a recorded issue must survive a crash right after the insert returns
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_sync=FULL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %w", ErrStoreUnavailable, err)
	}

	return &DB{DB: db, now: time.Now}, nil
}

// Initialize creates the database schema if it doesn't exist
func (db *DB) Initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS seen_issues (
		repository TEXT NOT NULL,
		issue_id INTEGER NOT NULL,
		issue_number INTEGER NOT NULL,
		title TEXT NOT NULL,
		author TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		recorded_at TIMESTAMP NOT NULL,
		PRIMARY KEY (repository, issue_id)
	);

	CREATE INDEX IF NOT EXISTS seen_issues_recorded_at_idx ON seen_issues (recorded_at);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: failed to create schema: %w", ErrStoreUnavailable, err)
	}

	return nil
}

// Has reports whether the issue has already been recorded for the repository
func (db *DB) Has(ctx context.Context, repository string, issueID int64) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx,
		`SELECT 1 FROM seen_issues WHERE repository = ? AND issue_id = ?`,
		repository, issueID,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("%w: failed to look up issue %s/%d: %w", ErrStoreUnavailable, repository, issueID, err)
	}

	return true, nil
}

// Record stores an issue as seen. Recording an issue twice is a no-op.
func (db *DB) Record(ctx context.Context, issue models.Issue) error {
	query := `
	INSERT INTO seen_issues (repository, issue_id, issue_number, title, author, created_at, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(repository, issue_id) DO NOTHING
	`

	_, err := db.ExecContext(ctx, query,
		issue.Repository,
		issue.ID,
		issue.Number,
		issue.Title,
		issue.Author,
		issue.CreatedAt.UTC(),
		db.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to record issue %s#%d: %w", ErrStoreUnavailable, issue.Repository, issue.Number, err)
	}

	return nil
}

// Count returns the total number of recorded issues
func (db *DB) Count(ctx context.Context) (int, error) {
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM seen_issues`).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: failed to count issues: %w", ErrStoreUnavailable, err)
	}
	return count, nil
}

// Prune deletes entries recorded before the cutoff and returns how many were removed
func (db *DB) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM seen_issues WHERE recorded_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: failed to prune issues: %w", ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to prune issues: %w", ErrStoreUnavailable, err)
	}
	return n, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
