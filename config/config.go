package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/wesm/github-issue-notifier/internal/models"
)

// Environment variables that override file settings
const (
	EnvGithubToken        = "GITHUB_TOKEN"
	EnvTelegramToken      = "TELEGRAM_BOT_TOKEN"
	EnvTelegramChatID     = "TELEGRAM_CHAT_ID"
	EnvCheckInterval      = "CHECK_INTERVAL"
	EnvDatabasePath       = "DB_PATH"
	EnvLogLevel           = "LOG_LEVEL"
	EnvLogFormat          = "LOG_FORMAT"
	EnvBatchSize          = "BATCH_SIZE"
	EnvBatchDelay         = "BATCH_DELAY"
	EnvRepoDelay          = "REPO_DELAY"
	EnvNotificationDelay  = "NOTIFICATION_DELAY"
	EnvAPITimeout         = "API_TIMEOUT"
	EnvCheckBufferMinutes = "CHECK_BUFFER_MINUTES"
	EnvPerPage            = "PER_PAGE"
	EnvGitHubAPI          = "GITHUB_API"
	EnvRepositories       = "REPOSITORIES"
)

// Defaults and limits; delays and timeouts are in seconds
const (
	DefaultCheckInterval      = 180
	DefaultBatchSize          = 3
	DefaultRepoDelay          = 1.0
	DefaultBatchDelay         = 2.0
	DefaultNotificationDelay  = 1.0
	DefaultAPITimeout         = 10.0
	DefaultCheckBufferMinutes = 2
	DefaultPerPage            = 10
	DefaultRateLimitReport    = "30m"

	MinCheckInterval = 60
	MaxCheckInterval = 240
	MaxPerPage       = 100

	GitHubAPIREST    = "rest"
	GitHubAPIGraphQL = "graphql"
)

// ErrConfiguration is matched by every load and validation error
var ErrConfiguration = errors.New("configuration error")

// defaultDataDir holds the database when it exists, as in the container image
var defaultDataDir = "/data"

// Config represents the application configuration
type Config struct {
	// GitHub API token (optional, raises the rate limit; required for graphql)
	GitHubToken string `json:"github_token,omitempty" yaml:"github_token,omitempty"`

	// Which GitHub API to use: "rest" (default) or "graphql"
	GitHubAPI string `json:"github_api,omitempty" yaml:"github_api,omitempty"`

	TelegramToken  string `json:"telegram_bot_token" yaml:"telegram_bot_token"`
	TelegramChatID string `json:"telegram_chat_id" yaml:"telegram_chat_id"`

	// Path to the SQLite database file
	DatabasePath string `json:"database_path,omitempty" yaml:"database_path,omitempty"`

	// List of repositories to monitor in the format "owner/name"
	Repositories []string `json:"repositories" yaml:"repositories"`

	// Seconds between two passes
	CheckInterval int `json:"check_interval" yaml:"check_interval"`

	// Optional cron expression that replaces the fixed interval
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`

	BatchSize          int     `json:"batch_size" yaml:"batch_size"`
	BatchDelay         float64 `json:"batch_delay" yaml:"batch_delay"`
	RepoDelay          float64 `json:"repo_delay" yaml:"repo_delay"`
	NotificationDelay  float64 `json:"notification_delay" yaml:"notification_delay"`
	APITimeout         float64 `json:"api_timeout" yaml:"api_timeout"`
	CheckBufferMinutes int     `json:"check_buffer_minutes" yaml:"check_buffer_minutes"`
	PerPage            int     `json:"per_page" yaml:"per_page"`

	// Entries recorded more than this many days ago are pruned at startup; 0 keeps everything
	RetentionDays int `json:"retention_days,omitempty" yaml:"retention_days,omitempty"`

	// Minimum spacing between two rate limit reports, as a Go duration
	RateLimitReportInterval string `json:"rate_limit_report_interval,omitempty" yaml:"rate_limit_report_interval,omitempty"`

	LogLevel  string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogFormat string `json:"log_format,omitempty" yaml:"log_format,omitempty"`
}

// LoadConfig loads the configuration from a JSON or YAML file, applies environment
// overrides and defaults, and validates the result. An empty path loads from the environment only.
func LoadConfig(path string) (*Config, error) {
	config := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read config file: %w", ErrConfiguration, err)
		}
		if err := unmarshal(path, data, &config); err != nil {
			return nil, fmt.Errorf("%w: failed to parse config file: %w", ErrConfiguration, err)
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	config.applyDefaults(path)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func unmarshal(path string, data []byte, config *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, config)
	}
	return json.Unmarshal(data, config)
}

func (c *Config) applyEnv() error {
	var problems []string

	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		i, err := strconv.Atoi(v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s must be an integer, got %q", key, v))
			return
		}
		*dst = i
	}
	number := func(key string, dst *float64) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s must be a number of seconds, got %q", key, v))
			return
		}
		*dst = f
	}

	str(EnvGithubToken, &c.GitHubToken)
	str(EnvTelegramToken, &c.TelegramToken)
	str(EnvTelegramChatID, &c.TelegramChatID)
	str(EnvDatabasePath, &c.DatabasePath)
	str(EnvLogLevel, &c.LogLevel)
	str(EnvLogFormat, &c.LogFormat)
	str(EnvGitHubAPI, &c.GitHubAPI)
	integer(EnvCheckInterval, &c.CheckInterval)
	integer(EnvBatchSize, &c.BatchSize)
	integer(EnvCheckBufferMinutes, &c.CheckBufferMinutes)
	integer(EnvPerPage, &c.PerPage)
	number(EnvBatchDelay, &c.BatchDelay)
	number(EnvRepoDelay, &c.RepoDelay)
	number(EnvNotificationDelay, &c.NotificationDelay)
	number(EnvAPITimeout, &c.APITimeout)

	if v := strings.TrimSpace(os.Getenv(EnvRepositories)); v != "" {
		c.Repositories = strings.Split(v, ",")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// Defaults returns a configuration holding every default setting
func Defaults() Config {
	return Config{
		GitHubAPI:               GitHubAPIREST,
		CheckInterval:           DefaultCheckInterval,
		BatchSize:               DefaultBatchSize,
		BatchDelay:              DefaultBatchDelay,
		RepoDelay:               DefaultRepoDelay,
		NotificationDelay:       DefaultNotificationDelay,
		APITimeout:              DefaultAPITimeout,
		CheckBufferMinutes:      DefaultCheckBufferMinutes,
		PerPage:                 DefaultPerPage,
		RateLimitReportInterval: DefaultRateLimitReport,
		LogLevel:                "info",
		LogFormat:               "json",
	}
}

func (c *Config) applyDefaults(path string) {
	if c.PerPage > MaxPerPage {
		c.PerPage = MaxPerPage
	}
	if c.RateLimitReportInterval == "" {
		c.RateLimitReportInterval = DefaultRateLimitReport
	}
	c.GitHubAPI = strings.ToLower(strings.TrimSpace(c.GitHubAPI))

	if c.DatabasePath == "" {
		c.DatabasePath = defaultDatabasePath()
	}
	// Make database path absolute if it's relative
	if !filepath.IsAbs(c.DatabasePath) && path != "" {
		c.DatabasePath = filepath.Join(filepath.Dir(path), c.DatabasePath)
	}

	c.Repositories = NormalizeRepositories(c.Repositories)
}

func defaultDatabasePath() string {
	if info, err := os.Stat(defaultDataDir); err == nil && info.IsDir() {
		return filepath.Join(defaultDataDir, "issues.db")
	}
	return "issues.db"
}

// NormalizeRepositories trims names and drops blanks and duplicates, keeping first occurrences
func NormalizeRepositories(repos []string) []string {
	seen := make(map[string]bool, len(repos))
	result := make([]string, 0, len(repos))
	for _, repo := range repos {
		repo = strings.TrimSpace(repo)
		if repo == "" || seen[repo] {
			continue
		}
		seen[repo] = true
		result = append(result, repo)
	}
	return result
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var problems []string

	if c.TelegramToken == "" {
		problems = append(problems, "telegram bot token is required")
	}
	if c.TelegramChatID == "" {
		problems = append(problems, "telegram chat id is required")
	}

	if len(c.Repositories) == 0 {
		problems = append(problems, "at least one repository is required")
	}
	for _, repo := range c.Repositories {
		if _, _, err := models.ParseRepository(repo); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if c.Schedule != "" {
		if schedule, err := cron.ParseStandard(c.Schedule); err != nil {
			problems = append(problems, fmt.Sprintf("invalid schedule %q: %v", c.Schedule, err))
		} else if longestGap(schedule, time.Now()) == 0 {
			problems = append(problems, fmt.Sprintf("schedule %q never fires", c.Schedule))
		}
	} else if c.CheckInterval < MinCheckInterval || c.CheckInterval > MaxCheckInterval {
		problems = append(problems, fmt.Sprintf("check interval must be between %d and %d seconds, got %d",
			MinCheckInterval, MaxCheckInterval, c.CheckInterval))
	}

	if c.BatchSize < 1 {
		problems = append(problems, "batch size must be at least 1")
	}
	if c.BatchDelay < 0 || c.RepoDelay < 0 || c.NotificationDelay < 0 {
		problems = append(problems, "delays must not be negative")
	}
	if c.APITimeout <= 0 {
		problems = append(problems, "api timeout must be positive")
	}
	if c.CheckBufferMinutes < 0 {
		problems = append(problems, "check buffer must not be negative")
	}
	if c.PerPage < 1 {
		problems = append(problems, "per page must be at least 1")
	}
	if c.RetentionDays < 0 {
		problems = append(problems, "retention days must not be negative")
	}
	if d, err := time.ParseDuration(c.RateLimitReportInterval); err != nil || d < 0 {
		problems = append(problems, fmt.Sprintf("invalid rate limit report interval %q", c.RateLimitReportInterval))
	}

	switch c.GitHubAPI {
	case GitHubAPIREST:
	case GitHubAPIGraphQL:
		if c.GitHubToken == "" {
			problems = append(problems, "the graphql api requires a github token")
		}
	default:
		problems = append(problems, fmt.Sprintf("github api must be %q or %q, got %q", GitHubAPIREST, GitHubAPIGraphQL, c.GitHubAPI))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// Interval is the fixed time between passes
func (c *Config) Interval() time.Duration {
	return time.Duration(c.CheckInterval) * time.Second
}

// BatchDelayDuration is the pause between two repository groups
func (c *Config) BatchDelayDuration() time.Duration {
	return seconds(c.BatchDelay)
}

// RepoDelayDuration is the pause between two repositories of a group
func (c *Config) RepoDelayDuration() time.Duration {
	return seconds(c.RepoDelay)
}

// NotificationDelayDuration is the minimum spacing between two messages
func (c *Config) NotificationDelayDuration() time.Duration {
	return seconds(c.NotificationDelay)
}

// APITimeoutDuration bounds each GitHub and Telegram request
func (c *Config) APITimeoutDuration() time.Duration {
	return seconds(c.APITimeout)
}

// Period is the longest time between two pass starts: the fixed interval, or the
// widest gap between consecutive firings of the cron schedule
func (c *Config) Period() time.Duration {
	if c.Schedule == "" {
		return c.Interval()
	}
	schedule, err := cron.ParseStandard(c.Schedule)
	if err != nil {
		return 0
	}
	return longestGap(schedule, time.Now())
}

// Lookback is how far back a pass looks for new issues: one period plus the safety buffer
func (c *Config) Lookback() time.Duration {
	return c.Period() + time.Duration(c.CheckBufferMinutes)*time.Minute
}

// Bounds for sampling a schedule: a year of firings, or fewer for very frequent schedules
const (
	gapHorizon = 366 * 24 * time.Hour
	gapSamples = 20000
)

// longestGap returns the widest spacing between consecutive firings of schedule after from,
// or zero when the schedule never fires
func longestGap(schedule cron.Schedule, from time.Time) time.Duration {
	var longest time.Duration
	end := from.Add(gapHorizon)

	prev := schedule.Next(from)
	if prev.IsZero() {
		return 0
	}
	for i := 0; i < gapSamples && (i == 0 || prev.Before(end)); i++ {
		next := schedule.Next(prev)
		if next.IsZero() {
			break
		}
		if gap := next.Sub(prev); gap > longest {
			longest = gap
		}
		prev = next
	}
	return longest
}

// Retention is how long seen issues are kept; zero keeps them forever
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// RateLimitReportDuration is the minimum spacing between two rate limit reports
func (c *Config) RateLimitReportDuration() time.Duration {
	d, _ := time.ParseDuration(c.RateLimitReportInterval)
	return d
}

// CronSchedule returns the pass schedule: the cron expression when set, otherwise a fixed interval
func (c *Config) CronSchedule() (cron.Schedule, error) {
	if c.Schedule == "" {
		return cron.Every(c.Interval()), nil
	}
	schedule, err := cron.ParseStandard(c.Schedule)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid schedule: %w", ErrConfiguration, err)
	}
	return schedule, nil
}

// SaveConfig saves the configuration as JSON or YAML depending on the file extension
func SaveConfig(config *Config, path string) error {
	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(config)
	} else {
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ReadConfigFile reads a config file without environment overrides or validation, for editing
func ReadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %w", ErrConfiguration, err)
	}
	var config Config
	if err := unmarshal(path, data, &config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file: %w", ErrConfiguration, err)
	}
	return &config, nil
}

// AddRepository appends repo to the config file at path. It reports whether the repository was added.
func AddRepository(path, repo string) (bool, error) {
	repo = strings.TrimSpace(repo)
	if _, _, err := models.ParseRepository(repo); err != nil {
		return false, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	config, err := ReadConfigFile(path)
	if err != nil {
		return false, err
	}
	for _, existing := range config.Repositories {
		if strings.TrimSpace(existing) == repo {
			return false, nil
		}
	}

	config.Repositories = append(config.Repositories, repo)
	if err := SaveConfig(config, path); err != nil {
		return false, err
	}
	return true, nil
}

// CreateDefaultConfig creates a default configuration file if it doesn't exist
func CreateDefaultConfig(path string) error {
	// Check if the file already exists
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, don't overwrite
	}

	config := Defaults()
	config.DatabasePath = "issues.db"
	config.Repositories = []string{"example/repo"}

	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return SaveConfig(&config, path)
}
