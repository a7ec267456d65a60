package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"

	"github.com/wesm/github-issue-notifier/config"
	"github.com/wesm/github-issue-notifier/internal/api"
	"github.com/wesm/github-issue-notifier/internal/db"
	"github.com/wesm/github-issue-notifier/internal/logging"
	"github.com/wesm/github-issue-notifier/internal/monitor"
	"github.com/wesm/github-issue-notifier/internal/notify"
)

const defaultConfigPath = "config.json"

func main() {
	// Define command-line flags
	configPath := flag.String("config", "", "Path to configuration file (JSON or YAML); settings may also come from the environment")
	createConfig := flag.Bool("init", false, "Create a default configuration file if it doesn't exist")
	addRepo := flag.String("add-repo", "", "Add a repository to the configuration (format: owner/name)")
	once := flag.Bool("once", false, "Run a single monitoring pass and exit")
	testNotify := flag.Bool("test-notify", false, "Send a test message to the configured chat and exit")
	flag.Parse()

	bootLog := logging.New("info", "console", os.Stderr)

	// -init and -add-repo edit a file, so they need a path
	editPath := *configPath
	if editPath == "" {
		editPath = defaultConfigPath
	}

	if *createConfig {
		if err := config.CreateDefaultConfig(editPath); err != nil {
			bootLog.Fatal().Err(err).Msg("Failed to create default configuration")
		}
		bootLog.Info().Str("path", editPath).Msg("Created default configuration")
		return
	}

	if *addRepo != "" {
		added, err := config.AddRepository(editPath, *addRepo)
		if err != nil {
			bootLog.Fatal().Err(err).Msg("Failed to add repository")
		}
		if added {
			bootLog.Info().Str("repository", *addRepo).Msg("Added repository to configuration")
		} else {
			bootLog.Info().Str("repository", *addRepo).Msg("Repository already exists in configuration")
		}
		return
	}

	path := *configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		bootLog.Error().Err(err).Msg("Invalid configuration")
		os.Exit(2)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *once, *testNotify); err != nil {
		log.Error().Err(err).Msg("Issue monitor failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger, once, testNotify bool) error {
	sender, err := notify.NewTelegramSender(notify.TelegramConfig{
		Token:   cfg.TelegramToken,
		ChatID:  cfg.TelegramChatID,
		Timeout: cfg.APITimeoutDuration(),
	})
	if err != nil {
		return fmt.Errorf("failed to create telegram sender: %w", err)
	}
	notifier := notify.New(sender, notify.Config{Delay: cfg.NotificationDelayDuration()}, log)

	if testNotify {
		if err := notifier.NotifyTest(ctx); err != nil {
			return err
		}
		log.Info().Msg("Test message delivered")
		return nil
	}

	// Initialize database
	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer database.Close()

	// Initialize GitHub client
	var source monitor.Source
	switch cfg.GitHubAPI {
	case config.GitHubAPIGraphQL:
		source = api.NewGraphQLClient(cfg.GitHubToken, cfg.APITimeoutDuration())
	default:
		source = api.NewGitHubClient(cfg.GitHubToken, cfg.APITimeoutDuration())
	}
	if cfg.GitHubToken == "" {
		log.Warn().Msg("No GitHub token configured, using the unauthenticated rate limit")
	}

	schedule, err := cfg.CronSchedule()
	if err != nil {
		return err
	}

	clock := monitor.RealClock{}
	poller := monitor.NewPoller(source, database, cfg.PerPage, log)
	scheduler := monitor.NewScheduler(poller, database, notifier, clock, monitor.SchedulerConfig{
		BatchSize:  cfg.BatchSize,
		RepoDelay:  cfg.RepoDelayDuration(),
		BatchDelay: cfg.BatchDelayDuration(),
		Lookback:   cfg.Lookback(),
	}, log)

	runner := monitor.NewRunner(scheduler, database, notifier, clock, monitor.RunnerConfig{
		Repositories:            cfg.Repositories,
		Interval:                cfg.Period(),
		Schedule:                schedule,
		Retention:               cfg.Retention(),
		RateLimitReportInterval: cfg.RateLimitReportDuration(),
		OnStateChange:           systemdNotifier(log),
	}, log)

	if once {
		if err := runner.Start(ctx); err != nil {
			return err
		}
		startTime := time.Now()
		summary := runner.RunOnce(ctx)
		log.Info().Dur("took", time.Since(startTime)).Int("new_issues", summary.NewIssues).Msg("Single pass finished")
		return nil
	}

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// systemdNotifier reports readiness and shutdown to systemd when running under a Type=notify unit
func systemdNotifier(log zerolog.Logger) func(monitor.State) {
	return func(state monitor.State) {
		var msg string
		switch state {
		case monitor.StateRunning:
			msg = daemon.SdNotifyReady
		case monitor.StateStopping:
			msg = daemon.SdNotifyStopping
		default:
			return
		}
		if _, err := daemon.SdNotify(false, msg); err != nil {
			log.Debug().Err(err).Str("state", state.String()).Msg("sd_notify failed")
		}
	}
}
