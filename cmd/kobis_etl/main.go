// Command kobis_etl loads KOBIS daily box-office data into a SQL store.
//
// For each target date it fetches the daily list, fetches every listed
// movie's detail, normalizes both, upserts the fact tables and links the
// movie to its nations, genres, directors, actors, show types and companies.
//
// Configuration comes from the environment (optionally seeded from -env);
// flags override the matching variables. Exit codes: 0 ok, 1 run failure,
// 2 configuration or initialization error.
//
// Examples:
//
//	kobis_etl -validate
//	kobis_etl -start 20241125 -days 1 -v
//	kobis_etl -backfill-from 20240101 -backfill-to 20240131 -continue-on-error
//	kobis_etl -cron "30 6 * * *" -metrics-backend pushgateway
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"kobisetl/internal/config"
	"kobisetl/internal/metrics"
	"kobisetl/internal/pipeline"
	"kobisetl/internal/source/kobis"
	"kobisetl/internal/storage"
	_ "kobisetl/internal/storage/all"

	_ "time/tzdata"
)

// Logger is satisfied by *log.Logger.
type Logger interface {
	Printf(format string, v ...any)
}

// deps are external seams for testability.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	Now         func() time.Time
	NewRunID    func() string
	LoadConfig  func(envFile string) (config.Config, error)
	OpenRepo    func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	NewFetcher  func(cfg config.KOBISConfig) (pipeline.Fetcher, error)
	InitMetrics func(ctx context.Context, mc config.MetricsConfig, runID string, logger Logger) (func() error, error)
}

func defaultDeps() deps {
	return deps{
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		Now:         time.Now,
		NewRunID:    uuid.NewString,
		LoadConfig:  config.Load,
		OpenRepo:    storage.New,
		NewFetcher:  newFetcher,
		InitMetrics: initMetrics,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], defaultDeps())
	stop()
	os.Exit(code)
}

func newFetcher(kc config.KOBISConfig) (pipeline.Fetcher, error) {
	return kobis.NewClient(kobis.Options{
		BaseURL:      kc.BaseURL,
		Key:          kc.APIKey,
		Timeout:      kc.Timeout,
		ItemPerPage:  kc.ItemPerPage,
		MultiMovieYn: kc.MultiMovieYn,
		RepNationCd:  kc.RepNationCd,
		WideAreaCd:   kc.WideAreaCd,
	})
}

func run(ctx context.Context, args []string, d deps) int {
	f, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}

	cfg, err := d.LoadConfig(f.EnvFile)
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}
	applyFlags(&cfg, f)

	issues := cfg.Validate()
	if cfg.Run.Cron != "" {
		if err := validateCron(cfg.Run.Cron); err != nil {
			issues = append(issues, config.Issue{Severity: config.SeverityError, Path: "KOBIS_CRON", Message: err.Error()})
		}
	}
	for _, iss := range issues {
		fmt.Fprintf(d.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return 2
	}
	if f.Validate {
		fmt.Fprintln(d.Stdout, "config ok")
		return 0
	}

	loc, err := cfg.Location()
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}

	// Date plan is resolved before any connection is opened so a bad flag
	// costs nothing.
	var dates []string
	if cfg.Run.Cron == "" {
		dates, err = planDates(f, cfg, d.Now(), loc)
		if err != nil {
			fmt.Fprintln(d.Stderr, err)
			return 2
		}
	}

	runID := d.NewRunID()
	logOut := io.Discard
	if f.Verbose {
		logOut = d.Stderr
	}
	logger := log.New(logOut, "run="+runID+" ", log.LstdFlags)

	closeMetrics, err := d.InitMetrics(ctx, cfg.Metrics, runID, logger)
	if err != nil {
		fmt.Fprintf(d.Stderr, "%v (using nop)\n", err)
	}
	defer func() {
		if err := closeMetrics(); err != nil {
			fmt.Fprintf(d.Stderr, "metrics: close: %v\n", err)
		}
	}()

	repo, err := d.OpenRepo(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.StorageDSN()})
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}
	defer repo.Close()

	fetcher, err := d.NewFetcher(cfg.KOBIS)
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}

	runner := &pipeline.Runner{
		Fetcher:         fetcher,
		Repo:            repo,
		Logger:          logger,
		ContinueOnError: cfg.Run.ContinueOnError,
		Prewarm:         cfg.Storage.Prewarm,
	}
	runner.SetRunID(runID)
	if err := runner.Prepare(ctx); err != nil {
		fmt.Fprintf(d.Stderr, "prepare: %s\n", describe(err))
		return 2
	}

	if cfg.Run.Cron != "" {
		days := cfg.Run.WindowDays
		err := runCron(ctx, cfg.Run.Cron, loc, logger, func(ctx context.Context) {
			runWindow(ctx, runner, d.Now(), loc, days, d.Stderr, logger)
		})
		runner.Summary().Print(d.Stdout)
		if err != nil {
			fmt.Fprintln(d.Stderr, err)
			return 2
		}
		return 0
	}

	logger.Printf("stage=plan dates=%d first=%s last=%s", len(dates), dates[0], dates[len(dates)-1])
	runErr := runner.RunDates(ctx, dates)
	runner.Summary().Print(d.Stdout)
	if runErr != nil {
		fmt.Fprintf(d.Stderr, "run failed: %s\n", describe(runErr))
		return 1
	}
	return 0
}

// runWindow is one scheduled tick: the window ending yesterday, then a
// metrics flush so buffered backends report per tick rather than at exit.
func runWindow(ctx context.Context, runner *pipeline.Runner, now time.Time, loc *time.Location, days int, stderr io.Writer, logger Logger) error {
	window, err := pipeline.Dates(pipeline.Window(now, loc, days), days)
	if err == nil {
		err = runner.RunDates(ctx, window)
	}
	if err != nil {
		fmt.Fprintf(stderr, "scheduled run failed: %s\n", describe(err))
	}
	if ferr := metrics.Flush(); ferr != nil {
		logger.Printf("metrics: flush: %v", ferr)
	}
	return err
}

// applyFlags copies set flags over the loaded configuration.
func applyFlags(cfg *config.Config, f cliFlags) {
	if f.Days > 0 {
		cfg.Run.WindowDays = f.Days
	}
	if f.MetricsBackend != "" {
		cfg.Metrics.Backend = f.MetricsBackend
	}
	if f.PushgatewayURL != "" {
		cfg.Metrics.PushgatewayURL = f.PushgatewayURL
	}
	if f.ContinueOnError {
		cfg.Run.ContinueOnError = true
	}
	if f.Cron != "" {
		cfg.Run.Cron = f.Cron
	}
}

// planDates resolves the dates of a one-shot run: an explicit backfill range,
// else -start for WindowDays days, else the window ending yesterday in loc.
func planDates(f cliFlags, cfg config.Config, now time.Time, loc *time.Location) ([]string, error) {
	if f.BackfillFrom != "" {
		return pipeline.DatesBetween(f.BackfillFrom, f.BackfillTo)
	}
	days := cfg.Run.WindowDays
	if f.Start != "" {
		start, err := pipeline.ParseDate(f.Start)
		if err != nil {
			return nil, err
		}
		return pipeline.Dates(start, days)
	}
	return pipeline.Dates(pipeline.Window(now, loc, days), days)
}

// describe prefixes err with the failing layer.
func describe(err error) string {
	var (
		up    *kobis.UpstreamError
		shape *kobis.DataShapeError
		store *storage.StoreError
	)
	switch {
	case errors.As(err, &up):
		return "upstream: " + err.Error()
	case errors.As(err, &shape):
		return "data shape: " + err.Error()
	case errors.As(err, &store):
		return "store: " + err.Error()
	case errors.Is(err, context.Canceled):
		return "interrupted: " + err.Error()
	default:
		return err.Error()
	}
}
