// Package pipeline drives the per-date fetch, normalize, load and relate
// sequence. Everything runs sequentially on one goroutine; each statement
// commits on its own, so a failed date can leave partial rows behind.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"kobisetl/internal/metrics"
	"kobisetl/internal/relation"
	"kobisetl/internal/source/kobis"
	"kobisetl/internal/storage"
	"kobisetl/internal/transformer"
)

// Logger is the minimal logging interface used by the runner.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Fetcher is the subset of *kobis.Client the runner needs.
type Fetcher interface {
	FetchDailyList(ctx context.Context, date string) ([]kobis.RawMovieEntry, error)
	FetchMovieDetail(ctx context.Context, movieCd string) (kobis.RawMovieDetail, error)
}

// Runner processes target dates against one store.
type Runner struct {
	Fetcher  Fetcher
	Repo     storage.Repository
	Resolver *relation.Resolver
	Logger   Logger

	// ContinueOnError logs a failed date and moves on; Run then returns
	// the joined failures. When false the first failure stops the run.
	ContinueOnError bool

	// Prewarm loads existing lookup names into the resolver in Prepare.
	Prewarm bool

	summary Summary
}

// Summary accumulates per-run totals.
type Summary struct {
	RunID       string
	DatesOK     int
	DatesFailed []string
	BoxOffice   int64
	Movies      int64
	Details     int64
	Relations   relation.Stats
	Duration    time.Duration
}

// Prepare creates missing tables and optionally prewarms the resolver.
func (r *Runner) Prepare(ctx context.Context) error {
	if r.Fetcher == nil || r.Repo == nil {
		return fmt.Errorf("pipeline: Fetcher and Repo are required")
	}
	if r.Resolver == nil {
		r.Resolver = relation.New(r.Repo, r.Logger)
	}

	start := time.Now()
	if err := r.Repo.EnsureTables(ctx, storage.Schema()); err != nil {
		return err
	}
	r.logf("stage=ddl ok duration=%s", durMS(start))

	if r.Prewarm {
		if err := r.Resolver.Prewarm(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run processes days consecutive dates starting at start.
func (r *Runner) Run(ctx context.Context, start time.Time, days int) error {
	dates, err := Dates(start, days)
	if err != nil {
		return err
	}
	return r.RunDates(ctx, dates)
}

// RunDates processes dates in order. Prepare must have been called.
func (r *Runner) RunDates(ctx context.Context, dates []string) error {
	if r.Resolver == nil {
		return fmt.Errorf("pipeline: Prepare was not called")
	}
	runStart := time.Now()
	defer func() { r.summary.Duration += time.Since(runStart) }()

	var failed []error
	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(failed, err)...)
		}

		err := r.RunDate(ctx, date)
		metrics.RecordDate(err)
		if err == nil {
			r.summary.DatesOK++
			continue
		}

		r.summary.DatesFailed = append(r.summary.DatesFailed, date)
		err = fmt.Errorf("date %s: %w", date, err)
		if !r.ContinueOnError {
			return err
		}
		r.logf("stage=date date=%s failed err=%v", date, err)
		failed = append(failed, err)
	}
	return errors.Join(failed...)
}

// RunDate fetches, normalizes, loads and relates one YYYYMMDD date.
func (r *Runner) RunDate(ctx context.Context, date string) error {
	dateStart := time.Now()

	var raw []kobis.RawMovieEntry
	err := r.step("fetch_list", date, func() (string, error) {
		var err error
		raw, err = r.Fetcher.FetchDailyList(ctx, date)
		return fmt.Sprintf("entries=%d", len(raw)), err
	})
	if err != nil {
		return err
	}

	details := make(map[string]kobis.RawMovieDetail, len(raw))
	err = r.step("fetch_detail", date, func() (string, error) {
		for _, e := range raw {
			code := string(e.MovieCd)
			if code == "" {
				continue
			}
			if _, done := details[code]; done {
				continue
			}
			d, err := r.Fetcher.FetchMovieDetail(ctx, code)
			if err != nil {
				return "", fmt.Errorf("movie %s: %w", code, err)
			}
			details[code] = d
		}
		return fmt.Sprintf("movies=%d", len(details)), nil
	})
	if err != nil {
		return err
	}

	var day transformer.NormalizedDay
	err = r.step("normalize", date, func() (string, error) {
		var err error
		day, err = transformer.Normalize(raw, details, date)
		return fmt.Sprintf("facts=%d relations=%d", len(day.BoxOffice), len(day.Relations)), err
	})
	if err != nil {
		return err
	}

	err = r.step("load", date, func() (string, error) {
		// Movies first: the fact and detail tables reference them.
		if _, err := r.Repo.UpsertMovies(ctx, day.Movies); err != nil {
			return "", err
		}
		if _, err := r.Repo.UpsertBoxOffice(ctx, day.BoxOffice); err != nil {
			return "", err
		}
		if _, err := r.Repo.UpsertMovieDetails(ctx, day.Details); err != nil {
			return "", err
		}
		r.summary.Movies += int64(len(day.Movies))
		r.summary.BoxOffice += int64(len(day.BoxOffice))
		r.summary.Details += int64(len(day.Details))
		metrics.RecordRecords("movie", int64(len(day.Movies)))
		metrics.RecordRecords("box_office", int64(len(day.BoxOffice)))
		metrics.RecordRecords("movie_detail", int64(len(day.Details)))
		return fmt.Sprintf("movies=%d box_office=%d details=%d", len(day.Movies), len(day.BoxOffice), len(day.Details)), nil
	})
	if err != nil {
		return err
	}

	err = r.step("relate", date, func() (string, error) {
		st, err := r.Resolver.Apply(ctx, day.Relations)
		r.summary.Relations.Add(st)
		return fmt.Sprintf("entities_created=%d links_created=%d links_existing=%d", st.EntitiesCreated, st.LinksCreated, st.LinksExisting), err
	})
	if err != nil {
		return err
	}

	r.logf("stage=date date=%s ok duration=%s", date, durMS(dateStart))
	return nil
}

// step runs fn, logs a stage line and records step metrics.
func (r *Runner) step(name, date string, fn func() (string, error)) error {
	start := time.Now()
	detail, err := fn()
	d := time.Since(start)
	metrics.RecordStep(name, err, d)
	if err != nil {
		r.logf("stage=%s date=%s failed duration=%s err=%v", name, date, d.Truncate(time.Millisecond), err)
		return err
	}
	r.logf("stage=%s date=%s ok %s duration=%s", name, date, detail, d.Truncate(time.Millisecond))
	return nil
}

// Summary returns the totals accumulated so far.
func (r *Runner) Summary() Summary {
	s := r.summary
	s.DatesFailed = append([]string(nil), r.summary.DatesFailed...)
	return s
}

// SetRunID tags the summary with the run id.
func (r *Runner) SetRunID(id string) { r.summary.RunID = id }

// Print writes a one-line human summary with Korean digit grouping.
func (s Summary) Print(w io.Writer) {
	p := message.NewPrinter(language.Korean)
	p.Fprintf(w, "run=%s dates_ok=%d dates_failed=%d movies=%d box_office=%d details=%d entities_created=%d links_created=%d links_existing=%d duration=%s\n",
		s.RunID, s.DatesOK, len(s.DatesFailed), s.Movies, s.BoxOffice, s.Details,
		s.Relations.EntitiesCreated, s.Relations.LinksCreated, s.Relations.LinksExisting,
		s.Duration.Truncate(time.Millisecond))
	if len(s.DatesFailed) > 0 {
		p.Fprintf(w, "failed dates: %v\n", s.DatesFailed)
	}
}

func (r *Runner) logf(format string, v ...any) {
	if r.Logger == nil {
		return
	}
	r.Logger.Printf(format, v...)
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

var _ Logger = (*log.Logger)(nil)
