// Command kobis_probe fetches one KOBIS payload and prints it, for checking
// what the API actually returns before running the loader.
//
//	kobis_probe -date 20241125            # raw daily box-office list
//	kobis_probe -movie 20124079           # raw movie info
//	kobis_probe -date 20241125 -report    # normalized counts for that date
//
// The API key and base URL come from the same environment as kobis_etl
// (KOBIS_API_KEY, KOBIS_BASE_URL, KOBIS_TIMEOUT, optionally via -env).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"kobisetl/internal/config"
	"kobisetl/internal/pipeline"
	"kobisetl/internal/source/kobis"
	"kobisetl/internal/transformer"
)

type probeFlags struct {
	Date    string
	Movie   string
	EnvFile string
	Pretty  bool
	Save    string
	Report  bool
}

type deps struct {
	Stdout     io.Writer
	Stderr     io.Writer
	LoadConfig func(envFile string) (config.Config, error)
	WriteFile  func(name string, data []byte, perm os.FileMode) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], deps{
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		LoadConfig: config.Load,
		WriteFile:  os.WriteFile,
	})
	stop()
	os.Exit(code)
}

func parseFlags(args []string) (probeFlags, error) {
	fs := flag.NewFlagSet("kobis_probe", flag.ContinueOnError)
	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)

	var f probeFlags
	fs.StringVar(&f.Date, "date", "", "target date YYYYMMDD for the daily box-office list")
	fs.StringVar(&f.Movie, "movie", "", "movie code for the movie info endpoint")
	fs.StringVar(&f.EnvFile, "env", ".env", "optional .env file")
	fs.BoolVar(&f.Pretty, "pretty", true, "indent JSON output")
	fs.StringVar(&f.Save, "save", "", "also write the raw body to this file")
	fs.BoolVar(&f.Report, "report", false, "fetch details for -date, normalize, and print counts instead of JSON")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return probeFlags{}, errors.New(usageBuf.String())
		}
		return probeFlags{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}
	if (f.Date == "") == (f.Movie == "") {
		return probeFlags{}, errors.New("exactly one of -date or -movie is required")
	}
	if f.Date != "" {
		if _, err := pipeline.ParseDate(f.Date); err != nil {
			return probeFlags{}, err
		}
	}
	if f.Report && f.Date == "" {
		return probeFlags{}, errors.New("-report requires -date")
	}
	return f, nil
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
	client, err := kobis.NewClient(kobis.Options{
		BaseURL: cfg.KOBIS.BaseURL,
		Key:     cfg.KOBIS.APIKey,
		Timeout: cfg.KOBIS.Timeout,
	})
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}

	if f.Report {
		if err := report(ctx, client, f.Date, d.Stdout); err != nil {
			fmt.Fprintf(d.Stderr, "probe: %v\n", err)
			return 1
		}
		return 0
	}

	endpoint, params := kobis.EndpointDailyList, url.Values{"targetDt": {f.Date}}
	if f.Movie != "" {
		endpoint, params = kobis.EndpointMovieInfo, url.Values{"movieCd": {f.Movie}}
	}
	body, err := client.FetchRaw(ctx, endpoint, params)
	if err != nil {
		fmt.Fprintf(d.Stderr, "probe: %v\n", err)
		return 1
	}
	if f.Save != "" {
		if err := d.WriteFile(f.Save, body, 0o644); err != nil {
			fmt.Fprintf(d.Stderr, "probe: save: %v\n", err)
			return 1
		}
	}

	out := body
	if f.Pretty {
		var buf bytes.Buffer
		if err := json.Indent(&buf, body, "", "  "); err == nil {
			out = buf.Bytes()
		}
	}
	d.Stdout.Write(out)
	fmt.Fprintln(d.Stdout)
	return 0
}

// report prints what one date would contribute to the store without
// touching it.
func report(ctx context.Context, c *kobis.Client, date string, w io.Writer) error {
	raw, err := c.FetchDailyList(ctx, date)
	if err != nil {
		return err
	}
	details := make(map[string]kobis.RawMovieDetail, len(raw))
	for _, e := range raw {
		code := string(e.MovieCd)
		if _, seen := details[code]; seen || code == "" {
			continue
		}
		det, err := c.FetchMovieDetail(ctx, code)
		if err != nil {
			return err
		}
		details[code] = det
	}
	day, err := transformer.Normalize(raw, details, date)
	if err != nil {
		return err
	}

	perClass := map[string]int{}
	for _, rel := range day.Relations {
		perClass[string(rel.Class)]++
	}
	classes := make([]string, 0, len(perClass))
	for c := range perClass {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	fmt.Fprintf(w, "date=%s box_office=%d movies=%d details=%d relations=%d\n",
		date, len(day.BoxOffice), len(day.Movies), len(day.Details), len(day.Relations))
	for _, c := range classes {
		fmt.Fprintf(w, "  %s=%d\n", c, perClass[c])
	}
	for _, b := range day.BoxOffice {
		fmt.Fprintf(w, "  #%d %s audience=%d sales=%d\n", b.Rank, b.MovieCode, b.AudienceCount, b.SalesAmount)
	}
	return nil
}
