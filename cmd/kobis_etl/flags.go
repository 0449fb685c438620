package main

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

// cliFlags holds parsed command-line flags. Zero values mean "use config".
type cliFlags struct {
	Start           string
	Days            int
	BackfillFrom    string
	BackfillTo      string
	EnvFile         string
	Validate        bool
	Verbose         bool
	MetricsBackend  string
	PushgatewayURL  string
	ContinueOnError bool
	Cron            string
}

// parseFlags parses args without exiting; -h returns the usage text as the error.
func parseFlags(args []string) (cliFlags, error) {
	fs := flag.NewFlagSet("kobis_etl", flag.ContinueOnError)

	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var f cliFlags
	fs.StringVar(&f.Start, "start", "", "first target date YYYYMMDD (default: window ending yesterday)")
	fs.IntVar(&f.Days, "days", 0, "number of dates to process (default KOBIS_WINDOW_DAYS)")
	fs.StringVar(&f.BackfillFrom, "backfill-from", "", "inclusive range start YYYYMMDD (requires -backfill-to)")
	fs.StringVar(&f.BackfillTo, "backfill-to", "", "inclusive range end YYYYMMDD")
	fs.StringVar(&f.EnvFile, "env", ".env", "optional .env file loaded before reading the environment")
	fs.BoolVar(&f.Validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&f.Verbose, "v", false, "enable verbose stage logs")
	fs.StringVar(&f.MetricsBackend, "metrics-backend", "", "metrics backend: none, datadog, pushgateway (overrides METRICS_BACKEND)")
	fs.StringVar(&f.PushgatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides PUSHGATEWAY_URL)")
	fs.BoolVar(&f.ContinueOnError, "continue-on-error", false, "log a failed date and continue with the next one")
	fs.StringVar(&f.Cron, "cron", "", "run the default window on this cron schedule until interrupted (overrides KOBIS_CRON)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cliFlags{}, errors.New(usageBuf.String())
		}
		return cliFlags{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}
	if fs.NArg() > 0 {
		return cliFlags{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	if f.Days < 0 {
		return cliFlags{}, errors.New("-days must be > 0")
	}
	if (f.BackfillFrom == "") != (f.BackfillTo == "") {
		return cliFlags{}, errors.New("-backfill-from and -backfill-to must be used together")
	}
	if f.BackfillFrom != "" && (f.Start != "" || f.Days != 0) {
		return cliFlags{}, errors.New("-backfill-from/-backfill-to cannot be combined with -start or -days")
	}
	if f.Cron != "" && (f.Start != "" || f.BackfillFrom != "") {
		return cliFlags{}, errors.New("-cron always runs the window ending yesterday; drop -start/-backfill-*")
	}
	return f, nil
}
