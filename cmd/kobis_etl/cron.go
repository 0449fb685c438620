package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// runCron calls job on spec (standard 5-field syntax or @descriptors) in loc
// until ctx is cancelled, then waits for a running job to finish. Overlapping
// ticks are skipped.
func runCron(ctx context.Context, spec string, loc *time.Location, logger Logger, job func(ctx context.Context)) error {
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger))),
	)
	if _, err := c.AddFunc(spec, func() { job(ctx) }); err != nil {
		return fmt.Errorf("cron: bad schedule %q: %w", spec, err)
	}

	c.Start()
	logger.Printf("cron: scheduled %q next=%s", spec, c.Entries()[0].Next.Format(time.RFC3339))

	<-ctx.Done()
	<-c.Stop().Done()
	logger.Printf("cron: stopped")
	return nil
}

// validateCron checks spec without scheduling anything.
func validateCron(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("cron: bad schedule %q: %w", spec, err)
	}
	return nil
}
