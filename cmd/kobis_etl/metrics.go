package main

import (
	"context"
	"fmt"

	"kobisetl/internal/config"
	"kobisetl/internal/metrics"
	"kobisetl/internal/metrics/datadog"
	"kobisetl/internal/metrics/prompush"
)

// initMetrics installs the configured backend and returns its closer.
// The closer is never nil.
func initMetrics(ctx context.Context, mc config.MetricsConfig, runID string, logger Logger) (func() error, error) {
	nop := func() error { return nil }

	switch mc.Backend {
	case "pushgateway":
		b, err := prompush.NewBackend(mc.JobName, mc.PushgatewayURL, "run_id", runID)
		if err != nil {
			return nop, fmt.Errorf("metrics: init pushgateway: %w", err)
		}
		metrics.SetBackend(b)
		logger.Printf("metrics: backend=pushgateway url=%s job_name=%s", mc.PushgatewayURL, mc.JobName)
		return b.Close, nil

	case "datadog":
		tags := append(datadog.ParseTagsCSV(mc.Tags), "run_id:"+runID)
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    mc.JobName,
			Tags:       tags,
			FlushEvery: mc.FlushEvery,
		})
		if err != nil {
			return nop, fmt.Errorf("metrics: init datadog: %w", err)
		}
		metrics.SetBackend(b)
		logger.Printf("metrics: backend=datadog job_name=%s tags=%v", mc.JobName, tags)
		return b.Close, nil

	case "", "none":
		return nop, nil

	default:
		return nop, fmt.Errorf("metrics: unknown backend %q", mc.Backend)
	}
}
