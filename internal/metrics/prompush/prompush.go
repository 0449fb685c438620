// Package prompush implements a metrics backend that pushes to a Prometheus
// Pushgateway. A batch run has no scrape endpoint, so the collected registry
// is pushed on Flush and again on Close.
package prompush

import (
	"fmt"
	"strings"
	"sync"

	"kobisetl/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// labelNames fixes the label set of every known metric. Observations for
// other names are dropped.
var labelNames = map[string][]string{
	metrics.StepTotal:                  {"step", "status"},
	metrics.StepDurationSeconds:        {"step", "status"},
	metrics.RecordsTotal:               {"kind"},
	metrics.DatesTotal:                 {"status"},
	metrics.HTTPRequestsTotal:          {"endpoint", "status"},
	metrics.HTTPErrorsTotal:            {"endpoint", "status"},
	metrics.HTTPRequestDurationSeconds: {"endpoint", "status"},
	metrics.HTTPDownloadBytes:          {"endpoint", "status"},
}

var help = map[string]string{
	metrics.StepTotal:                  "Pipeline stage executions by outcome.",
	metrics.StepDurationSeconds:        "Pipeline stage duration.",
	metrics.RecordsTotal:               "Rows written or created, by kind.",
	metrics.DatesTotal:                 "Target dates processed by outcome.",
	metrics.HTTPRequestsTotal:          "KOBIS API requests.",
	metrics.HTTPErrorsTotal:            "KOBIS API requests that failed.",
	metrics.HTTPRequestDurationSeconds: "KOBIS API request latency.",
	metrics.HTTPDownloadBytes:          "KOBIS API response body size.",
}

type pusher interface {
	Push() error
}

// Backend implements metrics.Backend and metrics.Flusher.
type Backend struct {
	pusher pusher

	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec

	mu sync.Mutex // serializes pushes
}

// NewBackend registers collectors for every known metric on a private
// registry and targets gatewayURL under the given job name.
func NewBackend(job, gatewayURL string, grouping ...string) (*Backend, error) {
	if strings.TrimSpace(gatewayURL) == "" {
		return nil, fmt.Errorf("prompush: gateway url is empty")
	}
	if strings.TrimSpace(job) == "" {
		job = "kobis_etl"
	}
	if len(grouping)%2 != 0 {
		return nil, fmt.Errorf("prompush: grouping must be key/value pairs, got %d values", len(grouping))
	}

	reg := prometheus.NewRegistry()
	b := &Backend{
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	for _, name := range []string{metrics.StepTotal, metrics.RecordsTotal, metrics.DatesTotal, metrics.HTTPRequestsTotal, metrics.HTTPErrorsTotal} {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help[name]}, labelNames[name])
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", name, err)
		}
		b.counters[name] = c
	}

	buckets := map[string][]float64{
		metrics.StepDurationSeconds:        prometheus.DefBuckets,
		metrics.HTTPRequestDurationSeconds: prometheus.DefBuckets,
		metrics.HTTPDownloadBytes:          prometheus.ExponentialBuckets(1024, 4, 8),
	}
	for name, bk := range buckets {
		h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help[name], Buckets: bk}, labelNames[name])
		if err := reg.Register(h); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", name, err)
		}
		b.histograms[name] = h
	}

	p := push.New(gatewayURL, job).Gatherer(reg)
	for i := 0; i < len(grouping); i += 2 {
		p = p.Grouping(grouping[i], grouping[i+1])
	}
	b.pusher = p
	return b, nil
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	c, ok := b.counters[name]
	if !ok || delta <= 0 {
		return
	}
	c.WithLabelValues(labelValues(name, labels)...).Add(delta)
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	h, ok := b.histograms[name]
	if !ok || value < 0 {
		return
	}
	h.WithLabelValues(labelValues(name, labels)...).Observe(value)
}

// Flush pushes the current registry state, replacing the previous push for
// this job and grouping.
func (b *Backend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

// Close performs a final push.
func (b *Backend) Close() error {
	return b.Flush()
}

func labelValues(name string, labels metrics.Labels) []string {
	keys := labelNames[name]
	out := make([]string, len(keys))
	for i, k := range keys {
		v := labels[k]
		if v == "" {
			v = "unknown"
		}
		out[i] = v
	}
	return out
}

var (
	_ metrics.Backend = (*Backend)(nil)
	_ metrics.Flusher = (*Backend)(nil)
)
