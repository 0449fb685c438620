package datadog

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"kobisetl/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

func newTestBackend(t *testing.T, fs *fakeSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName:    "job1",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(1000, 0) },
		newTicker:  func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestResolveEnvTag(t *testing.T) {
	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ENV", tc.env)
			t.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestLabelTags_SortedWithUnknownDefault(t *testing.T) {
	t.Parallel()

	got := labelTags(metrics.Labels{"status": "", "endpoint": "daily_list"})
	want := []string{"endpoint:daily_list", "status:unknown"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("labelTags=%v want %v", got, want)
	}
	if labelTags(nil) != nil {
		t.Fatalf("nil labels must produce nil tags")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	t.Parallel()

	s := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	tests := []struct {
		p    float64
		want float64
	}{
		{0, 1},
		{0.5, 6},
		{0.9, 9},
		{1, 10},
	}
	for _, tt := range tests {
		if got := percentileNearestRank(s, tt.p); got != tt.want {
			t.Fatalf("p=%v got %v want %v", tt.p, got, tt.want)
		}
	}
	if percentileNearestRank(nil, 0.5) != 0 {
		t.Fatalf("empty input must return 0")
	}
}

func TestAddPercentiles(t *testing.T) {
	t.Parallel()

	var series []datadogV2.MetricSeries
	in := []float64{3, 1, 2}
	addPercentiles(&series, []string{"job:x"}, "kobis.step.duration_seconds", in, 10)

	if len(series) != 6 {
		t.Fatalf("series=%d want 6", len(series))
	}
	if !reflect.DeepEqual(in, []float64{3, 1, 2}) {
		t.Fatalf("input mutated: %v", in)
	}
	if series[4].Metric != "kobis.step.duration_seconds.max" || *series[4].Points[0].Value != 3 {
		t.Fatalf("unexpected max series: %+v", series[4])
	}
	if *series[5].Points[0].Value != 3 {
		t.Fatalf("samples gauge=%v want 3", *series[5].Points[0].Value)
	}

	addPercentiles(&series, nil, "x", nil, 10)
	if len(series) != 6 {
		t.Fatalf("empty samples must not append")
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		Tags:      []string{"service:kobis"},
		submitter: fs,
		newTicker: func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	if !contains(b.baseTags, "job:kobis_etl") || !contains(b.baseTags, "service:kobis") {
		t.Fatalf("baseTags=%v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)

	b.IncCounter(metrics.StepTotal, 2, metrics.Labels{"step": "load", "status": "ok"})
	b.IncCounter(metrics.RecordsTotal, 3, metrics.Labels{"kind": "box_office"})
	b.IncCounter(metrics.DatesTotal, 1, metrics.Labels{"status": "ok"})
	b.ObserveHistogram(metrics.StepDurationSeconds, 0.5, metrics.Labels{"step": "load", "status": "ok"})
	b.IncCounter(metrics.HTTPRequestsTotal, 7, metrics.Labels{"endpoint": "daily_list", "status": "200"})
	b.ObserveHistogram(metrics.HTTPRequestDurationSeconds, 0.1, metrics.Labels{"endpoint": "daily_list", "status": "200"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
	if len(b.counters) != 0 || len(b.samples) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, _ := fs.last()
	var names []string
	for _, s := range payload.Series {
		names = append(names, s.Metric)
	}
	if !sort.StringsAreSorted(names) {
		t.Fatalf("series not sorted: %v", names)
	}
	for _, w := range []string{
		"kobis.step.total",
		"kobis.records.total",
		"kobis.dates.total",
		"kobis.step.duration_seconds.p50",
		"kobis.step.duration_seconds.samples",
		"kobis.http.requests.total",
		"kobis.http.request_duration_seconds.p99",
	} {
		if !contains(names, w) {
			t.Fatalf("payload missing metric %q; got=%v", w, names)
		}
	}

	for _, s := range payload.Series {
		if s.Metric == "kobis.records.total" {
			if !contains(s.Tags, "kind:box_office") || !contains(s.Tags, "job:job1") || *s.Points[0].Value != 3 {
				t.Fatalf("unexpected records series: %+v", s)
			}
		}
	}
}

func TestFlush_SubmitErrorStillResets(t *testing.T) {
	fs := &fakeSubmitter{err: errors.New("intake down")}
	b := newTestBackend(t, fs)

	b.IncCounter(metrics.DatesTotal, 1, metrics.Labels{"status": "error"})
	if err := b.Flush(); err == nil {
		t.Fatalf("expected submit error")
	}
	fs.err = nil
	if err := b.Flush(); err != nil || fs.count() != 1 {
		t.Fatalf("second flush should be empty: err=%v count=%d", err, fs.count())
	}
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 0 {
		t.Fatalf("unexpected submission count=%d, want 0", fs.count())
	}
}

func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.DatesTotal, 1, metrics.Labels{"status": "ok"})

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) && fs.count() < 1 {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected at least one background Flush submission; got %d", fs.count())
	}

	b.IncCounter(metrics.DatesTotal, 1, metrics.Labels{"status": "ok"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v, want nil", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected at least 2 submissions after Close; got %d", fs.count())
	}
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)

	workers := runtime.GOMAXPROCS(0) * 4
	iters := 1000

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "relate", "status": "ok"})
				b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "link_created"})
				b.ObserveHistogram(metrics.StepDurationSeconds, 0.01, metrics.Labels{"step": "relate", "status": "ok"})
			}
		}()
	}
	wg.Wait()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	payload, _ := fs.last()
	for _, s := range payload.Series {
		if s.Metric == "kobis.step.total" && *s.Points[0].Value != float64(workers*iters) {
			t.Fatalf("step total=%v want %d", *s.Points[0].Value, workers*iters)
		}
	}
}

func TestIncCounterAndObserveHistogram_Ignored(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)

	b.IncCounter(metrics.DatesTotal, 0, nil)
	b.IncCounter("unknown_total", 1, metrics.Labels{"x": "y"})
	b.ObserveHistogram(metrics.StepDurationSeconds, -1, metrics.Labels{"step": "load"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 0 {
		t.Fatalf("ignored observations must not submit; got %d", fs.count())
	}
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty_returns_nil", in: "", want: nil},
		{name: "trims_and_skips_empty_segments", in: " env:prod , ,service:kobis,  ,team:data ", want: []string{"env:prod", "service:kobis", "team:data"}},
		{name: "single_tag", in: "service:kobis", want: []string{"service:kobis"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ParseTagsCSV(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
