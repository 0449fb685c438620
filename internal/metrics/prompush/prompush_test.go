package prompush

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"kobisetl/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type pushRecord struct {
	method string
	path   string
	body   string
}

func newGateway(t *testing.T) (*httptest.Server, func() []pushRecord) {
	t.Helper()
	var mu sync.Mutex
	var got []pushRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, pushRecord{r.Method, r.URL.Path, string(b)})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []pushRecord {
		mu.Lock()
		defer mu.Unlock()
		return append([]pushRecord(nil), got...)
	}
}

func TestNewBackend_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewBackend("job", ""); err == nil {
		t.Fatalf("expected error for empty gateway url")
	}
	if _, err := NewBackend("job", "http://gw:9091", "run_id"); err == nil {
		t.Fatalf("expected error for odd grouping")
	}
}

func TestBackend_CountsAndLabels(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("kobis", "http://gw:9091")
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}

	b.IncCounter(metrics.RecordsTotal, 3, metrics.Labels{"kind": "box_office"})
	b.IncCounter(metrics.RecordsTotal, 2, metrics.Labels{"kind": "box_office"})
	b.IncCounter(metrics.DatesTotal, 1, metrics.Labels{})
	b.IncCounter("unknown_total", 1, nil)
	b.IncCounter(metrics.RecordsTotal, -1, metrics.Labels{"kind": "box_office"})

	if got := testutil.ToFloat64(b.counters[metrics.RecordsTotal].WithLabelValues("box_office")); got != 5 {
		t.Fatalf("records=%v want 5", got)
	}
	if got := testutil.ToFloat64(b.counters[metrics.DatesTotal].WithLabelValues("unknown")); got != 1 {
		t.Fatalf("dates{status=unknown}=%v want 1", got)
	}
}

func TestFlush_PushesToGateway(t *testing.T) {
	t.Parallel()

	srv, pushes := newGateway(t)
	b, err := NewBackend("kobis_etl", srv.URL, "run_id", "abc")
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}

	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "fetch_list", "status": "ok"})
	b.ObserveHistogram(metrics.HTTPDownloadBytes, 2048, metrics.Labels{"endpoint": "daily_list", "status": "200"})

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := pushes()
	if len(got) != 1 {
		t.Fatalf("pushes=%d want 1", len(got))
	}
	if got[0].method != http.MethodPut {
		t.Fatalf("method=%s want PUT", got[0].method)
	}
	if !strings.Contains(got[0].path, "/metrics/job/kobis_etl") || !strings.Contains(got[0].path, "run_id/abc") {
		t.Fatalf("unexpected path %s", got[0].path)
	}
	for _, name := range []string{metrics.StepTotal, metrics.HTTPDownloadBytes} {
		if !strings.Contains(got[0].body, name) {
			t.Fatalf("push body missing %s", name)
		}
	}
}

type failingPusher struct{}

func (failingPusher) Push() error { return errors.New("gateway down") }

func TestFlush_WrapsPushError(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("kobis", "http://gw:9091")
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	b.pusher = failingPusher{}

	err = b.Flush()
	if err == nil || !strings.Contains(err.Error(), "prompush: push: gateway down") {
		t.Fatalf("unexpected err: %v", err)
	}
}
