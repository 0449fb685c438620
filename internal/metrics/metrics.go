// Package metrics is the process-wide metrics facade.
//
// Pipeline code reports through the package-level helpers; cmd/kobis_etl picks
// a Backend (Datadog, Pushgateway or none) once at startup.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names. Backends translate them into their own naming schemes.
const (
	StepTotal           = "kobis_step_total"
	StepDurationSeconds = "kobis_step_duration_seconds"
	RecordsTotal        = "kobis_records_total"
	DatesTotal          = "kobis_dates_total"

	HTTPRequestsTotal          = "kobis_http_requests_total"
	HTTPErrorsTotal            = "kobis_http_errors_total"
	HTTPRequestDurationSeconds = "kobis_http_request_duration_seconds"
	HTTPDownloadBytes          = "kobis_http_download_bytes"
)

// Labels are the dimensions of one observation.
type Labels map[string]string

// Backend receives counter increments and histogram observations.
// Implementations must be safe for concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer and submit on demand.
type Flusher interface {
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process backend. nil restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter forwards to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush flushes the installed backend if it buffers. Otherwise it is a no-op.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// RecordStep counts one pipeline stage execution and its duration.
func RecordStep(step string, err error, d time.Duration) {
	l := Labels{"step": step, "status": statusOf(err)}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRecords counts n rows of one kind (box_office, movie, entity_created, ...).
func RecordRecords(kind string, n int64) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordDate counts one processed target date.
func RecordDate(err error) {
	IncCounter(DatesTotal, 1, Labels{"status": statusOf(err)})
}

// RecordHTTP reports one upstream request. status is the HTTP status code,
// or 0 when no response was received.
func RecordHTTP(endpoint string, status int, d time.Duration, bytes int64, failed bool) {
	s := "error"
	if status > 0 {
		s = strconv.Itoa(status)
	}
	l := Labels{"endpoint": endpoint, "status": s}
	IncCounter(HTTPRequestsTotal, 1, l)
	if failed {
		IncCounter(HTTPErrorsTotal, 1, l)
	}
	ObserveHistogram(HTTPRequestDurationSeconds, d.Seconds(), l)
	if bytes >= 0 {
		ObserveHistogram(HTTPDownloadBytes, float64(bytes), l)
	}
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
