package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path names the environment variable.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// StorageKinds lists the backends cmd/kobis_etl links in.
var StorageKinds = []string{"sqlite", "postgres", "mysql", "mssql"}

var metricsBackends = []string{"none", "datadog", "pushgateway"}

// Validate reports every problem at once instead of stopping at the first.
func (c Config) Validate() []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, a ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	if strings.TrimSpace(c.KOBIS.APIKey) == "" {
		add(SeverityError, "KOBIS_API_KEY", "is required")
	}
	if u, err := url.Parse(c.KOBIS.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add(SeverityError, "KOBIS_BASE_URL", "must be an absolute http(s) URL, got %q", c.KOBIS.BaseURL)
	}
	if c.KOBIS.Timeout <= 0 {
		add(SeverityError, "KOBIS_TIMEOUT", "must be > 0")
	}
	if c.KOBIS.ItemPerPage < 0 || c.KOBIS.ItemPerPage > 10 {
		add(SeverityError, "KOBIS_ITEM_PER_PAGE", "must be between 1 and 10 (0 = upstream default), got %d", c.KOBIS.ItemPerPage)
	}
	if !slices.Contains([]string{"", "Y", "N"}, c.KOBIS.MultiMovieYn) {
		add(SeverityError, "KOBIS_MULTI_MOVIE_YN", "must be Y or N, got %q", c.KOBIS.MultiMovieYn)
	}
	if !slices.Contains([]string{"", "K", "F"}, c.KOBIS.RepNationCd) {
		add(SeverityError, "KOBIS_REP_NATION_CD", "must be K or F, got %q", c.KOBIS.RepNationCd)
	}

	if !slices.Contains(StorageKinds, c.Storage.Kind) {
		add(SeverityError, "STORAGE_KIND", "unsupported %q (want one of %s)", c.Storage.Kind, strings.Join(StorageKinds, ", "))
	}
	if c.StorageDSN() == "" {
		add(SeverityError, "STORAGE_DSN", "is required for storage kind %q", c.Storage.Kind)
	}
	if c.Storage.Kind == "mysql" && c.Storage.DSN == "" && c.Storage.MySQL.User == "" {
		add(SeverityWarning, "MYSQL_USER", "is empty; connecting without a user name")
	}

	if !slices.Contains(metricsBackends, c.Metrics.Backend) {
		add(SeverityError, "METRICS_BACKEND", "unsupported %q (want one of %s)", c.Metrics.Backend, strings.Join(metricsBackends, ", "))
	}
	if c.Metrics.Backend == "pushgateway" && strings.TrimSpace(c.Metrics.PushgatewayURL) == "" {
		add(SeverityError, "PUSHGATEWAY_URL", "is required for the pushgateway backend")
	}
	if c.Metrics.Backend == "datadog" && c.Metrics.FlushEvery < time.Second {
		add(SeverityWarning, "METRICS_FLUSH_EVERY", "%s is very short; Datadog intake may throttle", c.Metrics.FlushEvery)
	}

	if c.Run.WindowDays <= 0 {
		add(SeverityError, "KOBIS_WINDOW_DAYS", "must be > 0, got %d", c.Run.WindowDays)
	} else if c.Run.WindowDays > 366 {
		add(SeverityWarning, "KOBIS_WINDOW_DAYS", "%d days is more than a year of daily calls", c.Run.WindowDays)
	}
	if _, err := c.Location(); err != nil {
		add(SeverityError, "KOBIS_TZ", "%v", err)
	}

	return out
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
