package pipeline

import (
	"fmt"
	"time"
)

// DateLayout is the KOBIS targetDt format.
const DateLayout = "20060102"

// Dates returns start, start+1, ... start+days-1 as YYYYMMDD.
func Dates(start time.Time, days int) ([]string, error) {
	if days <= 0 {
		return nil, fmt.Errorf("pipeline: days must be > 0, got %d", days)
	}
	y, m, d := start.Date()
	base := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	out := make([]string, 0, days)
	for i := 0; i < days; i++ {
		out = append(out, base.AddDate(0, 0, i).Format(DateLayout))
	}
	return out, nil
}

// DatesBetween returns every date from from to to inclusive. A reversed
// range is an error rather than an empty run.
func DatesBetween(from, to string) ([]string, error) {
	f, err := ParseDate(from)
	if err != nil {
		return nil, err
	}
	t, err := ParseDate(to)
	if err != nil {
		return nil, err
	}
	if t.Before(f) {
		return nil, fmt.Errorf("pipeline: range end %s is before start %s", to, from)
	}
	days := int(t.Sub(f).Hours()/24) + 1
	return Dates(f, days)
}

// ParseDate parses a YYYYMMDD date as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil || len(s) != len(DateLayout) {
		return time.Time{}, fmt.Errorf("pipeline: date %q is not YYYYMMDD", s)
	}
	return t, nil
}

// Window returns the start date of a window of days ending yesterday in loc.
// KOBIS publishes a day's figures the following morning.
func Window(now time.Time, loc *time.Location, days int) time.Time {
	y, m, d := now.In(loc).Date()
	yesterday := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	return yesterday.AddDate(0, 0, -(days - 1))
}
