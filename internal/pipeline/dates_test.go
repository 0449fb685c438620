package pipeline

import (
	"reflect"
	"testing"
	"time"
)

func TestDates(t *testing.T) {
	t.Parallel()

	got, err := Dates(time.Date(2024, 2, 28, 15, 0, 0, 0, time.UTC), 3)
	if err != nil {
		t.Fatalf("Dates: %v", err)
	}
	if want := []string{"20240228", "20240229", "20240301"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if _, err := Dates(time.Now(), 0); err == nil {
		t.Fatalf("expected error for days=0")
	}
}

func TestDatesBetween(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		from, to string
		want     []string
		wantErr  bool
	}{
		{"single_day", "20241125", "20241125", []string{"20241125"}, false},
		{"month_boundary", "20241130", "20241202", []string{"20241130", "20241201", "20241202"}, false},
		{"reversed", "20241101", "20231120", nil, true},
		{"bad_format", "2024-11-01", "20241102", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := DatesBetween(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestWindow_EndsYesterdayInZone(t *testing.T) {
	t.Parallel()

	seoul := time.FixedZone("KST", 9*3600)
	// 2024-11-25 16:00 UTC is already 2024-11-26 in Seoul.
	now := time.Date(2024, 11, 25, 16, 0, 0, 0, time.UTC)

	if got := Window(now, seoul, 1).Format(DateLayout); got != "20241125" {
		t.Fatalf("1-day window start=%s want 20241125", got)
	}
	if got := Window(now, seoul, 38).Format(DateLayout); got != "20241019" {
		t.Fatalf("38-day window start=%s want 20241019", got)
	}
}
