package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"kobisetl/internal/config"
)

const (
	dailyBody = `{"boxOfficeResult":{"dailyBoxOfficeList":[{"movieCd":"M1","rank":"1","movieNm":"Test","salesAmt":"1000","audiCnt":"50"}]}}`
	infoBody  = `{"movieInfoResult":{"movieInfo":{"movieCd":"M1","nations":[{"nationNm":"Korea"}],"genres":[{"genreNm":"Drama"},{"genreNm":"Crime"}]}}}`
)

func stubDeps(t *testing.T) (deps, *bytes.Buffer, *bytes.Buffer, map[string][]byte) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "k" {
			http.Error(w, "bad key", http.StatusUnauthorized)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/boxoffice/searchDailyBoxOfficeList.json"):
			_, _ = w.Write([]byte(dailyBody))
		case strings.HasSuffix(r.URL.Path, "/movie/searchMovieInfo.json"):
			_, _ = w.Write([]byte(infoBody))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	saved := map[string][]byte{}
	var out, errOut bytes.Buffer
	return deps{
		Stdout: &out,
		Stderr: &errOut,
		LoadConfig: func(string) (config.Config, error) {
			return config.FromMap(map[string]string{"KOBIS_API_KEY": "k", "KOBIS_BASE_URL": srv.URL})
		},
		WriteFile: func(name string, data []byte, _ os.FileMode) error {
			saved[name] = data
			return nil
		},
	}, &out, &errOut, saved
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "neither", args: nil, wantErr: "exactly one of -date or -movie"},
		{name: "both", args: []string{"-date", "20241125", "-movie", "M1"}, wantErr: "exactly one of -date or -movie"},
		{name: "bad_date", args: []string{"-date", "2024-11-25"}, wantErr: "is not YYYYMMDD"},
		{name: "report_needs_date", args: []string{"-movie", "M1", "-report"}, wantErr: "-report requires -date"},
		{name: "ok_date", args: []string{"-date", "20241125"}},
		{name: "ok_movie", args: []string{"-movie", "M1", "-pretty=false"}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := parseFlags(tc.args)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("parseFlags() err=%v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("parseFlags() err=%v, want contains %q", err, tc.wantErr)
			}
		})
	}
}

func TestRun_PrintsIndentedBody(t *testing.T) {
	t.Parallel()

	d, out, errOut, saved := stubDeps(t)
	if code := run(context.Background(), []string{"-movie", "M1", "-save", "m1.json"}, d); code != 0 {
		t.Fatalf("run()=%d stderr=%s", code, errOut)
	}
	if !strings.Contains(out.String(), "\n  \"movieInfoResult\": {") {
		t.Fatalf("stdout not indented: %q", out.String())
	}
	if string(saved["m1.json"]) != infoBody {
		t.Fatalf("saved=%q, want raw body", saved["m1.json"])
	}
}

func TestRun_Report(t *testing.T) {
	t.Parallel()

	d, out, errOut, _ := stubDeps(t)
	if code := run(context.Background(), []string{"-date", "20241125", "-report"}, d); code != 0 {
		t.Fatalf("run()=%d stderr=%s", code, errOut)
	}
	for _, want := range []string{"date=20241125 box_office=1 movies=1 details=1 relations=3", "  genre=2", "  nation=1", "#1 M1 audience=50 sales=1000"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("stdout=%q, want contains %q", out.String(), want)
		}
	}
}

func TestRun_UpstreamErrorExit1(t *testing.T) {
	t.Parallel()

	d, _, errOut, _ := stubDeps(t)
	base := d.LoadConfig
	d.LoadConfig = func(f string) (config.Config, error) {
		cfg, err := base(f)
		cfg.KOBIS.APIKey = "wrong"
		return cfg, err
	}
	if code := run(context.Background(), []string{"-date", "20241125"}, d); code != 1 {
		t.Fatalf("run()=%d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "http 401") {
		t.Fatalf("stderr=%q", errOut.String())
	}
}
