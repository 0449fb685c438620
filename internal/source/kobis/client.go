// Package kobis is a read-only client for the KOBIS open API daily box-office
// list and movie info endpoints.
package kobis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"kobisetl/internal/metrics"
)

// DefaultBaseURL is the public KOBIS REST root.
const DefaultBaseURL = "http://www.kobis.or.kr/kobisopenapi/webservice/rest"

const (
	dailyListPath = "/boxoffice/searchDailyBoxOfficeList.json"
	movieInfoPath = "/movie/searchMovieInfo.json"

	maxBodyBytes = 8 << 20
	maxSnippet   = 200
)

// Options configures a Client. Key is required.
type Options struct {
	BaseURL string
	Key     string
	Timeout time.Duration

	// Optional daily list filters. Zero values are not sent.
	ItemPerPage  int    // 1..10, KOBIS default 10
	MultiMovieYn string // "Y" diversity films, "N" commercial films
	RepNationCd  string // "K" Korean, "F" foreign
	WideAreaCd   string // region code from the KOBIS code list

	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client fetches raw records. It performs no retries.
type Client struct {
	base *url.URL
	key  string
	http *http.Client

	daily url.Values
}

// NewClient validates opts and builds a Client.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Key) == "" {
		return nil, fmt.Errorf("kobis: api key is empty")
	}
	raw := opts.BaseURL
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("kobis: base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("kobis: base url %q must be http or https", raw)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = newHTTPClient(timeout)
	}

	daily := url.Values{}
	if opts.ItemPerPage > 0 {
		daily.Set("itemPerPage", strconv.Itoa(opts.ItemPerPage))
	}
	if opts.MultiMovieYn != "" {
		daily.Set("multiMovieYn", opts.MultiMovieYn)
	}
	if opts.RepNationCd != "" {
		daily.Set("repNationCd", opts.RepNationCd)
	}
	if opts.WideAreaCd != "" {
		daily.Set("wideAreaCd", opts.WideAreaCd)
	}

	return &Client{base: base, key: opts.Key, http: hc, daily: daily}, nil
}

// FetchDailyList returns the ranked box-office entries for date (YYYYMMDD).
// A date with no screenings yields an empty, non-nil slice.
func (c *Client) FetchDailyList(ctx context.Context, date string) ([]RawMovieEntry, error) {
	q := url.Values{}
	for k, v := range c.daily {
		q[k] = v
	}
	q.Set("targetDt", date)

	var env dailyEnvelope
	if err := c.getJSON(ctx, EndpointDailyList, dailyListPath, q, &env); err != nil {
		return nil, err
	}
	if env.FaultInfo != nil {
		return nil, faultError(EndpointDailyList, env.FaultInfo)
	}
	if env.BoxOfficeResult == nil {
		return nil, &DataShapeError{Endpoint: EndpointDailyList, Key: "boxOfficeResult"}
	}
	if env.BoxOfficeResult.DailyBoxOfficeList == nil {
		return nil, &DataShapeError{Endpoint: EndpointDailyList, Key: "boxOfficeResult.dailyBoxOfficeList"}
	}
	list := *env.BoxOfficeResult.DailyBoxOfficeList
	if list == nil {
		list = []RawMovieEntry{}
	}
	return list, nil
}

// FetchMovieDetail returns the metadata for one movie code.
func (c *Client) FetchMovieDetail(ctx context.Context, movieCd string) (RawMovieDetail, error) {
	q := url.Values{}
	q.Set("movieCd", movieCd)

	var env movieInfoEnvelope
	if err := c.getJSON(ctx, EndpointMovieInfo, movieInfoPath, q, &env); err != nil {
		return RawMovieDetail{}, err
	}
	if env.FaultInfo != nil {
		return RawMovieDetail{}, faultError(EndpointMovieInfo, env.FaultInfo)
	}
	if env.MovieInfoResult == nil {
		return RawMovieDetail{}, &DataShapeError{Endpoint: EndpointMovieInfo, Key: "movieInfoResult"}
	}
	if env.MovieInfoResult.MovieInfo == nil {
		return RawMovieDetail{}, &DataShapeError{Endpoint: EndpointMovieInfo, Key: "movieInfoResult.movieInfo"}
	}
	return *env.MovieInfoResult.MovieInfo, nil
}

// FetchRaw returns the undecoded response body for one endpoint. Used by
// cmd/kobis_probe to dump payloads.
func (c *Client) FetchRaw(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	path := dailyListPath
	if endpoint == EndpointMovieInfo {
		path = movieInfoPath
	}
	return c.get(ctx, endpoint, path, params)
}

func (c *Client) getJSON(ctx context.Context, endpoint, path string, params url.Values, out any) error {
	body, err := c.get(ctx, endpoint, path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &DataShapeError{Endpoint: endpoint, Key: "body", Err: err}
	}
	return nil
}

// get performs one GET and reports it to metrics. Non-200 responses become
// *UpstreamError carrying a prefix of the body.
func (c *Client) get(ctx context.Context, endpoint, path string, params url.Values) ([]byte, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("key", c.key)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("kobis: %s: build request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordHTTP(endpoint, 0, time.Since(start), -1, true)
		return nil, fmt.Errorf("kobis: %s: %w", endpoint, redactKey(err, c.key))
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	failed := readErr != nil || resp.StatusCode != http.StatusOK
	metrics.RecordHTTP(endpoint, resp.StatusCode, time.Since(start), int64(len(body)), failed)

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: snippet(body)}
	}
	if readErr != nil {
		return nil, fmt.Errorf("kobis: %s: read body: %w", endpoint, redactKey(readErr, c.key))
	}
	return body, nil
}

func faultError(endpoint string, f *faultInfo) error {
	return &UpstreamError{Endpoint: endpoint, StatusCode: http.StatusOK, Code: f.ErrorCode, Message: f.Message}
}

// snippet returns at most maxSnippet bytes of body, cut on a rune boundary.
func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxSnippet {
		cut := maxSnippet
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}

// redactKey strips the API key from transport errors, which embed the URL.
func redactKey(err error, key string) error {
	if key == "" || !strings.Contains(err.Error(), key) {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), key, "REDACTED"))
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 2,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
