package kobis

import "fmt"

// Endpoint names used in errors, logs and metric labels.
const (
	EndpointDailyList = "daily_list"
	EndpointMovieInfo = "movie_info"
)

// UpstreamError reports a failed API call: a non-200 status, or a 200
// carrying a faultInfo envelope (StatusCode is then 200 and Code is set).
type UpstreamError struct {
	Endpoint   string
	StatusCode int
	Code       string
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("kobis: %s: fault %s: %s", e.Endpoint, e.Code, e.Message)
	}
	return fmt.Sprintf("kobis: %s: http %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// DataShapeError reports a response that decoded but is missing an expected
// key, or a field whose value cannot be interpreted.
type DataShapeError struct {
	Endpoint string
	Key      string
	Err      error
}

func (e *DataShapeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("kobis: %s: missing %s", e.Endpoint, e.Key)
	}
	return fmt.Sprintf("kobis: %s: bad %s: %v", e.Endpoint, e.Key, e.Err)
}

func (e *DataShapeError) Unwrap() error { return e.Err }
