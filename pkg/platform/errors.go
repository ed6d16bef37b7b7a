package platform

import (
	"errors"
	"fmt"
)

var (
	ErrMediaTooLarge = errors.New("media exceeds maximum download size")
	ErrEmptyMedia    = errors.New("media download returned no data")
	ErrNoAccessToken = errors.New("token response carried no access_token")
)

// APIError is a non-zero errcode returned by the platform.
type APIError struct {
	Endpoint string
	ErrCode  int
	ErrMsg   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform api error: %s errcode=%d errmsg=%s", e.Endpoint, e.ErrCode, e.ErrMsg)
}

// TokenRejected reports whether the platform refused the access token itself.
func (e *APIError) TokenRejected() bool {
	switch e.ErrCode {
	case 40001, 40014, 42001:
		return true
	}
	return false
}

// IsTokenRejected reports whether err carries a token rejection errcode.
func IsTokenRejected(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.TokenRejected()
}

// HTTPError is a non-2xx HTTP status from the platform.
type HTTPError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("api error: %s status %d, body: %s", e.Endpoint, e.StatusCode, e.Body)
}
