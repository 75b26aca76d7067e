package httputil

import (
	"net/http"
	"time"
)

// DefaultTimeout bounds a single registry request, body included.
const DefaultTimeout = 30 * time.Second

// NewClient creates an HTTP client with the given timeout.
// A zero timeout selects [DefaultTimeout].
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// StatusRetryable reports whether an HTTP status code signals a transient
// failure worth retrying.
func StatusRetryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
