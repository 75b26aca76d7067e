// Package httputil provides HTTP utilities for the registry client.
//
// # Retry
//
// [Retry] and [Policy.Do] re-run an operation when it fails with a
// [RetryableError]. Wrap transient failures in it:
//
//   - Network errors (connection refused, reset, timeouts)
//   - 5xx server errors
//   - 429 rate limit responses
//
// Any other error stops the loop immediately. The delay doubles after each
// failed attempt and is capped by [Policy.MaxDelay]:
//
//	err := httputil.RetryWithBackoff(ctx, func() error {
//	    resp, err := client.Do(req)
//	    if err != nil {
//	        return httputil.Retryable(err)
//	    }
//	    ...
//	})
//
// # Defaults
//
//   - Attempts: 3
//   - Initial delay: 1 second
//   - Request timeout: 30 seconds ([NewClient])
package httputil
