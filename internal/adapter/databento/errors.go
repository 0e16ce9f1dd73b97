package databento

import (
	"fmt"
	"time"
)

// AuthError means the vendor rejected or never received credentials. Fatal
// to the job; never retried.
type AuthError struct {
	Detail string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("databento auth: %s", e.Detail)
}

func (e *AuthError) Fatal() bool { return true }

// TransportError wraps network-level failures (DNS, TLS, timeouts). Always
// retryable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("databento transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error   { return e.Err }
func (e *TransportError) Retryable() bool { return true }

// HTTPError is a non-2xx vendor response. Retryability follows the status
// code; a Retry-After header, when present, is carried for the backoff.
type HTTPError struct {
	Status    int
	Body      string
	RetryHint time.Duration // parsed Retry-After header, zero when absent
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("databento HTTP %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("databento HTTP %d", e.Status)
}

// retryableStatus is the transient status set; everything else 4xx is fatal.
var retryableStatus = map[int]bool{
	408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

func (e *HTTPError) Retryable() bool {
	return retryableStatus[e.Status]
}

// RetryAfter exposes the server's Retry-After hint to the retry policy.
func (e *HTTPError) RetryAfter() time.Duration { return e.RetryHint }
