package errors

import "fmt"

// RequestError describes a failed backend request. StatusCode is zero for
// network-level failures that never produced a response.
type RequestError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	Cause      error
}

func (e *RequestError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	case e.Cause != nil:
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Cause)
	default:
		return fmt.Sprintf("%s %s: request failed", e.Method, e.URL)
	}
}

func (e *RequestError) Unwrap() error { return e.Cause }

// Is reports ErrRequest for every RequestError, and ErrConnection for
// network-level failures.
func (e *RequestError) Is(target error) bool {
	if target == ErrRequest {
		return true
	}
	return target == ErrConnection && e.StatusCode == 0
}

// Retryable reports whether the request may be retried: network failures
// and 5xx responses are, 4xx responses never are.
func (e *RequestError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// IsRetryable reports whether err is a retryable RequestError.
func IsRetryable(err error) bool {
	var reqErr *RequestError
	if As(err, &reqErr) {
		return reqErr.Retryable()
	}
	return false
}

// StatusCode extracts the HTTP status from a RequestError, or 0.
func StatusCode(err error) int {
	var reqErr *RequestError
	if As(err, &reqErr) {
		return reqErr.StatusCode
	}
	return 0
}
