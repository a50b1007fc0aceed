package llm

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrUnsupportedProvider struct {
	Provider string
}

func (e ErrUnsupportedProvider) Error() string {
	return fmt.Sprintf("unsupported LLM provider: %s", e.Provider)
}

// RequestError is a non-2xx response from the model API.
type RequestError struct {
	Status int
	Body   string
}

func (e RequestError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("LLM request failed: status %d", e.Status)
	}
	return fmt.Sprintf("LLM request failed: status %d: %s", e.Status, e.Body)
}

/// Retryable reports whether the request is worth repeating: timeouts, rate
// limits, and server-side failures. Auth and validation errors are not.
func (e RequestError) Retryable() bool {
	switch {
	case e.Status == http.StatusRequestTimeout:
		return true
	case e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500:
		return true
	default:
		return false
	}
}

func IsRetryable(err error) bool {
	var reqErr RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Retryable()
	}
	return false
}
