package provider

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrQuotaExhausted = errors.New("quota exhausted")
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrNoCandidates   = errors.New("no eligible model")
)

// APIError is a non-2xx provider reply. The status code is preserved so
// a 429 can trigger an account cool-down instead of a hard failure.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// IsRateLimited reports whether err is a provider 429.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}
