package client

import (
	"fmt"
	"net/http"

	"github.com/makeavideo/api/internal/resilience"
)

// GenerationError is returned when a collaborator fails to produce output.
type GenerationError struct {
	Service    string
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *GenerationError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s failed (status %d): %s", e.Service, e.Op, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%s %s failed: %v", e.Service, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s %s failed", e.Service, e.Op)
	}
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the request could succeed. Client
// errors are final except request timeouts and rate limiting.
func (e *GenerationError) Retryable() bool {
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// statusError builds the error for a non-2xx response, marked permanent
// when retrying cannot help.
func statusError(service, op string, status int, body []byte) error {
	const maxBody = 512
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	err := &GenerationError{Service: service, Op: op, StatusCode: status, Body: string(body)}
	if !err.Retryable() {
		return resilience.Permanent(err)
	}
	return err
}
