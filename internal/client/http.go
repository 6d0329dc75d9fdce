package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// jsonService is a JSON-over-HTTP collaborator.
type jsonService struct {
	name       string
	httpClient *http.Client
	baseURL    string
}

func newJSONService(name, baseURL string, timeoutSeconds int) jsonService {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 60
	}
	return jsonService{
		name: name,
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
		},
		baseURL: baseURL,
	}
}

// post sends a POST request with JSON body and parses the response
func (s jsonService) post(ctx context.Context, op, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &GenerationError{Service: s.name, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &GenerationError{Service: s.name, Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(s.name, op, resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return &GenerationError{Service: s.name, Op: op, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	return nil
}

// healthCheck checks if the service is available
func (s jsonService) healthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s unhealthy: status %d", s.name, resp.StatusCode)
	}
	return nil
}

// IsConfigured returns true if the client has valid configuration
func (s jsonService) IsConfigured() bool {
	return s.baseURL != ""
}
