// Package remote provides the backend collaborators of the sync engine: an
// HTTP operation submitter, a health-check connectivity prober and a
// websocket realtime subscriber.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mschirtzinger/offsync/internal/offline/schema"
)

// ErrRejected is returned when the backend answers a submission with a 4xx
// status. The operation is still retried like any other failure.
var ErrRejected = errors.New("backend rejected operation")

// HTTPSubmitter sends pending operations to {BaseURL}/sync/{table}.
type HTTPSubmitter struct {
	baseURL string
	client  *http.Client
	token   string
}

// SubmitterOption configures an HTTPSubmitter.
type SubmitterOption func(*HTTPSubmitter)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) SubmitterOption {
	return func(s *HTTPSubmitter) { s.client = c }
}

// WithBearerToken sends an Authorization header with every request.
func WithBearerToken(token string) SubmitterOption {
	return func(s *HTTPSubmitter) { s.token = token }
}

// NewHTTPSubmitter creates a submitter for the backend at baseURL.
func NewHTTPSubmitter(baseURL string, opts ...SubmitterOption) (*HTTPSubmitter, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q", baseURL)
	}
	s := &HTTPSubmitter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit posts op as its wire record and decodes the backend confirmation.
// The caller's context bounds the request.
func (s *HTTPSubmitter) Submit(ctx context.Context, op *schema.PendingOperation) (*schema.Confirmation, error) {
	body, err := json.Marshal(op.ToRecord())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal operation %s: %w", op.ID, err)
	}

	endpoint := s.baseURL + "/sync/" + url.PathEscape(op.Table)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", op.ID)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to submit operation %s: %w", op.ID, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response for %s: %w", op.ID, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: %s: %s", ErrRejected, resp.Status, strings.TrimSpace(string(payload)))
	default:
		return nil, fmt.Errorf("backend error for %s: %s", op.ID, resp.Status)
	}

	var conf schema.Confirmation
	if len(bytes.TrimSpace(payload)) == 0 {
		return &conf, nil
	}
	if err := json.Unmarshal(payload, &conf); err != nil {
		return nil, fmt.Errorf("failed to parse confirmation for %s: %w", op.ID, err)
	}
	return &conf, nil
}
