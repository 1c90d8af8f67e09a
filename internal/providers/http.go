// Package providers calls the downstream service that performs paid work.
package providers

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
)

const maxResponseBytes = 4 << 20

// StatusError is returned when the downstream answers with a non-2xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("downstream returned status %d", e.Code)
}

// HTTPProvider posts operation input to BaseURL/{operation} and returns the
// JSON response body as the work result.
type HTTPProvider struct {
	baseURL    string
	httpClient *http.Client
}

// New returns an HTTPProvider. The client should not carry its own timeout;
// the caller's context bounds each call.
func New(baseURL string, client *http.Client) (*HTTPProvider, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid downstream url %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Transport: &http.Transport{
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		}}
	}
	return &HTTPProvider{baseURL: strings.TrimRight(baseURL, "/"), httpClient: client}, nil
}

// Perform matches services.WorkFunc.
func (p *HTTPProvider) Perform(ctx context.Context, operation string, input json.RawMessage) (json.RawMessage, error) {
	endpoint := p.baseURL + "/" + url.PathEscape(operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("create downstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call downstream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read downstream response: %w", err)
	}
	if len(body) > maxResponseBytes {
		return nil, errors.New("downstream response too large")
	}
	if !json.Valid(body) {
		return nil, errors.New("downstream returned invalid JSON")
	}
	return json.RawMessage(body), nil
}
