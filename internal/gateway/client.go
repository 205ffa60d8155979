package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"
)

const requestTimeout = 30 * time.Second

// apiClient is the HTTP core shared by the provider adapters: JSON in/out,
// bounded timeout, circuit breaker around the remote call so a flapping
// gateway fails fast instead of holding every checkout for the full timeout.
type apiClient struct {
	baseURL string
	headers map[string]string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

func newAPIClient(name, baseURL string, headers map[string]string) *apiClient {
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    name,
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &apiClient{
		baseURL: baseURL,
		headers: headers,
		client:  &http.Client{Timeout: requestTimeout},
		breaker: breaker,
	}
}

func (c *apiClient) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, query, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, nil, body)
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	return c.breaker.Execute(func() ([]byte, error) {
		endpoint := c.baseURL + path
		if len(query) > 0 {
			endpoint += "?" + query.Encode()
		}

		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("marshal request body: %w", err)
			}
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("gateway request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read gateway response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
		}
		return data, nil
	})
}
