package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// apiClient is the shared REST plumbing for venue APIs: one rate limiter
// and circuit breaker per venue, a cookie jar for session auth, and static
// headers applied to every request.
type apiClient struct {
	httpClient *http.Client
	baseURL    string
	headers    map[string]string
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

func newAPIClient(name, baseURL string, rps float64, timeout time.Duration) *apiClient {
	if rps == 0 {
		rps = 4.0
	}
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	jar, _ := cookiejar.New(nil)
	return &apiClient{
		httpClient: &http.Client{Timeout: timeout, Jar: jar},
		baseURL:    strings.TrimRight(baseURL, "/"),
		headers:    make(map[string]string),
		limiter:    rate.NewLimiter(rate.Limit(rps), 2),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (c *apiClient) setHeader(key, value string) { c.headers[key] = value }

type apiResponse struct {
	status int
	body   []byte
}

// do runs one request through the limiter and breaker. Transport failures
// and 5xx responses count against the breaker; 4xx responses do not, they
// are venue rejections rather than outages.
func (c *apiClient) do(ctx context.Context, method, path string, payload any, extraHeaders map[string]string) (*apiResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		var body io.Reader
		if payload != nil {
			encoded, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}
		for k, v := range extraHeaders {
			req.Header.Set(k, v)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", ErrUpstreamUnavailable, err)
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
		}
		return &apiResponse{status: resp.StatusCode, body: raw}, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*apiResponse), nil
}

// getJSON fetches path and decodes the response into out, treating any
// non-2xx status as a rejection.
func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	if resp.status >= 400 {
		return fmt.Errorf("%w: GET %s: status %d: %s", ErrUpstreamRejected, path, resp.status, truncate(resp.body, 300))
	}
	return json.Unmarshal(resp.body, out)
}

// postJSON sends payload to path and decodes the response into out.
func (c *apiClient) postJSON(ctx context.Context, path string, payload, out any) error {
	resp, err := c.do(ctx, http.MethodPost, path, payload, nil)
	if err != nil {
		return err
	}
	if resp.status >= 400 {
		return fmt.Errorf("%w: POST %s: status %d: %s", ErrUpstreamRejected, path, resp.status, truncate(resp.body, 300))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.body, out)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
