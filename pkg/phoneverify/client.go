// Package phoneverify is the client for the phone-verification API. Calls
// are rate-limited client-side to respect the provider's concurrency
// contract; the batch executor additionally bounds in-flight calls to one
// batch at a time.
package phoneverify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/prospect-cli/internal/resilience"
)

const defaultBaseURL = "https://api.phoneveritas.com/v1"

// CodeInsufficientCredits is the distinguished API error meaning the
// account's own verification balance is spent. Every subsequent call in
// the run will fail the same way, so callers must halt instead of treating
// it as a per-record failure.
const CodeInsufficientCredits = "INSUFFICIENT_CREDITS"

// APIError is a structured error response from the verification API.
type APIError struct {
	Code       string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("phoneverify: api error %s (status %d)", e.Code, e.StatusCode)
}

// Client verifies phone ownership.
type Client interface {
	Verify(ctx context.Context, req VerifyRequest) (*VerifyResponse, error)
}

// VerifyRequest is the request body for POST /verify.
type VerifyRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	State string `json:"state,omitempty"`
}

// VerifyResponse is the response from POST /verify.
type VerifyResponse struct {
	Status  string  `json:"status"` // "match" or "no_match"
	Score   float64 `json:"score"`
	Source  string  `json:"source"`
	Age     int     `json:"age,omitempty"`
	Carrier string  `json:"carrier,omitempty"`
}

// Matched reports whether the verification found the name-phone pair.
func (r VerifyResponse) Matched() bool {
	return r.Status == "match"
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRateLimit overrides the default request rate.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *httpClient) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a phone verification API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 20 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(10), 10),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Verify(ctx context.Context, req VerifyRequest) (*VerifyResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "phoneverify: rate limit wait")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "phoneverify: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "phoneverify: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "phoneverify: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "phoneverify: read response")
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr APIError
		if jsonErr := json.Unmarshal(respBody, &apiErr); jsonErr == nil && apiErr.Code != "" {
			apiErr.StatusCode = resp.StatusCode
			return nil, &apiErr
		}
		err := eris.Errorf("phoneverify: verify returned %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var vr VerifyResponse
	if err := json.Unmarshal(respBody, &vr); err != nil {
		return nil, eris.Wrap(err, "phoneverify: unmarshal response")
	}
	return &vr, nil
}
