// Package bulkdata is the client for the bulk people-data API used by
// fuzzy-mode searches. Results are broad and cheap; the upstream corpus
// refreshes slowly, which is why fuzzy responses are cacheable for months.
package bulkdata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/resilience"
)

const defaultBaseURL = "https://api.bulkdata.io/v1"

// Client performs people searches against the bulk data API.
type Client interface {
	SearchPeople(ctx context.Context, req SearchRequest) (*SearchResponse, error)
}

// SearchRequest is the request body for POST /people/search.
type SearchRequest struct {
	Name  string `json:"name"`
	Title string `json:"title,omitempty"`
	State string `json:"state,omitempty"`
	Limit int    `json:"limit"`
}

// SearchResponse is the response from POST /people/search. TotalCount may
// exceed len(People) when the requested limit truncates the match set.
type SearchResponse struct {
	TotalCount int      `json:"total_count"`
	People     []Person `json:"people"`
}

// Person is the bulk API's record shape.
type Person struct {
	ID           string        `json:"id"`
	FullName     string        `json:"full_name"`
	JobTitle     string        `json:"job_title,omitempty"`
	Employer     string        `json:"employer,omitempty"`
	Locality     Locality      `json:"locality"`
	PhoneNumbers []PhoneNumber `json:"phone_numbers,omitempty"`
	EmailAddress string        `json:"email_address,omitempty"`
	LinkedinURL  string        `json:"linkedin_url,omitempty"`
	Age          int           `json:"age,omitempty"`
}

// Locality is the bulk API's nested location shape.
type Locality struct {
	City   string `json:"city,omitempty"`
	Region string `json:"region,omitempty"`
}

// PhoneNumber is one number with the upstream line-type tag.
type PhoneNumber struct {
	Number   string `json:"number"`
	LineType string `json:"line_type,omitempty"` // "mobile", "landline", "voip"
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) { c.baseURL = url }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a bulk data API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) SearchPeople(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "bulkdata: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/people/search", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "bulkdata: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "bulkdata: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "bulkdata: read response")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("bulkdata: search returned %d: %s", resp.StatusCode, truncate(respBody, 200))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var sr SearchResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return nil, eris.Wrap(err, "bulkdata: unmarshal response")
	}
	return &sr, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s...", b[:n])
}
