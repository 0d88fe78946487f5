// Package livesearch is the client for the real-time people lookup API
// used by exact-mode searches. Calls are priced per query and results go
// stale quickly; callers cache them for a day at most to absorb bursts.
package livesearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/resilience"
)

const defaultBaseURL = "https://api.livesearch.dev"

// Client performs real-time people lookups.
type Client interface {
	Lookup(ctx context.Context, q Query) (*LookupResponse, error)
}

// Query holds the lookup filters for GET /lookup.
type Query struct {
	Name  string
	Title string
	State string
	Count int
}

// LookupResponse is the response from GET /lookup.
type LookupResponse struct {
	Meta    Meta     `json:"meta"`
	Results []Result `json:"results"`
}

// Meta carries the provider-reported match universe size.
type Meta struct {
	Available int `json:"available"`
}

// Result wraps one matched person.
type Result struct {
	Person Person `json:"person"`
}

// Person is the live API's record shape. Note the camel-cased field names
// and the flat "City, ST" location string.
type Person struct {
	PersonID     string  `json:"personId"`
	DisplayName  string  `json:"displayName"`
	Position     string  `json:"position,omitempty"`
	Organization string  `json:"organization,omitempty"`
	Location     string  `json:"location,omitempty"`
	Contact      Contact `json:"contact"`
	ProfileLink  string  `json:"profileLink,omitempty"`
	Age          int     `json:"age,omitempty"`
}

// Contact holds the live API's contact block. MobilePhones and OtherPhones
// are already split by line type upstream.
type Contact struct {
	MobilePhones []string `json:"mobilePhones,omitempty"`
	OtherPhones  []string `json:"otherPhones,omitempty"`
	Emails       []string `json:"emails,omitempty"`
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

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a live search API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
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

func (c *httpClient) Lookup(ctx context.Context, q Query) (*LookupResponse, error) {
	params := url.Values{}
	params.Set("name", q.Name)
	if q.Title != "" {
		params.Set("title", q.Title)
	}
	if q.State != "" {
		params.Set("state", q.State)
	}
	params.Set("count", strconv.Itoa(q.Count))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/lookup?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "livesearch: create request")
	}
	httpReq.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "livesearch: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "livesearch: read response")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("livesearch: lookup returned %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var lr LookupResponse
	if err := json.Unmarshal(respBody, &lr); err != nil {
		return nil, eris.Wrap(err, "livesearch: unmarshal response")
	}
	return &lr, nil
}
