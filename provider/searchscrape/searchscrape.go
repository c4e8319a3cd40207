// Package searchscrape adapts scoutd's web search and scrape calls to a
// single HTTP provider that accepts a query or a URL plus optional
// cookies/headers/wait/timeout scrape options.
package searchscrape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/scoutforge/scoutd/config"
	"github.com/scoutforge/scoutd/internal/helpers"
	"github.com/scoutforge/scoutd/internal/scout"
)

// SearchResult is one entry of a search response.
type SearchResult struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Description   string  `json:"description"`
	PublishedTime *string `json:"publishedTime,omitempty"`
	Favicon       *string `json:"favicon,omitempty"`
}

// SearchResponse is the outcome of a Search call, after blacklist filtering.
type SearchResponse struct {
	Results       []SearchResult
	FilteredCount int
	EchoedParams  map[string]interface{}
}

// ScrapeResponse is the outcome of a Scrape call.
type ScrapeResponse struct {
	URL        string  `json:"url"`
	Title      string  `json:"title"`
	Content    string  `json:"content"` // markdown, truncated to 2000 chars
	Screenshot *string `json:"screenshot,omitempty"`
	Favicon    *string `json:"favicon,omitempty"`
}

const maxContentChars = 2000

// Client is the search/scrape provider adapter. It is safe for concurrent
// use; the per-user API key is supplied per call, not at construction.
type Client struct {
	cfg        config.SearchScrapeConfig
	httpClient *http.Client
}

// New constructs a Client from the resolved search/scrape configuration.
func New(cfg config.SearchScrapeConfig) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// CredentialError is returned when the provider rejects the supplied key.
// Code is "401" or "402"; the credential resolver inspects it.
type CredentialError struct {
	Code string
	Body string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("searchscrape: provider returned %s: %s", e.Code, e.Body)
}

type searchRequest struct {
	Query             string                 `json:"query"`
	Limit             int                    `json:"limit"`
	TBS               string                 `json:"tbs,omitempty"`
	IgnoreInvalidURLs bool                   `json:"ignoreInvalidURLs"`
	Location          string                 `json:"location,omitempty"`
	Country           string                 `json:"country,omitempty"`
	ScrapeOptions     searchScrapeOptionsDoc `json:"scrapeOptions"`
}

type searchScrapeOptionsDoc struct {
	MaxAge  int               `json:"maxAge"`
	Headers map[string]string `json:"headers,omitempty"`
	WaitFor string            `json:"waitFor,omitempty"`
}

type searchProviderResponse struct {
	Results []SearchResult `json:"results"`
}

// Search performs a web search. limit is capped at 10. location, when its
// City is not the "any" sentinel, is forwarded with a default country
// appended when location contains no comma. maxAge is derived by the
// caller from the scout's frequency.
func (c *Client) Search(ctx context.Context, apiKey string, query string, limit int, tbs string, location scout.Location, maxAge time.Duration, opts scout.ScrapeOptions) (SearchResponse, error) {
	if limit <= 0 || limit > 10 {
		limit = 10
	}

	req := searchRequest{
		Query:             query,
		Limit:             limit,
		TBS:               tbs,
		IgnoreInvalidURLs: true,
		ScrapeOptions: searchScrapeOptionsDoc{
			MaxAge:  int(maxAge / time.Second),
			Headers: opts.Headers,
			WaitFor: opts.WaitFor,
		},
	}
	if location.HasBias() {
		loc := location.City
		if !strings.Contains(loc, ",") {
			loc = loc + ", " + c.cfg.DefaultCountry
		}
		req.Location = loc
		req.Country = c.cfg.DefaultCountry
	}

	var resp searchProviderResponse
	if err := c.post(ctx, apiKey, "/search", req, &resp); err != nil {
		return SearchResponse{}, err
	}

	kept, filtered := c.filterBlacklisted(resp.Results)
	return SearchResponse{
		Results:       kept,
		FilteredCount: filtered,
		EchoedParams: map[string]interface{}{
			"query": query, "limit": limit, "tbs": tbs,
		},
	}, nil
}

func (c *Client) filterBlacklisted(results []SearchResult) ([]SearchResult, int) {
	kept := make([]SearchResult, 0, len(results))
	filtered := 0
	for _, r := range results {
		if c.isBlacklisted(r.URL) {
			filtered++
			continue
		}
		kept = append(kept, r)
	}
	return kept, filtered
}

// IsBlacklisted reports whether rawURL's host matches the configured
// blacklist. The agent loop uses this to decide whether a scrape error on
// this URL should count against the consecutive-error budget.
func (c *Client) IsBlacklisted(rawURL string) bool {
	return c.isBlacklisted(rawURL)
}

func (c *Client) isBlacklisted(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	for _, d := range c.cfg.BlacklistDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

type scrapeFormat struct {
	Type     string `json:"type,omitempty"`
	FullPage bool   `json:"fullPage,omitempty"`
}

type scrapeRequest struct {
	URL     string        `json:"url"`
	Formats []interface{} `json:"formats"`
	MaxAge  int           `json:"maxAge"`
	Headers map[string]string `json:"headers,omitempty"`
	WaitFor string        `json:"waitFor,omitempty"`
	Timeout int           `json:"timeout,omitempty"`
}

// Scrape fetches one URL and returns its content as truncated markdown.
func (c *Client) Scrape(ctx context.Context, apiKey string, targetURL string, maxAge time.Duration, opts scout.ScrapeOptions) (ScrapeResponse, error) {
	req := scrapeRequest{
		URL:     targetURL,
		Formats: []interface{}{"markdown", scrapeFormat{Type: "screenshot", FullPage: false}},
		MaxAge:  int(maxAge / time.Second),
		Headers: opts.Headers,
		WaitFor: opts.WaitFor,
		Timeout: opts.Timeout,
	}

	var resp ScrapeResponse
	if err := c.post(ctx, apiKey, "/scrape", req, &resp); err != nil {
		return ScrapeResponse{}, err
	}
	if len(resp.Content) > maxContentChars {
		resp.Content = resp.Content[:maxContentChars]
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, apiKey string, path string, body interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	raw, err := helpers.ReadAllAndClose(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return &CredentialError{Code: "401", Body: string(raw)}
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		return &CredentialError{Code: "402", Body: string(raw)}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
