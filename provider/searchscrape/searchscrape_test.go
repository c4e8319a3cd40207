package searchscrape

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/scoutforge/scoutd/config"
	"github.com/scoutforge/scoutd/internal/scout"
)

func testConfig(baseURL string) config.SearchScrapeConfig {
	return config.SearchScrapeConfig{
		BaseURL:          baseURL,
		Timeout:          5 * time.Second,
		BlacklistDomains: config.DefaultBlacklistDomains,
		DefaultCountry:   "us",
	}
}

func TestSearch_FiltersBlacklistedDomains(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := searchProviderResponse{Results: []SearchResult{
			{Title: "ok", URL: "https://example.com/article"},
			{Title: "blocked", URL: "https://www.youtube.com/watch?v=1"},
			{Title: "also blocked", URL: "https://reddit.com/r/foo"},
		}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	result, err := c.Search(context.Background(), "key", "ai news", 10, "", scout.Location{City: "any"}, time.Hour, scout.ScrapeOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(result.Results) != 1 || result.Results[0].URL != "https://example.com/article" {
		t.Fatalf("unexpected kept results: %+v", result.Results)
	}
	if result.FilteredCount != 2 {
		t.Fatalf("expected 2 filtered, got %d", result.FilteredCount)
	}
}

func TestSearch_AppendsCountryToLocationWithoutComma(t *testing.T) {
	var gotLocation, gotCountry string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotLocation = req.Location
		gotCountry = req.Country
		_ = json.NewEncoder(w).Encode(searchProviderResponse{})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, err := c.Search(context.Background(), "key", "q", 5, "", scout.Location{City: "Austin", Lat: 1, Lon: 1}, time.Hour, scout.ScrapeOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if gotLocation != "Austin, us" {
		t.Fatalf("expected location %q, got %q", "Austin, us", gotLocation)
	}
	if gotCountry != "us" {
		t.Fatalf("expected country us, got %q", gotCountry)
	}
}

func TestScrape_TruncatesContent(t *testing.T) {
	longContent := make([]byte, 3000)
	for i := range longContent {
		longContent[i] = 'a'
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := ScrapeResponse{URL: "https://example.com", Title: "t", Content: string(longContent)}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	resp, err := c.Scrape(context.Background(), "key", "https://example.com", time.Hour, scout.ScrapeOptions{})
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if len(resp.Content) != maxContentChars {
		t.Fatalf("expected content truncated to %d, got %d", maxContentChars, len(resp.Content))
	}
}

func TestSearch_TagsCredentialErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":"credits exhausted"}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, err := c.Search(context.Background(), "key", "q", 5, "", scout.Location{City: "any"}, time.Hour, scout.ScrapeOptions{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	credErr, ok := err.(*CredentialError)
	if !ok {
		t.Fatalf("expected *CredentialError, got %T: %v", err, err)
	}
	if credErr.Code != "402" {
		t.Fatalf("expected code 402, got %q", credErr.Code)
	}
}

func TestIsBlacklisted_MatchesExactAndSubdomain(t *testing.T) {
	c := New(testConfig("https://example.com"))
	cases := map[string]bool{
		"https://reddit.com/r/foo":      true,
		"https://www.reddit.com/r/foo":  true,
		"https://old.reddit.com/r/foo":  true,
		"https://example.com/article":   false,
		"not-a-url":                     false,
	}
	for url, want := range cases {
		if got := c.IsBlacklisted(url); got != want {
			t.Fatalf("IsBlacklisted(%q) = %v, want %v", url, got, want)
		}
	}
}
