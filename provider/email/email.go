// Package email adapts scoutd's transactional notification sends to an
// HTTP email provider, in the same request/response idiom as the LLM and
// search/scrape adapters (process-wide API key, bounded timeout,
// status-code-to-error translation).
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/scoutforge/scoutd/config"
	"github.com/scoutforge/scoutd/internal/helpers"
)

// Client is the email sender adapter.
type Client struct {
	cfg        config.EmailConfig
	httpClient *http.Client
}

// New constructs a Client from the resolved email configuration.
func New(cfg config.EmailConfig) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Send delivers one transactional email. Fire-and-forget from the caller's
// perspective: callers should log a non-nil error and continue rather than
// fail the run.
func (c *Client) Send(ctx context.Context, to, subject, html string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(sendRequest{
		From:    c.cfg.From,
		To:      to,
		Subject: subject,
		HTML:    html,
	})
	if err != nil {
		return fmt.Errorf("email: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/send", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("email: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("email: send request: %w", err)
	}
	if resp.StatusCode >= 400 {
		raw, _ := helpers.ReadAllAndClose(resp.Body)
		return fmt.Errorf("email: provider returned status %d: %s", resp.StatusCode, string(raw))
	}
	resp.Body.Close()
	return nil
}
