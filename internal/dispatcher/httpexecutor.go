package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/scoutforge/scoutd/internal/executor"
	"github.com/scoutforge/scoutd/internal/helpers"
)

// HTTPExecutor implements Executor by calling a remote executor entry's
// /executions endpoint, the same one internal/httpapi exposes. The
// dispatcher and the executor are separate processes; this is the only
// wire between them, mirroring one independent invocation per due scout.
type HTTPExecutor struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPExecutor constructs an HTTPExecutor that posts to baseURL within
// timeout. timeout should be at least as generous as the executor's own
// wall-clock ceiling, since the dispatcher waits for the full run.
func NewHTTPExecutor(baseURL string, timeout time.Duration) *HTTPExecutor {
	return &HTTPExecutor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type dispatchResponse struct {
	Success             bool   `json:"success"`
	Error               string `json:"error"`
	RunningExecutionID  string `json:"runningExecutionId"`
	ScoutID             string `json:"scoutId"`
}

// Run dispatches one scout's execution to the remote executor entry and
// translates its HTTP response into a RunOutcome.
func (h *HTTPExecutor) Run(ctx context.Context, scoutID string) (executor.RunOutcome, error) {
	url := fmt.Sprintf("%s/executions?scoutId=%s", h.baseURL, scoutID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return executor.RunOutcome{}, fmt.Errorf("dispatcher: build request: %w", err)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return executor.RunOutcome{}, fmt.Errorf("dispatcher: call executor: %w", err)
	}
	raw, err := helpers.ReadAllAndClose(resp.Body)
	if err != nil {
		return executor.RunOutcome{}, fmt.Errorf("dispatcher: read executor response: %w", err)
	}

	var body dispatchResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return executor.RunOutcome{}, fmt.Errorf("dispatcher: decode executor response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode == http.StatusConflict {
		return executor.RunOutcome{AlreadyRunning: true, RunningExecutionID: body.RunningExecutionID}, nil
	}
	if resp.StatusCode >= 400 {
		return executor.RunOutcome{}, fmt.Errorf("dispatcher: executor returned status %d: %s", resp.StatusCode, body.Error)
	}
	return executor.RunOutcome{}, nil
}
