// Package executor runs one scout's agent loop: a bounded sequence of
// AwaitModel/DispatchTools/Finalize steps in which the model searches and
// scrapes the web through exactly two tools until it either reports
// completion or the loop's bounds are exhausted.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scoutforge/scoutd/config"
	"github.com/scoutforge/scoutd/internal/dedup"
	"github.com/scoutforge/scoutd/internal/helpers"
	"github.com/scoutforge/scoutd/internal/scout"
	"github.com/scoutforge/scoutd/internal/store"
	"github.com/scoutforge/scoutd/internal/telemetry"
	"github.com/scoutforge/scoutd/provider/llm"
	"github.com/scoutforge/scoutd/provider/searchscrape"
)

// State is one stage of the agent loop's step machine.
type State string

const (
	StateAwaitModel    State = "await_model"
	StateDispatchTools State = "dispatch_tools"
	StateFinalize      State = "finalize"
)

// TaskStatus is the terminal classification the model (or the loop itself,
// on a bounded or forced exit) assigns to a run.
const (
	TaskStatusCompleted        = "completed"
	TaskStatusPartial          = "partial"
	TaskStatusNotFound         = "not_found"
	TaskStatusInsufficientData = "insufficient_data"
)

// AgentResult is the outcome the loop hands back to Run for post-run
// bookkeeping.
type AgentResult struct {
	TaskCompleted bool
	TaskStatus    string
	Response      string
}

// ErrNotDispatchable is returned when Run is asked to execute a scout that
// is inactive or missing required configuration.
var ErrNotDispatchable = errors.New("executor: scout is not active or incomplete")

// ErrNoCredential is returned when the user has no active search/scrape key.
var ErrNoCredential = errors.New("executor: no active search/scrape credential")

// errPaymentRequired aborts a run immediately; the credential resolver has
// already disabled every scout the user owns.
var errPaymentRequired = errors.New("executor: search/scrape provider reports payment required")

// errConsecutiveToolFailures aborts a run after MaxConsecutiveErrors
// model turns in a row each had at least one counted tool failure. The
// count is kept per turn, not per tool call: a turn with several failed
// calls adds one, and a successful call in a turn that also has a counted
// failure does not reset it. Unlike reaching maxLoops, this is a failure:
// it counts against the scout's consecutive_failures.
var errConsecutiveToolFailures = errors.New("executor: aborted after repeated tool failures")

// LLMClient is the subset of provider/llm.Client the loop needs.
type LLMClient interface {
	ChatComplete(ctx context.Context, messages []llm.Message, tools []llm.Tool, toolChoice string) (llm.ChatResult, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SearchScrapeClient is the subset of provider/searchscrape.Client the loop
// needs.
type SearchScrapeClient interface {
	Search(ctx context.Context, apiKey, query string, limit int, tbs string, location scout.Location, maxAge time.Duration, opts scout.ScrapeOptions) (searchscrape.SearchResponse, error)
	Scrape(ctx context.Context, apiKey, targetURL string, maxAge time.Duration, opts scout.ScrapeOptions) (searchscrape.ScrapeResponse, error)
	IsBlacklisted(rawURL string) bool
}

// Store is the subset of internal/store.Store the loop needs.
type Store interface {
	GetScout(ctx context.Context, scoutID string) (scout.Scout, error)
	TryClaimRunning(ctx context.Context, scoutID string) (claimed *scout.Execution, existing *scout.Execution, err error)
	AppendStep(ctx context.Context, executionID string, number int, f store.StepFields) error
	UpdateStep(ctx context.Context, executionID string, number int, f store.StepFields) error
	ListRecentCompletedWithEmbedding(ctx context.Context, scoutID string, limit int) ([]scout.RecentFinding, error)
	FinishExecution(ctx context.Context, executionID string, status scout.ExecutionStatus, f store.FinishFields) error
	UpdateScoutPostRun(ctx context.Context, scoutID string, now time.Time, success bool) error
}

// CredentialResolver is the subset of internal/credential.Resolver the loop
// needs.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID string) (string, error)
	HandleUnauthorized(ctx context.Context, userID string, rawErr string) error
	HandlePaymentRequired(ctx context.Context, userID string, rawErr string) error
}

// Notifier is the subset of internal/notifier.Notifier the loop needs.
type Notifier interface {
	SendSuccess(ctx context.Context, userEmail string, sc scout.Scout, responseMarkdown string, citations []helpers.Citation) error
}

// AnalyticsSink is the subset of internal/analytics.Sink the loop needs.
type AnalyticsSink interface {
	Track(event string, properties map[string]interface{})
}

// IdentityProvider resolves a scout's owning user id to a notification
// address. The identity/auth provider itself is an external collaborator;
// this is its interface as seen from the agent loop.
type IdentityProvider interface {
	ResolveEmail(ctx context.Context, userID string) (string, error)
}

// RunOutcome is what Run reports back to its caller (the HTTP entry).
type RunOutcome struct {
	Execution          scout.Execution
	AlreadyRunning     bool
	RunningExecutionID string
}

// Executor runs the agent loop for one scout at a time. All dependencies
// are supplied via Option; Notifier, IdentityProvider, AnalyticsSink, and
// Metrics are optional and safely skipped when nil.
type Executor struct {
	store       Store
	llmClient   LLMClient
	search      SearchScrapeClient
	credentials CredentialResolver
	notifier    Notifier
	identity    IdentityProvider
	analytics   AnalyticsSink
	metrics     *telemetry.Metrics
	cfg         config.AgentConfig
}

// Option configures an Executor at construction time.
type Option func(*Executor)

func WithStore(s Store) Option { return func(e *Executor) { e.store = s } }
func WithLLM(c LLMClient) Option { return func(e *Executor) { e.llmClient = c } }
func WithSearchScrape(c SearchScrapeClient) Option { return func(e *Executor) { e.search = c } }
func WithCredentialResolver(r CredentialResolver) Option {
	return func(e *Executor) { e.credentials = r }
}
func WithNotifier(n Notifier) Option { return func(e *Executor) { e.notifier = n } }
func WithIdentityProvider(p IdentityProvider) Option { return func(e *Executor) { e.identity = p } }
func WithAnalytics(a AnalyticsSink) Option { return func(e *Executor) { e.analytics = a } }
func WithMetrics(m *telemetry.Metrics) Option { return func(e *Executor) { e.metrics = m } }

// New constructs an Executor from cfg and the supplied options.
func New(cfg config.AgentConfig, opts ...Option) *Executor {
	e := &Executor{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one scout end to end: claim, resolve credential, run the
// agent loop, and record the terminal outcome. It never returns an error
// for a run that completed (successfully or not) — only for preconditions
// that prevent a run from starting at all.
func (e *Executor) Run(ctx context.Context, scoutID string) (RunOutcome, error) {
	sc, err := e.store.GetScout(ctx, scoutID)
	if err != nil {
		return RunOutcome{}, fmt.Errorf("executor: load scout: %w", err)
	}
	if !sc.IsActive || !sc.ConfigurationComplete() {
		return RunOutcome{}, ErrNotDispatchable
	}

	claimed, existing, err := e.store.TryClaimRunning(ctx, scoutID)
	if err != nil {
		return RunOutcome{}, fmt.Errorf("executor: claim running: %w", err)
	}
	if existing != nil {
		return RunOutcome{AlreadyRunning: true, RunningExecutionID: existing.ID}, nil
	}

	started := time.Now()
	exec := e.runClaimed(ctx, *claimed, sc)
	if e.metrics != nil {
		e.metrics.ExecutionDuration.Observe(time.Since(started).Seconds())
		if exec.Status == scout.ExecutionFailed {
			e.metrics.ExecutionsFailed.Inc()
		}
	}
	return RunOutcome{Execution: exec}, nil
}

func (e *Executor) runClaimed(ctx context.Context, exec scout.Execution, sc scout.Scout) scout.Execution {
	now := time.Now()

	apiKey, err := e.credentials.Resolve(ctx, sc.UserID)
	if err != nil {
		return e.finishFailed(ctx, exec.ID, sc.ID, now, fmt.Sprintf("%s: %v", ErrNoCredential, err))
	}

	recent, err := e.store.ListRecentCompletedWithEmbedding(ctx, sc.ID, e.cfg.RecentFindingsLimit)
	if err != nil {
		return e.finishFailed(ctx, exec.ID, sc.ID, now, fmt.Sprintf("load recent findings: %v", err))
	}

	result, citations, err := e.runAgentLoop(ctx, exec.ID, sc, apiKey, recent)
	citations = dedupCitationsByURL(citations)
	if err != nil {
		if errors.Is(err, errPaymentRequired) {
			return e.finishFailed(ctx, exec.ID, sc.ID, now, "search/scrape provider billing failure: all scouts for this user have been disabled")
		}
		return e.finishFailed(ctx, exec.ID, sc.ID, now, err.Error())
	}

	f := store.FinishFields{
		CompletedAt: now,
		ResultsSummary: map[string]interface{}{
			"taskCompleted": result.TaskCompleted,
			"taskStatus":    result.TaskStatus,
		},
	}

	if result.TaskCompleted {
		summaryText, err := e.summarize(ctx, result.Response)
		if err != nil {
			summaryText = truncateSummary(result.Response)
		}
		embedding, embErr := e.llmClient.Embed(ctx, summaryText)

		dedupResult := dedup.Result{}
		if embErr == nil {
			dedupResult = dedup.Check(embedding, recent, e.cfg.DedupThreshold)
			f.SummaryText = &summaryText
			f.SummaryEmbedding = embedding
		}

		if dedupResult.IsDuplicate {
			annotated := result.Response + "\n\n" + dedup.AnnotateDuplicate(dedupResult)
			result.Response = annotated
			if e.analytics != nil {
				e.analytics.Track("executor.duplicate_suppressed", map[string]interface{}{
					"scout_id": sc.ID, "similarity": dedupResult.Similarity,
				})
			}
		} else {
			e.notify(ctx, sc, result.Response, citations)
		}
	}

	if err := e.store.FinishExecution(ctx, exec.ID, scout.ExecutionCompleted, f); err != nil {
		return e.finishFailed(ctx, exec.ID, sc.ID, now, fmt.Sprintf("persist completion: %v", err))
	}
	if err := e.store.UpdateScoutPostRun(ctx, sc.ID, now, true); err != nil {
		// The run itself succeeded; a bookkeeping failure here is discarded,
		// not reported to the caller and not retried.
		_ = err
	}

	exec.Status = scout.ExecutionCompleted
	exec.CompletedAt = &now
	exec.ResultsSummary = f.ResultsSummary
	exec.SummaryText = f.SummaryText
	exec.SummaryEmbedding = f.SummaryEmbedding
	return exec
}

func (e *Executor) notify(ctx context.Context, sc scout.Scout, responseMarkdown string, citations []helpers.Citation) {
	if e.notifier == nil || e.identity == nil {
		return
	}
	email, err := e.identity.ResolveEmail(ctx, sc.UserID)
	if err != nil || email == "" {
		return
	}
	_ = e.notifier.SendSuccess(ctx, email, sc, responseMarkdown, citations)
}

func (e *Executor) finishFailed(ctx context.Context, executionID, scoutID string, now time.Time, reason string) scout.Execution {
	f := store.FinishFields{CompletedAt: now, ErrorMessage: &reason}
	_ = e.store.FinishExecution(ctx, executionID, scout.ExecutionFailed, f)
	_ = e.store.UpdateScoutPostRun(ctx, scoutID, now, false)
	if e.analytics != nil {
		e.analytics.Track("executor.run_failed", map[string]interface{}{
			"scout_id": scoutID, "execution_id": executionID, "reason": reason,
		})
	}
	return scout.Execution{ID: executionID, ScoutID: scoutID, Status: scout.ExecutionFailed, CompletedAt: &now, ErrorMessage: &reason}
}

// maxSummaryTextLength bounds summary_text so the stored invariant holds
// regardless of what the model actually returns.
const maxSummaryTextLength = 150

func (e *Executor) summarize(ctx context.Context, response string) (string, error) {
	messages := []llm.Message{
		{Role: "system", Content: "Summarize the following finding in a single sentence, no more than 150 characters, that includes specifics (who/what/where). No markdown, no links."},
		{Role: "user", Content: response},
	}
	res, err := e.llmClient.ChatComplete(ctx, messages, nil, "")
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return truncateSummary(res.Message.Content), nil
}

// truncateSummary enforces the summary_text length invariant on whatever
// the model actually returned, rune-safe so it never splits a multi-byte
// character.
func truncateSummary(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= maxSummaryTextLength {
		return s
	}
	return strings.TrimSpace(string(runes[:maxSummaryTextLength]))
}

// runAgentLoop drives the AwaitModel/DispatchTools/Finalize step machine
// for one execution, persisting one step per tool call as it goes.
func (e *Executor) runAgentLoop(ctx context.Context, executionID string, sc scout.Scout, apiKey string, recent []scout.RecentFinding) (AgentResult, []helpers.Citation, error) {
	history := []llm.Message{{Role: "system", Content: buildSystemPrompt(sc, recent)}}
	tools := agentTools()

	var citations []helpers.Citation
	var lastMessage llm.Message
	stepNumber := 0
	loopCount := 0
	consecutiveErrors := 0
	lastToolError := ""
	state := StateAwaitModel

	for {
		switch state {
		case StateAwaitModel:
			if loopCount >= e.cfg.MaxLoops {
				return AgentResult{
					TaskCompleted: false,
					TaskStatus:    TaskStatusPartial,
					Response:      "reached the iteration limit before the task could be completed",
				}, citations, nil
			}
			if loopCount > 0 && loopCount%3 == 0 {
				history = append(history, llm.Message{Role: "user", Content: reminderMessage})
			}

			result, err := e.llmClient.ChatComplete(ctx, history, tools, "auto")
			if err != nil {
				return AgentResult{}, citations, fmt.Errorf("agent loop: chat completion: %w", err)
			}
			lastMessage = result.Message
			history = append(history, lastMessage)

			if len(lastMessage.ToolCalls) > 0 {
				state = StateDispatchTools
			} else {
				state = StateFinalize
			}

		case StateDispatchTools:
			toolMessages, newCitations, erred, lastErr, abortErr := e.dispatchTools(ctx, executionID, sc, apiKey, &stepNumber, lastMessage.ToolCalls)
			history = append(history, toolMessages...)
			citations = append(citations, newCitations...)
			loopCount++

			if abortErr != nil {
				return AgentResult{}, citations, abortErr
			}
			if erred {
				consecutiveErrors++
				lastToolError = lastErr
			} else {
				consecutiveErrors = 0
			}
			if consecutiveErrors >= e.cfg.MaxConsecutiveErrors {
				return AgentResult{}, citations, fmt.Errorf("%w: %s", errConsecutiveToolFailures, lastToolError)
			}
			state = StateAwaitModel

		case StateFinalize:
			return parseAgentResult(lastMessage.Content), citations, nil
		}
	}
}

// dispatchTools executes every tool call in one model turn, appending and
// finalizing one step per call. It returns the resulting tool messages (in
// call order, each bound to its originating call id), any citations the
// calls produced, whether this turn counts against the consecutive-error
// budget (and, if so, the last counted error's message, so an abort can
// report it), and a non-nil error only when the run must abort outright (a
// 402 from the search/scrape provider).
func (e *Executor) dispatchTools(ctx context.Context, executionID string, sc scout.Scout, apiKey string, stepNumber *int, calls []llm.ToolCall) ([]llm.Message, []helpers.Citation, bool, string, error) {
	var messages []llm.Message
	var citations []helpers.Citation
	anyError := false
	lastErr := ""

	for _, call := range calls {
		*stepNumber++
		number := *stepNumber

		content, citation, isError, countsAsError, abortErr := e.dispatchOne(ctx, executionID, sc, apiKey, number, call)
		if abortErr != nil {
			return messages, citations, anyError, lastErr, abortErr
		}
		if isError {
			anyError = anyError || countsAsError
			if countsAsError {
				lastErr = content
			}
		}
		if citation != nil {
			citations = append(citations, *citation)
		}
		messages = append(messages, llm.Message{Role: "tool", ToolCallID: call.ID, Content: content})
	}
	return messages, citations, anyError, lastErr, nil
}

func (e *Executor) dispatchOne(ctx context.Context, executionID string, sc scout.Scout, apiKey string, number int, call llm.ToolCall) (content string, citation *helpers.Citation, isError bool, countsAsError bool, abortErr error) {
	maxAge := sc.Frequency.Period()

	switch call.Function.Name {
	case "searchWeb":
		var args struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
			TBS   string `json:"tbs"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return e.recordToolError(ctx, executionID, number, scout.StepSearch, "searchWeb", call.Function.Arguments, fmt.Sprintf("invalid arguments: %v", err)), nil, true, true, nil
		}

		_ = e.store.AppendStep(ctx, executionID, number, store.StepFields{
			Type: scout.StepSearch, Description: fmt.Sprintf("searchWeb(%q)", args.Query),
			InputData: map[string]interface{}{"query": args.Query, "limit": args.Limit, "tbs": args.TBS},
			Status:    scout.StepRunning,
		})

		resp, err := e.search.Search(ctx, apiKey, args.Query, args.Limit, args.TBS, sc.Location, maxAge, sc.ScrapeOptions)
		if err != nil {
			return e.finalizeToolError(ctx, executionID, number, err, "search"), nil, true, true, e.handleProviderError(ctx, sc.UserID, err)
		}

		out, _ := json.Marshal(resp)
		_ = e.store.UpdateStep(ctx, executionID, number, store.StepFields{
			OutputData: map[string]interface{}{"resultCount": len(resp.Results), "filteredCount": resp.FilteredCount},
			Status:     scout.StepCompleted,
		})
		e.recordToolMetric("searchWeb", "success")
		return string(out), nil, false, false, nil

	case "scrapeWebsite":
		var args struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return e.recordToolError(ctx, executionID, number, scout.StepScrape, "scrapeWebsite", call.Function.Arguments, fmt.Sprintf("invalid arguments: %v", err)), nil, true, true, nil
		}

		_ = e.store.AppendStep(ctx, executionID, number, store.StepFields{
			Type: scout.StepScrape, Description: fmt.Sprintf("scrapeWebsite(%s)", args.URL),
			InputData: map[string]interface{}{"url": args.URL},
			Status:    scout.StepRunning,
		})

		if e.search.IsBlacklisted(args.URL) {
			reason := "domain is blacklisted"
			_ = e.store.UpdateStep(ctx, executionID, number, store.StepFields{ErrorMessage: &reason, Status: scout.StepFailed})
			e.recordToolMetric("scrapeWebsite", "blacklisted")
			return fmt.Sprintf(`{"error":%q}`, reason), nil, true, false, nil
		}

		resp, err := e.search.Scrape(ctx, apiKey, args.URL, maxAge, sc.ScrapeOptions)
		if err != nil {
			return e.finalizeToolError(ctx, executionID, number, err, "scrape"), nil, true, true, e.handleProviderError(ctx, sc.UserID, err)
		}

		out, _ := json.Marshal(resp)
		_ = e.store.UpdateStep(ctx, executionID, number, store.StepFields{
			OutputData: map[string]interface{}{"title": resp.Title, "contentLength": len(resp.Content)},
			Status:     scout.StepCompleted,
		})
		e.recordToolMetric("scrapeWebsite", "success")
		cite := helpers.Citation{SourceID: fmt.Sprintf("s%d", number), Title: resp.Title, URL: resp.URL, Snippet: resp.Content, Accessed: time.Now()}
		return string(out), &cite, false, false, nil

	default:
		reason := fmt.Sprintf("unknown tool %q", call.Function.Name)
		_ = e.store.AppendStep(ctx, executionID, number, store.StepFields{
			Type: scout.StepToolCall, Description: reason, Status: scout.StepFailed, ErrorMessage: &reason,
		})
		return fmt.Sprintf(`{"error":%q}`, reason), nil, true, true, nil
	}
}

func (e *Executor) recordToolError(ctx context.Context, executionID string, number int, stepType scout.StepType, tool, rawArgs, reason string) string {
	_ = e.store.AppendStep(ctx, executionID, number, store.StepFields{
		Type: stepType, Description: tool, InputData: map[string]interface{}{"raw": rawArgs},
		Status: scout.StepFailed, ErrorMessage: &reason,
	})
	e.recordToolMetric(tool, "error")
	return fmt.Sprintf(`{"error":%q}`, reason)
}

func (e *Executor) finalizeToolError(ctx context.Context, executionID string, number int, err error, tool string) string {
	reason := err.Error()
	_ = e.store.UpdateStep(ctx, executionID, number, store.StepFields{ErrorMessage: &reason, Status: scout.StepFailed})
	e.recordToolMetric(tool, "error")
	return fmt.Sprintf(`{"error":%q}`, reason)
}

// handleProviderError reacts to a 401/402 from the search/scrape provider.
// It returns a non-nil error only for 402, which must abort the run.
func (e *Executor) handleProviderError(ctx context.Context, userID string, err error) error {
	var credErr *searchscrape.CredentialError
	if !errors.As(err, &credErr) {
		return nil
	}
	switch credErr.Code {
	case "401":
		_ = e.credentials.HandleUnauthorized(ctx, userID, credErr.Body)
		return nil
	case "402":
		_ = e.credentials.HandlePaymentRequired(ctx, userID, credErr.Body)
		return errPaymentRequired
	}
	return nil
}

func (e *Executor) recordToolMetric(tool, outcome string) {
	if e.metrics == nil {
		return
	}
	e.metrics.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

func parseAgentResult(content string) AgentResult {
	jsonStr, err := helpers.ExtractJSON(content)
	if err != nil {
		return AgentResult{TaskCompleted: false, TaskStatus: TaskStatusInsufficientData, Response: content}
	}
	var parsed struct {
		TaskCompleted bool   `json:"taskCompleted"`
		TaskStatus    string `json:"taskStatus"`
		Response      string `json:"response"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return AgentResult{TaskCompleted: false, TaskStatus: TaskStatusInsufficientData, Response: content}
	}
	return AgentResult{TaskCompleted: parsed.TaskCompleted, TaskStatus: parsed.TaskStatus, Response: parsed.Response}
}

const reminderMessage = "Reminder: use the scout's configured queries before inventing new ones, scrape two or three results to verify before reporting a finding, avoid repeating a search you already ran, and respond with your final answer as JSON once you are done."

func buildSystemPrompt(sc scout.Scout, recent []scout.RecentFinding) string {
	prompt := fmt.Sprintf(
		"You are a scout agent monitoring the web on behalf of a user.\n\n"+
			"Title: %s\nGoal: %s\n", sc.Title, sc.Goal)
	if sc.Description != "" {
		prompt += fmt.Sprintf("Description: %s\n", sc.Description)
	}
	prompt += "Configured queries (try these first, in order):\n"
	for _, q := range sc.Queries {
		prompt += fmt.Sprintf("- %s\n", q)
	}
	if sc.Location.HasBias() {
		prompt += fmt.Sprintf("Geographic focus: %s\n", sc.Location.City)
	}
	prompt += fmt.Sprintf("Runs on a %s schedule.\n", sc.Frequency)

	if len(recent) > 0 {
		prompt += "\nRecent findings from previous runs of this scout (do not repeat these unless something has materially changed):\n"
		limit := len(recent)
		if limit > 5 {
			limit = 5
		}
		for _, f := range recent[:limit] {
			prompt += fmt.Sprintf("- found %s: %s\n", dedup.RelativeDay(f.CompletedAt), f.SummaryText)
		}
	}

	prompt += "\nInstructions:\n" +
		"1. Use the configured queries first before trying variations.\n" +
		"2. Scrape two or three of the most promising search results to verify a finding before reporting it.\n" +
		"3. Do not repeat a search you have already run in this session.\n" +
		"4. Try to finish within about seven tool-using steps.\n" +
		"5. When you are done, respond with no tool call, only a JSON object of the form " +
		`{"taskCompleted": boolean, "taskStatus": "completed"|"partial"|"not_found"|"insufficient_data", "response": string}` +
		" and nothing else.\n"
	return prompt
}

func agentTools() []llm.Tool {
	return []llm.Tool{
		{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        "searchWeb",
				Description: "Search the web. Prefer the scout's configured queries before trying new ones.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"query": map[string]interface{}{"type": "string", "description": "the search query"},
						"limit": map[string]interface{}{"type": "integer", "description": "maximum results to return, capped at 10"},
						"tbs":   map[string]interface{}{"type": "string", "description": "optional time-based search filter, e.g. qdr:w for the past week"},
					},
					"required": []string{"query"},
				},
			},
		},
		{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        "scrapeWebsite",
				Description: "Fetch and return the content of one URL, to verify a search result.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"url": map[string]interface{}{"type": "string", "description": "the URL to scrape"},
					},
					"required": []string{"url"},
				},
			},
		},
	}
}

// dedupCitationsByURL collapses citations that resolve to the same canonical
// URL (scraped pages commonly differ only by tracking query parameters
// across separate search results within the same run) or to byte-identical
// scraped content reached through different URLs (syndicated wire copy).
// The first occurrence of either collision is kept.
func dedupCitationsByURL(citations []helpers.Citation) []helpers.Citation {
	seenURLs := make(map[string]struct{}, len(citations))
	seenContent := make(map[string]struct{}, len(citations))
	out := make([]helpers.Citation, 0, len(citations))
	for _, c := range citations {
		urlKey, err := helpers.CanonicalURL(c.URL)
		if err != nil {
			urlKey = c.URL
		}
		if _, ok := seenURLs[urlKey]; ok {
			continue
		}
		contentKey := helpers.ContentHash(c.Snippet)
		if c.Snippet != "" {
			if _, ok := seenContent[contentKey]; ok {
				continue
			}
		}
		seenURLs[urlKey] = struct{}{}
		seenContent[contentKey] = struct{}{}
		out = append(out, c)
	}
	return out
}
