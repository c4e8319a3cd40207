package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/scoutforge/scoutd/config"
	"github.com/scoutforge/scoutd/internal/helpers"
	"github.com/scoutforge/scoutd/internal/scout"
	"github.com/scoutforge/scoutd/internal/store"
	"github.com/scoutforge/scoutd/provider/llm"
	"github.com/scoutforge/scoutd/provider/searchscrape"
)

type fakeStore struct {
	sc          scout.Scout
	claimed     *scout.Execution
	existing    *scout.Execution
	recent      []scout.RecentFinding
	steps       []store.StepFields
	finishCalls []scout.ExecutionStatus
	postRun     []bool
}

func (f *fakeStore) GetScout(ctx context.Context, scoutID string) (scout.Scout, error) { return f.sc, nil }
func (f *fakeStore) TryClaimRunning(ctx context.Context, scoutID string) (*scout.Execution, *scout.Execution, error) {
	return f.claimed, f.existing, nil
}
func (f *fakeStore) AppendStep(ctx context.Context, executionID string, number int, fi store.StepFields) error {
	f.steps = append(f.steps, fi)
	return nil
}
func (f *fakeStore) UpdateStep(ctx context.Context, executionID string, number int, fi store.StepFields) error {
	f.steps = append(f.steps, fi)
	return nil
}
func (f *fakeStore) ListRecentCompletedWithEmbedding(ctx context.Context, scoutID string, limit int) ([]scout.RecentFinding, error) {
	return f.recent, nil
}
func (f *fakeStore) FinishExecution(ctx context.Context, executionID string, status scout.ExecutionStatus, fi store.FinishFields) error {
	f.finishCalls = append(f.finishCalls, status)
	return nil
}
func (f *fakeStore) UpdateScoutPostRun(ctx context.Context, scoutID string, now time.Time, success bool) error {
	f.postRun = append(f.postRun, success)
	return nil
}

type fakeCredentials struct {
	key           string
	resolveErr    error
	unauthorized  int
	paymentReqd   int
}

func (f *fakeCredentials) Resolve(ctx context.Context, userID string) (string, error) {
	return f.key, f.resolveErr
}
func (f *fakeCredentials) HandleUnauthorized(ctx context.Context, userID, rawErr string) error {
	f.unauthorized++
	return nil
}
func (f *fakeCredentials) HandlePaymentRequired(ctx context.Context, userID, rawErr string) error {
	f.paymentReqd++
	return nil
}

type fakeLLM struct {
	replies []llm.ChatResult
	calls   int
	embedding []float32
}

func (f *fakeLLM) ChatComplete(ctx context.Context, messages []llm.Message, tools []llm.Tool, toolChoice string) (llm.ChatResult, error) {
	if f.calls >= len(f.replies) {
		return llm.ChatResult{}, errors.New("no more scripted replies")
	}
	r := f.replies[f.calls]
	f.calls++
	return r, nil
}
func (f *fakeLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.embedding, nil
}

type fakeSearch struct {
	searchResp searchscrape.SearchResponse
	scrapeResp searchscrape.ScrapeResponse
	searchErr  error
	scrapeErr  error
	blacklist  map[string]bool
}

func (f *fakeSearch) Search(ctx context.Context, apiKey, query string, limit int, tbs string, location scout.Location, maxAge time.Duration, opts scout.ScrapeOptions) (searchscrape.SearchResponse, error) {
	return f.searchResp, f.searchErr
}
func (f *fakeSearch) Scrape(ctx context.Context, apiKey, targetURL string, maxAge time.Duration, opts scout.ScrapeOptions) (searchscrape.ScrapeResponse, error) {
	return f.scrapeResp, f.scrapeErr
}
func (f *fakeSearch) IsBlacklisted(rawURL string) bool {
	return f.blacklist[rawURL]
}

func baseScout() scout.Scout {
	return scout.Scout{
		ID: "scout-1", UserID: "user-1", Title: "Widget launches", Goal: "track new widget launches",
		Queries: []string{"new widget launch"}, Frequency: scout.FrequencyDaily, IsActive: true,
	}
}

func toolCallMessage(id, name, args string) llm.Message {
	return llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: id, Type: "function", Function: llm.ToolCallFunc{Name: name, Arguments: args}}}}
}

func finalMessage(taskCompleted bool, status, response string) llm.Message {
	payload, _ := json.Marshal(map[string]interface{}{"taskCompleted": taskCompleted, "taskStatus": status, "response": response})
	return llm.Message{Role: "assistant", Content: string(payload)}
}

func TestRun_AlreadyRunningIsReportedNotAborted(t *testing.T) {
	st := &fakeStore{existing: &scout.Execution{ID: "running-1"}}
	e := New(config.AgentConfig{}.Normalize(), WithStore(st), WithCredentialResolver(&fakeCredentials{}))

	st.sc = baseScout()
	outcome, err := e.Run(context.Background(), "scout-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.AlreadyRunning || outcome.RunningExecutionID != "running-1" {
		t.Fatalf("expected already-running outcome, got %+v", outcome)
	}
}

func TestRun_InactiveScoutIsRejected(t *testing.T) {
	st := &fakeStore{sc: scout.Scout{ID: "scout-1", IsActive: false}}
	e := New(config.AgentConfig{}.Normalize(), WithStore(st))

	if _, err := e.Run(context.Background(), "scout-1"); !errors.Is(err, ErrNotDispatchable) {
		t.Fatalf("expected ErrNotDispatchable, got %v", err)
	}
}

func TestRun_NoCredentialFailsExecutionWithoutDispatch(t *testing.T) {
	st := &fakeStore{sc: baseScout(), claimed: &scout.Execution{ID: "exec-1"}}
	creds := &fakeCredentials{resolveErr: errors.New("no key")}
	e := New(config.AgentConfig{}.Normalize(), WithStore(st), WithCredentialResolver(creds))

	outcome, err := e.Run(context.Background(), "scout-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Execution.Status != scout.ExecutionFailed {
		t.Fatalf("expected failed execution, got %v", outcome.Execution.Status)
	}
	if len(st.postRun) != 1 || st.postRun[0] {
		t.Fatalf("expected a single failed post-run update, got %v", st.postRun)
	}
}

func TestRunAgentLoop_CompletesAfterSearchAndScrape(t *testing.T) {
	st := &fakeStore{}
	search := &fakeSearch{
		searchResp: searchscrape.SearchResponse{Results: []searchscrape.SearchResult{{Title: "Launch", URL: "https://example.com/a"}}},
		scrapeResp: searchscrape.ScrapeResponse{URL: "https://example.com/a", Title: "Launch", Content: "details"},
	}
	llmClient := &fakeLLM{replies: []llm.ChatResult{
		{Message: toolCallMessage("c1", "searchWeb", `{"query":"new widget launch"}`)},
		{Message: toolCallMessage("c2", "scrapeWebsite", `{"url":"https://example.com/a"}`)},
		{Message: finalMessage(true, TaskStatusCompleted, "Found a new widget launch.")},
	}}
	e := New(config.AgentConfig{}.Normalize(), WithStore(st), WithSearchScrape(search), WithLLM(llmClient))

	sc := baseScout()
	result, citations, err := e.runAgentLoop(context.Background(), "exec-1", sc, "key", nil)
	if err != nil {
		t.Fatalf("runAgentLoop: %v", err)
	}
	if !result.TaskCompleted || result.TaskStatus != TaskStatusCompleted {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(citations) != 1 || citations[0].URL != "https://example.com/a" {
		t.Fatalf("expected one citation from the scrape, got %+v", citations)
	}
	if len(st.steps) != 4 { // append+update for each of 2 tool calls
		t.Fatalf("expected 4 step records, got %d", len(st.steps))
	}
}

func TestRunAgentLoop_BlacklistedScrapeDoesNotCountAsError(t *testing.T) {
	st := &fakeStore{}
	search := &fakeSearch{blacklist: map[string]bool{"https://youtube.com/x": true}}
	llmClient := &fakeLLM{replies: []llm.ChatResult{
		{Message: toolCallMessage("c1", "scrapeWebsite", `{"url":"https://youtube.com/x"}`)},
		{Message: toolCallMessage("c2", "scrapeWebsite", `{"url":"https://youtube.com/x"}`)},
		{Message: toolCallMessage("c3", "scrapeWebsite", `{"url":"https://youtube.com/x"}`)},
		{Message: finalMessage(false, TaskStatusNotFound, "nothing found")},
	}}
	e := New(config.AgentConfig{}.Normalize(), WithStore(st), WithSearchScrape(search), WithLLM(llmClient))

	result, _, err := e.runAgentLoop(context.Background(), "exec-1", baseScout(), "key", nil)
	if err != nil {
		t.Fatalf("runAgentLoop: %v", err)
	}
	// Three consecutive blacklisted scrapes never trip the 3-error abort
	// because blacklisted scrapes don't count against the budget.
	if result.TaskStatus != TaskStatusNotFound {
		t.Fatalf("expected the loop to reach the model's final answer, got %+v", result)
	}
}

func TestRunAgentLoop_AbortsOnPaymentRequired(t *testing.T) {
	st := &fakeStore{}
	search := &fakeSearch{searchErr: &searchscrape.CredentialError{Code: "402", Body: "insufficient funds"}}
	creds := &fakeCredentials{}
	llmClient := &fakeLLM{replies: []llm.ChatResult{
		{Message: toolCallMessage("c1", "searchWeb", `{"query":"new widget launch"}`)},
	}}
	e := New(config.AgentConfig{}.Normalize(), WithStore(st), WithSearchScrape(search), WithLLM(llmClient), WithCredentialResolver(creds))

	_, _, err := e.runAgentLoop(context.Background(), "exec-1", baseScout(), "key", nil)
	if !errors.Is(err, errPaymentRequired) {
		t.Fatalf("expected payment-required abort, got %v", err)
	}
	if creds.paymentReqd != 1 {
		t.Fatalf("expected HandlePaymentRequired to be called once, got %d", creds.paymentReqd)
	}
}

func TestRunAgentLoop_AbortsOnConsecutiveToolErrors(t *testing.T) {
	st := &fakeStore{}
	search := &fakeSearch{scrapeErr: errors.New("boom")}
	llmClient := &fakeLLM{replies: []llm.ChatResult{
		{Message: toolCallMessage("c1", "scrapeWebsite", `{"url":"https://example.com/a"}`)},
		{Message: toolCallMessage("c2", "scrapeWebsite", `{"url":"https://example.com/b"}`)},
		{Message: toolCallMessage("c3", "scrapeWebsite", `{"url":"https://example.com/c"}`)},
	}}
	e := New(config.AgentConfig{}.Normalize(), WithStore(st), WithSearchScrape(search), WithLLM(llmClient))

	_, _, err := e.runAgentLoop(context.Background(), "exec-1", baseScout(), "key", nil)
	if !errors.Is(err, errConsecutiveToolFailures) {
		t.Fatalf("expected consecutive-tool-failure abort, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected the last tool error in the abort message, got %v", err)
	}
}

func TestRun_ConsecutiveToolErrorsFailRunAndIncrementCounter(t *testing.T) {
	st := &fakeStore{sc: baseScout(), claimed: &scout.Execution{ID: "exec-1"}}
	search := &fakeSearch{scrapeErr: errors.New("boom")}
	llmClient := &fakeLLM{replies: []llm.ChatResult{
		{Message: toolCallMessage("c1", "scrapeWebsite", `{"url":"https://example.com/a"}`)},
		{Message: toolCallMessage("c2", "scrapeWebsite", `{"url":"https://example.com/b"}`)},
		{Message: toolCallMessage("c3", "scrapeWebsite", `{"url":"https://example.com/c"}`)},
	}}
	e := New(config.AgentConfig{}.Normalize(), WithStore(st), WithSearchScrape(search), WithLLM(llmClient), WithCredentialResolver(&fakeCredentials{}))

	outcome, err := e.Run(context.Background(), "scout-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Execution.Status != scout.ExecutionFailed {
		t.Fatalf("expected failed execution, got %v", outcome.Execution.Status)
	}
	if len(st.postRun) != 1 || st.postRun[0] {
		t.Fatalf("expected a single failed post-run update, got %v", st.postRun)
	}
}

func TestTruncateSummary_EnforcesLengthBound(t *testing.T) {
	short := "a short finding"
	if got := truncateSummary(short); got != short {
		t.Fatalf("expected short summary unchanged, got %q", got)
	}

	long := strings.Repeat("x", 200)
	got := truncateSummary(long)
	if len([]rune(got)) != maxSummaryTextLength {
		t.Fatalf("expected truncation to %d runes, got %d", maxSummaryTextLength, len([]rune(got)))
	}
}

func TestRunAgentLoop_BoundedByMaxLoops(t *testing.T) {
	st := &fakeStore{}
	llmClient := &fakeLLM{}
	// Always return a tool call, never a final answer; the loop must still
	// terminate once maxLoops is reached.
	for i := 0; i < 10; i++ {
		llmClient.replies = append(llmClient.replies, llm.ChatResult{Message: toolCallMessage("c", "searchWeb", `{"query":"x"}`)})
	}
	search := &fakeSearch{searchResp: searchscrape.SearchResponse{}}
	cfg := config.AgentConfig{MaxLoops: 2}.Normalize()
	e := New(cfg, WithStore(st), WithSearchScrape(search), WithLLM(llmClient))

	result, _, err := e.runAgentLoop(context.Background(), "exec-1", baseScout(), "key", nil)
	if err != nil {
		t.Fatalf("runAgentLoop: %v", err)
	}
	if result.TaskStatus != TaskStatusPartial {
		t.Fatalf("expected a bounded partial result, got %+v", result)
	}
}

func TestParseAgentResult_FallsBackOnUnparsableContent(t *testing.T) {
	result := parseAgentResult("I couldn't figure this out.")
	if result.TaskCompleted || result.TaskStatus != TaskStatusInsufficientData {
		t.Fatalf("unexpected fallback result: %+v", result)
	}
}

func TestBuildSystemPrompt_IncludesRecentFindings(t *testing.T) {
	sc := baseScout()
	recent := []scout.RecentFinding{{SummaryText: "widget X launched", CompletedAt: time.Now().Add(-25 * time.Hour)}}
	prompt := buildSystemPrompt(sc, recent)
	if !strings.Contains(prompt, "widget X launched") {
		t.Fatalf("expected recent finding in prompt: %s", prompt)
	}
	if !strings.Contains(prompt, sc.Queries[0]) {
		t.Fatalf("expected configured query in prompt: %s", prompt)
	}
}

func TestDedupCitationsByURL_CollapsesTrackingParamsAndIdenticalContent(t *testing.T) {
	citations := []helpers.Citation{
		{SourceID: "s1", URL: "https://example.com/article?utm_source=rss", Snippet: "breaking news content"},
		{SourceID: "s2", URL: "https://example.com/article", Snippet: "breaking news content"},
		{SourceID: "s3", URL: "https://wire.example.net/syndicated", Snippet: "breaking news content"},
		{SourceID: "s4", URL: "https://example.com/other", Snippet: "unrelated content"},
	}

	deduped := dedupCitationsByURL(citations)

	if len(deduped) != 2 {
		t.Fatalf("expected 2 citations after dedup, got %d: %+v", len(deduped), deduped)
	}
	if deduped[0].SourceID != "s1" || deduped[1].SourceID != "s4" {
		t.Fatalf("unexpected survivors: %+v", deduped)
	}
}
