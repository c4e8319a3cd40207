// Package store is the execution store: the sole shared-resource boundary
// between dispatcher, executor, credential resolver, and deduplication.
// Every mutation is single-row and transactional; the only cross-request
// invariant ("at most one running execution per scout") is enforced by a
// database-level partial unique index rather than an in-process lock.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/scoutforge/scoutd/internal/scout"
)

// Store wraps a Postgres connection pool.
type Store struct {
	DB *sql.DB
}

// New opens a Postgres connection pool and verifies connectivity. Schema is
// owned by the golang-migrate migrations under migrations/, never bootstrapped
// inline here.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// ErrAlreadyRunning is returned by TryClaimRunning when a running execution
// already exists for the scout.
var ErrAlreadyRunning = errors.New("store: scout already has a running execution")

// TryClaimRunning atomically inserts a new execution row in status "running"
// for scoutID, unless one already exists — equivalent to
// "insert only if no running row exists for this scout".
// It relies on the partial unique index defined in migrations
// (scout_executions (scout_id) WHERE status = 'running'): the INSERT either
// succeeds and returns the new row, or conflicts and the caller is handed
// back the existing running execution.
func (s *Store) TryClaimRunning(ctx context.Context, scoutID string) (claimed *scout.Execution, existing *scout.Execution, err error) {
	id := uuid.NewString()
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO scout_executions (id, scout_id, status, created_at)
VALUES ($1, $2, 'running', NOW())
ON CONFLICT (scout_id) WHERE status = 'running' DO NOTHING
RETURNING id, scout_id, status, created_at
`, id, scoutID)

	var exec scout.Execution
	var statusStr string
	scanErr := row.Scan(&exec.ID, &exec.ScoutID, &statusStr, &exec.CreatedAt)
	if scanErr == nil {
		exec.Status = scout.ExecutionStatus(statusStr)
		return &exec, nil, nil
	}
	if !errors.Is(scanErr, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("claim running: %w", scanErr)
	}

	existingExec, err := s.getRunningExecution(ctx, scoutID)
	if err != nil {
		return nil, nil, err
	}
	return nil, existingExec, nil
}

func (s *Store) getRunningExecution(ctx context.Context, scoutID string) (*scout.Execution, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, scout_id, status, created_at
FROM scout_executions
WHERE scout_id = $1 AND status = 'running'
LIMIT 1
`, scoutID)
	var exec scout.Execution
	var statusStr string
	if err := row.Scan(&exec.ID, &exec.ScoutID, &statusStr, &exec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("claim running: %w", ErrAlreadyRunning)
		}
		return nil, fmt.Errorf("load running execution: %w", err)
	}
	exec.Status = scout.ExecutionStatus(statusStr)
	return &exec, nil
}

// FinishFields carries the terminal fields of an execution passed to
// FinishExecution.
type FinishFields struct {
	CompletedAt      time.Time
	ResultsSummary   map[string]interface{}
	SummaryText      *string
	SummaryEmbedding []float32
	ErrorMessage     *string
}

// FinishExecution transitions execution to status (completed or failed) and
// writes its terminal fields. Executions are immutable once finished.
func (s *Store) FinishExecution(ctx context.Context, executionID string, status scout.ExecutionStatus, f FinishFields) error {
	summaryJSON, err := json.Marshal(f.ResultsSummary)
	if err != nil {
		return fmt.Errorf("marshal results_summary: %w", err)
	}

	var embeddingLiteral *string
	if len(f.SummaryEmbedding) > 0 {
		if len(f.SummaryEmbedding) != scout.EmbeddingDimensions {
			return fmt.Errorf("summary embedding has %d dims, want %d", len(f.SummaryEmbedding), scout.EmbeddingDimensions)
		}
		lit, err := encodeVectorLiteral(f.SummaryEmbedding)
		if err != nil {
			return fmt.Errorf("encode embedding: %w", err)
		}
		embeddingLiteral = &lit
	}

	_, err = s.DB.ExecContext(ctx, `
UPDATE scout_executions
SET status = $2,
    completed_at = $3,
    results_summary = $4,
    summary_text = $5,
    summary_embedding = CASE WHEN $6::text IS NULL THEN NULL ELSE $6::vector END,
    error_message = $7
WHERE id = $1
`, executionID, string(status), f.CompletedAt, summaryJSON, f.SummaryText, embeddingLiteral, f.ErrorMessage)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	return nil
}

// StepFields is the mutable payload of a Step, used for both appendStep and
// updateStep.
type StepFields struct {
	Type         scout.StepType
	Description  string
	InputData    map[string]interface{}
	OutputData   map[string]interface{}
	ErrorMessage *string
	Status       scout.StepStatus
}

// AppendStep inserts a new step row in the given execution, numbered by the
// caller's monotone counter. Step numbers must be contiguous starting at 1.
func (s *Store) AppendStep(ctx context.Context, executionID string, number int, f StepFields) error {
	inputJSON, err := json.Marshal(f.InputData)
	if err != nil {
		return fmt.Errorf("marshal step input: %w", err)
	}
	outputJSON, err := json.Marshal(f.OutputData)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO scout_execution_steps
  (execution_id, step_number, step_type, description, input_data, output_data, error_message, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
`, executionID, number, string(f.Type), f.Description, inputJSON, outputJSON, f.ErrorMessage, string(f.Status))
	if err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	return nil
}

// UpdateStep finalizes an existing step row with its output and terminal
// status.
func (s *Store) UpdateStep(ctx context.Context, executionID string, number int, f StepFields) error {
	outputJSON, err := json.Marshal(f.OutputData)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
UPDATE scout_execution_steps
SET output_data = $3, error_message = $4, status = $5
WHERE execution_id = $1 AND step_number = $2
`, executionID, number, outputJSON, f.ErrorMessage, string(f.Status))
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	return nil
}

// ListRecentCompletedWithEmbedding returns the last `limit` (capped at 20)
// successful executions of scoutID with a present, correctly-dimensioned
// embedding, ordered by completed_at descending.
func (s *Store) ListRecentCompletedWithEmbedding(ctx context.Context, scoutID string, limit int) ([]scout.RecentFinding, error) {
	if limit <= 0 || limit > 20 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, summary_text, summary_embedding::text, completed_at
FROM scout_executions
WHERE scout_id = $1
  AND status = 'completed'
  AND summary_embedding IS NOT NULL
  AND array_length(summary_embedding::real[], 1) = $3
ORDER BY completed_at DESC
LIMIT $2
`, scoutID, limit, scout.EmbeddingDimensions)
	if err != nil {
		return nil, fmt.Errorf("list recent findings: %w", err)
	}
	defer rows.Close()

	var out []scout.RecentFinding
	for rows.Next() {
		var f scout.RecentFinding
		var summaryText sql.NullString
		var embeddingLit string
		if err := rows.Scan(&f.ExecutionID, &summaryText, &embeddingLit, &f.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan recent finding: %w", err)
		}
		vec, err := decodeVectorLiteral(embeddingLit)
		if err != nil {
			continue // malformed vectors are skipped, not treated as zero-similarity
		}
		if len(vec) != scout.EmbeddingDimensions {
			continue
		}
		f.SummaryText = summaryText.String
		f.Embedding = vec
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateScoutPostRun records the outcome of a run against the scout's
// counters: on success it resets consecutive_failures; on failure it
// increments them and deactivates the scout once the threshold is reached.
func (s *Store) UpdateScoutPostRun(ctx context.Context, scoutID string, now time.Time, success bool) error {
	if success {
		_, err := s.DB.ExecContext(ctx, `
UPDATE scouts SET last_run_at = $2, consecutive_failures = 0 WHERE id = $1
`, scoutID, now)
		return err
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE scouts
SET last_run_at = $2,
    consecutive_failures = consecutive_failures + 1,
    is_active = CASE WHEN consecutive_failures + 1 >= $3 THEN false ELSE is_active END
WHERE id = $1
`, scoutID, now, scout.MaxConsecutiveFailures)
	return err
}

// DisableAllUserScouts deactivates every scout owned by userID, invoked on
// a 402 billing failure.
func (s *Store) DisableAllUserScouts(ctx context.Context, userID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE scouts SET is_active = false WHERE user_id = $1`, userID)
	return err
}

// ListDueScouts returns every active, complete scout whose period has
// elapsed as of now, capped at batchCap rows. The due-or-not decision
// still goes through scout.Scout.Due for the pieces that are awkward to
// express purely in SQL (the frequency->period map); the SQL filter here
// is therefore a conservative pre-filter on is_active only, and
// configuration completeness is checked by Due as well.
func (s *Store) ListDueScouts(ctx context.Context, now time.Time, batchCap int) ([]scout.Scout, error) {
	if batchCap <= 0 {
		batchCap = 500
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, title, goal, description, queries, location_city, location_lat, location_lon,
       frequency, scrape_cookies, scrape_headers, scrape_wait_for, scrape_timeout_ms,
       is_active, last_run_at, consecutive_failures
FROM scouts
WHERE is_active = true
ORDER BY last_run_at ASC NULLS FIRST
LIMIT $1
`, batchCap)
	if err != nil {
		return nil, fmt.Errorf("list due scouts: %w", err)
	}
	defer rows.Close()

	var due []scout.Scout
	for rows.Next() {
		sc, err := scanScout(rows)
		if err != nil {
			return nil, err
		}
		if sc.Due(now) {
			due = append(due, sc)
		}
	}
	return due, rows.Err()
}

// GetScout loads a single scout by id.
func (s *Store) GetScout(ctx context.Context, scoutID string) (scout.Scout, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, title, goal, description, queries, location_city, location_lat, location_lon,
       frequency, scrape_cookies, scrape_headers, scrape_wait_for, scrape_timeout_ms,
       is_active, last_run_at, consecutive_failures
FROM scouts WHERE id = $1
`, scoutID)
	sc, err := scanScout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return scout.Scout{}, scout.ErrNotFound
	}
	return sc, err
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanScout(row scannable) (scout.Scout, error) {
	var sc scout.Scout
	var queriesJSON, headersJSON []byte
	var description, cookies, waitFor sql.NullString
	var timeoutMS sql.NullInt64
	var lastRunAt sql.NullTime

	if err := row.Scan(
		&sc.ID, &sc.UserID, &sc.Title, &sc.Goal, &description, &queriesJSON,
		&sc.Location.City, &sc.Location.Lat, &sc.Location.Lon,
		&sc.Frequency, &cookies, &headersJSON, &waitFor, &timeoutMS,
		&sc.IsActive, &lastRunAt, &sc.ConsecutiveFailures,
	); err != nil {
		return scout.Scout{}, fmt.Errorf("scan scout: %w", err)
	}

	sc.Description = description.String
	if len(queriesJSON) > 0 {
		if err := json.Unmarshal(queriesJSON, &sc.Queries); err != nil {
			return scout.Scout{}, fmt.Errorf("unmarshal queries: %w", err)
		}
	}
	sc.ScrapeOptions.Cookies = cookies.String
	sc.ScrapeOptions.WaitFor = waitFor.String
	if timeoutMS.Valid {
		sc.ScrapeOptions.Timeout = int(timeoutMS.Int64)
	}
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &sc.ScrapeOptions.Headers); err != nil {
			return scout.Scout{}, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		sc.LastRunAt = &t
	}
	return sc, nil
}

// ReapStaleRunning transitions running executions older than olderThan to
// failed with reason "stale", then applies the same failure bookkeeping to
// each affected scout that a normal failed run would (UpdateScoutPostRun):
// consecutive_failures increments and the scout is deactivated once it
// crosses the threshold. This is the reap-time choice for where a stale
// run's failure counts against the scout, rather than waiting for its next
// scheduled dispatch to discover the prior row was never completed. It
// returns the scout ids whose running row was reaped, for logging/metrics.
func (s *Store) ReapStaleRunning(ctx context.Context, now time.Time, olderThan time.Duration) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
UPDATE scout_executions
SET status = 'failed', completed_at = $1, error_message = 'stale'
WHERE status = 'running' AND created_at < $2
RETURNING scout_id
`, now, now.Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("reap stale running: %w", err)
	}

	var scoutIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		scoutIDs = append(scoutIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range scoutIDs {
		if err := s.UpdateScoutPostRun(ctx, id, now, false); err != nil {
			return scoutIDs, fmt.Errorf("reap stale running: update scout %s: %w", id, err)
		}
	}
	return scoutIDs, nil
}

// GetCredential loads a user's search/scrape credential record.
func (s *Store) GetCredential(ctx context.Context, userID string) (scout.CredentialRecord, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT user_id, encrypted_key, status, last_invalid_reason, updated_at
FROM user_preferences WHERE user_id = $1
`, userID)
	var rec scout.CredentialRecord
	var status string
	var reason sql.NullString
	if err := row.Scan(&rec.UserID, &rec.EncryptedKey, &status, &reason, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return scout.CredentialRecord{}, scout.ErrNotFound
		}
		return scout.CredentialRecord{}, fmt.Errorf("get credential: %w", err)
	}
	rec.Status = scout.CredentialStatus(status)
	rec.LastInvalidReason = reason.String
	return rec, nil
}

// SaveCredential upserts a user's credential record.
func (s *Store) SaveCredential(ctx context.Context, rec scout.CredentialRecord) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO user_preferences (user_id, encrypted_key, status, last_invalid_reason, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (user_id) DO UPDATE SET
  encrypted_key = EXCLUDED.encrypted_key,
  status = EXCLUDED.status,
  last_invalid_reason = EXCLUDED.last_invalid_reason,
  updated_at = NOW()
`, rec.UserID, rec.EncryptedKey, string(rec.Status), rec.LastInvalidReason)
	return err
}

// MarkCredentialInvalid flips a user's credential to invalid with the raw
// provider error from a 401 or 402 response.
func (s *Store) MarkCredentialInvalid(ctx context.Context, userID string, reason string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE user_preferences SET status = 'invalid', last_invalid_reason = $2, updated_at = NOW()
WHERE user_id = $1
`, userID, reason)
	return err
}

// GetUserEmail returns the notification address on file for userID. It
// returns scout.ErrNotFound if the user has no row, or an empty string if
// the row exists but no email was ever recorded (the configuration UI
// writes it alongside the search/scrape key).
func (s *Store) GetUserEmail(ctx context.Context, userID string) (string, error) {
	var email sql.NullString
	err := s.DB.QueryRowContext(ctx, `
SELECT email FROM user_preferences WHERE user_id = $1
`, userID).Scan(&email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", scout.ErrNotFound
		}
		return "", fmt.Errorf("get user email: %w", err)
	}
	return email.String, nil
}

// SetUserEmail upserts the notification address for userID.
func (s *Store) SetUserEmail(ctx context.Context, userID, email string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO user_preferences (user_id, email, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (user_id) DO UPDATE SET email = EXCLUDED.email, updated_at = NOW()
`, userID, email)
	return err
}
