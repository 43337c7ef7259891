// Package telemetry records task runs and token usage in a relational store.
package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// TaskRecord is one row of the tasks table: a single run of a work item.
type TaskRecord struct {
	UUID             string
	TaskSource       string // "github" or "gitlab"
	Owner            string
	Repo             string
	TaskType         string // "issue" or "change_request"
	TaskID           string
	Status           string
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ProcessID        int
	Hostname         string
	LLMProvider      string
	Model            string
	ContextLength    int
	LLMCallCount     int
	ToolCallCount    int
	TotalTokens      int64
	CompressionCount int
	ErrorMessage     string
	User             string
}

// UsageTotals aggregates a user's token consumption over rolling windows.
type UsageTotals struct {
	Today int64 `json:"today"`
	Week  int64 `json:"week"`
	Month int64 `json:"month"`
}

// DailyUsage is one bucket of a per-day usage series.
type DailyUsage struct {
	Date   string `json:"date"`
	Tokens int64  `json:"tokens"`
}

// UserSummary is one row of the top-consumers report.
type UserSummary struct {
	User   string `json:"user"`
	Tokens int64  `json:"tokens"`
}

// Store wraps the task-telemetry database.
type Store struct {
	db *sql.DB
}

// NewStore opens the database and applies migrations. Use ":memory:" for
// tests, a file path otherwise.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = "forgepilot.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			uuid TEXT PRIMARY KEY,
			task_source TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			repo TEXT NOT NULL DEFAULT '',
			task_type TEXT NOT NULL,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME,
			process_id INTEGER,
			hostname TEXT NOT NULL DEFAULT '',
			llm_provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			context_length INTEGER NOT NULL DEFAULT 0,
			llm_call_count INTEGER NOT NULL DEFAULT 0,
			tool_call_count INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			compression_count INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			user TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_completed_at ON tasks(completed_at)`,
		`CREATE TABLE IF NOT EXISTS user_configs (
			platform TEXT NOT NULL,
			username TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			encrypted_api_key TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			max_llm_process_num INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (platform, username)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

// timeLayout keeps timestamps in a form sqlite's date functions understand,
// independent of driver encoding.
const timeLayout = "2006-01-02 15:04:05"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Create inserts a queued task row.
func (s *Store) Create(ctx context.Context, rec TaskRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (uuid, task_source, owner, repo, task_type, task_id, status, created_at, user)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UUID, rec.TaskSource, rec.Owner, rec.Repo, rec.TaskType, rec.TaskID,
		"queued", formatTime(rec.CreatedAt), rec.User)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// MarkStarted records the worker identity and start time.
func (s *Store) MarkStarted(ctx context.Context, uuid, provider, model, hostname string, pid int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'processing', started_at = ?, llm_provider = ?, model = ?, hostname = ?, process_id = ?
		 WHERE uuid = ?`,
		formatTime(time.Now()), provider, model, hostname, pid, uuid)
	if err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	return nil
}

// MarkCompleted finalizes a run with its counters. Status should be "done" or
// "failed"; errMsg is empty on success.
func (s *Store) MarkCompleted(ctx context.Context, uuid, status, errMsg string, llmCalls, toolCalls, compressions int, totalTokens int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ?, error_message = ?,
		 llm_call_count = ?, tool_call_count = ?, compression_count = ?, total_tokens = ?
		 WHERE uuid = ?`,
		status, formatTime(time.Now()), errMsg, llmCalls, toolCalls, compressions, totalTokens, uuid)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// tokenSum guards against NULL and negative token counts, which report as 0.
const tokenSum = `COALESCE(SUM(CASE WHEN total_tokens > 0 THEN total_tokens ELSE 0 END), 0)`

// UserUsage returns today/week/month token totals for a user.
func (s *Store) UserUsage(ctx context.Context, user string) (UsageTotals, error) {
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	weekStart := dayStart.AddDate(0, 0, -int(now.Weekday()))
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var totals UsageTotals
	for _, window := range []struct {
		since time.Time
		out   *int64
	}{
		{dayStart, &totals.Today},
		{weekStart, &totals.Week},
		{monthStart, &totals.Month},
	} {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+tokenSum+` FROM tasks WHERE user = ? AND completed_at >= ?`,
			user, formatTime(window.since))
		if err := row.Scan(window.out); err != nil {
			return UsageTotals{}, fmt.Errorf("query usage: %w", err)
		}
	}
	return totals, nil
}

// UserDailyHistory returns a per-day token series for the trailing N days.
// Days is clamped to [1, 365]; the series is zero-filled so every bucket is
// present.
func (s *Store) UserDailyHistory(ctx context.Context, user string, days int) ([]DailyUsage, error) {
	if days < 1 {
		days = 1
	}
	if days > 365 {
		days = 365
	}

	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(days - 1))

	rows, err := s.db.QueryContext(ctx,
		`SELECT date(completed_at), `+tokenSum+`
		 FROM tasks
		 WHERE user = ? AND completed_at >= ?
		 GROUP BY date(completed_at)`,
		user, formatTime(start))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	byDate := make(map[string]int64)
	for rows.Next() {
		var date string
		var tokens int64
		if err := rows.Scan(&date, &tokens); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		byDate[date] = tokens
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	series := make([]DailyUsage, 0, days)
	for i := 0; i < days; i++ {
		date := start.AddDate(0, 0, i).Format("2006-01-02")
		series = append(series, DailyUsage{Date: date, Tokens: byDate[date]})
	}
	return series, nil
}

// TopUsers returns the heaviest consumers by current-month tokens.
func (s *Store) TopUsers(ctx context.Context, limit int) ([]UserSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	rows, err := s.db.QueryContext(ctx,
		`SELECT user, `+tokenSum+` AS tokens
		 FROM tasks
		 WHERE completed_at >= ? AND user != ''
		 GROUP BY user
		 ORDER BY tokens DESC
		 LIMIT ?`,
		formatTime(monthStart), limit)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	var summaries []UserSummary
	for rows.Next() {
		var s UserSummary
		if err := rows.Scan(&s.User, &s.Tokens); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// UserConfigRow is a per-user LLM override. The API key is stored encrypted;
// decryption happens in the resolver layer.
type UserConfigRow struct {
	Platform         string
	Username         string
	Model            string
	EncryptedAPIKey  string
	SystemPrompt     string
	MaxLLMProcessNum int
}

// UpsertUserConfig writes or replaces a per-user override row.
func (s *Store) UpsertUserConfig(ctx context.Context, row UserConfigRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_configs (platform, username, model, encrypted_api_key, system_prompt, max_llm_process_num)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(platform, username) DO UPDATE SET
		   model = excluded.model,
		   encrypted_api_key = excluded.encrypted_api_key,
		   system_prompt = excluded.system_prompt,
		   max_llm_process_num = excluded.max_llm_process_num`,
		row.Platform, row.Username, row.Model, row.EncryptedAPIKey, row.SystemPrompt, row.MaxLLMProcessNum)
	if err != nil {
		return fmt.Errorf("upsert user config: %w", err)
	}
	return nil
}

// GetUserConfig returns (row, false, nil) when no override exists.
func (s *Store) GetUserConfig(ctx context.Context, platform, username string) (UserConfigRow, bool, error) {
	row := UserConfigRow{Platform: platform, Username: username}
	err := s.db.QueryRowContext(ctx,
		`SELECT model, encrypted_api_key, system_prompt, max_llm_process_num
		 FROM user_configs WHERE platform = ? AND username = ?`,
		platform, username).
		Scan(&row.Model, &row.EncryptedAPIKey, &row.SystemPrompt, &row.MaxLLMProcessNum)
	if err == sql.ErrNoRows {
		return UserConfigRow{}, false, nil
	}
	if err != nil {
		return UserConfigRow{}, false, fmt.Errorf("query user config: %w", err)
	}
	return row, true, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
