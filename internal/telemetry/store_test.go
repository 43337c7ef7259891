package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func completedTask(t *testing.T, s *Store, uuid, user string, tokens int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, TaskRecord{
		UUID:       uuid,
		TaskSource: "github",
		Owner:      "octo",
		Repo:       "repo",
		TaskType:   "issue",
		TaskID:     "42",
		User:       user,
	}))
	require.NoError(t, s.MarkStarted(ctx, uuid, "anthropic", "claude-sonnet-4-20250514", "host1", 123))
	require.NoError(t, s.MarkCompleted(ctx, uuid, "done", "", 3, 2, 0, tokens))
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	completedTask(t, s, "uuid-1", "alice", 1500)

	var status, errMsg, hostname string
	var tokens int64
	err := s.db.QueryRow(
		`SELECT status, error_message, hostname, total_tokens FROM tasks WHERE uuid = ?`,
		"uuid-1").Scan(&status, &errMsg, &hostname, &tokens)
	require.NoError(t, err)

	assert.Equal(t, "done", status)
	assert.Empty(t, errMsg)
	assert.Equal(t, "host1", hostname)
	assert.Equal(t, int64(1500), tokens)
}

func TestMarkCompletedFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, TaskRecord{
		UUID: "uuid-f", TaskSource: "gitlab", TaskType: "issue", TaskID: "9", User: "bob",
	}))
	require.NoError(t, s.MarkCompleted(ctx, "uuid-f", "failed", "llm transport: down", 5, 0, 0, 0))

	var status, errMsg string
	err := s.db.QueryRow(`SELECT status, error_message FROM tasks WHERE uuid = ?`, "uuid-f").
		Scan(&status, &errMsg)
	require.NoError(t, err)
	assert.Equal(t, "failed", status)
	assert.Contains(t, errMsg, "down")
}

func TestUserUsageWindows(t *testing.T) {
	s := newTestStore(t)
	completedTask(t, s, "u1", "alice", 1000)
	completedTask(t, s, "u2", "alice", 250)
	completedTask(t, s, "u3", "bob", 9999)

	got, err := s.UserUsage(context.Background(), "alice")
	require.NoError(t, err)

	// Both runs completed just now, so every window includes them.
	assert.Equal(t, int64(1250), got.Today)
	assert.Equal(t, int64(1250), got.Week)
	assert.Equal(t, int64(1250), got.Month)
}

func TestUserUsageIgnoresNegativeTokens(t *testing.T) {
	s := newTestStore(t)
	completedTask(t, s, "u1", "alice", 500)
	completedTask(t, s, "u2", "alice", -300)

	got, err := s.UserUsage(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.Today)
}

func TestUserUsageUnknownUser(t *testing.T) {
	s := newTestStore(t)
	got, err := s.UserUsage(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, UsageTotals{}, got)
}

func TestUserDailyHistoryZeroFilled(t *testing.T) {
	s := newTestStore(t)
	completedTask(t, s, "u1", "alice", 800)

	series, err := s.UserDailyHistory(context.Background(), "alice", 7)
	require.NoError(t, err)
	require.Len(t, series, 7)

	// Buckets are consecutive calendar days ending today.
	today := time.Now().UTC().Format("2006-01-02")
	assert.Equal(t, today, series[6].Date)
	assert.Equal(t, int64(800), series[6].Tokens)
	for _, bucket := range series[:6] {
		assert.Zero(t, bucket.Tokens)
	}
}

func TestUserDailyHistoryClampsDays(t *testing.T) {
	s := newTestStore(t)

	series, err := s.UserDailyHistory(context.Background(), "alice", 0)
	require.NoError(t, err)
	assert.Len(t, series, 1)

	series, err = s.UserDailyHistory(context.Background(), "alice", 9999)
	require.NoError(t, err)
	assert.Len(t, series, 365)
}

func TestTopUsers(t *testing.T) {
	s := newTestStore(t)
	completedTask(t, s, "u1", "alice", 100)
	completedTask(t, s, "u2", "bob", 5000)
	completedTask(t, s, "u3", "bob", 1)

	got, err := s.TopUsers(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, UserSummary{User: "bob", Tokens: 5001}, got[0])
	assert.Equal(t, UserSummary{User: "alice", Tokens: 100}, got[1])

	got, err = s.TopUsers(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].User)
}

func TestUserConfigUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.GetUserConfig(ctx, "github", "alice")
	require.NoError(t, err)
	assert.False(t, found)

	row := UserConfigRow{
		Platform:         "github",
		Username:         "alice",
		Model:            "claude-sonnet-4-20250514",
		EncryptedAPIKey:  "blob1",
		SystemPrompt:     "be brief",
		MaxLLMProcessNum: 3,
	}
	require.NoError(t, s.UpsertUserConfig(ctx, row))

	got, found, err := s.GetUserConfig(ctx, "github", "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, row, got)

	// Second upsert replaces in place.
	row.Model = "claude-opus-4-20250514"
	row.EncryptedAPIKey = "blob2"
	require.NoError(t, s.UpsertUserConfig(ctx, row))

	got, found, err = s.GetUserConfig(ctx, "github", "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "claude-opus-4-20250514", got.Model)
	assert.Equal(t, "blob2", got.EncryptedAPIKey)

	// Scoped by platform.
	_, found, err = s.GetUserConfig(ctx, "gitlab", "alice")
	require.NoError(t, err)
	assert.False(t, found)
}
