package forge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortCommentsByCreationTime(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	comments := []Comment{
		{ID: "c", CreatedAt: t0.Add(2 * time.Hour)},
		{ID: "a", CreatedAt: t0},
		{ID: "b", CreatedAt: t0.Add(time.Hour)},
	}

	sortComments(comments)

	assert.Equal(t, "a", comments[0].ID)
	assert.Equal(t, "b", comments[1].ID)
	assert.Equal(t, "c", comments[2].ID)
}

func TestSortCommentsTieBreaksByID(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	comments := []Comment{
		{ID: "2", CreatedAt: t0},
		{ID: "10", CreatedAt: t0},
		{ID: "1", CreatedAt: t0},
	}

	sortComments(comments)

	// String IDs order lexically; determinism is the requirement.
	assert.Equal(t, []string{"1", "10", "2"}, []string{comments[0].ID, comments[1].ID, comments[2].ID})
}

func TestStripURLFields(t *testing.T) {
	raw := `{
		"url": "https://api.example.com/x",
		"html_url": "https://example.com/x",
		"title": "keep me",
		"user": {"login": "alice", "avatar_url": "https://example.com/a.png"},
		"comments": [
			{"body": "hi", "issue_url": "https://api.example.com/y"}
		]
	}`
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))

	got := StripURLFields(payload).(map[string]any)

	assert.NotContains(t, got, "url")
	assert.NotContains(t, got, "html_url")
	assert.Equal(t, "keep me", got["title"])

	user := got["user"].(map[string]any)
	assert.Equal(t, "alice", user["login"])
	assert.NotContains(t, user, "avatar_url")

	comment := got["comments"].([]any)[0].(map[string]any)
	assert.Equal(t, "hi", comment["body"])
	assert.NotContains(t, comment, "issue_url")
}

func TestStripURLFieldsKeepsNonURLKeys(t *testing.T) {
	payload := map[string]any{"curl": "tool", "burly": 1}
	got := StripURLFields(payload).(map[string]any)
	assert.Contains(t, got, "curl")
	assert.Contains(t, got, "burly")
}
