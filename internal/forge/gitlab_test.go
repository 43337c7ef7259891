package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgepilot/forgepilot/internal/task"
)

func TestGitLabListBranchesFollowsPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v4/projects/7/repository/branches", r.URL.Path)
		require.Equal(t, "100", r.URL.Query().Get("per_page"))

		var batch []map[string]string
		switch r.URL.Query().Get("page") {
		case "1":
			for i := 0; i < 100; i++ {
				batch = append(batch, map[string]string{"name": fmt.Sprintf("branch-%03d", i)})
			}
			w.Header().Set("X-Next-Page", "2")
		case "2":
			for i := 100; i < 150; i++ {
				batch = append(batch, map[string]string{"name": fmt.Sprintf("branch-%03d", i)})
			}
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
		json.NewEncoder(w).Encode(batch)
	}))
	defer srv.Close()

	g := NewGitLab(srv.URL, "glpat-x")
	names, err := g.ListBranches(context.Background(), RepoRef{ProjectID: 7})
	require.NoError(t, err)
	assert.Len(t, names, 150)
	assert.Equal(t, "branch-000", names[0])
	assert.Equal(t, "branch-149", names[149])
}

func TestGitLabListItemsWithLabelFollowsPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "100", r.URL.Query().Get("per_page"))
		require.Equal(t, "coding agent", r.URL.Query().Get("labels"))
		require.Equal(t, "opened", r.URL.Query().Get("state"))

		var batch []map[string]any
		switch r.URL.Path {
		case "/api/v4/issues":
			switch r.URL.Query().Get("page") {
			case "1":
				for i := 1; i <= 100; i++ {
					batch = append(batch, map[string]any{"iid": i, "project_id": 314})
				}
				w.Header().Set("X-Next-Page", "2")
			case "2":
				for i := 101; i <= 125; i++ {
					batch = append(batch, map[string]any{"iid": i, "project_id": 314})
				}
			}
		case "/api/v4/merge_requests":
			if r.URL.Query().Get("page") == "1" {
				batch = append(batch, map[string]any{"iid": 3, "project_id": 314})
			}
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(batch)
	}))
	defer srv.Close()

	g := NewGitLab(srv.URL, "glpat-x")
	items, err := g.ListItemsWithLabel(context.Background(), "coding agent", "open")
	require.NoError(t, err)
	require.Len(t, items, 126)
	assert.Equal(t, task.KindIssue, items[0].Key.Kind)
	assert.Equal(t, 125, items[124].Key.IID)
	assert.Equal(t, task.KindChangeRequest, items[125].Key.Kind)
}

func TestGitLabGetCommentsFollowsPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v4/projects/314/issues/9/notes", r.URL.Path)
		require.Equal(t, "100", r.URL.Query().Get("per_page"))

		var batch []map[string]any
		switch r.URL.Query().Get("page") {
		case "1":
			for i := 1; i <= 100; i++ {
				batch = append(batch, map[string]any{
					"id":         i,
					"body":       fmt.Sprintf("note %d", i),
					"created_at": fmt.Sprintf("2026-08-01T00:%02d:00Z", i%60),
					"author":     map[string]string{"username": "alice"},
				})
			}
			w.Header().Set("X-Next-Page", "2")
		case "2":
			batch = append(batch, map[string]any{
				"id":         101,
				"body":       "a label was added",
				"system":     true,
				"created_at": "2026-08-02T00:00:00Z",
				"author":     map[string]string{"username": "alice"},
			})
			batch = append(batch, map[string]any{
				"id":         102,
				"body":       "note 102",
				"created_at": "2026-08-02T00:01:00Z",
				"author":     map[string]string{"username": "bob"},
			})
		}
		json.NewEncoder(w).Encode(batch)
	}))
	defer srv.Close()

	g := NewGitLab(srv.URL, "glpat-x")
	comments, err := g.GetComments(context.Background(), task.GitLabIssue(314, 9))
	require.NoError(t, err)
	// 101 human notes across both pages; the system note is skipped.
	require.Len(t, comments, 101)
	assert.Equal(t, "102", comments[100].ID)
	assert.Equal(t, "bob", comments[100].Author)
}
