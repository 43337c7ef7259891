package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/forgepilot/forgepilot/internal/task"
)

// GitLab implements the Forge capability set against the GitLab v4 REST API,
// for gitlab.com or a self-hosted instance.
type GitLab struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewGitLab builds a GitLab adapter. baseURL defaults to https://gitlab.com
// when empty and accepts values with or without the /api/v4 suffix; token is
// a personal or project access token with api scope.
func NewGitLab(baseURL, token string) *GitLab {
	if baseURL == "" {
		baseURL = "https://gitlab.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/api/v4")
	return &GitLab{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: DefaultRequestTimeout},
	}
}

func (g *GitLab) Name() string { return "gitlab" }

type gitlabIssue struct {
	IID       int      `json:"iid"`
	ProjectID int      `json:"project_id"`
	Title     string   `json:"title"`
	Desc      string   `json:"description"`
	Labels    []string `json:"labels"`
	State     string   `json:"state"`
	CreatedAt string   `json:"created_at"`
	Author    struct {
		Username string `json:"username"`
	} `json:"author"`
	WebURL string `json:"web_url"`
}

type gitlabBranch struct {
	Name string `json:"name"`
}

type gitlabNote struct {
	ID     int    `json:"id"`
	Body   string `json:"body"`
	System bool   `json:"system"`
	Type   string `json:"type"`
	Author struct {
		Username string `json:"username"`
	} `json:"author"`
	CreatedAt string `json:"created_at"`
}

// ListItemsWithLabel lists labelled issues and merge requests across all
// projects the token can see.
func (g *GitLab) ListItemsWithLabel(ctx context.Context, label, state string) ([]Item, error) {
	if state == "open" {
		state = "opened"
	}
	query := url.Values{
		"labels": {label},
		"state":  {state},
		"scope":  {"all"},
	}

	var items []Item
	for _, resource := range []string{"issues", "merge_requests"} {
		raw, err := collectPages[gitlabIssue](ctx, g, "/"+resource, query)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", resource, err)
		}
		for _, it := range raw {
			key := task.GitLabIssue(it.ProjectID, it.IID)
			if resource == "merge_requests" {
				key = task.GitLabMergeRequest(it.ProjectID, it.IID)
			}
			items = append(items, gitlabItem(key, it))
		}
	}
	return items, nil
}

func (g *GitLab) GetItem(ctx context.Context, key task.Key) (Item, error) {
	var raw gitlabIssue
	if err := g.do(ctx, "GET", g.itemPath(key), nil, nil, &raw); err != nil {
		return Item{}, fmt.Errorf("get %s: %w", key, err)
	}
	return gitlabItem(key, raw), nil
}

// GetComments returns the item's notes in chronological order. System notes
// (label changes, status flips) are not human comments and are skipped.
func (g *GitLab) GetComments(ctx context.Context, key task.Key) ([]Comment, error) {
	query := url.Values{
		"order_by": {"created_at"},
		"sort":     {"asc"},
	}
	raw, err := collectPages[gitlabNote](ctx, g, g.itemPath(key)+"/notes", query)
	if err != nil {
		return nil, fmt.Errorf("list notes for %s: %w", key, err)
	}

	var comments []Comment
	for _, n := range raw {
		if n.System {
			continue
		}
		kind := CommentKindIssue
		if n.Type == "DiffNote" {
			kind = CommentKindInlineReview
		}
		created, _ := time.Parse(time.RFC3339, n.CreatedAt)
		comments = append(comments, Comment{
			ID:        fmt.Sprintf("%d", n.ID),
			Author:    n.Author.Username,
			Body:      n.Body,
			CreatedAt: created,
			Kind:      kind,
		})
	}
	sortComments(comments)
	return comments, nil
}

func (g *GitLab) Comment(ctx context.Context, key task.Key, body string) error {
	payload := map[string]string{"body": body}
	return g.do(ctx, "POST", g.itemPath(key)+"/notes", nil, payload, nil)
}

func (g *GitLab) SetLabels(ctx context.Context, key task.Key, names []string) error {
	payload := map[string]string{"labels": strings.Join(names, ",")}
	return g.do(ctx, "PUT", g.itemPath(key), nil, payload, nil)
}

func (g *GitLab) AddLabel(ctx context.Context, key task.Key, name string) error {
	payload := map[string]string{"add_labels": name}
	return g.do(ctx, "PUT", g.itemPath(key), nil, payload, nil)
}

func (g *GitLab) RemoveLabel(ctx context.Context, key task.Key, name string) error {
	payload := map[string]string{"remove_labels": name}
	return g.do(ctx, "PUT", g.itemPath(key), nil, payload, nil)
}

func (g *GitLab) ListBranches(ctx context.Context, repo RepoRef) ([]string, error) {
	path := fmt.Sprintf("/projects/%d/repository/branches", repo.ProjectID)
	raw, err := collectPages[gitlabBranch](ctx, g, path, nil)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	names := make([]string, 0, len(raw))
	for _, b := range raw {
		names = append(names, b.Name)
	}
	return names, nil
}

func (g *GitLab) CreateBranch(ctx context.Context, repo RepoRef, name, fromRef string) error {
	payload := map[string]string{"branch": name, "ref": fromRef}
	path := fmt.Sprintf("/projects/%d/repository/branches", repo.ProjectID)
	if err := g.do(ctx, "POST", path, nil, payload, nil); err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	return nil
}

// CreateSeedCommit posts a commit with an empty actions list, which GitLab
// accepts natively as an empty commit.
func (g *GitLab) CreateSeedCommit(ctx context.Context, repo RepoRef, branch, message string) error {
	payload := map[string]any{
		"branch":         branch,
		"commit_message": message,
		"actions":        []any{},
	}
	path := fmt.Sprintf("/projects/%d/repository/commits", repo.ProjectID)
	if err := g.do(ctx, "POST", path, nil, payload, nil); err != nil {
		return fmt.Errorf("create seed commit on %s: %w", branch, err)
	}
	return nil
}

func (g *GitLab) OpenChangeRequest(ctx context.Context, repo RepoRef, head, base, title, body string, draft bool) (ChangeRequest, error) {
	if draft && !strings.HasPrefix(title, "Draft:") {
		title = "Draft: " + title
	}
	payload := map[string]any{
		"source_branch": head,
		"target_branch": base,
		"title":         title,
		"description":   body,
	}
	var result struct {
		IID    int    `json:"iid"`
		WebURL string `json:"web_url"`
	}
	path := fmt.Sprintf("/projects/%d/merge_requests", repo.ProjectID)
	if err := g.do(ctx, "POST", path, nil, payload, &result); err != nil {
		return ChangeRequest{}, fmt.Errorf("open merge request %s -> %s: %w", head, base, err)
	}
	return ChangeRequest{Number: result.IID, URL: result.WebURL}, nil
}

func (g *GitLab) UpdateChangeRequest(ctx context.Context, key task.Key, update CRUpdate) error {
	payload := map[string]any{}
	if update.Body != nil {
		payload["description"] = *update.Body
	}
	if len(update.Labels) > 0 {
		payload["add_labels"] = strings.Join(update.Labels, ",")
	}
	if len(update.Assignees) > 0 {
		ids := make([]int, 0, len(update.Assignees))
		for _, username := range update.Assignees {
			id, err := g.ResolveUserID(ctx, username)
			if err != nil {
				return fmt.Errorf("resolve assignee %s: %w", username, err)
			}
			ids = append(ids, id)
		}
		payload["assignee_ids"] = ids
	}
	if len(payload) == 0 {
		return nil
	}
	path := fmt.Sprintf("/projects/%d/merge_requests/%d", key.ProjectID, key.IID)
	return g.do(ctx, "PUT", path, nil, payload, nil)
}

func (g *GitLab) DeleteBranch(ctx context.Context, repo RepoRef, name string) error {
	path := fmt.Sprintf("/projects/%d/repository/branches/%s", repo.ProjectID, url.PathEscape(name))
	if err := g.do(ctx, "DELETE", path, nil, nil, nil); err != nil {
		return fmt.Errorf("delete branch %s: %w", name, err)
	}
	return nil
}

// ResolveUserID looks up the numeric user ID for a username. GitLab assigns
// merge requests by ID, not username.
func (g *GitLab) ResolveUserID(ctx context.Context, username string) (int, error) {
	var users []struct {
		ID       int    `json:"id"`
		Username string `json:"username"`
	}
	query := url.Values{"username": {username}}
	if err := g.do(ctx, "GET", "/users", query, nil, &users); err != nil {
		return 0, fmt.Errorf("lookup user %s: %w", username, err)
	}
	for _, u := range users {
		if u.Username == username {
			return u.ID, nil
		}
	}
	return 0, fmt.Errorf("user %s not found", username)
}

func (g *GitLab) itemPath(key task.Key) string {
	resource := "issues"
	if key.Kind == task.KindChangeRequest {
		resource = "merge_requests"
	}
	return fmt.Sprintf("/projects/%d/%s/%d", key.ProjectID, resource, key.IID)
}

// collectPages walks a GET collection endpoint page by page, following the
// X-Next-Page header until the last page.
func collectPages[T any](ctx context.Context, g *GitLab, path string, query url.Values) ([]T, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("per_page", "100")

	var all []T
	for page := "1"; page != ""; {
		query.Set("page", page)
		var batch []T
		next, err := g.doPage(ctx, "GET", path, query, nil, &batch)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		page = next
	}
	return all, nil
}

// do performs one API call with the bounded client, retrying transient
// transport failures.
func (g *GitLab) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	_, err := g.doPage(ctx, method, path, query, payload, out)
	return err
}

// doPage is do plus pagination support: it returns the response's
// X-Next-Page header, empty on the last page.
func (g *GitLab) doPage(ctx context.Context, method, path string, query url.Values, payload, out any) (string, error) {
	apiURL := g.baseURL + "/api/v4" + path
	if len(query) > 0 {
		apiURL += "?" + query.Encode()
	}

	var nextPage string
	err := retryWithBackoff(func() error {
		var body io.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("marshal payload: %w", err)
			}
			body = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, apiURL, body)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("PRIVATE-TOKEN", g.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			respBody, _ := io.ReadAll(resp.Body)
			err := fmt.Errorf("gitlab api error: %s - %s", resp.Status, string(respBody))
			// Client errors other than throttling cannot succeed on retry.
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return NonRetryable(err)
			}
			return err
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		nextPage = resp.Header.Get("X-Next-Page")
		return nil
	})
	return nextPage, err
}

func gitlabItem(key task.Key, raw gitlabIssue) Item {
	created, _ := time.Parse(time.RFC3339, raw.CreatedAt)
	return Item{
		Key:       key,
		Title:     raw.Title,
		Body:      raw.Desc,
		Labels:    raw.Labels,
		Author:    raw.Author.Username,
		State:     raw.State,
		CreatedAt: created,
	}
}
