package forge

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"

	"github.com/forgepilot/forgepilot/internal/task"
)

// GitHub implements the Forge capability set on top of the GitHub REST API.
type GitHub struct {
	client *github.Client
}

// NewGitHub builds a GitHub adapter authenticated with a personal access
// token from the environment.
func NewGitHub(ctx context.Context, token string) *GitHub {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = DefaultRequestTimeout
	return &GitHub{client: github.NewClient(httpClient)}
}

// NewGitHubWithClient wraps an existing client. Used by tests and by GitHub
// App deployments that mint installation tokens via AppAuth.
func NewGitHubWithClient(client *github.Client) *GitHub {
	return &GitHub{client: client}
}

func (g *GitHub) Name() string { return "github" }

// ListItemsWithLabel searches issues and pull requests carrying the label
// across all repositories the token can see.
func (g *GitHub) ListItemsWithLabel(ctx context.Context, label, state string) ([]Item, error) {
	query := fmt.Sprintf("label:%q state:%s", label, state)
	opts := &github.SearchOptions{ListOptions: github.ListOptions{PerPage: 100}}

	var items []Item
	for {
		var result *github.IssuesSearchResult
		var resp *github.Response
		err := retryWithBackoff(func() error {
			var err error
			result, resp, err = g.client.Search.Issues(ctx, query, opts)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("search labelled items: %w", err)
		}

		for _, issue := range result.Issues {
			owner, repo, ok := splitRepositoryURL(issue.GetRepositoryURL())
			if !ok {
				continue
			}
			key := task.GitHubIssue(owner, repo, issue.GetNumber())
			if issue.IsPullRequest() {
				key = task.GitHubPullRequest(owner, repo, issue.GetNumber())
			}
			items = append(items, githubItem(key, issue))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return items, nil
}

func (g *GitHub) GetItem(ctx context.Context, key task.Key) (Item, error) {
	var issue *github.Issue
	err := retryWithBackoff(func() error {
		var err error
		issue, _, err = g.client.Issues.Get(ctx, key.Owner, key.Repo, key.Number)
		return err
	})
	if err != nil {
		return Item{}, fmt.Errorf("get %s: %w", key, err)
	}
	return githubItem(key, issue), nil
}

// GetComments merges issue-timeline and PR review-thread comments into a
// single chronological list.
func (g *GitHub) GetComments(ctx context.Context, key task.Key) ([]Comment, error) {
	var comments []Comment

	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		var page []*github.IssueComment
		var resp *github.Response
		err := retryWithBackoff(func() error {
			var err error
			page, resp, err = g.client.Issues.ListComments(ctx, key.Owner, key.Repo, key.Number, opts)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list comments for %s: %w", key, err)
		}
		for _, c := range page {
			comments = append(comments, Comment{
				ID:        fmt.Sprintf("%d", c.GetID()),
				Author:    c.GetUser().GetLogin(),
				Body:      c.GetBody(),
				CreatedAt: c.GetCreatedAt().Time,
				Kind:      CommentKindIssue,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	if key.Kind == task.KindChangeRequest {
		reviewOpts := &github.PullRequestListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
		for {
			var page []*github.PullRequestComment
			var resp *github.Response
			err := retryWithBackoff(func() error {
				var err error
				page, resp, err = g.client.PullRequests.ListComments(ctx, key.Owner, key.Repo, key.Number, reviewOpts)
				return err
			})
			if err != nil {
				return nil, fmt.Errorf("list review comments for %s: %w", key, err)
			}
			for _, c := range page {
				comments = append(comments, Comment{
					ID:        fmt.Sprintf("%d", c.GetID()),
					Author:    c.GetUser().GetLogin(),
					Body:      c.GetBody(),
					CreatedAt: c.GetCreatedAt().Time,
					Kind:      CommentKindInlineReview,
				})
			}
			if resp.NextPage == 0 {
				break
			}
			reviewOpts.Page = resp.NextPage
		}
	}

	sortComments(comments)
	return comments, nil
}

func (g *GitHub) Comment(ctx context.Context, key task.Key, body string) error {
	return retryWithBackoff(func() error {
		_, _, err := g.client.Issues.CreateComment(ctx, key.Owner, key.Repo, key.Number, &github.IssueComment{Body: github.String(body)})
		return err
	})
}

func (g *GitHub) SetLabels(ctx context.Context, key task.Key, names []string) error {
	return retryWithBackoff(func() error {
		_, _, err := g.client.Issues.ReplaceLabelsForIssue(ctx, key.Owner, key.Repo, key.Number, names)
		return err
	})
}

func (g *GitHub) AddLabel(ctx context.Context, key task.Key, name string) error {
	return retryWithBackoff(func() error {
		_, _, err := g.client.Issues.AddLabelsToIssue(ctx, key.Owner, key.Repo, key.Number, []string{name})
		return err
	})
}

func (g *GitHub) RemoveLabel(ctx context.Context, key task.Key, name string) error {
	err := retryWithBackoff(func() error {
		resp, err := g.client.Issues.RemoveLabelForIssue(ctx, key.Owner, key.Repo, key.Number, name)
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			// Label already absent.
			return nil
		}
		return err
	})
	return err
}

func (g *GitHub) ListBranches(ctx context.Context, repo RepoRef) ([]string, error) {
	opts := &github.BranchListOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var names []string
	for {
		var page []*github.Branch
		var resp *github.Response
		err := retryWithBackoff(func() error {
			var err error
			page, resp, err = g.client.Repositories.ListBranches(ctx, repo.Owner, repo.Name, opts)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list branches: %w", err)
		}
		for _, b := range page {
			names = append(names, b.GetName())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return names, nil
}

func (g *GitHub) CreateBranch(ctx context.Context, repo RepoRef, name, fromRef string) error {
	baseRef, _, err := g.client.Git.GetRef(ctx, repo.Owner, repo.Name, "refs/heads/"+fromRef)
	if err != nil {
		return fmt.Errorf("get base branch %s: %w", fromRef, err)
	}

	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + name),
		Object: &github.GitObject{SHA: baseRef.Object.SHA},
	}
	if _, _, err := g.client.Git.CreateRef(ctx, repo.Owner, repo.Name, ref); err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	return nil
}

// CreateSeedCommit writes a .gitkeep marker file. GitHub has no empty-commit
// API, so the marker is the cheapest way to seed a branch.
func (g *GitHub) CreateSeedCommit(ctx context.Context, repo RepoRef, branch, message string) error {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: []byte{},
		Branch:  github.String(branch),
	}
	_, _, err := g.client.Repositories.CreateFile(ctx, repo.Owner, repo.Name, ".gitkeep", opts)
	if err != nil {
		return fmt.Errorf("create seed commit on %s: %w", branch, err)
	}
	return nil
}

func (g *GitHub) OpenChangeRequest(ctx context.Context, repo RepoRef, head, base, title, body string, draft bool) (ChangeRequest, error) {
	pr, _, err := g.client.PullRequests.Create(ctx, repo.Owner, repo.Name, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(head),
		Base:  github.String(base),
		Body:  github.String(body),
		Draft: github.Bool(draft),
	})
	if err != nil {
		return ChangeRequest{}, fmt.Errorf("open pull request %s -> %s: %w", head, base, err)
	}
	return ChangeRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}, nil
}

func (g *GitHub) UpdateChangeRequest(ctx context.Context, key task.Key, update CRUpdate) error {
	if update.Body != nil {
		err := retryWithBackoff(func() error {
			_, _, err := g.client.PullRequests.Edit(ctx, key.Owner, key.Repo, key.Number, &github.PullRequest{Body: update.Body})
			return err
		})
		if err != nil {
			return fmt.Errorf("update PR body: %w", err)
		}
	}
	if len(update.Labels) > 0 {
		if _, _, err := g.client.Issues.AddLabelsToIssue(ctx, key.Owner, key.Repo, key.Number, update.Labels); err != nil {
			return fmt.Errorf("add PR labels: %w", err)
		}
	}
	if len(update.Assignees) > 0 {
		if _, _, err := g.client.Issues.AddAssignees(ctx, key.Owner, key.Repo, key.Number, update.Assignees); err != nil {
			return fmt.Errorf("add PR assignees: %w", err)
		}
	}
	return nil
}

func (g *GitHub) DeleteBranch(ctx context.Context, repo RepoRef, name string) error {
	_, err := g.client.Git.DeleteRef(ctx, repo.Owner, repo.Name, "refs/heads/"+name)
	if err != nil {
		return fmt.Errorf("delete branch %s: %w", name, err)
	}
	return nil
}

// ResolveUserID is unused on GitHub: assignment is by username.
func (g *GitHub) ResolveUserID(ctx context.Context, username string) (int, error) {
	return 0, fmt.Errorf("github: user ID resolution not required")
}

func githubItem(key task.Key, issue *github.Issue) Item {
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	return Item{
		Key:       key,
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		Labels:    labels,
		Author:    issue.GetUser().GetLogin(),
		State:     issue.GetState(),
		CreatedAt: issue.GetCreatedAt().Time,
	}
}

// splitRepositoryURL extracts owner and repo from an API repository URL like
// "https://api.github.com/repos/octocat/hello-world".
func splitRepositoryURL(url string) (owner, repo string, ok bool) {
	const marker = "/repos/"
	idx := strings.Index(url, marker)
	if idx == -1 {
		return "", "", false
	}
	parts := strings.SplitN(url[idx+len(marker):], "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
